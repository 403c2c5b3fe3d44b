package rag

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOllamaEmbeddingCallsEmbedEndpoint(t *testing.T) {
	var got struct {
		Model string   `json:"model"`
		Input []string `json:"input"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"nomic-embed-text","embeddings":[[0.1,0.2,0.3],[0.4,0.5,0.6]]}`))
	}))
	defer srv.Close()

	model, err := NewOllamaEmbedding(srv.URL, "", 0)
	require.NoError(t, err)
	assert.Equal(t, 0, model.Dimensions())

	vecs, err := model.EmbedBatch(context.Background(), []string{"alpha", "beta"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{0.4, 0.5, 0.6}, vecs[1])
	assert.Equal(t, 3, model.Dimensions())
	assert.Equal(t, "nomic-embed-text", got.Model)
	assert.Equal(t, []string{"alpha", "beta"}, got.Input)

	_, err = model.EmbedBatch(context.Background(), []string{"only one"})
	assert.ErrorContains(t, err, "got 2 vectors for 1 texts")
}
