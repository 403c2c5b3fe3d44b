package rag

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/ollama/ollama/api"
	"google.golang.org/genai"

	"missionlab/internal/config"
)

const (
	defaultOllamaModel = "nomic-embed-text"
	defaultOllamaHost  = "http://localhost:11434"
	defaultGenAIModel  = "text-embedding-004"
)

// NewEmbeddingModel builds the configured embedding backend. The hash model
// is the default and needs no network.
func NewEmbeddingModel(ctx context.Context, cfg config.EmbeddingConfig) (EmbeddingModel, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "hash":
		return NewHashEmbedding(cfg.Dimensions), nil
	case "ollama":
		return NewOllamaEmbedding(cfg.Host, cfg.Model, cfg.Dimensions)
	case "genai", "gemini":
		return NewGenAIEmbedding(ctx, cfg.APIKey(), cfg.Model, cfg.Dimensions)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

// OllamaEmbedding calls the embed endpoint of an Ollama server.
type OllamaEmbedding struct {
	client *api.Client
	model  string

	mu   sync.Mutex
	dims int
}

func NewOllamaEmbedding(host, model string, dims int) (*OllamaEmbedding, error) {
	var client *api.Client
	if strings.TrimSpace(host) == "" {
		c, err := api.ClientFromEnvironment()
		if err != nil {
			host = defaultOllamaHost
		} else {
			client = c
		}
	}
	if client == nil {
		u, err := url.Parse(host)
		if err != nil {
			return nil, fmt.Errorf("ollama: bad host %q: %w", host, err)
		}
		client = api.NewClient(u, http.DefaultClient)
	}
	if strings.TrimSpace(model) == "" {
		model = defaultOllamaModel
	}
	return &OllamaEmbedding{client: client, model: model, dims: dims}, nil
}

func (o *OllamaEmbedding) Name() string { return "ollama:" + o.model }

// Dimensions is 0 until the first response when not configured.
func (o *OllamaEmbedding) Dimensions() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dims
}

func (o *OllamaEmbedding) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := o.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (o *OllamaEmbedding) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := o.client.Embed(ctx, &api.EmbedRequest{Model: o.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama embed: got %d vectors for %d texts", len(resp.Embeddings), len(texts))
	}
	o.mu.Lock()
	if o.dims == 0 && len(resp.Embeddings[0]) > 0 {
		o.dims = len(resp.Embeddings[0])
	}
	o.mu.Unlock()
	return resp.Embeddings, nil
}

// GenAIEmbedding calls the Gemini embedding API.
type GenAIEmbedding struct {
	client *genai.Client
	model  string
	dims   int
}

func NewGenAIEmbedding(ctx context.Context, apiKey, model string, dims int) (*GenAIEmbedding, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("genai: api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("genai: create client: %w", err)
	}
	if strings.TrimSpace(model) == "" {
		model = defaultGenAIModel
	}
	if dims <= 0 {
		dims = 768
	}
	return &GenAIEmbedding{client: client, model: model, dims: dims}, nil
}

func (g *GenAIEmbedding) Name() string { return "genai:" + g.model }

func (g *GenAIEmbedding) Dimensions() int { return g.dims }

func (g *GenAIEmbedding) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := g.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (g *GenAIEmbedding) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	contents := make([]*genai.Content, 0, len(texts))
	for _, t := range texts {
		contents = append(contents, genai.NewContentFromText(t, genai.RoleUser))
	}
	dims := int32(g.dims)
	resp, err := g.client.Models.EmbedContent(ctx, g.model, contents, &genai.EmbedContentConfig{
		TaskType:             "RETRIEVAL_DOCUMENT",
		OutputDimensionality: &dims,
	})
	if err != nil {
		return nil, fmt.Errorf("genai embed: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("genai embed: got %d vectors for %d texts", len(resp.Embeddings), len(texts))
	}
	out := make([][]float32, 0, len(resp.Embeddings))
	for _, e := range resp.Embeddings {
		out = append(out, e.Values)
	}
	return out, nil
}
