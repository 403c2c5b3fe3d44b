package fs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"missionlab/internal/domain"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func newTestGateway(t *testing.T, maxBytes int64) (*Gateway, string) {
	t.Helper()
	root := t.TempDir()
	gw, err := NewGateway(root, maxBytes, zap.NewNop())
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	return gw, root
}

func TestReadDocumentRejectsEscapes(t *testing.T) {
	gw, _ := newTestGateway(t, 0)
	for _, p := range []string{"../secret.txt", "notes/../../x.md", ".", ""} {
		if _, err := gw.ReadDocument(context.Background(), p, ""); err == nil {
			t.Fatalf("expected %q to be rejected", p)
		}
	}
	if _, err := gw.ReadDocument(context.Background(), "../secret.txt", ""); !errors.Is(err, ErrOutsideRoot) {
		t.Fatalf("expected ErrOutsideRoot, got %v", err)
	}
}

func TestReadDocumentTextAndLimits(t *testing.T) {
	gw, root := newTestGateway(t, 64)
	writeFile(t, root, "notes/grid.md", "# Grid\n\nStorage capacity doubled.")
	writeFile(t, root, "big.txt", strings.Repeat("x", 65))
	writeFile(t, root, "data.csv", "a,b")

	doc, err := gw.ReadDocument(context.Background(), "./notes/grid.md", "energy")
	if err != nil {
		t.Fatalf("read document: %v", err)
	}
	if doc.Title != "grid" || doc.FileType != "md" || doc.Group != "energy" || doc.Path != "notes/grid.md" {
		t.Fatalf("unexpected document metadata: %+v", doc)
	}
	if doc.WordCount != 5 {
		t.Fatalf("expected 5 words, got %d", doc.WordCount)
	}
	if doc.ID != DocumentID("notes/grid.md") {
		t.Fatalf("document id is not path derived")
	}

	if _, err := gw.ReadDocument(context.Background(), "big.txt", ""); !errors.Is(err, ErrFileTooLarge) {
		t.Fatalf("expected ErrFileTooLarge, got %v", err)
	}
	if _, err := gw.ReadDocument(context.Background(), "data.csv", ""); !errors.Is(err, ErrUnsupportedFileType) {
		t.Fatalf("expected ErrUnsupportedFileType, got %v", err)
	}
}

func TestReadDocumentExtractsHTML(t *testing.T) {
	gw, root := newTestGateway(t, 0)
	writeFile(t, root, "page.html", `<html><head><title>Wind Outlook</title><style>p{}</style></head>
<body><nav>Home | About</nav><h1>Offshore wind</h1><p>Costs fell   sharply.</p>
<ul><li>Turbines grew larger.</li></ul><script>track()</script></body></html>`)

	doc, err := gw.ReadDocument(context.Background(), "page.html", "")
	if err != nil {
		t.Fatalf("read html: %v", err)
	}
	if doc.Title != "Wind Outlook" {
		t.Fatalf("expected html title, got %q", doc.Title)
	}
	want := "Offshore wind\n\nCosts fell sharply.\n\nTurbines grew larger."
	if doc.Content != want {
		t.Fatalf("unexpected html text:\n%q\nwant\n%q", doc.Content, want)
	}
}

func TestListSkipsHiddenAndUnsupported(t *testing.T) {
	gw, root := newTestGateway(t, 0)
	writeFile(t, root, "b.txt", "b")
	writeFile(t, root, "a/c.md", "c")
	writeFile(t, root, ".cache/d.txt", "d")
	writeFile(t, root, "e.pdf", "e")

	paths, err := gw.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if strings.Join(paths, ",") != "a/c.md,b.txt" {
		t.Fatalf("unexpected listing %v", paths)
	}
}

type recordingIngester struct {
	mu   sync.Mutex
	docs []domain.Document
}

func (r *recordingIngester) IngestDocument(_ context.Context, doc domain.Document) (domain.Document, []domain.DocumentChunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if strings.TrimSpace(doc.Content) == "" {
		return domain.Document{}, nil, &domain.InsufficientInputError{Subject: "document content"}
	}
	r.docs = append(r.docs, doc)
	return doc, nil, nil
}

func (r *recordingIngester) paths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.docs))
	for _, d := range r.docs {
		out = append(out, d.Path)
	}
	return out
}

func TestWatcherSyncAllAndReingest(t *testing.T) {
	gw, root := newTestGateway(t, 0)
	writeFile(t, root, "one.txt", "first document body")
	writeFile(t, root, "empty.md", "   ")

	ing := &recordingIngester{}
	w := NewWatcher(gw, ing, WatcherConfig{Group: "g", Debounce: 20 * time.Millisecond}, zap.NewNop())
	n, err := w.SyncAll(context.Background())
	if err != nil {
		t.Fatalf("sync all: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 ingested document, got %d", n)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("watcher run: %v", err)
		}
	}()

	// Give the watcher time to register the root.
	time.Sleep(50 * time.Millisecond)
	writeFile(t, root, "two.md", "second document body")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, p := range ing.paths() {
			if p == "two.md" {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("watcher did not ingest new file, saw %v", ing.paths())
}
