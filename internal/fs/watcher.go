package fs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"missionlab/internal/domain"
)

type Ingester interface {
	IngestDocument(ctx context.Context, doc domain.Document) (domain.Document, []domain.DocumentChunk, error)
}

type WatcherConfig struct {
	Group    string
	Debounce time.Duration
}

// Watcher keeps the document store in step with the gateway root: files that
// are created or written are re-ingested once they stop changing.
type Watcher struct {
	gw     *Gateway
	ingest Ingester
	cfg    WatcherConfig
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]time.Time
}

func NewWatcher(gw *Gateway, ingest Ingester, cfg WatcherConfig, logger *zap.Logger) *Watcher {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Watcher{
		gw:      gw,
		ingest:  ingest,
		cfg:     cfg,
		logger:  logger,
		pending: make(map[string]time.Time),
	}
}

// SyncAll ingests every supported file under the root and returns how many
// succeeded. Failures are logged and skipped.
func (w *Watcher) SyncAll(ctx context.Context) (int, error) {
	paths, err := w.gw.List(ctx)
	if err != nil {
		return 0, err
	}
	var ok int
	for _, p := range paths {
		if err := w.ingestPath(ctx, p); err != nil {
			if ctx.Err() != nil {
				return ok, ctx.Err()
			}
			continue
		}
		ok++
	}
	return ok, nil
}

// Run watches the root until ctx ends.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := w.addTree(watcher, w.gw.Root()); err != nil {
		return err
	}
	w.logger.Info("watching documents", zap.String("root", w.gw.Root()))

	tick := w.cfg.Debounce / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(watcher, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("document watcher error", zap.Error(err))
		case now := <-ticker.C:
			w.flush(ctx, now)
		}
	}
}

func (w *Watcher) handleEvent(watcher *fsnotify.Watcher, event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(watcher, event.Name); err != nil {
				w.logger.Warn("watch new directory", zap.String("path", event.Name), zap.Error(err))
			}
			return
		}
	}
	if !Supported(event.Name) || strings.HasPrefix(filepath.Base(event.Name), ".") {
		return
	}
	rel, err := w.gw.Relative(event.Name)
	if err != nil {
		return
	}
	w.mu.Lock()
	w.pending[rel] = time.Now()
	w.mu.Unlock()
}

// flush ingests paths that have been quiet for the debounce interval.
func (w *Watcher) flush(ctx context.Context, now time.Time) {
	var ready []string
	w.mu.Lock()
	for p, seen := range w.pending {
		if now.Sub(seen) >= w.cfg.Debounce {
			ready = append(ready, p)
			delete(w.pending, p)
		}
	}
	w.mu.Unlock()

	for _, p := range ready {
		_ = w.ingestPath(ctx, p)
	}
}

func (w *Watcher) ingestPath(ctx context.Context, rel string) error {
	doc, err := w.gw.ReadDocument(ctx, rel, w.cfg.Group)
	if err == nil {
		var chunks []domain.DocumentChunk
		doc, chunks, err = w.ingest.IngestDocument(ctx, doc)
		if err == nil {
			w.logger.Info("document ingested",
				zap.String("path", rel),
				zap.String("document_id", doc.ID),
				zap.Int("chunks", len(chunks)),
			)
			return nil
		}
	}
	level := w.logger.Warn
	if errors.Is(err, domain.ErrInsufficientInput) {
		level = w.logger.Debug
	}
	level("document ingest skipped", zap.String("path", rel), zap.Error(err))
	return err
}

func (w *Watcher) addTree(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := watcher.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}
