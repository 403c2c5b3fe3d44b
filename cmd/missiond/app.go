package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"missionlab/internal/agent"
	"missionlab/internal/config"
	"missionlab/internal/domain"
	"missionlab/internal/fs"
	"missionlab/internal/llm"
	"missionlab/internal/messaging/inproc"
	"missionlab/internal/optimization"
	"missionlab/internal/orchestrator"
	"missionlab/internal/rag"
	sqlitestore "missionlab/internal/store/sqlite"
)

// app is the wired process: one store shared by every service.
type app struct {
	cfg          config.Config
	logger       *zap.Logger
	store        *sqlitestore.Store
	bus          *inproc.Bus
	rag          *rag.Service
	optimizer    *optimization.Service
	coordinator  *orchestrator.Coordinator
	files        *fs.Gateway
	documentsDir string
}

func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	dbPath := filepath.Clean(cfg.Server.DBPath)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}

	model, err := rag.NewEmbeddingModel(ctx, cfg.RAG.Embedding)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	ragSvc := rag.New(store, rag.NewCachedEmbedding(model, store, logger), rag.Config{
		Chunker: rag.ChunkerConfig{
			Size:      cfg.RAG.ChunkSize,
			Overlap:   cfg.RAG.ChunkOverlap,
			MinLength: cfg.RAG.MinChunkLength,
		},
		SimilarityThreshold: cfg.RAG.SimilarityThreshold,
		SearchLimit:         cfg.RAG.SearchLimit,
	}, logger.Named("rag"))

	var evaluator optimization.FitnessEvaluator = optimization.HeuristicEvaluator{}
	if cfg.Optimization.Noise > 0 {
		evaluator = optimization.NewNoisyEvaluator(evaluator, cfg.Optimization.Noise, uint64(cfg.Optimization.Seed))
	}
	optimizer := optimization.New(store, evaluator, optimization.Config{
		Defaults:              cfg.Optimization.OptimizationConfig,
		GenerationDelay:       durationMS(cfg.Optimization.GenerationDelayMS, 0),
		EvaluationConcurrency: cfg.Optimization.EvaluationConcurrency,
		Seed:                  cfg.Optimization.Seed,
	}, logger.Named("optimization"))

	if err := seedPrompts(ctx, cfg.Prompts.SeedFile, optimizer, logger); err != nil {
		_ = store.Close()
		return nil, err
	}

	generator, err := llm.New(ctx, cfg.Generation)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("create generator: %w", err)
	}
	generatorName := "none"
	if generator != nil {
		generatorName = generator.Name()
	}
	logger.Info("text generation configured", zap.String("generator", generatorName))

	bus := inproc.New(256, logger.Named("bus"))
	opts := agent.Options{Optimizer: optimizer, Prompts: optimizer, Generator: generator, Logger: logger.Named("agent")}
	coordinator := orchestrator.New(store, orchestrator.Agents{
		Planner:    agent.NewPlanningAgent(opts),
		Research:   agent.NewResearchAgent(ragSvc, agent.ResearchConfig{}, opts),
		Writing:    agent.NewWritingAgent(opts),
		Reflection: agent.NewReflectionAgent(agent.ReflectionConfig{QualityThreshold: cfg.Coordinator.QualityThreshold}, opts),
	}, bus, orchestrator.Config{
		MaxResearchReflections: cfg.Coordinator.MaxResearchReflections,
		MaxWritingReflections:  cfg.Coordinator.MaxWritingReflections,
		AgentAttempts:          cfg.Coordinator.AgentAttempts,
		RetryDelay:             durationMS(cfg.Coordinator.RetryDelayMS, 0),
		HeartbeatInterval:      durationMS(cfg.Coordinator.HeartbeatIntervalMS, 0),
		IdleTimeout:            time.Duration(cfg.Coordinator.IdleTimeoutSec) * time.Second,
	}, logger.Named("coordinator"))

	docsRoot := filepath.Clean(cfg.Server.DocumentsRoot)
	files, err := fs.NewGateway(docsRoot, cfg.RAG.MaxDocumentBytes, logger.Named("documents"))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("create document gateway: %w", err)
	}

	return &app{
		cfg:          cfg,
		logger:       logger,
		store:        store,
		bus:          bus,
		rag:          ragSvc,
		optimizer:    optimizer,
		coordinator:  coordinator,
		files:        files,
		documentsDir: docsRoot,
	}, nil
}

// close waits for background work before releasing the store.
func (a *app) close() {
	a.coordinator.Wait()
	a.optimizer.Wait()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store", zap.Error(err))
	}
}

func (a *app) watcher(group string) *fs.Watcher {
	return fs.NewWatcher(a.files, a.rag, fs.WatcherConfig{Group: group}, a.logger.Named("watcher"))
}

func seedPrompts(ctx context.Context, path string, optimizer *optimization.Service, logger *zap.Logger) error {
	seeds, err := config.LoadPromptSeeds(path)
	if err != nil {
		return err
	}
	params := make([]domain.PromptParameter, 0, len(seeds))
	for _, s := range seeds {
		params = append(params, domain.PromptParameter{
			ModuleID: s.Module,
			Name:     s.Name,
			Value:    s.Value,
			State:    domain.ParameterStateActive,
		})
	}
	added, err := optimizer.SeedPromptParameters(ctx, params)
	if err != nil {
		return fmt.Errorf("seed prompts: %w", err)
	}
	if added > 0 {
		logger.Info("prompt parameters seeded", zap.Int("added", added))
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func durationMS(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Millisecond
}
