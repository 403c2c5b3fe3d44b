package rag

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"missionlab/internal/domain"
)

const (
	DefaultSimilarityThreshold = 0.7
	DefaultSearchLimit         = 10

	semanticWeight = 0.7
	keywordWeight  = 0.3
	hybridBoost    = 1.1
)

type Store interface {
	UpsertDocument(ctx context.Context, d domain.Document) error
	GetDocument(ctx context.Context, documentID string) (domain.Document, error)
	ReplaceDocumentChunks(ctx context.Context, documentID string, chunks []domain.DocumentChunk) error
	ListChunks(ctx context.Context, filter domain.ChunkFilter) ([]domain.DocumentChunk, error)
}

type Config struct {
	Chunker             ChunkerConfig
	SimilarityThreshold float64
	SearchLimit         int
}

func (c Config) withDefaults() Config {
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if c.SearchLimit <= 0 {
		c.SearchLimit = DefaultSearchLimit
	}
	return c
}

// SearchOptions narrows a search. Zero Threshold and Limit fall back to the
// service defaults.
type SearchOptions struct {
	DocumentIDs []string `json:"document_ids,omitempty"`
	Group       string   `json:"group,omitempty"`
	FileTypes   []string `json:"file_types,omitempty"`
	Threshold   float64  `json:"threshold,omitempty"`
	Limit       int      `json:"limit,omitempty"`
}

type SearchResult struct {
	Chunk        domain.DocumentChunk `json:"chunk"`
	Similarity   float64              `json:"similarity"`
	KeywordScore float64              `json:"keyword_score"`
	Score        float64              `json:"score"`
	MatchedBy    []string             `json:"matched_by"`
}

type Service struct {
	store   Store
	model   EmbeddingModel
	chunker *Chunker
	cfg     Config
	logger  *zap.Logger
}

func New(store Store, model EmbeddingModel, cfg Config, logger *zap.Logger) *Service {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.L()
	}
	if model == nil {
		model = NewHashEmbedding(DefaultDimensions)
	}
	return &Service{
		store:   store,
		model:   model,
		chunker: NewChunker(cfg.Chunker),
		cfg:     cfg,
		logger:  logger,
	}
}

func (s *Service) ModelName() string { return s.model.Name() }

// IngestDocument persists doc and chunks it. Missing id, hash and counters are
// filled in.
func (s *Service) IngestDocument(ctx context.Context, doc domain.Document) (domain.Document, []domain.DocumentChunk, error) {
	if strings.TrimSpace(doc.Content) == "" {
		return domain.Document{}, nil, &domain.InsufficientInputError{Subject: "document content"}
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.Title == "" {
		doc.Title = doc.ID
	}
	if doc.FileType == "" {
		doc.FileType = "txt"
	}
	doc.ContentHash = ContentHash(doc.Content)
	doc.Size = len(doc.Content)
	doc.WordCount = len(strings.Fields(doc.Content))
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	if err := s.store.UpsertDocument(ctx, doc); err != nil {
		return domain.Document{}, nil, fmt.Errorf("ingest document: %w", err)
	}
	chunks, err := s.ProcessDocument(ctx, doc.ID)
	if err != nil {
		return domain.Document{}, nil, err
	}
	return doc, chunks, nil
}

// ProcessDocument chunks and embeds a stored document and replaces its chunk
// set. Running it twice on unchanged content yields identical chunks.
func (s *Service) ProcessDocument(ctx context.Context, documentID string) ([]domain.DocumentChunk, error) {
	started := time.Now()
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("process document: %w", err)
	}

	spans := s.chunker.Split(doc.Content)
	texts := make([]string, len(spans))
	for i, sp := range spans {
		texts[i] = sp.Content
	}
	var vectors [][]float32
	if len(texts) > 0 {
		vectors, err = s.model.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("embed chunks of %s: %w", documentID, err)
		}
		if len(vectors) != len(texts) {
			return nil, fmt.Errorf("embed chunks of %s: got %d vectors for %d chunks", documentID, len(vectors), len(texts))
		}
	}

	now := time.Now().UTC()
	model := s.model.Name()
	chunks := make([]domain.DocumentChunk, 0, len(spans))
	for i, sp := range spans {
		hash := ContentHash(sp.Content)
		chunks = append(chunks, domain.DocumentChunk{
			ID:          ChunkID(documentID, sp.Index, hash),
			DocumentID:  documentID,
			Index:       sp.Index,
			Content:     sp.Content,
			StartOffset: sp.StartOffset,
			EndOffset:   sp.EndOffset,
			ContentHash: hash,
			Embedding:   vectors[i],
			Model:       model,
			CreatedAt:   now,
		})
	}
	if err := s.store.ReplaceDocumentChunks(ctx, documentID, chunks); err != nil {
		return nil, fmt.Errorf("store chunks of %s: %w", documentID, err)
	}

	s.logger.Info("document processed",
		zap.String("document_id", documentID),
		zap.Int("chunks", len(chunks)),
		zap.Int("runes", utf8.RuneCountInString(doc.Content)),
		zap.String("model", model),
		zap.Duration("elapsed", time.Since(started)),
	)
	return chunks, nil
}

// SemanticSearch ranks chunks by cosine similarity to the query embedding and
// keeps those at or above the threshold.
func (s *Service) SemanticSearch(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error) {
	opts = s.resolve(opts)
	if strings.TrimSpace(query) == "" {
		return nil, &domain.InsufficientInputError{Subject: "search query"}
	}
	qv, err := s.model.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	chunks, err := s.candidates(ctx, opts)
	if err != nil {
		return nil, err
	}

	terms := queryTerms(query)
	model := s.model.Name()
	var skipped int
	results := make([]SearchResult, 0)
	for _, c := range chunks {
		if c.Model != model {
			skipped++
			continue
		}
		sim := CosineSimilarity(qv, c.Embedding)
		if sim < opts.Threshold {
			continue
		}
		kw := keywordOverlap(query, terms, c.Content)
		results = append(results, SearchResult{
			Chunk:        c,
			Similarity:   sim,
			KeywordScore: kw,
			Score:        semanticWeight*sim + keywordWeight*kw,
			MatchedBy:    []string{"semantic"},
		})
	}
	if skipped > 0 {
		s.logger.Debug("chunks embedded by another model skipped",
			zap.Int("skipped", skipped),
			zap.String("model", model),
		)
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].Chunk.ID < results[j].Chunk.ID
	})
	return truncate(results, opts.Limit), nil
}

// KeywordSearch scores chunks by the share of query terms they contain.
func (s *Service) KeywordSearch(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error) {
	opts = s.resolve(opts)
	if strings.TrimSpace(query) == "" {
		return nil, &domain.InsufficientInputError{Subject: "search query"}
	}
	chunks, err := s.candidates(ctx, opts)
	if err != nil {
		return nil, err
	}
	terms := queryTerms(query)
	results := make([]SearchResult, 0)
	for _, c := range chunks {
		kw := keywordOverlap(query, terms, c.Content)
		if kw <= 0 {
			continue
		}
		results = append(results, SearchResult{
			Chunk:        c,
			KeywordScore: kw,
			Score:        kw,
			MatchedBy:    []string{"keyword"},
		})
	}
	sortByScore(results)
	return truncate(results, opts.Limit), nil
}

// HybridSearch merges semantic and keyword results. Chunks found by both get
// their score boosted by 10%.
func (s *Service) HybridSearch(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error) {
	opts = s.resolve(opts)
	semantic, err := s.SemanticSearch(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	keyword, err := s.KeywordSearch(ctx, query, opts)
	if err != nil {
		return nil, err
	}

	merged := make([]SearchResult, 0, len(semantic)+len(keyword))
	index := make(map[string]int, len(semantic))
	for _, r := range semantic {
		index[r.Chunk.ID] = len(merged)
		merged = append(merged, r)
	}
	for _, r := range keyword {
		if i, ok := index[r.Chunk.ID]; ok {
			merged[i].Score *= hybridBoost
			merged[i].MatchedBy = append(merged[i].MatchedBy, "keyword")
			continue
		}
		index[r.Chunk.ID] = len(merged)
		merged = append(merged, r)
	}
	sortByScore(merged)
	return truncate(merged, opts.Limit), nil
}

func (s *Service) resolve(opts SearchOptions) SearchOptions {
	if opts.Threshold <= 0 {
		opts.Threshold = s.cfg.SimilarityThreshold
	}
	if opts.Limit <= 0 {
		opts.Limit = s.cfg.SearchLimit
	}
	return opts
}

func (s *Service) candidates(ctx context.Context, opts SearchOptions) ([]domain.DocumentChunk, error) {
	chunks, err := s.store.ListChunks(ctx, domain.ChunkFilter{
		DocumentIDs: opts.DocumentIDs,
		Group:       opts.Group,
		FileTypes:   opts.FileTypes,
	})
	if err != nil {
		return nil, fmt.Errorf("load candidate chunks: %w", err)
	}
	return chunks, nil
}

func sortByScore(results []SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Chunk.ID < results[j].Chunk.ID
	})
}

func truncate(results []SearchResult, limit int) []SearchResult {
	if limit > 0 && len(results) > limit {
		return results[:limit]
	}
	return results
}
