package rag

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

const (
	DefaultChunkSize      = 1000
	DefaultChunkOverlap   = 200
	DefaultMinChunkLength = 50
	// boundaryWindow is the tail share of a chunk searched for a sentence end.
	boundaryWindow = 0.3
)

var chunkNamespace = uuid.MustParse("8f1c2a4e-6b7d-4c3e-9a51-2d0e7f6b1c33")

type ChunkerConfig struct {
	Size      int
	Overlap   int
	MinLength int
}

func (c ChunkerConfig) withDefaults() ChunkerConfig {
	if c.Size <= 0 {
		c.Size = DefaultChunkSize
	}
	if c.Overlap < 0 || c.Overlap >= c.Size {
		c.Overlap = DefaultChunkOverlap
		if c.Overlap >= c.Size {
			c.Overlap = c.Size / 5
		}
	}
	if c.MinLength <= 0 {
		c.MinLength = DefaultMinChunkLength
	}
	return c
}

// Span is one chunk of normalised text. Offsets count runes.
type Span struct {
	Index       int
	Content     string
	StartOffset int
	EndOffset   int
}

type Chunker struct {
	cfg ChunkerConfig
}

func NewChunker(cfg ChunkerConfig) *Chunker {
	return &Chunker{cfg: cfg.withDefaults()}
}

// Split normalises whitespace and cuts text into overlapping windows,
// preferring to end a window at a sentence boundary in its last 30%. Windows
// shorter than MinLength are dropped.
func (c *Chunker) Split(text string) []Span {
	runes := []rune(NormalizeWhitespace(text))
	total := len(runes)
	if total == 0 {
		return nil
	}

	var spans []Span
	start := 0
	for start < total {
		end := start + c.cfg.Size
		if end > total {
			end = total
		}
		if end < total {
			if b := sentenceBoundary(runes, start+int(float64(c.cfg.Size)*(1-boundaryWindow)), end); b > start {
				end = b
			}
		}

		content := strings.TrimSpace(string(runes[start:end]))
		if len([]rune(content)) >= c.cfg.MinLength {
			spans = append(spans, Span{
				Index:       len(spans),
				Content:     content,
				StartOffset: start,
				EndOffset:   end,
			})
		}
		if end >= total {
			break
		}
		next := end - c.cfg.Overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return spans
}

// sentenceBoundary returns the index just past the last sentence terminator
// in runes[from:to], or -1.
func sentenceBoundary(runes []rune, from, to int) int {
	if from < 0 {
		from = 0
	}
	for i := to - 1; i >= from; i-- {
		switch runes[i] {
		case '.', '!', '?':
			if i+1 == len(runes) || unicode.IsSpace(runes[i+1]) {
				return i + 1
			}
		}
	}
	return -1
}

func NormalizeWhitespace(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// ChunkID is stable for a given document, position and content.
func ChunkID(documentID string, index int, contentHash string) string {
	return uuid.NewSHA1(chunkNamespace, []byte(documentID+":"+strconv.Itoa(index)+":"+contentHash)).String()
}
