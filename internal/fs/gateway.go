package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"missionlab/internal/domain"
)

const defaultMaxBytes = 10 << 20

var (
	ErrUnsupportedFileType = errors.New("unsupported document type")
	ErrFileTooLarge        = errors.New("document exceeds size limit")
	ErrOutsideRoot         = errors.New("path escapes documents root")
)

var fileTypes = map[string]string{
	".txt":      "txt",
	".md":       "md",
	".markdown": "md",
	".html":     "html",
	".htm":      "html",
}

var documentNamespace = uuid.MustParse("5d3f0b8e-51a4-4f47-9a0c-7c0f3b6a2e19")

// Gateway reads documents from a directory tree. Paths handed to it are
// relative to the root and may not leave it.
type Gateway struct {
	root     string
	maxBytes int64
	logger   *zap.Logger
}

func NewGateway(root string, maxBytes int64, logger *zap.Logger) (*Gateway, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create root path: %w", err)
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Gateway{root: absRoot, maxBytes: maxBytes, logger: logger}, nil
}

func (g *Gateway) Root() string { return g.root }

// Supported reports whether path has an extension the gateway can read.
func Supported(path string) bool {
	_, ok := fileTypes[strings.ToLower(filepath.Ext(path))]
	return ok
}

// DocumentID is stable for a normalized relative path, so re-reading a file
// replaces the earlier document.
func DocumentID(normalizedPath string) string {
	return uuid.NewSHA1(documentNamespace, []byte(normalizedPath)).String()
}

// ReadDocument loads relPath into a Document ready for ingestion.
func (g *Gateway) ReadDocument(ctx context.Context, relPath, group string) (domain.Document, error) {
	if err := ctx.Err(); err != nil {
		return domain.Document{}, err
	}
	absPath, normalized, err := g.resolve(relPath)
	if err != nil {
		return domain.Document{}, err
	}
	fileType, ok := fileTypes[strings.ToLower(filepath.Ext(normalized))]
	if !ok {
		return domain.Document{}, fmt.Errorf("%w: %s", ErrUnsupportedFileType, filepath.Ext(normalized))
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return domain.Document{}, fmt.Errorf("stat document: %w", err)
	}
	if info.IsDir() {
		return domain.Document{}, fmt.Errorf("%w: %s is a directory", ErrUnsupportedFileType, normalized)
	}
	if info.Size() > g.maxBytes {
		return domain.Document{}, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrFileTooLarge, normalized, info.Size(), g.maxBytes)
	}

	f, err := os.Open(absPath)
	if err != nil {
		return domain.Document{}, fmt.Errorf("open document: %w", err)
	}
	defer f.Close()

	title := strings.TrimSuffix(filepath.Base(normalized), filepath.Ext(normalized))
	var content string
	if fileType == "html" {
		htmlTitle, text, err := extractHTML(f)
		if err != nil {
			return domain.Document{}, fmt.Errorf("extract html %s: %w", normalized, err)
		}
		if htmlTitle != "" {
			title = htmlTitle
		}
		content = text
	} else {
		raw, err := io.ReadAll(f)
		if err != nil {
			return domain.Document{}, fmt.Errorf("read document: %w", err)
		}
		content = string(raw)
	}

	return domain.Document{
		ID:        DocumentID(normalized),
		Title:     title,
		Group:     group,
		FileType:  fileType,
		Path:      normalized,
		Content:   content,
		Size:      int(info.Size()),
		WordCount: len(strings.Fields(content)),
		CreatedAt: time.Now().UTC(),
	}, nil
}

// List returns the supported files under the root as sorted relative paths.
func (g *Gateway) List(ctx context.Context) ([]string, error) {
	var out []string
	err := filepath.WalkDir(g.root, func(path string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if path != g.root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !Supported(path) {
			return nil
		}
		rel, err := filepath.Rel(g.root, path)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	sort.Strings(out)
	return out, nil
}

// Relative converts an absolute path under the root into the gateway's
// normalized form.
func (g *Gateway) Relative(absPath string) (string, error) {
	rel, err := filepath.Rel(g.root, filepath.Clean(absPath))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, absPath)
	}
	return filepath.ToSlash(rel), nil
}

func (g *Gateway) resolve(relPath string) (absolute string, normalized string, err error) {
	normalized = strings.ReplaceAll(strings.TrimSpace(relPath), "\\", "/")
	normalized = strings.TrimPrefix(normalized, "./")
	normalized = strings.TrimPrefix(normalized, "/")
	if normalized == "" || normalized == "." {
		return "", "", fmt.Errorf("invalid relative path %q", relPath)
	}

	absClean := filepath.Clean(filepath.Join(g.root, filepath.FromSlash(normalized)))
	rel, err := filepath.Rel(g.root, absClean)
	if err != nil {
		return "", "", fmt.Errorf("resolve relative path: %w", err)
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", fmt.Errorf("%w: %q", ErrOutsideRoot, relPath)
	}
	return absClean, filepath.ToSlash(rel), nil
}

// extractHTML returns the page title and the visible text of block elements.
func extractHTML(r io.Reader) (string, string, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return "", "", err
	}
	doc.Find("script, style, noscript, nav, footer").Remove()
	title := strings.TrimSpace(doc.Find("title").First().Text())

	var blocks []string
	doc.Find("h1, h2, h3, h4, h5, h6, p, li, blockquote, pre, td").Each(func(_ int, s *goquery.Selection) {
		if s.Find("p, li").Length() > 0 {
			return
		}
		if text := strings.Join(strings.Fields(s.Text()), " "); text != "" {
			blocks = append(blocks, text)
		}
	})
	if len(blocks) == 0 {
		text := strings.Join(strings.Fields(doc.Find("body").Text()), " ")
		return title, text, nil
	}
	return title, strings.Join(blocks, "\n\n"), nil
}
