package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"missionlab/internal/domain"
)

type documentRow struct {
	ID          string `db:"id"`
	Title       string `db:"title"`
	Group       string `db:"grp"`
	FileType    string `db:"file_type"`
	Path        string `db:"path"`
	Content     string `db:"content"`
	ContentHash string `db:"content_hash"`
	Size        int    `db:"size"`
	WordCount   int    `db:"word_count"`
	CreatedAt   int64  `db:"created_at"`
}

func (r documentRow) toDomain() domain.Document {
	return domain.Document{
		ID:          r.ID,
		Title:       r.Title,
		Group:       r.Group,
		FileType:    r.FileType,
		Path:        r.Path,
		Content:     r.Content,
		ContentHash: r.ContentHash,
		Size:        r.Size,
		WordCount:   r.WordCount,
		CreatedAt:   unixToTime(r.CreatedAt),
	}
}

const documentColumns = `id, title, grp, file_type, path, content, content_hash, size, word_count, created_at`

// UpsertDocument inserts the document or refreshes its content when the id is
// already known.
func (s *Store) UpsertDocument(ctx context.Context, d domain.Document) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO documents(`+documentColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			grp = excluded.grp,
			file_type = excluded.file_type,
			path = excluded.path,
			content = excluded.content,
			content_hash = excluded.content_hash,
			size = excluded.size,
			word_count = excluded.word_count`,
		d.ID, d.Title, d.Group, d.FileType, d.Path, d.Content, d.ContentHash, d.Size, d.WordCount, d.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return nil
}

func (s *Store) GetDocument(ctx context.Context, documentID string) (domain.Document, error) {
	var row documentRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, documentID); err != nil {
		return domain.Document{}, notFound(err, "get document")
	}
	return row.toDomain(), nil
}

func (s *Store) FindDocumentByPath(ctx context.Context, path string) (domain.Document, error) {
	var row documentRow
	if err := s.db.GetContext(ctx, &row,
		`SELECT `+documentColumns+` FROM documents WHERE path = ? ORDER BY created_at DESC LIMIT 1`, path); err != nil {
		return domain.Document{}, notFound(err, "find document by path")
	}
	return row.toDomain(), nil
}

// ListDocuments returns document metadata without content.
func (s *Store) ListDocuments(ctx context.Context, group string) ([]domain.Document, error) {
	query := `SELECT id, title, grp, file_type, path, '' AS content, content_hash, size, word_count, created_at FROM documents`
	args := []any{}
	if group != "" {
		query += ` WHERE grp = ?`
		args = append(args, group)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	var rows []documentRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	out := make([]domain.Document, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// ReplaceDocumentChunks swaps the chunk set of a document atomically.
func (s *Store) ReplaceDocumentChunks(ctx context.Context, documentID string, chunks []domain.DocumentChunk) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM document_chunks WHERE document_id = ?`, documentID); err != nil {
			return fmt.Errorf("delete document chunks: %w", err)
		}
		if len(chunks) == 0 {
			return nil
		}
		stmt, err := tx.PreparexContext(ctx,
			`INSERT INTO document_chunks(id, document_id, idx, content, start_offset, end_offset, content_hash, embedding, model, created_at)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare chunk insert: %w", err)
		}
		defer stmt.Close()
		now := time.Now().UTC().Unix()
		for _, c := range chunks {
			if _, err := stmt.ExecContext(ctx, c.ID, documentID, c.Index, c.Content, c.StartOffset, c.EndOffset,
				c.ContentHash, encodeVector(c.Embedding), c.Model, now); err != nil {
				return fmt.Errorf("insert chunk %d: %w", c.Index, err)
			}
		}
		return nil
	})
}

type chunkRow struct {
	ID          string `db:"id"`
	DocumentID  string `db:"document_id"`
	Index       int    `db:"idx"`
	Content     string `db:"content"`
	StartOffset int    `db:"start_offset"`
	EndOffset   int    `db:"end_offset"`
	ContentHash string `db:"content_hash"`
	Embedding   []byte `db:"embedding"`
	Model       string `db:"model"`
	CreatedAt   int64  `db:"created_at"`
}

// ListChunks returns the chunks matching filter ordered by document and index.
// Empty filter fields do not restrict.
func (s *Store) ListChunks(ctx context.Context, filter domain.ChunkFilter) ([]domain.DocumentChunk, error) {
	var where []string
	var args []any
	if len(filter.DocumentIDs) > 0 {
		where = append(where, `c.document_id IN (?)`)
		args = append(args, filter.DocumentIDs)
	}
	if filter.Group != "" {
		where = append(where, `d.grp = ?`)
		args = append(args, filter.Group)
	}
	if len(filter.FileTypes) > 0 {
		where = append(where, `d.file_type IN (?)`)
		args = append(args, filter.FileTypes)
	}
	query := `SELECT c.id, c.document_id, c.idx, c.content, c.start_offset, c.end_offset, c.content_hash, c.embedding, c.model, c.created_at
		FROM document_chunks c
		JOIN documents d ON d.id = c.document_id`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY c.document_id, c.idx`

	if len(args) > 0 {
		expanded, expandedArgs, err := sqlx.In(query, args...)
		if err != nil {
			return nil, fmt.Errorf("expand chunk filter: %w", err)
		}
		query, args = s.db.Rebind(expanded), expandedArgs
	}

	var rows []chunkRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	out := make([]domain.DocumentChunk, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.DocumentChunk{
			ID:          r.ID,
			DocumentID:  r.DocumentID,
			Index:       r.Index,
			Content:     r.Content,
			StartOffset: r.StartOffset,
			EndOffset:   r.EndOffset,
			ContentHash: r.ContentHash,
			Embedding:   decodeVector(r.Embedding),
			Model:       r.Model,
			CreatedAt:   unixToTime(r.CreatedAt),
		})
	}
	return out, nil
}

// GetEmbedding looks up a cached vector. The bool is false on a miss.
func (s *Store) GetEmbedding(ctx context.Context, contentHash, model string) ([]float32, bool, error) {
	var blob []byte
	err := s.db.GetContext(ctx, &blob,
		`SELECT embedding FROM embedding_cache WHERE content_hash = ? AND model = ?`, contentHash, model)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get embedding: %w", err)
	}
	return decodeVector(blob), true, nil
}

func (s *Store) PutEmbedding(ctx context.Context, contentHash, model string, vector []float32) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO embedding_cache(content_hash, model, embedding, created_at) VALUES(?, ?, ?, ?)
		ON CONFLICT(content_hash, model) DO UPDATE SET embedding = excluded.embedding`,
		contentHash, model, encodeVector(vector), time.Now().UTC().Unix()); err != nil {
		return fmt.Errorf("put embedding: %w", err)
	}
	return nil
}
