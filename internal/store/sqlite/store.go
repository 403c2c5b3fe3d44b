package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jmoiron/sqlx"

	"missionlab/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS missions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	query TEXT NOT NULL,
	status TEXT NOT NULL,
	document_ids TEXT NOT NULL DEFAULT '[]',
	last_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	completed_at INTEGER NULL
);
CREATE INDEX IF NOT EXISTS idx_missions_user ON missions(user_id, created_at);

CREATE TABLE IF NOT EXISTS agent_executions (
	id TEXT PRIMARY KEY,
	mission_id TEXT NOT NULL,
	role TEXT NOT NULL,
	status TEXT NOT NULL,
	phase TEXT NOT NULL,
	iteration INTEGER NOT NULL DEFAULT 0,
	input TEXT NOT NULL,
	output TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	finished_at INTEGER NULL,
	FOREIGN KEY(mission_id) REFERENCES missions(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_agent_executions_mission ON agent_executions(mission_id, created_at);

CREATE TABLE IF NOT EXISTS findings (
	id TEXT PRIMARY KEY,
	mission_id TEXT NOT NULL,
	content TEXT NOT NULL,
	sources TEXT NOT NULL,
	confidence REAL NOT NULL,
	iteration INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY(mission_id) REFERENCES missions(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_findings_mission ON findings(mission_id);

CREATE TABLE IF NOT EXISTS drafts (
	mission_id TEXT PRIMARY KEY,
	content TEXT NOT NULL,
	structure TEXT NOT NULL,
	word_count INTEGER NOT NULL,
	quality REAL NOT NULL,
	revision INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	FOREIGN KEY(mission_id) REFERENCES missions(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS decision_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	mission_id TEXT NOT NULL,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	reason TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY(mission_id) REFERENCES missions(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_decision_log_mission ON decision_log(mission_id, created_at);

CREATE TABLE IF NOT EXISTS prompt_parameters (
	id TEXT PRIMARY KEY,
	module_id TEXT NOT NULL,
	name TEXT NOT NULL,
	value TEXT NOT NULL,
	version INTEGER NOT NULL DEFAULT 1,
	state TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	UNIQUE(module_id, name)
);

CREATE TABLE IF NOT EXISTS optimization_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	parameter_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	old_value TEXT NOT NULL,
	new_value TEXT NOT NULL,
	fitness_delta REAL NOT NULL,
	method TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY(parameter_id) REFERENCES prompt_parameters(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_optimization_records_parameter ON optimization_records(parameter_id);

CREATE TABLE IF NOT EXISTS optimization_sessions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	module_id TEXT NOT NULL,
	config TEXT NOT NULL,
	status TEXT NOT NULL,
	current_generation INTEGER NOT NULL DEFAULT 0,
	best_fitness REAL NOT NULL DEFAULT 0,
	baseline_fitness REAL NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	started_at INTEGER NULL,
	finished_at INTEGER NULL
);

CREATE TABLE IF NOT EXISTS session_parameters (
	session_id TEXT NOT NULL,
	parameter_id TEXT NOT NULL,
	baseline TEXT NOT NULL,
	PRIMARY KEY(session_id, parameter_id),
	FOREIGN KEY(session_id) REFERENCES optimization_sessions(id) ON DELETE CASCADE,
	FOREIGN KEY(parameter_id) REFERENCES prompt_parameters(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS generation_stats (
	session_id TEXT NOT NULL,
	generation INTEGER NOT NULL,
	best_fitness REAL NOT NULL,
	avg_fitness REAL NOT NULL,
	stddev_fitness REAL NOT NULL,
	population_size INTEGER NOT NULL,
	running_best REAL NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY(session_id, generation),
	FOREIGN KEY(session_id) REFERENCES optimization_sessions(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	grp TEXT NOT NULL DEFAULT '',
	file_type TEXT NOT NULL,
	path TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	size INTEGER NOT NULL,
	word_count INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_documents_path ON documents(path);

CREATE TABLE IF NOT EXISTS document_chunks (
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	idx INTEGER NOT NULL,
	content TEXT NOT NULL,
	start_offset INTEGER NOT NULL,
	end_offset INTEGER NOT NULL,
	content_hash TEXT NOT NULL,
	embedding BLOB NOT NULL,
	model TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY(document_id) REFERENCES documents(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_document_chunks_document ON document_chunks(document_id, idx);

CREATE TABLE IF NOT EXISTS embedding_cache (
	content_hash TEXT NOT NULL,
	model TEXT NOT NULL,
	embedding BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY(content_hash, model)
);
`

type Store struct {
	db *sqlx.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}
	// PRAGMAs are per connection; one connection keeps them in force.
	db.SetMaxOpenConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func int64ToTimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid || v.Int64 <= 0 {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func unixToTime(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}

func nullableUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Unix()
}

func encodeStrings(values []string) string {
	if values == nil {
		values = []string{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func decodeStrings(raw string) []string {
	var out []string
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	out := make([]float32, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out
}

func rawOrEmpty(v json.RawMessage) string {
	if len(v) == 0 {
		return "{}"
	}
	return string(v)
}
