package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"missionlab/internal/domain"
)

type parameterRow struct {
	ID        string `db:"id"`
	ModuleID  string `db:"module_id"`
	Name      string `db:"name"`
	Value     string `db:"value"`
	Version   int    `db:"version"`
	State     string `db:"state"`
	CreatedAt int64  `db:"created_at"`
	UpdatedAt int64  `db:"updated_at"`
}

func (r parameterRow) toDomain() domain.PromptParameter {
	return domain.PromptParameter{
		ID:        r.ID,
		ModuleID:  r.ModuleID,
		Name:      r.Name,
		Value:     r.Value,
		Version:   r.Version,
		State:     domain.ParameterState(r.State),
		CreatedAt: unixToTime(r.CreatedAt),
		UpdatedAt: unixToTime(r.UpdatedAt),
	}
}

const parameterColumns = `id, module_id, name, value, version, state, created_at, updated_at`

type recordRow struct {
	ID           int64   `db:"id"`
	ParameterID  string  `db:"parameter_id"`
	SessionID    string  `db:"session_id"`
	OldValue     string  `db:"old_value"`
	NewValue     string  `db:"new_value"`
	FitnessDelta float64 `db:"fitness_delta"`
	Method       string  `db:"method"`
	CreatedAt    int64   `db:"created_at"`
}

func (s *Store) CreatePromptParameter(ctx context.Context, p domain.PromptParameter) error {
	now := time.Now().UTC()
	if p.Version <= 0 {
		p.Version = 1
	}
	if p.State == "" {
		p.State = domain.ParameterStateActive
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO prompt_parameters(`+parameterColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ModuleID, p.Name, p.Value, p.Version, string(p.State), now.Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create prompt parameter: %w", err)
	}
	return nil
}

// SeedPromptParameter inserts p unless (module_id, name) already exists. It
// reports whether a row was written.
func (s *Store) SeedPromptParameter(ctx context.Context, p domain.PromptParameter) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO prompt_parameters(`+parameterColumns+`) VALUES(?, ?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT(module_id, name) DO NOTHING`,
		p.ID, p.ModuleID, p.Name, p.Value, string(domain.ParameterStateActive), now.Unix(), now.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("seed prompt parameter: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("seed rows affected: %w", err)
	}
	return affected == 1, nil
}

func (s *Store) GetPromptParameter(ctx context.Context, parameterID string) (domain.PromptParameter, error) {
	var row parameterRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+parameterColumns+` FROM prompt_parameters WHERE id = ?`, parameterID); err != nil {
		return domain.PromptParameter{}, notFound(err, "get prompt parameter")
	}
	p := row.toDomain()

	var records []recordRow
	if err := s.db.SelectContext(ctx, &records,
		`SELECT id, parameter_id, session_id, old_value, new_value, fitness_delta, method, created_at
		FROM optimization_records WHERE parameter_id = ? ORDER BY id ASC`, parameterID); err != nil {
		return domain.PromptParameter{}, fmt.Errorf("list optimization records: %w", err)
	}
	for _, r := range records {
		p.History = append(p.History, domain.OptimizationRecord{
			ID:           r.ID,
			ParameterID:  r.ParameterID,
			SessionID:    r.SessionID,
			OldValue:     r.OldValue,
			NewValue:     r.NewValue,
			FitnessDelta: r.FitnessDelta,
			Method:       r.Method,
			CreatedAt:    unixToTime(r.CreatedAt),
		})
	}
	return p, nil
}

func (s *Store) ListPromptParameters(ctx context.Context, moduleID string) ([]domain.PromptParameter, error) {
	var rows []parameterRow
	var err error
	if moduleID == "" {
		err = s.db.SelectContext(ctx, &rows,
			`SELECT `+parameterColumns+` FROM prompt_parameters ORDER BY module_id, name`)
	} else {
		err = s.db.SelectContext(ctx, &rows,
			`SELECT `+parameterColumns+` FROM prompt_parameters WHERE module_id = ? ORDER BY name`, moduleID)
	}
	if err != nil {
		return nil, fmt.Errorf("list prompt parameters: %w", err)
	}
	out := make([]domain.PromptParameter, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Store) SetPromptParameterState(ctx context.Context, parameterID string, state domain.ParameterState) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE prompt_parameters SET state = ?, updated_at = ? WHERE id = ?`,
		string(state), time.Now().UTC().Unix(), parameterID)
	if err != nil {
		return fmt.Errorf("set prompt parameter state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set prompt parameter state %s: %w", parameterID, domain.ErrNotFound)
	}
	return nil
}

// UpdatePromptParameterValue replaces the value, bumps the version and appends
// an optimization record in one transaction.
func (s *Store) UpdatePromptParameterValue(ctx context.Context, parameterID, sessionID, newValue string, fitnessDelta float64, method string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var old string
		if err := tx.GetContext(ctx, &old, `SELECT value FROM prompt_parameters WHERE id = ?`, parameterID); err != nil {
			return notFound(err, "load prompt parameter")
		}
		now := time.Now().UTC().Unix()
		if _, err := tx.ExecContext(ctx,
			`UPDATE prompt_parameters SET value = ?, version = version + 1, updated_at = ? WHERE id = ?`,
			newValue, now, parameterID); err != nil {
			return fmt.Errorf("update prompt parameter: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO optimization_records(parameter_id, session_id, old_value, new_value, fitness_delta, method, created_at)
			VALUES(?, ?, ?, ?, ?, ?, ?)`,
			parameterID, sessionID, old, newValue, fitnessDelta, method, now); err != nil {
			return fmt.Errorf("insert optimization record: %w", err)
		}
		return nil
	})
}

type sessionRow struct {
	ID                string        `db:"id"`
	UserID            string        `db:"user_id"`
	ModuleID          string        `db:"module_id"`
	Config            string        `db:"config"`
	Status            string        `db:"status"`
	CurrentGeneration int           `db:"current_generation"`
	BestFitness       float64       `db:"best_fitness"`
	BaselineFitness   float64       `db:"baseline_fitness"`
	LastError         string        `db:"last_error"`
	CreatedAt         int64         `db:"created_at"`
	UpdatedAt         int64         `db:"updated_at"`
	StartedAt         sql.NullInt64 `db:"started_at"`
	FinishedAt        sql.NullInt64 `db:"finished_at"`
}

func (r sessionRow) toDomain() (domain.OptimizationSession, error) {
	out := domain.OptimizationSession{
		ID:                r.ID,
		UserID:            r.UserID,
		ModuleID:          r.ModuleID,
		Status:            domain.SessionStatus(r.Status),
		CurrentGeneration: r.CurrentGeneration,
		BestFitness:       r.BestFitness,
		BaselineFitness:   r.BaselineFitness,
		LastError:         r.LastError,
		CreatedAt:         unixToTime(r.CreatedAt),
		UpdatedAt:         unixToTime(r.UpdatedAt),
		StartedAt:         int64ToTimePtr(r.StartedAt),
		FinishedAt:        int64ToTimePtr(r.FinishedAt),
	}
	if err := json.Unmarshal([]byte(r.Config), &out.Config); err != nil {
		return domain.OptimizationSession{}, fmt.Errorf("decode session config: %w", err)
	}
	return out, nil
}

const sessionColumns = `id, user_id, module_id, config, status, current_generation, best_fitness, baseline_fitness,
	last_error, created_at, updated_at, started_at, finished_at`

// CreateOptimizationSession stores the session together with the parameters it
// optimizes and their baseline values.
func (s *Store) CreateOptimizationSession(ctx context.Context, session domain.OptimizationSession, params []domain.SessionParameter) error {
	cfg, err := json.Marshal(session.Config)
	if err != nil {
		return fmt.Errorf("encode session config: %w", err)
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.Status == "" {
		session.Status = domain.SessionStatusCreated
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO optimization_sessions(`+sessionColumns+`)
			VALUES(?, ?, ?, ?, ?, 0, 0, 0, '', ?, ?, NULL, NULL)`,
			session.ID, session.UserID, session.ModuleID, string(cfg), string(session.Status),
			session.CreatedAt.Unix(), now.Unix()); err != nil {
			return fmt.Errorf("create optimization session: %w", err)
		}
		for _, p := range params {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO session_parameters(session_id, parameter_id, baseline) VALUES(?, ?, ?)`,
				session.ID, p.ParameterID, p.Baseline); err != nil {
				return fmt.Errorf("create session parameter: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) GetOptimizationSession(ctx context.Context, sessionID string) (domain.OptimizationSession, error) {
	var row sessionRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+sessionColumns+` FROM optimization_sessions WHERE id = ?`, sessionID); err != nil {
		return domain.OptimizationSession{}, notFound(err, "get optimization session")
	}
	out, err := row.toDomain()
	if err != nil {
		return domain.OptimizationSession{}, err
	}
	history, err := s.listGenerationStats(ctx, sessionID)
	if err != nil {
		return domain.OptimizationSession{}, err
	}
	out.History = history
	return out, nil
}

func (s *Store) ListOptimizationSessions(ctx context.Context, userID string, limit int) ([]domain.OptimizationSession, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []sessionRow
	var err error
	if userID == "" {
		err = s.db.SelectContext(ctx, &rows,
			`SELECT `+sessionColumns+` FROM optimization_sessions ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	} else {
		err = s.db.SelectContext(ctx, &rows,
			`SELECT `+sessionColumns+` FROM optimization_sessions WHERE user_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
			userID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list optimization sessions: %w", err)
	}
	out := make([]domain.OptimizationSession, 0, len(rows))
	for _, r := range rows {
		session, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	return out, nil
}

// UpdateSessionStatus moves a session from `from` to `to` and reports false if
// the stored status changed in the meantime.
func (s *Store) UpdateSessionStatus(ctx context.Context, sessionID string, from, to domain.SessionStatus, lastError string) (bool, error) {
	now := time.Now().UTC().Unix()
	var started, finished any
	switch to {
	case domain.SessionStatusRunning:
		started = now
	case domain.SessionStatusCompleted, domain.SessionStatusFailed, domain.SessionStatusCancelled:
		finished = now
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE optimization_sessions
		SET status = ?, last_error = ?, updated_at = ?,
			started_at = COALESCE(?, started_at),
			finished_at = COALESCE(?, finished_at)
		WHERE id = ? AND status = ?`,
		string(to), lastError, now, started, finished, sessionID, string(from))
	if err != nil {
		return false, fmt.Errorf("update session status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("session status rows affected: %w", err)
	}
	return affected == 1, nil
}

func (s *Store) SetBaselineFitness(ctx context.Context, sessionID string, fitness float64) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE optimization_sessions SET baseline_fitness = ?, updated_at = ? WHERE id = ?`,
		fitness, time.Now().UTC().Unix(), sessionID); err != nil {
		return fmt.Errorf("set baseline fitness: %w", err)
	}
	return nil
}

// RecordGeneration appends a generation snapshot and advances the session
// counters.
func (s *Store) RecordGeneration(ctx context.Context, sessionID string, stats domain.GenerationStats) error {
	if stats.CreatedAt.IsZero() {
		stats.CreatedAt = time.Now().UTC()
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO generation_stats(session_id, generation, best_fitness, avg_fitness, stddev_fitness, population_size, running_best, created_at)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
			sessionID, stats.Generation, stats.BestFitness, stats.AvgFitness, stats.StdDevFitness,
			stats.PopulationSize, stats.RunningBest, stats.CreatedAt.Unix()); err != nil {
			return fmt.Errorf("insert generation stats: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE optimization_sessions SET current_generation = ?, best_fitness = ?, updated_at = ? WHERE id = ?`,
			stats.Generation, stats.RunningBest, stats.CreatedAt.Unix(), sessionID); err != nil {
			return fmt.Errorf("advance session: %w", err)
		}
		return nil
	})
}

func (s *Store) listGenerationStats(ctx context.Context, sessionID string) ([]domain.GenerationStats, error) {
	var rows []struct {
		Generation     int     `db:"generation"`
		BestFitness    float64 `db:"best_fitness"`
		AvgFitness     float64 `db:"avg_fitness"`
		StdDevFitness  float64 `db:"stddev_fitness"`
		PopulationSize int     `db:"population_size"`
		RunningBest    float64 `db:"running_best"`
		CreatedAt      int64   `db:"created_at"`
	}
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT generation, best_fitness, avg_fitness, stddev_fitness, population_size, running_best, created_at
		FROM generation_stats WHERE session_id = ? ORDER BY generation ASC`, sessionID); err != nil {
		return nil, fmt.Errorf("list generation stats: %w", err)
	}
	out := make([]domain.GenerationStats, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.GenerationStats{
			Generation:     r.Generation,
			BestFitness:    r.BestFitness,
			AvgFitness:     r.AvgFitness,
			StdDevFitness:  r.StdDevFitness,
			PopulationSize: r.PopulationSize,
			RunningBest:    r.RunningBest,
			CreatedAt:      unixToTime(r.CreatedAt),
		})
	}
	return out, nil
}

func (s *Store) ListSessionParameters(ctx context.Context, sessionID string) ([]domain.SessionParameter, error) {
	var rows []struct {
		SessionID   string `db:"session_id"`
		ParameterID string `db:"parameter_id"`
		Name        string `db:"name"`
		Baseline    string `db:"baseline"`
	}
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT sp.session_id, sp.parameter_id, p.name, sp.baseline
		FROM session_parameters sp
		JOIN prompt_parameters p ON p.id = sp.parameter_id
		WHERE sp.session_id = ?
		ORDER BY p.name`, sessionID); err != nil {
		return nil, fmt.Errorf("list session parameters: %w", err)
	}
	if len(rows) == 0 {
		if _, err := s.GetOptimizationSession(ctx, sessionID); errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}
	out := make([]domain.SessionParameter, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.SessionParameter{
			SessionID:   r.SessionID,
			ParameterID: r.ParameterID,
			Name:        r.Name,
			Baseline:    r.Baseline,
		})
	}
	return out, nil
}
