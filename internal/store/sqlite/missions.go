package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"missionlab/internal/domain"
)

type missionRow struct {
	ID          string        `db:"id"`
	UserID      string        `db:"user_id"`
	Query       string        `db:"query"`
	Status      string        `db:"status"`
	DocumentIDs string        `db:"document_ids"`
	LastError   string        `db:"last_error"`
	CreatedAt   int64         `db:"created_at"`
	UpdatedAt   int64         `db:"updated_at"`
	CompletedAt sql.NullInt64 `db:"completed_at"`
}

func (r missionRow) toDomain() domain.Mission {
	return domain.Mission{
		ID:          r.ID,
		UserID:      r.UserID,
		Query:       r.Query,
		Status:      domain.MissionStatus(r.Status),
		DocumentIDs: decodeStrings(r.DocumentIDs),
		LastError:   r.LastError,
		CreatedAt:   unixToTime(r.CreatedAt),
		UpdatedAt:   unixToTime(r.UpdatedAt),
		CompletedAt: int64ToTimePtr(r.CompletedAt),
	}
}

const missionColumns = `id, user_id, query, status, document_ids, last_error, created_at, updated_at, completed_at`

func (s *Store) CreateMission(ctx context.Context, m domain.Mission) error {
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = now
	}
	if m.Status == "" {
		m.Status = domain.MissionStatusCreated
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO missions(`+missionColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.UserID, m.Query, string(m.Status), encodeStrings(m.DocumentIDs), m.LastError,
		m.CreatedAt.Unix(), m.UpdatedAt.Unix(), nullableUnix(m.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("create mission: %w", err)
	}
	return nil
}

func (s *Store) GetMission(ctx context.Context, missionID string) (domain.Mission, error) {
	var row missionRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+missionColumns+` FROM missions WHERE id = ?`, missionID); err != nil {
		return domain.Mission{}, notFound(err, "get mission")
	}
	return row.toDomain(), nil
}

func (s *Store) ListMissions(ctx context.Context, userID string, limit int) ([]domain.Mission, error) {
	if limit <= 0 {
		limit = 200
	}
	var rows []missionRow
	var err error
	if userID == "" {
		err = s.db.SelectContext(ctx, &rows,
			`SELECT `+missionColumns+` FROM missions ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	} else {
		err = s.db.SelectContext(ctx, &rows,
			`SELECT `+missionColumns+` FROM missions WHERE user_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
			userID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list missions: %w", err)
	}
	out := make([]domain.Mission, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// ListUnfinishedMissions returns missions that are past CREATED but not final.
func (s *Store) ListUnfinishedMissions(ctx context.Context) ([]domain.Mission, error) {
	var rows []missionRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+missionColumns+` FROM missions WHERE status IN (?, ?, ?) ORDER BY updated_at ASC`,
		string(domain.MissionStatusPlanning), string(domain.MissionStatusResearching), string(domain.MissionStatusWriting))
	if err != nil {
		return nil, fmt.Errorf("list unfinished missions: %w", err)
	}
	out := make([]domain.Mission, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// UpdateMissionStatus moves a mission from `from` to `to`. It reports false
// when the stored status no longer equals `from`.
func (s *Store) UpdateMissionStatus(ctx context.Context, missionID string, from, to domain.MissionStatus, lastError string) (bool, error) {
	now := time.Now().UTC()
	var completed any
	if to == domain.MissionStatusCompleted || to == domain.MissionStatusFailed {
		completed = now.Unix()
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE missions
		SET status = ?, last_error = ?, updated_at = ?, completed_at = COALESCE(?, completed_at)
		WHERE id = ? AND status = ?`,
		string(to), lastError, now.Unix(), completed, missionID, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("update mission status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mission status rows affected: %w", err)
	}
	return affected == 1, nil
}

func (s *Store) TouchMission(ctx context.Context, missionID string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE missions SET updated_at = ? WHERE id = ?`, time.Now().UTC().Unix(), missionID); err != nil {
		return fmt.Errorf("touch mission: %w", err)
	}
	return nil
}

func (s *Store) LogDecision(ctx context.Context, entry domain.DecisionLog) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO decision_log(mission_id, actor, action, reason, payload, created_at)
		VALUES(?, ?, ?, ?, ?, ?)`,
		entry.MissionID, entry.Actor, entry.Action, entry.Reason, rawOrEmpty(entry.Payload), time.Now().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	return nil
}

func (s *Store) ListMissionDecisions(ctx context.Context, missionID string, limit int) ([]domain.DecisionLog, error) {
	if limit <= 0 {
		limit = 300
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, mission_id, actor, action, reason, payload, created_at
		FROM decision_log
		WHERE mission_id = ?
		ORDER BY id DESC
		LIMIT ?`,
		missionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list mission decisions: %w", err)
	}
	defer rows.Close()

	result := make([]domain.DecisionLog, 0, limit)
	for rows.Next() {
		var item domain.DecisionLog
		var payload string
		var createdAt int64
		if err := rows.Scan(&item.ID, &item.MissionID, &item.Actor, &item.Action, &item.Reason, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		item.Payload = []byte(payload)
		item.CreatedAt = unixToTime(createdAt)
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return result, nil
}

type executionRow struct {
	ID         string        `db:"id"`
	MissionID  string        `db:"mission_id"`
	Role       string        `db:"role"`
	Status     string        `db:"status"`
	Phase      string        `db:"phase"`
	Iteration  int           `db:"iteration"`
	Input      string        `db:"input"`
	Output     string        `db:"output"`
	DurationMS int64         `db:"duration_ms"`
	Error      string        `db:"error"`
	CreatedAt  int64         `db:"created_at"`
	FinishedAt sql.NullInt64 `db:"finished_at"`
}

func (r executionRow) toDomain() domain.AgentExecution {
	e := domain.AgentExecution{
		ID:         r.ID,
		MissionID:  r.MissionID,
		Role:       domain.AgentRole(r.Role),
		Status:     domain.ExecutionStatus(r.Status),
		Phase:      domain.Phase(r.Phase),
		Iteration:  r.Iteration,
		Input:      []byte(r.Input),
		Duration:   time.Duration(r.DurationMS) * time.Millisecond,
		Error:      r.Error,
		CreatedAt:  unixToTime(r.CreatedAt),
		FinishedAt: int64ToTimePtr(r.FinishedAt),
	}
	if r.Output != "" {
		e.Output = []byte(r.Output)
	}
	return e
}

const executionColumns = `id, mission_id, role, status, phase, iteration, input, output, duration_ms, error, created_at, finished_at`

func (s *Store) CreateExecution(ctx context.Context, e domain.AgentExecution) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Status == "" {
		e.Status = domain.ExecutionStatusPending
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO agent_executions(`+executionColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, '', 0, '', ?, NULL)`,
		e.ID, e.MissionID, string(e.Role), string(e.Status), string(e.Phase), e.Iteration,
		rawOrEmpty(e.Input), e.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	return nil
}

func (s *Store) MarkExecutionRunning(ctx context.Context, executionID string) error {
	return s.transitionExecution(ctx, executionID, domain.ExecutionStatusRunning,
		`UPDATE agent_executions SET status = ? WHERE id = ? AND status = ?`,
		string(domain.ExecutionStatusRunning), executionID, string(domain.ExecutionStatusPending),
	)
}

func (s *Store) CompleteExecution(ctx context.Context, executionID string, output []byte, duration time.Duration) error {
	return s.transitionExecution(ctx, executionID, domain.ExecutionStatusCompleted,
		`UPDATE agent_executions SET status = ?, output = ?, duration_ms = ?, finished_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(domain.ExecutionStatusCompleted), rawOrEmpty(output), duration.Milliseconds(), time.Now().UTC().Unix(),
		executionID, string(domain.ExecutionStatusPending), string(domain.ExecutionStatusRunning),
	)
}

func (s *Store) FailExecution(ctx context.Context, executionID string, errMsg string, duration time.Duration) error {
	return s.transitionExecution(ctx, executionID, domain.ExecutionStatusFailed,
		`UPDATE agent_executions SET status = ?, error = ?, duration_ms = ?, finished_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(domain.ExecutionStatusFailed), errMsg, duration.Milliseconds(), time.Now().UTC().Unix(),
		executionID, string(domain.ExecutionStatusPending), string(domain.ExecutionStatusRunning),
	)
}

// transitionExecution refuses to touch executions that already reached a final status.
func (s *Store) transitionExecution(ctx context.Context, executionID string, to domain.ExecutionStatus, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("mark execution %s: %w", to, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("execution rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("mark execution %s %s: %w", executionID, to, domain.ErrInvalidTransition)
	}
	return nil
}

func (s *Store) GetExecution(ctx context.Context, executionID string) (domain.AgentExecution, error) {
	var row executionRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+executionColumns+` FROM agent_executions WHERE id = ?`, executionID); err != nil {
		return domain.AgentExecution{}, notFound(err, "get execution")
	}
	return row.toDomain(), nil
}

func (s *Store) ListMissionExecutions(ctx context.Context, missionID string) ([]domain.AgentExecution, error) {
	var rows []executionRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT `+executionColumns+` FROM agent_executions WHERE mission_id = ? ORDER BY rowid ASC`, missionID); err != nil {
		return nil, fmt.Errorf("list mission executions: %w", err)
	}
	out := make([]domain.AgentExecution, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Store) AppendFindings(ctx context.Context, missionID string, findings []domain.Finding) error {
	if len(findings) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		stmt, err := tx.PreparexContext(ctx,
			`INSERT INTO findings(id, mission_id, content, sources, confidence, iteration, created_at)
			VALUES(?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare append findings: %w", err)
		}
		defer stmt.Close()
		now := time.Now().UTC()
		for _, f := range findings {
			created := f.CreatedAt
			if created.IsZero() {
				created = now
			}
			if _, err := stmt.ExecContext(ctx, f.ID, missionID, f.Content, encodeStrings(f.Sources),
				f.Confidence, f.Iteration, created.Unix()); err != nil {
				return fmt.Errorf("append finding: %w", err)
			}
		}
		return nil
	})
}

type findingRow struct {
	ID         string  `db:"id"`
	MissionID  string  `db:"mission_id"`
	Content    string  `db:"content"`
	Sources    string  `db:"sources"`
	Confidence float64 `db:"confidence"`
	Iteration  int     `db:"iteration"`
	CreatedAt  int64   `db:"created_at"`
}

func (s *Store) ListFindings(ctx context.Context, missionID string) ([]domain.Finding, error) {
	var rows []findingRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT id, mission_id, content, sources, confidence, iteration, created_at
		FROM findings WHERE mission_id = ? ORDER BY rowid ASC`, missionID); err != nil {
		return nil, fmt.Errorf("list findings: %w", err)
	}
	out := make([]domain.Finding, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.Finding{
			ID:         r.ID,
			MissionID:  r.MissionID,
			Content:    r.Content,
			Sources:    decodeStrings(r.Sources),
			Confidence: r.Confidence,
			Iteration:  r.Iteration,
			CreatedAt:  unixToTime(r.CreatedAt),
		})
	}
	return out, nil
}

func (s *Store) SaveDraft(ctx context.Context, d domain.Draft) error {
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO drafts(mission_id, content, structure, word_count, quality, revision, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(mission_id) DO UPDATE SET
			content = excluded.content,
			structure = excluded.structure,
			word_count = excluded.word_count,
			quality = excluded.quality,
			revision = excluded.revision,
			updated_at = excluded.updated_at`,
		d.MissionID, d.Content, encodeStrings(d.Structure), d.WordCount, d.Quality, d.Revision, d.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("save draft: %w", err)
	}
	return nil
}

func (s *Store) GetDraft(ctx context.Context, missionID string) (domain.Draft, error) {
	var row struct {
		MissionID string  `db:"mission_id"`
		Content   string  `db:"content"`
		Structure string  `db:"structure"`
		WordCount int     `db:"word_count"`
		Quality   float64 `db:"quality"`
		Revision  int     `db:"revision"`
		UpdatedAt int64   `db:"updated_at"`
	}
	if err := s.db.GetContext(ctx, &row,
		`SELECT mission_id, content, structure, word_count, quality, revision, updated_at
		FROM drafts WHERE mission_id = ?`, missionID); err != nil {
		return domain.Draft{}, notFound(err, "get draft")
	}
	return domain.Draft{
		MissionID: row.MissionID,
		Content:   row.Content,
		Structure: decodeStrings(row.Structure),
		WordCount: row.WordCount,
		Quality:   row.Quality,
		Revision:  row.Revision,
		UpdatedAt: unixToTime(row.UpdatedAt),
	}, nil
}
