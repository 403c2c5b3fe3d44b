package domain

import (
	"encoding/json"
	"time"
)

type MissionStatus string

const (
	MissionStatusCreated     MissionStatus = "CREATED"
	MissionStatusPlanning    MissionStatus = "PLANNING"
	MissionStatusResearching MissionStatus = "RESEARCHING"
	MissionStatusWriting     MissionStatus = "WRITING"
	MissionStatusCompleted   MissionStatus = "COMPLETED"
	MissionStatusFailed      MissionStatus = "FAILED"
)

type AgentRole string

const (
	AgentRolePlanning   AgentRole = "PLANNING"
	AgentRoleResearch   AgentRole = "RESEARCH"
	AgentRoleWriting    AgentRole = "WRITING"
	AgentRoleReflection AgentRole = "REFLECTION"
)

type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "PENDING"
	ExecutionStatusRunning   ExecutionStatus = "RUNNING"
	ExecutionStatusCompleted ExecutionStatus = "COMPLETED"
	ExecutionStatusFailed    ExecutionStatus = "FAILED"
)

type Phase string

const (
	PhasePlanning Phase = "planning"
	PhaseResearch Phase = "research"
	PhaseWriting  Phase = "writing"
)

type SessionStatus string

const (
	SessionStatusCreated   SessionStatus = "CREATED"
	SessionStatusRunning   SessionStatus = "RUNNING"
	SessionStatusCompleted SessionStatus = "COMPLETED"
	SessionStatusFailed    SessionStatus = "FAILED"
	SessionStatusCancelled SessionStatus = "CANCELLED"
)

type ParameterState string

const (
	ParameterStateActive   ParameterState = "active"
	ParameterStateInactive ParameterState = "inactive"
	ParameterStateFrozen   ParameterState = "frozen"
	ParameterStateArchived ParameterState = "archived"
)

type ImprovementTag string

const (
	TagRecency                ImprovementTag = "recency"
	TagQuantitative           ImprovementTag = "quantitative"
	TagAlternativePerspective ImprovementTag = "alternative_perspective"
	TagDepth                  ImprovementTag = "depth"
	TagCoverage               ImprovementTag = "coverage"

	TagStructure          ImprovementTag = "structure"
	TagLength             ImprovementTag = "length"
	TagSentenceComplexity ImprovementTag = "sentence_complexity"
	TagClarity            ImprovementTag = "clarity"
)

type Mission struct {
	ID          string        `json:"id"`
	UserID      string        `json:"user_id"`
	Query       string        `json:"query"`
	Status      MissionStatus `json:"status"`
	DocumentIDs []string      `json:"document_ids,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

type AgentExecution struct {
	ID         string          `json:"id"`
	MissionID  string          `json:"mission_id"`
	Role       AgentRole       `json:"role"`
	Status     ExecutionStatus `json:"status"`
	Phase      Phase           `json:"phase"`
	Iteration  int             `json:"iteration"`
	Input      json.RawMessage `json:"input"`
	Output     json.RawMessage `json:"output,omitempty"`
	Duration   time.Duration   `json:"duration"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

type Finding struct {
	ID         string    `json:"id"`
	MissionID  string    `json:"mission_id,omitempty"`
	Content    string    `json:"content"`
	Sources    []string  `json:"sources"`
	Confidence float64   `json:"confidence"`
	Iteration  int       `json:"iteration"`
	CreatedAt  time.Time `json:"created_at"`
}

type ReflectionVerdict struct {
	Quality          float64            `json:"quality"`
	Confidence       float64            `json:"confidence"`
	Tags             []ImprovementTag   `json:"tags"`
	Gaps             []string           `json:"gaps,omitempty"`
	Suggestions      []string           `json:"suggestions"`
	Scores           map[string]float64 `json:"scores"`
	NeedsImprovement bool               `json:"needs_improvement"`
	NeedsRevision    bool               `json:"needs_revision"`
}

func (v ReflectionVerdict) HasTag(tag ImprovementTag) bool {
	for _, t := range v.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

type Draft struct {
	MissionID string    `json:"mission_id"`
	Content   string    `json:"content"`
	Structure []string  `json:"structure"`
	WordCount int       `json:"word_count"`
	Quality   float64   `json:"quality"`
	Revision  int       `json:"revision"`
	UpdatedAt time.Time `json:"updated_at"`
}

type OptimizationConfig struct {
	PopulationSize       int     `json:"population_size" toml:"population_size"`
	Generations          int     `json:"generations" toml:"generations"`
	MutationRate         float64 `json:"mutation_rate" toml:"mutation_rate"`
	CrossoverRate        float64 `json:"crossover_rate" toml:"crossover_rate"`
	TournamentSize       int     `json:"tournament_size" toml:"tournament_size"`
	ElitismCount         int     `json:"elitism_count" toml:"elitism_count"`
	ConvergenceThreshold float64 `json:"convergence_threshold" toml:"convergence_threshold"`
	MaxPromptLength      int     `json:"max_prompt_length" toml:"max_prompt_length"`
}

type GenerationStats struct {
	Generation     int       `json:"generation"`
	BestFitness    float64   `json:"best_fitness"`
	AvgFitness     float64   `json:"avg_fitness"`
	StdDevFitness  float64   `json:"stddev_fitness"`
	PopulationSize int       `json:"population_size"`
	RunningBest    float64   `json:"running_best"`
	CreatedAt      time.Time `json:"created_at"`
}

type OptimizationSession struct {
	ID                string             `json:"id"`
	UserID            string             `json:"user_id"`
	ModuleID          string             `json:"module_id"`
	Config            OptimizationConfig `json:"config"`
	Status            SessionStatus      `json:"status"`
	CurrentGeneration int                `json:"current_generation"`
	BestFitness       float64            `json:"best_fitness"`
	BaselineFitness   float64            `json:"baseline_fitness"`
	History           []GenerationStats  `json:"history"`
	LastError         string             `json:"last_error,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
	StartedAt         *time.Time         `json:"started_at,omitempty"`
	FinishedAt        *time.Time         `json:"finished_at,omitempty"`
}

type SessionParameter struct {
	SessionID   string `json:"session_id"`
	ParameterID string `json:"parameter_id"`
	Name        string `json:"name"`
	Baseline    string `json:"baseline"`
}

type PromptParameter struct {
	ID        string               `json:"id"`
	ModuleID  string               `json:"module_id"`
	Name      string               `json:"name"`
	Value     string               `json:"value"`
	Version   int                  `json:"version"`
	State     ParameterState       `json:"state"`
	History   []OptimizationRecord `json:"history,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

type OptimizationRecord struct {
	ID           int64     `json:"id"`
	ParameterID  string    `json:"parameter_id"`
	SessionID    string    `json:"session_id"`
	OldValue     string    `json:"old_value"`
	NewValue     string    `json:"new_value"`
	FitnessDelta float64   `json:"fitness_delta"`
	Method       string    `json:"method"`
	CreatedAt    time.Time `json:"created_at"`
}

type Document struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Group       string    `json:"group,omitempty"`
	FileType    string    `json:"file_type"`
	Path        string    `json:"path,omitempty"`
	Content     string    `json:"content,omitempty"`
	ContentHash string    `json:"content_hash"`
	Size        int       `json:"size"`
	WordCount   int       `json:"word_count"`
	CreatedAt   time.Time `json:"created_at"`
}

type DocumentChunk struct {
	ID          string    `json:"id"`
	DocumentID  string    `json:"document_id"`
	Index       int       `json:"index"`
	Content     string    `json:"content"`
	StartOffset int       `json:"start_offset"`
	EndOffset   int       `json:"end_offset"`
	ContentHash string    `json:"content_hash"`
	Embedding   []float32 `json:"-"`
	Model       string    `json:"model"`
	CreatedAt   time.Time `json:"created_at"`
}

type ChunkFilter struct {
	DocumentIDs []string
	Group       string
	FileTypes   []string
}

type DecisionLog struct {
	ID        int64           `json:"id"`
	MissionID string          `json:"mission_id"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	Reason    string          `json:"reason"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type MissionUpdate struct {
	Type    string         `json:"type"`
	Phase   Phase          `json:"phase,omitempty"`
	Status  MissionStatus  `json:"status,omitempty"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

type AgentUpdate struct {
	Type      string          `json:"type"`
	Role      AgentRole       `json:"role"`
	Phase     Phase           `json:"phase"`
	Status    ExecutionStatus `json:"status"`
	Iteration int             `json:"iteration"`
	Message   string          `json:"message,omitempty"`
	Data      map[string]any  `json:"data,omitempty"`
}

type ProgressEvent struct {
	Kind        string          `json:"kind"`
	UserID      string          `json:"user_id"`
	MissionID   string          `json:"mission_id"`
	ExecutionID string          `json:"execution_id,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
}
