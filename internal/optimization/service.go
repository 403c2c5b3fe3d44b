package optimization

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/montanaflynn/stats"
	"go.uber.org/zap"

	"missionlab/internal/domain"
	"missionlab/internal/policy"
)

const optimizationMethod = "gepa"

type Store interface {
	CreatePromptParameter(ctx context.Context, p domain.PromptParameter) error
	SeedPromptParameter(ctx context.Context, p domain.PromptParameter) (bool, error)
	GetPromptParameter(ctx context.Context, parameterID string) (domain.PromptParameter, error)
	ListPromptParameters(ctx context.Context, moduleID string) ([]domain.PromptParameter, error)
	SetPromptParameterState(ctx context.Context, parameterID string, state domain.ParameterState) error
	UpdatePromptParameterValue(ctx context.Context, parameterID, sessionID, newValue string, fitnessDelta float64, method string) error

	CreateOptimizationSession(ctx context.Context, session domain.OptimizationSession, params []domain.SessionParameter) error
	GetOptimizationSession(ctx context.Context, sessionID string) (domain.OptimizationSession, error)
	ListOptimizationSessions(ctx context.Context, userID string, limit int) ([]domain.OptimizationSession, error)
	ListSessionParameters(ctx context.Context, sessionID string) ([]domain.SessionParameter, error)
	UpdateSessionStatus(ctx context.Context, sessionID string, from, to domain.SessionStatus, lastError string) (bool, error)
	SetBaselineFitness(ctx context.Context, sessionID string, fitness float64) error
	RecordGeneration(ctx context.Context, sessionID string, stats domain.GenerationStats) error
}

type Config struct {
	Defaults              domain.OptimizationConfig
	GenerationDelay       time.Duration
	EvaluationConcurrency int
	// Seed fixes the genetic operators' randomness. Zero seeds from the clock.
	Seed int64
}

func (c Config) withDefaults() Config {
	c.Defaults = withConfigDefaults(c.Defaults, DefaultConfig())
	if c.EvaluationConcurrency <= 0 {
		c.EvaluationConcurrency = 4
	}
	return c
}

// DefaultConfig mirrors the reference GEPA settings.
func DefaultConfig() domain.OptimizationConfig {
	return domain.OptimizationConfig{
		PopulationSize:       10,
		Generations:          5,
		MutationRate:         0.3,
		CrossoverRate:        0.7,
		TournamentSize:       3,
		ElitismCount:         2,
		ConvergenceThreshold: 0.01,
		MaxPromptLength:      4000,
	}
}

// withConfigDefaults fills zero fields of c from d. A negative convergence
// threshold disables the early stop.
func withConfigDefaults(c, d domain.OptimizationConfig) domain.OptimizationConfig {
	if c.PopulationSize <= 0 {
		c.PopulationSize = d.PopulationSize
	}
	if c.Generations <= 0 {
		c.Generations = d.Generations
	}
	if c.MutationRate <= 0 || c.MutationRate > 1 {
		c.MutationRate = d.MutationRate
	}
	if c.CrossoverRate <= 0 || c.CrossoverRate > 1 {
		c.CrossoverRate = d.CrossoverRate
	}
	if c.TournamentSize <= 0 {
		c.TournamentSize = d.TournamentSize
	}
	if c.ElitismCount < 0 || c.ElitismCount == 0 && d.ElitismCount > 0 {
		c.ElitismCount = d.ElitismCount
	}
	if c.ElitismCount > c.PopulationSize {
		c.ElitismCount = c.PopulationSize
	}
	if c.ConvergenceThreshold == 0 {
		c.ConvergenceThreshold = d.ConvergenceThreshold
	}
	if c.MaxPromptLength <= 0 {
		c.MaxPromptLength = d.MaxPromptLength
	}
	return c
}

type CreateSessionInput struct {
	UserID             string                    `json:"user_id"`
	ModuleID           string                    `json:"module_id"`
	Config             domain.OptimizationConfig `json:"config"`
	PromptParameterIDs []string                  `json:"prompt_parameter_ids"`
}

type Service struct {
	store     Store
	evaluator FitnessEvaluator
	policy    *policy.Engine
	cfg       Config
	logger    *zap.Logger

	wg sync.WaitGroup

	mu        sync.Mutex
	running   map[string]context.CancelFunc
	cancelled map[string]bool
}

func New(store Store, evaluator FitnessEvaluator, cfg Config, logger *zap.Logger) *Service {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.L()
	}
	if evaluator == nil {
		evaluator = HeuristicEvaluator{}
	}
	return &Service{
		store:     store,
		evaluator: evaluator,
		policy:    policy.New(),
		cfg:       cfg,
		logger:    logger,
		running:   make(map[string]context.CancelFunc),
		cancelled: make(map[string]bool),
	}
}

func (s *Service) CreatePromptParameter(ctx context.Context, p domain.PromptParameter) (domain.PromptParameter, error) {
	p.ModuleID = strings.TrimSpace(p.ModuleID)
	p.Name = strings.TrimSpace(p.Name)
	if p.ModuleID == "" || p.Name == "" || strings.TrimSpace(p.Value) == "" {
		return domain.PromptParameter{}, &domain.InsufficientInputError{Subject: "prompt parameter module, name and value"}
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if err := s.store.CreatePromptParameter(ctx, p); err != nil {
		return domain.PromptParameter{}, err
	}
	return s.store.GetPromptParameter(ctx, p.ID)
}

func (s *Service) ListPromptParameters(ctx context.Context, moduleID string) ([]domain.PromptParameter, error) {
	return s.store.ListPromptParameters(ctx, moduleID)
}

func (s *Service) GetPromptParameter(ctx context.Context, parameterID string) (domain.PromptParameter, error) {
	return s.store.GetPromptParameter(ctx, parameterID)
}

func (s *Service) SetParameterState(ctx context.Context, parameterID string, state domain.ParameterState) error {
	switch state {
	case domain.ParameterStateActive, domain.ParameterStateInactive, domain.ParameterStateFrozen, domain.ParameterStateArchived:
	default:
		return fmt.Errorf("set parameter state %q: %w", state, domain.ErrInsufficientInput)
	}
	return s.store.SetPromptParameterState(ctx, parameterID, state)
}

// SeedPromptParameters inserts module prompts that are not stored yet and
// returns how many were added.
func (s *Service) SeedPromptParameters(ctx context.Context, seeds []domain.PromptParameter) (int, error) {
	var added int
	for _, seed := range seeds {
		if seed.ID == "" {
			seed.ID = uuid.NewString()
		}
		created, err := s.store.SeedPromptParameter(ctx, seed)
		if err != nil {
			return added, fmt.Errorf("seed %s/%s: %w", seed.ModuleID, seed.Name, err)
		}
		if created {
			added++
		}
	}
	return added, nil
}

// CreateSession validates the parameters and stores a CREATED session with
// their current values as baselines.
func (s *Service) CreateSession(ctx context.Context, in CreateSessionInput) (domain.OptimizationSession, error) {
	if len(in.PromptParameterIDs) == 0 {
		return domain.OptimizationSession{}, &domain.InsufficientInputError{Subject: "prompt parameter ids"}
	}
	params := make([]domain.SessionParameter, 0, len(in.PromptParameterIDs))
	seen := make(map[string]bool, len(in.PromptParameterIDs))
	moduleID := strings.TrimSpace(in.ModuleID)
	for _, id := range in.PromptParameterIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		p, err := s.store.GetPromptParameter(ctx, id)
		if err != nil {
			return domain.OptimizationSession{}, fmt.Errorf("create session: %w", err)
		}
		if p.State != domain.ParameterStateActive {
			return domain.OptimizationSession{}, fmt.Errorf("create session: parameter %s is %s: %w", p.ID, p.State, domain.ErrParameterNotOptimizable)
		}
		if moduleID == "" {
			moduleID = p.ModuleID
		}
		if p.ModuleID != moduleID {
			return domain.OptimizationSession{}, fmt.Errorf("create session: parameter %s belongs to %s, not %s: %w", p.ID, p.ModuleID, moduleID, domain.ErrParameterNotOptimizable)
		}
		params = append(params, domain.SessionParameter{ParameterID: p.ID, Name: p.Name, Baseline: p.Value})
	}

	session := domain.OptimizationSession{
		ID:        uuid.NewString(),
		UserID:    in.UserID,
		ModuleID:  moduleID,
		Config:    withConfigDefaults(in.Config, s.cfg.Defaults),
		Status:    domain.SessionStatusCreated,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateOptimizationSession(ctx, session, params); err != nil {
		return domain.OptimizationSession{}, err
	}
	s.logger.Info("optimization session created",
		zap.String("session_id", session.ID),
		zap.String("module_id", moduleID),
		zap.Int("parameters", len(params)),
	)
	return s.store.GetOptimizationSession(ctx, session.ID)
}

func (s *Service) GetSession(ctx context.Context, sessionID string) (domain.OptimizationSession, error) {
	return s.store.GetOptimizationSession(ctx, sessionID)
}

func (s *Service) ListSessions(ctx context.Context, userID string, limit int) ([]domain.OptimizationSession, error) {
	return s.store.ListOptimizationSessions(ctx, userID, limit)
}

// OptimizeModule optimizes every active parameter of moduleID in one session.
func (s *Service) OptimizeModule(ctx context.Context, userID, moduleID string) (domain.OptimizationSession, error) {
	params, err := s.store.ListPromptParameters(ctx, moduleID)
	if err != nil {
		return domain.OptimizationSession{}, err
	}
	var ids []string
	for _, p := range params {
		if p.State == domain.ParameterStateActive {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 {
		return domain.OptimizationSession{}, fmt.Errorf("module %s has no active prompts: %w", moduleID, domain.ErrParameterNotOptimizable)
	}
	session, err := s.CreateSession(ctx, CreateSessionInput{UserID: userID, ModuleID: moduleID, PromptParameterIDs: ids})
	if err != nil {
		return domain.OptimizationSession{}, err
	}
	return s.ExecuteOptimization(ctx, session.ID)
}

// Launch runs ExecuteOptimization in the background. Wait joins all launched
// runs.
func (s *Service) Launch(ctx context.Context, sessionID string) error {
	session, err := s.store.GetOptimizationSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := s.policy.CheckSession(session.Status, domain.SessionStatusRunning); err != nil {
		return err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.ExecuteOptimization(ctx, sessionID); err != nil {
			s.logger.Warn("background optimization ended with error",
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
		}
	}()
	return nil
}

func (s *Service) Wait() {
	s.wg.Wait()
}

// CancelSession stops a running session, or cancels one that has not started.
func (s *Service) CancelSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	cancel, running := s.running[sessionID]
	if running {
		s.cancelled[sessionID] = true
	}
	s.mu.Unlock()
	if running {
		cancel()
		return nil
	}

	session, err := s.store.GetOptimizationSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := s.policy.CheckSession(session.Status, domain.SessionStatusCancelled); err != nil {
		return err
	}
	ok, err := s.store.UpdateSessionStatus(ctx, sessionID, session.Status, domain.SessionStatusCancelled, "cancelled before start")
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("cancel session %s: status changed concurrently: %w", sessionID, domain.ErrInvalidTransition)
	}
	return nil
}

// ExecuteOptimization runs the generational search for a CREATED session and
// applies improved prompt values when it completes.
func (s *Service) ExecuteOptimization(ctx context.Context, sessionID string) (domain.OptimizationSession, error) {
	session, err := s.store.GetOptimizationSession(ctx, sessionID)
	if err != nil {
		return domain.OptimizationSession{}, err
	}
	if err := s.policy.CheckSession(session.Status, domain.SessionStatusRunning); err != nil {
		return session, err
	}
	params, err := s.store.ListSessionParameters(ctx, sessionID)
	if err != nil {
		return session, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	if _, busy := s.running[sessionID]; busy {
		s.mu.Unlock()
		return session, fmt.Errorf("execute session %s: already running: %w", sessionID, domain.ErrInvalidTransition)
	}
	s.running[sessionID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, sessionID)
		delete(s.cancelled, sessionID)
		s.mu.Unlock()
	}()

	ok, err := s.store.UpdateSessionStatus(ctx, sessionID, domain.SessionStatusCreated, domain.SessionStatusRunning, "")
	if err != nil {
		return session, err
	}
	if !ok {
		return session, fmt.Errorf("start session %s: %w", sessionID, domain.ErrInvalidTransition)
	}
	s.logger.Info("optimization started",
		zap.String("session_id", sessionID),
		zap.String("module_id", session.ModuleID),
		zap.Int("population", session.Config.PopulationSize),
		zap.Int("generations", session.Config.Generations),
	)

	result, runErr := s.run(runCtx, session, params)
	if runErr == nil {
		runErr = s.applyImprovements(ctx, sessionID, params, result)
	}

	// Final status writes must survive the cancelled run context.
	finalCtx := context.WithoutCancel(ctx)
	switch {
	case runErr == nil:
		if err := s.finish(finalCtx, sessionID, domain.SessionStatusCompleted, ""); err != nil {
			return session, err
		}
		s.logger.Info("optimization completed",
			zap.String("session_id", sessionID),
			zap.Float64("baseline_fitness", result.baselineFitness),
			zap.Float64("best_fitness", result.bestFitness),
			zap.Int("generations", result.generations),
			zap.Bool("converged", result.converged),
		)
	case s.wasCancelled(sessionID):
		if err := s.finish(finalCtx, sessionID, domain.SessionStatusCancelled, "cancelled"); err != nil {
			return session, err
		}
		s.logger.Info("optimization cancelled", zap.String("session_id", sessionID))
		runErr = fmt.Errorf("session %s cancelled: %w", sessionID, context.Canceled)
	default:
		if err := s.finish(finalCtx, sessionID, domain.SessionStatusFailed, runErr.Error()); err != nil {
			s.logger.Error("mark session failed", zap.String("session_id", sessionID), zap.Error(err))
		}
		s.logger.Warn("optimization failed", zap.String("session_id", sessionID), zap.Error(runErr))
	}

	final, err := s.store.GetOptimizationSession(finalCtx, sessionID)
	if err != nil {
		return session, err
	}
	if runErr != nil {
		return final, fmt.Errorf("execute optimization: %w", runErr)
	}
	return final, nil
}

func (s *Service) wasCancelled(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled[sessionID]
}

func (s *Service) finish(ctx context.Context, sessionID string, to domain.SessionStatus, lastError string) error {
	if err := s.policy.CheckSession(domain.SessionStatusRunning, to); err != nil {
		return err
	}
	ok, err := s.store.UpdateSessionStatus(ctx, sessionID, domain.SessionStatusRunning, to, lastError)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("finish session %s as %s: %w", sessionID, to, domain.ErrInvalidTransition)
	}
	return nil
}

type runResult struct {
	best            Candidate
	bestFitness     float64
	baselineFitness float64
	generations     int
	converged       bool
}

func (s *Service) run(ctx context.Context, session domain.OptimizationSession, params []domain.SessionParameter) (runResult, error) {
	cfg := session.Config
	baseline := Candidate{ModuleID: session.ModuleID, Prompts: make(map[string]string, len(params))}
	names := make([]string, 0, len(params))
	for _, p := range params {
		baseline.Prompts[p.Name] = p.Baseline
		names = append(names, p.Name)
	}
	sort.Strings(names)

	b := &breeder{
		cfg: runConfig{
			PopulationSize:  cfg.PopulationSize,
			MutationRate:    cfg.MutationRate,
			CrossoverRate:   cfg.CrossoverRate,
			TournamentSize:  cfg.TournamentSize,
			ElitismCount:    cfg.ElitismCount,
			MaxPromptLength: cfg.MaxPromptLength,
		},
		names: names,
		rng:   s.newRand(),
	}

	var res runResult
	pop := b.initialPopulation(baseline)
	runningBest := math.Inf(-1)
	for gen := 0; gen < cfg.Generations; gen++ {
		if err := evaluate(ctx, s.evaluator, pop, s.cfg.EvaluationConcurrency); err != nil {
			return res, err
		}
		fitness := make([]float64, len(pop))
		bestIdx := 0
		for i, ind := range pop {
			fitness[i] = ind.fitness
			if ind.fitness > pop[bestIdx].fitness {
				bestIdx = i
			}
		}
		if gen == 0 {
			res.baselineFitness = pop[0].fitness
			if err := s.store.SetBaselineFitness(ctx, session.ID, res.baselineFitness); err != nil {
				return res, err
			}
		}

		best, _ := stats.Max(fitness)
		avg, _ := stats.Mean(fitness)
		sd, _ := stats.StandardDeviation(fitness)

		prevRunningBest := runningBest
		if best > runningBest {
			runningBest = best
			res.best = pop[bestIdx].candidate.clone()
			res.bestFitness = best
		}
		if err := s.store.RecordGeneration(ctx, session.ID, domain.GenerationStats{
			Generation:     gen,
			BestFitness:    best,
			AvgFitness:     avg,
			StdDevFitness:  sd,
			PopulationSize: len(pop),
			RunningBest:    runningBest,
		}); err != nil {
			return res, err
		}
		res.generations = gen + 1
		s.logger.Debug("generation evaluated",
			zap.String("session_id", session.ID),
			zap.Int("generation", gen),
			zap.Float64("best", best),
			zap.Float64("avg", avg),
			zap.Float64("running_best", runningBest),
		)

		if gen > 0 && math.Abs(best-prevRunningBest) < cfg.ConvergenceThreshold {
			res.converged = true
			break
		}
		if gen == cfg.Generations-1 {
			break
		}
		if err := sleepCtx(ctx, s.cfg.GenerationDelay); err != nil {
			return res, err
		}
		pop = b.next(pop)
	}
	return res, nil
}

// applyImprovements writes back parameters whose best value differs from the
// baseline, provided the best genome beat the baseline genome.
func (s *Service) applyImprovements(ctx context.Context, sessionID string, params []domain.SessionParameter, res runResult) error {
	if res.bestFitness <= res.baselineFitness {
		return nil
	}
	delta := res.bestFitness - res.baselineFitness
	for _, p := range params {
		value, ok := res.best.Prompts[p.Name]
		if !ok || value == p.Baseline {
			continue
		}
		current, err := s.store.GetPromptParameter(ctx, p.ParameterID)
		if err != nil {
			return err
		}
		if current.State != domain.ParameterStateActive {
			s.logger.Info("skipping update of non-active parameter",
				zap.String("parameter_id", p.ParameterID),
				zap.String("state", string(current.State)),
			)
			continue
		}
		if err := s.store.UpdatePromptParameterValue(ctx, p.ParameterID, sessionID, value, delta, optimizationMethod); err != nil {
			return fmt.Errorf("apply improved prompt %s: %w", p.Name, err)
		}
	}
	return nil
}

func (s *Service) newRand() *rand.Rand {
	seed := uint64(s.cfg.Seed)
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return rand.New(rand.NewPCG(seed, seed>>1|1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsCancelled reports whether err came from a cancelled session.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}
