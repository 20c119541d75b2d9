package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/amplistack/qpcr-engine/internal/controls"
	"github.com/amplistack/qpcr-engine/internal/curves"
	"github.com/amplistack/qpcr-engine/internal/engine"
	"github.com/amplistack/qpcr-engine/internal/models"
	"github.com/amplistack/qpcr-engine/internal/repo"
	"github.com/amplistack/qpcr-engine/internal/utils"
)

// ErrSessionNotFound signals an unknown session identifier.
var ErrSessionNotFound = errors.New("session not found")

// ErrInvalidRequest marks caller mistakes (unknown strategy or scale, missing wells,
// unusable manual values) so the transport layer can map them to 400s.
var ErrInvalidRequest = errors.New("invalid request")

// Defaults are applied when a new session does not choose a strategy or scale.
type Defaults struct {
	Strategy models.ThresholdStrategy
	Scale    models.Scale
}

// SessionResults is a read-only snapshot of a session's published state.
type SessionResults struct {
	SessionID  string
	Strategy   models.ThresholdStrategy
	Scale      models.Scale
	Thresholds []models.ChannelThreshold
	CQJ        []models.CQJResult
	CalcJ      []models.CalcJResult
}

type session struct {
	id          string
	mu          sync.Mutex
	coordinator *engine.Coordinator
	createdAt   time.Time
}

// AnalysisService owns the in-memory session registry and fronts the recalculation
// coordinators. All remote threshold-table I/O happens here, before a coordinator
// pass starts; the compute path itself never blocks on the network.
type AnalysisService struct {
	logger      *slog.Logger
	categorizer *controls.Categorizer
	resolver    *engine.Resolver
	ladder      engine.LadderConfig
	tableClient *repo.ThresholdTableClient
	fileTable   models.FixedThresholdTable
	defaults    Defaults
	latencies   *utils.LatencyTracker

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewAnalysisService constructs the session facade. tableClient may be nil when no
// configuration service is deployed; fileTable then supplies all fixed thresholds.
func NewAnalysisService(
	logger *slog.Logger,
	categorizer *controls.Categorizer,
	resolver *engine.Resolver,
	ladder engine.LadderConfig,
	tableClient *repo.ThresholdTableClient,
	fileTable models.FixedThresholdTable,
	defaults Defaults,
) *AnalysisService {
	if logger == nil {
		logger = slog.Default()
	}
	if defaults.Scale == "" {
		defaults.Scale = models.ScaleLinear
	}
	if defaults.Strategy.Kind == "" {
		defaults.Strategy = models.ThresholdStrategy{Kind: models.StrategyBaselineStdev, Multiplier: models.DefaultStdevMultiplier}
	}
	return &AnalysisService{
		logger:      logger,
		categorizer: categorizer,
		resolver:    resolver,
		ladder:      ladder,
		tableClient: tableClient,
		fileTable:   fileTable,
		defaults:    defaults,
		latencies:   utils.NewLatencyTracker(1024),
		sessions:    make(map[string]*session),
	}
}

// CreateSession validates the uploaded curves, runs the initial recalculation pass,
// and registers the session.
func (s *AnalysisService) CreateSession(ctx context.Context, req models.CreateSessionRequest) (string, models.RecalculationResult, error) {
	if len(req.Wells) == 0 {
		return "", models.RecalculationResult{}, fmt.Errorf("%w: no wells supplied", ErrInvalidRequest)
	}

	strategy := s.defaults.Strategy
	if req.Strategy != nil {
		parsed, err := req.Strategy.ToStrategy()
		if err != nil {
			return "", models.RecalculationResult{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		strategy = parsed
	}

	scale := s.defaults.Scale
	if req.Scale != "" {
		parsed, err := models.ParseScale(req.Scale)
		if err != nil {
			return "", models.RecalculationResult{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		scale = parsed
	}

	wells := make([]models.WellCurve, 0, len(req.Wells))
	for _, w := range req.Wells {
		wells = append(wells, w.ToWellCurve())
	}

	store := curves.NewStore(wells, s.logger)
	coordinator := engine.NewCoordinator(s.logger, store, s.categorizer, s.resolver, s.ladder, strategy, scale, s.table(ctx))

	start := time.Now()
	result, err := coordinator.Initialize()
	if err != nil {
		return "", models.RecalculationResult{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	s.observe(start)

	sess := &session{id: uuid.NewString(), coordinator: coordinator, createdAt: time.Now().UTC()}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	s.logger.Info("session created",
		slog.String("session_id", sess.id),
		slog.Int("wells", len(wells)),
		slog.String("strategy", string(strategy.Kind)),
		slog.String("scale", string(scale)))

	return sess.id, result, nil
}

// SetStrategy switches a session's threshold strategy and returns the refreshed
// results.
func (s *AnalysisService) SetStrategy(ctx context.Context, sessionID string, input models.StrategyInput) (models.RecalculationResult, error) {
	sess, err := s.session(sessionID)
	if err != nil {
		return models.RecalculationResult{}, err
	}

	strategy, err := input.ToStrategy()
	if err != nil {
		return models.RecalculationResult{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if strategy.Kind == models.StrategyFixedPathogen {
		sess.coordinator.UpdateTable(s.table(ctx))
	}

	start := time.Now()
	result, err := sess.coordinator.OnStrategyChange(strategy)
	if err != nil {
		return models.RecalculationResult{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	s.observe(start)
	return result, nil
}

// SetScale switches a session's display scale and returns the refreshed results.
func (s *AnalysisService) SetScale(_ context.Context, sessionID, scaleName string) (models.RecalculationResult, error) {
	sess, err := s.session(sessionID)
	if err != nil {
		return models.RecalculationResult{}, err
	}

	scale, err := models.ParseScale(scaleName)
	if err != nil {
		return models.RecalculationResult{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	start := time.Now()
	result, err := sess.coordinator.OnScaleChange(scale)
	if err != nil {
		return models.RecalculationResult{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	s.observe(start)
	return result, nil
}

// SetManualThreshold pins a manual threshold on one (channel, scale) pair.
func (s *AnalysisService) SetManualThreshold(_ context.Context, sessionID string, req models.ManualThresholdRequest) (models.RecalculationResult, error) {
	sess, err := s.session(sessionID)
	if err != nil {
		return models.RecalculationResult{}, err
	}
	if req.Value == nil {
		return models.RecalculationResult{}, fmt.Errorf("%w: manual threshold value required", ErrInvalidRequest)
	}
	scale, err := models.ParseScale(req.Scale)
	if err != nil {
		return models.RecalculationResult{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	start := time.Now()
	result, err := sess.coordinator.OnManualThresholdSet(req.Channel, scale, *req.Value)
	if err != nil {
		return models.RecalculationResult{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	s.observe(start)
	return result, nil
}

// ClearManualThreshold reverts one (channel, scale) pair to automatic mode.
func (s *AnalysisService) ClearManualThreshold(_ context.Context, sessionID, channel, scaleName string) (models.RecalculationResult, error) {
	sess, err := s.session(sessionID)
	if err != nil {
		return models.RecalculationResult{}, err
	}
	scale, err := models.ParseScale(scaleName)
	if err != nil {
		return models.RecalculationResult{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	start := time.Now()
	result, err := sess.coordinator.OnManualThresholdCleared(channel, scale)
	if err != nil {
		return models.RecalculationResult{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	s.observe(start)
	return result, nil
}

// Results returns the session's latest published state.
func (s *AnalysisService) Results(sessionID string) (SessionResults, error) {
	sess, err := s.session(sessionID)
	if err != nil {
		return SessionResults{}, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	thresholds, cqj, calcj := sess.coordinator.Results()
	return SessionResults{
		SessionID:  sess.id,
		Strategy:   sess.coordinator.Strategy(),
		Scale:      sess.coordinator.Scale(),
		Thresholds: thresholds,
		CQJ:        cqj,
		CalcJ:      calcj,
	}, nil
}

// LatencyP95 returns the current p95 recalculation pass latency.
func (s *AnalysisService) LatencyP95() time.Duration {
	return s.latencies.Percentile(95)
}

func (s *AnalysisService) session(id string) (*session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

// table assembles the current fixed-pathogen threshold table: the local file as the
// base, remote entries layered over it. Fetched and cached here so no recompute pass
// ever blocks on I/O.
func (s *AnalysisService) table(ctx context.Context) models.FixedThresholdTable {
	merged := make(models.FixedThresholdTable, len(s.fileTable))
	for k, v := range s.fileTable {
		merged[k] = v
	}

	if s.tableClient != nil {
		remote, err := s.tableClient.FetchTable(ctx)
		if err != nil {
			s.logger.Warn("threshold table fetch failed, using local table", slog.Any("error", err))
		} else {
			for k, v := range remote {
				merged[k] = v
			}
		}
	}
	return merged
}

func (s *AnalysisService) observe(start time.Time) {
	s.latencies.Observe(time.Since(start))
	if count := s.latencies.Count(); count >= 20 && count%20 == 0 {
		s.logger.Info("recalculation latency",
			slog.Duration("p95", s.latencies.Percentile(95)),
			slog.Int("samples", count))
	}
}
