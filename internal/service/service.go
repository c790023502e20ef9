package service

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"potion-flow-monitor/internal/alerting"
	"potion-flow-monitor/internal/annotate"
	"potion-flow-monitor/internal/cache"
	"potion-flow-monitor/internal/config"
	"potion-flow-monitor/internal/fetcher"
	"potion-flow-monitor/internal/history"
	"potion-flow-monitor/internal/model"
	"potion-flow-monitor/internal/scheduler"
	"potion-flow-monitor/internal/storage"
)

// Resource names as exposed by the cache registry.
const (
	ResourceCauldrons = "cauldrons"
	ResourceMarket    = "market"
	ResourceCouriers  = "couriers"
	ResourceLevels    = "levels"
	ResourceTickets   = "tickets"
)

// LevelSync summarises one upstream level refresh.
type LevelSync struct {
	Fetched int
	Added   int
	Latest  time.Time
}

// Dependencies are the optional collaborators of a Service. Nil fields
// disable the matching feature.
type Dependencies struct {
	Levels   storage.LevelStore
	Alerts   storage.AlertStore
	Locker   storage.AdvisoryLocker
	Notifier alerting.Notifier
	Observer cache.Observer
	// Now overrides the clock used for cache freshness.
	Now func() time.Time
}

// Service owns the cache instance and derives the served views from it.
type Service struct {
	upstream  fetcher.Upstream
	scheduler *scheduler.Scheduler
	logger    zerolog.Logger

	registry  *cache.Registry
	cauldrons *cache.Resource[[]model.Cauldron]
	market    *cache.Resource[model.Market]
	couriers  *cache.Resource[[]model.Courier]
	levels    *cache.Resource[LevelSync]
	tickets   *cache.Resource[model.TicketsSnapshot]

	history   *history.Accumulator
	annotator *annotate.Annotator

	levelStore storage.LevelStore
	alertStore storage.AlertStore
	locker     storage.AdvisoryLocker
	notifier   alerting.Notifier

	hydrateLimit int
	alertsOn     bool
	minSeverity  model.Severity
	channels     []string
	lockKey      int64

	alertedMu sync.Mutex
	alerted   map[string]struct{}
}

// New constructs the service. sched may be nil when no background poll runs.
func New(cfg *config.Config, sched *scheduler.Scheduler, upstream fetcher.Upstream, deps Dependencies, logger zerolog.Logger) (*Service, error) {
	policy := annotate.Policy{
		OutlierMultiplier: cfg.Annotate.OutlierMultiplier,
		GroupBy:           annotate.GroupKey(cfg.Annotate.GroupBy),
		MinGroupSize:      cfg.Annotate.MinGroupSize,
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("annotate policy: %w", err)
	}

	minSeverity := model.SeverityHigh
	if cfg.Alerting.MinSeverity != "" {
		parsed, err := model.ParseSeverity(cfg.Alerting.MinSeverity)
		if err != nil {
			return nil, fmt.Errorf("alerting.min_severity: %w", err)
		}
		minSeverity = parsed
	}

	s := &Service{
		upstream:     upstream,
		scheduler:    sched,
		logger:       logger.With().Str("component", "service").Logger(),
		registry:     cache.NewRegistry(),
		history:      history.New(cfg.History.MaxEntries),
		annotator:    annotate.New(policy),
		levelStore:   deps.Levels,
		alertStore:   deps.Alerts,
		locker:       deps.Locker,
		notifier:     deps.Notifier,
		hydrateLimit: cfg.History.HydrateLimit,
		alertsOn:     cfg.Alerting.Enabled,
		minSeverity:  minSeverity,
		channels:     cfg.Alerting.Channels,
		lockKey:      cfg.Scheduler.AdvisoryLockKey,
		alerted:      make(map[string]struct{}),
	}

	opts := func(name string, window time.Duration) cache.Options {
		return cache.Options{Name: name, Window: window, Now: deps.Now, Observer: deps.Observer}
	}
	s.cauldrons = cache.NewResource(opts(ResourceCauldrons, cfg.Cache.Cauldrons), upstream.FetchCauldrons, logger)
	s.market = cache.NewResource(opts(ResourceMarket, cfg.Cache.Market), upstream.FetchMarket, logger)
	s.couriers = cache.NewResource(opts(ResourceCouriers, cfg.Cache.Couriers), upstream.FetchCouriers, logger)
	s.levels = cache.NewResource(opts(ResourceLevels, cfg.Cache.Levels), s.syncLevels, logger)
	s.tickets = cache.NewResource(opts(ResourceTickets, cfg.Cache.Tickets), upstream.FetchTickets, logger)

	for _, res := range []cache.Refresher{s.cauldrons, s.market, s.couriers, s.levels, s.tickets} {
		if err := s.registry.Register(res); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Run begins the background poll loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.Poll)
}

// Cauldrons returns the cauldron list.
func (s *Service) Cauldrons(ctx context.Context, force bool) ([]model.Cauldron, error) {
	return s.cauldrons.Get(ctx, force)
}

// Market returns the market.
func (s *Service) Market(ctx context.Context, force bool) (model.Market, error) {
	return s.market.Get(ctx, force)
}

// Couriers returns the courier roster.
func (s *Service) Couriers(ctx context.Context, force bool) ([]model.Courier, error) {
	return s.couriers.Get(ctx, force)
}

// Levels refreshes the level history when needed and returns the most
// recent limit observations in ascending order (limit <= 0 means all).
func (s *Service) Levels(ctx context.Context, force bool, limit int) ([]model.LevelObservation, error) {
	if _, err := s.levels.Get(ctx, force); err != nil {
		return nil, err
	}
	return slices.Collect(s.history.Read(limit)), nil
}

// LevelsBetween refreshes the level history when needed and returns the
// retained observations in [from, to). A zero to leaves the range open.
func (s *Service) LevelsBetween(ctx context.Context, force bool, from, to time.Time) ([]model.LevelObservation, error) {
	if _, err := s.levels.Get(ctx, force); err != nil {
		return nil, err
	}
	if to.IsZero() {
		latest, ok := s.history.Latest()
		if !ok {
			return nil, nil
		}
		to = latest.Timestamp.Add(time.Nanosecond)
	}
	return s.history.Between(from, to), nil
}

// Tickets returns the transport ticket snapshot.
func (s *Service) Tickets(ctx context.Context, force bool) (model.TicketsSnapshot, error) {
	return s.tickets.Get(ctx, force)
}

// AnnotatedTickets classifies the current tickets against the current
// cauldrons. Malformed records dropped while decoding are included in the
// reported malformed count.
func (s *Service) AnnotatedTickets(ctx context.Context, force bool) (annotate.Result, error) {
	snapshot, err := s.tickets.Get(ctx, force)
	if err != nil {
		return annotate.Result{}, err
	}
	cauldrons, err := s.cauldrons.Get(ctx, force)
	if err != nil {
		return annotate.Result{}, err
	}

	result := s.annotator.Annotate(snapshot.TransportTickets, cauldrons)
	result.Dropped += snapshot.Metadata.MalformedRecords
	return result, nil
}

// CacheStatus reports every cached resource in registration order.
func (s *Service) CacheStatus() []cache.Status {
	return s.registry.Statuses()
}

// RefreshResource forces a refresh of the named resource.
func (s *Service) RefreshResource(ctx context.Context, name string) (cache.Status, error) {
	return s.registry.Refresh(ctx, name)
}

// History exposes the level accumulator for read-only callers.
func (s *Service) History() *history.Accumulator {
	return s.history
}

// Hydrate loads persisted observations into the in-memory history.
func (s *Service) Hydrate(ctx context.Context) (int, error) {
	if s.levelStore == nil || s.hydrateLimit == 0 {
		return 0, nil
	}
	limit := s.hydrateLimit
	if limit < 0 || limit > s.history.MaxEntries() {
		limit = s.history.MaxEntries()
	}

	observations, err := s.levelStore.ListRecentObservations(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("hydrate history: %w", err)
	}
	added := len(s.history.AppendAll(observations))
	s.logger.Info().Int("loaded", len(observations)).Int("added", added).Msg("history hydrated from storage")
	return added, nil
}

// syncLevels is the fetch function behind the levels resource.
func (s *Service) syncLevels(ctx context.Context) (LevelSync, error) {
	observations, err := s.upstream.FetchLevels(ctx)
	if err != nil {
		return LevelSync{}, err
	}

	added := s.history.AppendAll(observations)
	result := LevelSync{Fetched: len(observations), Added: len(added)}
	if latest, ok := s.history.Latest(); ok {
		result.Latest = latest.Timestamp
	}

	if s.levelStore != nil && len(added) > 0 {
		if _, err := s.levelStore.UpsertObservations(ctx, added); err != nil {
			s.logger.Error().Err(err).Int("observations", len(added)).Msg("failed to persist observations")
		}
	}
	return result, nil
}

// Poll 执行一次后台轮询: 刷新液位并对可疑工单告警。
func (s *Service) Poll(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip poll because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	if _, err := s.levels.Get(ctx, true); err != nil {
		s.logger.Warn().Err(err).Time("bucket", bucket).Msg("level refresh failed")
	}

	result, err := s.AnnotatedTickets(ctx, true)
	if err != nil {
		return fmt.Errorf("annotate tickets: %w", err)
	}

	counts := result.CountBySeverity()
	s.logger.Info().Time("bucket", bucket).
		Int("tickets", len(result.Tickets)).
		Int("malformed", result.Dropped).
		Int("critical", counts[model.SeverityCritical]).
		Int("high", counts[model.SeverityHigh]).
		Int("medium", counts[model.SeverityMedium]).
		Msg("poll completed")

	if s.alertsOn && s.notifier != nil {
		s.dispatchAlerts(ctx, result)
	}
	return nil
}

func (s *Service) dispatchAlerts(ctx context.Context, result annotate.Result) {
	cauldrons, _ := s.cauldrons.Peek()
	index := model.CauldronIndex(cauldrons.Value)
	now := time.Now().UTC()

	for _, ticket := range result.Suspicious() {
		if !ticket.SuspicionSeverity.AtLeast(s.minSeverity) {
			continue
		}
		first, err := s.markAlerted(ctx, ticket)
		if err != nil {
			s.logger.Error().Err(err).Str("ticket_id", ticket.TicketID).Msg("failed to persist alert record")
			continue
		}
		if !first {
			continue
		}

		note := alerting.Notification{
			Ticket:     ticket,
			DetectedAt: now,
			Channels:   s.channels,
		}
		if c, ok := index[ticket.CauldronID]; ok {
			note.CauldronName = c.DisplayName()
		}
		if err := s.notifier.Notify(ctx, note); err != nil {
			s.logger.Error().Err(err).Str("ticket_id", ticket.TicketID).Msg("failed to dispatch alert")
		}
	}
}

// markAlerted reports whether this is the first alert for the ticket.
func (s *Service) markAlerted(ctx context.Context, ticket model.AnnotatedTicket) (bool, error) {
	if s.alertStore != nil {
		_, inserted, err := s.alertStore.InsertAlert(ctx, storage.AlertFromTicket(ticket, s.channels))
		return inserted, err
	}

	s.alertedMu.Lock()
	defer s.alertedMu.Unlock()
	if _, seen := s.alerted[ticket.TicketID]; seen {
		return false, nil
	}
	s.alerted[ticket.TicketID] = struct{}{}
	return true, nil
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
