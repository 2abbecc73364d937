// Package refresh periodically rebuilds and publishes every realm's summary.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/yourorg/realm-aggregator/internal/aggregate"
	"github.com/yourorg/realm-aggregator/internal/circuitbreaker"
	"github.com/yourorg/realm-aggregator/internal/fetch"
	"github.com/yourorg/realm-aggregator/internal/model"
	"github.com/yourorg/realm-aggregator/internal/otel"
	"github.com/yourorg/realm-aggregator/internal/publish"
	"github.com/yourorg/realm-aggregator/internal/validation"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// maxConcurrentRealms bounds RefreshAll
const maxConcurrentRealms = 4

// RealmSource looks up configured realms
type RealmSource interface {
	Realms() []model.RealmConfig
	Realm(id string) (model.RealmConfig, model.Deployment, error)
}

// BatchReader executes a query schedule on a chain
type BatchReader interface {
	ReadBatch(ctx context.Context, chainID int64, calls []model.Call) ([]any, error)
}

// Options tunes a Service
type Options struct {
	// Account whose positions are read; the zero address skips them
	Account common.Address
	// Interval between scheduled refreshes
	Interval time.Duration
	// Timeout bounds a single realm refresh
	Timeout    time.Duration
	Aggregate  aggregate.Options
	Thresholds circuitbreaker.Thresholds
	ResetDelay time.Duration
}

// RealmStatus describes the outcome of a realm's latest refresh
type RealmStatus struct {
	RealmID     string                `json:"realm_id"`
	LastSuccess time.Time             `json:"last_success,omitempty"`
	LastError   string                `json:"last_error,omitempty"`
	Missing     int                   `json:"missing"`
	Expected    int                   `json:"expected"`
	Circuit     circuitbreaker.Status `json:"circuit"`
}

// Service discovers, reads, aggregates, guards and publishes realm summaries.
type Service struct {
	realms  RealmSource
	markets fetch.MarketRegistry
	reader  BatchReader
	hub     *publish.Hub
	opts    Options
	metrics *Metrics

	mu       sync.Mutex
	breakers map[string]*circuitbreaker.CircuitBreaker
	status   map[string]*RealmStatus

	cron    *cron.Cron
	initial sync.WaitGroup
}

// New creates a service. Metrics are registered with reg.
func New(realms RealmSource, markets fetch.MarketRegistry, reader BatchReader, hub *publish.Hub, opts Options, reg prometheus.Registerer) *Service {
	if opts.Aggregate.APYModel == "" {
		opts.Aggregate = aggregate.DefaultOptions()
	}
	return &Service{
		realms:   realms,
		markets:  markets,
		reader:   reader,
		hub:      hub,
		opts:     opts,
		metrics:  NewMetrics(reg),
		breakers: make(map[string]*circuitbreaker.CircuitBreaker),
		status:   make(map[string]*RealmStatus),
	}
}

// Refresh runs one full pass for a realm and publishes the result. A summary
// refused by the circuit breaker is not published and the previous one stays.
func (s *Service) Refresh(ctx context.Context, realmID string) (*model.Summary, error) {
	ctx, span := otel.Tracer().Start(ctx, "refresh.Realm", trace.WithAttributes(attribute.String("realm", realmID)))
	defer span.End()

	start := time.Now()
	defer func() {
		s.metrics.duration.WithLabelValues(realmID).Observe(time.Since(start).Seconds())
	}()

	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	summary, report, stage, err := s.build(ctx, realmID)
	if err == nil {
		stage = "guard"
		err = s.breaker(realmID).Check(summary, report)
	}
	if err != nil {
		s.metrics.failures.WithLabelValues(realmID, stage).Inc()
		s.recordFailure(realmID, report, err)
		otel.RecordError(ctx, err)
		logrus.WithFields(logrus.Fields{
			"realm": realmID,
			"stage": stage,
		}).WithError(err).Warn("Realm refresh failed")
		return nil, err
	}

	s.hub.Publish(summary)
	s.metrics.observeSummary(summary)
	s.recordSuccess(realmID, report)

	span.SetAttributes(
		attribute.Int("markets", len(summary.MarketData)),
		attribute.Int("missing", report.Missing),
	)
	logrus.WithFields(logrus.Fields{
		"realm":    realmID,
		"markets":  len(summary.MarketData),
		"tvl":      summary.TotalValueLocked.String(),
		"missing":  report.Missing,
		"duration": time.Since(start),
	}).Info("Realm refreshed")
	return summary, nil
}

// build reads and aggregates a realm without publishing. stage names the
// step that failed.
func (s *Service) build(ctx context.Context, realmID string) (*model.Summary, validation.BatchReport, string, error) {
	var report validation.BatchReport

	realm, d, err := s.realms.Realm(realmID)
	if err != nil {
		return nil, report, "config", err
	}
	comptroller, _ := d.Address(model.ContractComptroller)

	live, err := s.markets.AllMarkets(ctx, d.ChainID, comptroller)
	if err != nil {
		return nil, report, "registry", fmt.Errorf("failed to list markets: %w", err)
	}

	resolved := aggregate.ResolveMarkets(realm, d, live)
	calls, err := aggregate.Schedule(resolved, d, s.opts.Account)
	if err != nil {
		return nil, report, "schedule", err
	}

	batch, err := s.reader.ReadBatch(ctx, d.ChainID, calls)
	if err != nil {
		if errors.Is(err, fetch.ErrChainMismatch) {
			if cached, ok := s.markets.(*fetch.CachedRegistry); ok {
				cached.Invalidate(d.ChainID, comptroller)
			}
		}
		return nil, report, "read", fmt.Errorf("failed to read markets: %w", err)
	}

	report = validation.Report(calls, batch)
	s.metrics.observeBatch(realmID, report, propertyNames())

	summary := aggregate.Aggregate(batch, aggregate.Input{
		Realm:     realm,
		Resolved:  resolved,
		Available: aggregate.AvailableMarkets(realm, d),
	}, s.opts.Aggregate)
	summary.CollectedAt = time.Now().Unix()
	return summary, report, "", nil
}

// Snapshot reads and aggregates a realm once, bypassing the circuit breaker
// and the hub
func (s *Service) Snapshot(ctx context.Context, realmID string) (*model.Summary, validation.BatchReport, error) {
	summary, report, _, err := s.build(ctx, realmID)
	return summary, report, err
}

// RefreshAll refreshes every configured realm concurrently and returns the
// joined errors of the realms that failed
func (s *Service) RefreshAll(ctx context.Context) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(maxConcurrentRealms)

	for _, realm := range s.realms.Realms() {
		id := realm.ID
		g.Go(func() error {
			if _, err := s.Refresh(ctx, id); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("realm %s: %w", id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Start refreshes every realm now and then on the configured interval. A tick
// is skipped while the previous one is still running.
func (s *Service) Start() error {
	interval := s.opts.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}

	schedule, err := cron.ParseStandard(fmt.Sprintf("@every %s", interval))
	if err != nil {
		return fmt.Errorf("failed to schedule refresh: %w", err)
	}

	// the first run and the ticks share one chain so they never overlap
	job := cron.NewChain(
		cron.SkipIfStillRunning(cron.PrintfLogger(logrus.StandardLogger())),
	).Then(cron.FuncJob(func() {
		if err := s.RefreshAll(context.Background()); err != nil {
			logrus.WithError(err).Debug("Refresh round finished with errors")
		}
	}))

	s.cron = cron.New()
	s.cron.Schedule(schedule, job)

	s.initial.Add(1)
	go func() {
		defer s.initial.Done()
		job.Run()
	}()
	s.cron.Start()
	logrus.WithField("interval", interval).Info("Refresh loop started")
	return nil
}

// Stop halts the schedule and waits for a running refresh to finish
func (s *Service) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.initial.Wait()
	logrus.Info("Refresh loop stopped")
}

// Breaker returns the realm's circuit breaker, creating it on first use
func (s *Service) Breaker(realmID string) *circuitbreaker.CircuitBreaker {
	return s.breaker(realmID)
}

func (s *Service) breaker(realmID string) *circuitbreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cb, ok := s.breakers[realmID]; ok {
		return cb
	}
	cb := circuitbreaker.New(s.opts.Thresholds).
		WithTripCallback(func(string, *model.Summary) {
			s.metrics.breakerTrips.WithLabelValues(realmID).Inc()
		})
	if s.opts.ResetDelay > 0 {
		cb = cb.WithResetDelay(s.opts.ResetDelay)
	}
	s.breakers[realmID] = cb
	return cb
}

// Status reports every configured realm in configuration order
func (s *Service) Status() []RealmStatus {
	realms := s.realms.Realms()
	out := make([]RealmStatus, 0, len(realms))
	for _, realm := range realms {
		circuit := s.breaker(realm.ID).Status()

		s.mu.Lock()
		st := RealmStatus{RealmID: realm.ID}
		if recorded, ok := s.status[realm.ID]; ok {
			st = *recorded
		}
		s.mu.Unlock()

		st.Circuit = circuit
		out = append(out, st)
	}
	return out
}

func (s *Service) recordSuccess(realmID string, report validation.BatchReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.statusOf(realmID)
	st.LastSuccess = time.Now()
	st.LastError = ""
	st.Missing = report.Missing
	st.Expected = report.Expected
}

func (s *Service) recordFailure(realmID string, report validation.BatchReport, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.statusOf(realmID)
	st.LastError = err.Error()
	st.Missing = report.Missing
	st.Expected = report.Expected
}

func (s *Service) statusOf(realmID string) *RealmStatus {
	st, ok := s.status[realmID]
	if !ok {
		st = &RealmStatus{RealmID: realmID}
		s.status[realmID] = st
	}
	return st
}

func propertyNames() []string {
	names := make([]string, len(aggregate.Properties))
	for i, p := range aggregate.Properties {
		names[i] = p.String()
	}
	return names
}
