// Package poller drives fetch cycles against the backend and publishes their
// results to the snapshot store.
package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dvloznov/risk-monitor/internal/backend"
	"github.com/dvloznov/risk-monitor/internal/domain"
	"github.com/dvloznov/risk-monitor/internal/metrics"
	"github.com/dvloznov/risk-monitor/internal/store"
)

const DefaultInterval = 4 * time.Second

var (
	// ErrCycleInFlight is returned when a refresh is requested while another
	// cycle is running. The request is dropped, not queued.
	ErrCycleInFlight = errors.New("fetch cycle already in flight")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("poller closed")
)

// Options configures a Poller.
type Options struct {
	Params      domain.Params
	AutoRefresh bool
	Interval    time.Duration
	Metrics     *metrics.Metrics
	Logger      zerolog.Logger
}

// Poller owns the refresh loop. At most one cycle runs at any time, which
// also keeps snapshot writes in cycle order.
type Poller struct {
	fetcher backend.Fetcher
	store   *store.Store
	metrics *metrics.Metrics
	log     zerolog.Logger
	now     func() time.Time

	inFlight atomic.Bool
	wg       sync.WaitGroup

	mu       sync.Mutex
	params   domain.Params
	auto     bool
	interval time.Duration
	started  bool
	closed   bool
	pending  bool

	reset    chan struct{}
	done     chan struct{}
	loopDone chan struct{}
}

// New validates opts and returns a stopped Poller; call Start to run the timer loop.
func New(fetcher backend.Fetcher, st *store.Store, opts Options) (*Poller, error) {
	if err := domain.ValidateParams(opts.Params); err != nil {
		return nil, err
	}
	if opts.Interval == 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Interval < 0 {
		return nil, &domain.ConfigError{Field: "interval", Value: opts.Interval, Reason: "must be positive"}
	}
	return &Poller{
		fetcher:  fetcher,
		store:    st,
		metrics:  opts.Metrics,
		log:      opts.Logger.With().Str("component", "poller").Logger(),
		now:      time.Now,
		params:   opts.Params,
		auto:     opts.AutoRefresh,
		interval: opts.Interval,
		reset:    make(chan struct{}, 1),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}, nil
}

// Start launches the timer loop and, like a freshly mounted dashboard, one
// immediate cycle. It is a no-op after the first call.
func (p *Poller) Start() {
	p.mu.Lock()
	if p.started || p.closed {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	go p.loop()
	_ = p.Trigger()
}

// Params returns the parameters the next cycle will use.
func (p *Poller) Params() domain.Params {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.params
}

// AutoRefresh reports whether the timer is enabled and its interval.
func (p *Poller) AutoRefresh() (bool, time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.auto, p.interval
}

// InFlight reports whether a cycle is running.
func (p *Poller) InFlight() bool {
	return p.inFlight.Load()
}

// RefreshOnce runs one cycle synchronously and returns its fetch error. The
// cycle is detached from ctx cancellation so a started cycle always publishes.
func (p *Poller) RefreshOnce(ctx context.Context) error {
	params, err := p.acquire()
	if err != nil {
		return err
	}
	defer p.release()
	return p.cycle(context.WithoutCancel(ctx), params)
}

// Trigger starts one cycle in the background. It returns ErrCycleInFlight
// when the request is dropped.
func (p *Poller) Trigger() error {
	params, err := p.acquire()
	if err != nil {
		return err
	}
	p.run(params)
	return nil
}

// SetParams validates and stores new fetch parameters, triggers a cycle with
// them and restarts the timer from now. If a cycle is already running, one
// follow-up cycle with the new parameters starts as soon as it finishes.
func (p *Poller) SetParams(params domain.Params) error {
	if err := domain.ValidateParams(params); err != nil {
		return err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.params = params
	start := p.inFlight.CompareAndSwap(false, true)
	if start {
		p.wg.Add(1)
	} else {
		p.pending = true
	}
	p.mu.Unlock()

	p.log.Info().
		Int("limit", params.Limit).
		Float64("min_risk", params.MinRisk).
		Bool("queued", !start).
		Msg("Fetch parameters changed")
	if start {
		p.run(params)
	}
	p.signalReset()
	return nil
}

// SetAutoRefresh enables or disables the timer. A zero interval keeps the
// current one.
func (p *Poller) SetAutoRefresh(enabled bool, interval time.Duration) error {
	if interval < 0 {
		return &domain.ConfigError{Field: "interval", Value: interval, Reason: "must be positive"}
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.auto = enabled
	if interval > 0 {
		p.interval = interval
	}
	interval = p.interval
	p.mu.Unlock()

	p.log.Info().Bool("enabled", enabled).Dur("interval", interval).Msg("Auto-refresh changed")
	p.signalReset()
	return nil
}

// Close stops the timer, refuses further cycles and waits for the running
// cycle, whose result is still published. ctx bounds the wait.
func (p *Poller) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	started := p.started
	close(p.done)
	p.mu.Unlock()

	if started {
		<-p.loopDone
	}

	// Wait for the in-flight cycle with timeout
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info().Msg("Poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Poller) acquire() (domain.Params, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return domain.Params{}, ErrClosed
	}
	if !p.inFlight.CompareAndSwap(false, true) {
		p.metrics.CycleDropped()
		p.log.Debug().Msg("Refresh dropped, cycle in flight")
		return domain.Params{}, ErrCycleInFlight
	}
	p.wg.Add(1)
	return p.params, nil
}

func (p *Poller) run(params domain.Params) {
	go func() {
		defer p.release()
		_ = p.cycle(context.Background(), params)
	}()
}

// release ends a cycle. A parameter change queued while it ran hands the
// in-flight slot straight to a follow-up cycle with the current parameters.
func (p *Poller) release() {
	p.mu.Lock()
	follow := p.pending && !p.closed
	p.pending = false
	params := p.params
	if !follow {
		p.inFlight.Store(false)
		p.wg.Done()
	}
	p.mu.Unlock()

	if follow {
		p.log.Debug().Int("limit", params.Limit).Float64("min_risk", params.MinRisk).Msg("Running queued cycle for changed parameters")
		p.run(params)
	}
}

func (p *Poller) signalReset() {
	select {
	case p.reset <- struct{}{}:
	default:
	}
}

func (p *Poller) loop() {
	defer close(p.loopDone)

	var ticker *time.Ticker
	stopTicker := func() {
		if ticker != nil {
			ticker.Stop()
			ticker = nil
		}
	}
	defer stopTicker()

	for {
		stopTicker()
		var tick <-chan time.Time
		if auto, interval := p.AutoRefresh(); auto {
			ticker = time.NewTicker(interval)
			tick = ticker.C
		}

	wait:
		for {
			select {
			case <-p.done:
				return
			case <-p.reset:
				break wait
			case <-tick:
				_ = p.Trigger()
			}
		}
	}
}

func (p *Poller) cycle(ctx context.Context, params domain.Params) error {
	cycleID := uuid.NewString()
	log := p.log.With().
		Str("cycle_id", cycleID).
		Int("limit", params.Limit).
		Float64("min_risk", params.MinRisk).
		Logger()

	start := p.now()
	p.metrics.CycleStarted()

	var (
		health    domain.Health
		txns      []domain.Transaction
		anomalies []domain.Anomaly
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		h, err := p.fetcher.FetchHealth(gctx)
		if err != nil {
			return err
		}
		health = h
		return nil
	})
	g.Go(func() error {
		rows, err := p.fetcher.FetchTransactions(gctx, params.Limit)
		if err != nil {
			return err
		}
		txns = rows
		return nil
	})
	g.Go(func() error {
		rows, err := p.fetcher.FetchAnomalies(gctx, params.MinRisk, params.AnomalyLimit)
		if err != nil {
			return err
		}
		anomalies = rows
		return nil
	})

	err := g.Wait()
	finished := p.now()
	elapsed := finished.Sub(start)

	if err != nil {
		p.store.Write(p.store.Read().Failed(cycleID, err, finished))
		p.metrics.CycleFailed(elapsed)
		log.Error().Err(err).Dur("duration", elapsed).Msg("Fetch cycle failed, keeping previous snapshot")
		return err
	}

	p.store.Write(domain.Snapshot{
		CycleID:      cycleID,
		Health:       health,
		Transactions: txns,
		Anomalies:    anomalies,
		Params:       params,
		FetchedAt:    finished,
	})
	p.metrics.CycleSucceeded(elapsed, len(txns), len(anomalies), finished)
	log.Info().
		Dur("duration", elapsed).
		Int("transactions", len(txns)).
		Int("anomalies", len(anomalies)).
		Bool("healthy", health.OK).
		Msg("Fetch cycle applied")
	return nil
}
