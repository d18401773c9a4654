package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/risk-monitor/internal/domain"
	"github.com/dvloznov/risk-monitor/internal/store"
)

// mockFetcher is a function-field mock of backend.Fetcher.
type mockFetcher struct {
	HealthFunc       func(ctx context.Context) (domain.Health, error)
	TransactionsFunc func(ctx context.Context, limit int) ([]domain.Transaction, error)
	AnomaliesFunc    func(ctx context.Context, minRisk float64, limit int) ([]domain.Anomaly, error)
}

func (m *mockFetcher) FetchHealth(ctx context.Context) (domain.Health, error) {
	if m.HealthFunc != nil {
		return m.HealthFunc(ctx)
	}
	return domain.Health{OK: true}, nil
}

func (m *mockFetcher) FetchTransactions(ctx context.Context, limit int) ([]domain.Transaction, error) {
	if m.TransactionsFunc != nil {
		return m.TransactionsFunc(ctx, limit)
	}
	return []domain.Transaction{{ID: "1"}}, nil
}

func (m *mockFetcher) FetchAnomalies(ctx context.Context, minRisk float64, limit int) ([]domain.Anomaly, error) {
	if m.AnomaliesFunc != nil {
		return m.AnomaliesFunc(ctx, minRisk, limit)
	}
	return []domain.Anomaly{}, nil
}

func newPoller(t *testing.T, f *mockFetcher, opts Options) (*Poller, *store.Store) {
	t.Helper()
	if opts.Params == (domain.Params{}) {
		opts.Params = domain.DefaultParams()
	}
	opts.Logger = zerolog.Nop()
	st := store.New()
	p, err := New(f, st, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = p.Close(ctx)
	})
	return p, st
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRefreshOnce_Success(t *testing.T) {
	var gotLimit, gotAnomalyLimit int
	var gotMinRisk float64
	f := &mockFetcher{
		TransactionsFunc: func(ctx context.Context, limit int) ([]domain.Transaction, error) {
			gotLimit = limit
			return []domain.Transaction{{ID: "1"}, {ID: "2"}}, nil
		},
		AnomaliesFunc: func(ctx context.Context, minRisk float64, limit int) ([]domain.Anomaly, error) {
			gotMinRisk, gotAnomalyLimit = minRisk, limit
			return []domain.Anomaly{{ID: "1"}}, nil
		},
	}
	p, st := newPoller(t, f, Options{Params: domain.Params{Limit: 100, MinRisk: 0.8, AnomalyLimit: 20}})

	if err := p.RefreshOnce(context.Background()); err != nil {
		t.Fatalf("RefreshOnce: %v", err)
	}
	if gotLimit != 100 || gotMinRisk != 0.8 || gotAnomalyLimit != 20 {
		t.Errorf("fetch params = %d %v %d", gotLimit, gotMinRisk, gotAnomalyLimit)
	}
	snap := st.Read()
	if snap.Err != nil || len(snap.Transactions) != 2 || len(snap.Anomalies) != 1 || !snap.Health.OK {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.CycleID == "" || snap.FetchedAt.IsZero() || snap.Params.Limit != 100 {
		t.Errorf("snapshot metadata = %+v", snap)
	}
}

func TestRefreshOnce_FailureKeepsPreviousSnapshot(t *testing.T) {
	fail := atomic.Bool{}
	f := &mockFetcher{
		AnomaliesFunc: func(ctx context.Context, minRisk float64, limit int) ([]domain.Anomaly, error) {
			if fail.Load() {
				return nil, errors.New("anomalies: status=500")
			}
			return []domain.Anomaly{{ID: "a"}}, nil
		},
	}
	p, st := newPoller(t, f, Options{})

	if err := p.RefreshOnce(context.Background()); err != nil {
		t.Fatalf("first RefreshOnce: %v", err)
	}
	good := st.Read()

	fail.Store(true)
	if err := p.RefreshOnce(context.Background()); err == nil {
		t.Fatal("expected fetch error")
	}
	snap := st.Read()
	if snap.ErrMessage() != "anomalies: status=500" {
		t.Errorf("Err = %q", snap.ErrMessage())
	}
	if len(snap.Transactions) != len(good.Transactions) || len(snap.Anomalies) != 1 || !snap.FetchedAt.Equal(good.FetchedAt) {
		t.Errorf("failed cycle must retain previous data, got %+v", snap)
	}

	fail.Store(false)
	if err := p.RefreshOnce(context.Background()); err != nil {
		t.Fatalf("third RefreshOnce: %v", err)
	}
	if st.Read().Err != nil {
		t.Error("successful cycle must clear the error")
	}
}

func TestRefreshOnce_NoPartialApply(t *testing.T) {
	f := &mockFetcher{
		TransactionsFunc: func(ctx context.Context, limit int) ([]domain.Transaction, error) {
			return []domain.Transaction{{ID: "new-1"}, {ID: "new-2"}, {ID: "new-3"}}, nil
		},
		HealthFunc: func(ctx context.Context) (domain.Health, error) {
			return domain.Health{}, errors.New("health down")
		},
	}
	p, st := newPoller(t, f, Options{})
	st.Write(domain.Snapshot{CycleID: "old", Transactions: []domain.Transaction{{ID: "old-1"}}})

	if err := p.RefreshOnce(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	snap := st.Read()
	if len(snap.Transactions) != 1 || snap.Transactions[0].ID != "old-1" {
		t.Errorf("transactions partially applied: %+v", snap.Transactions)
	}
}

func TestOverlapGuard(t *testing.T) {
	const totalTicks = 10
	const cycleTicks = 2

	gate := make(chan struct{})
	var active, maxActive int32
	f := &mockFetcher{
		TransactionsFunc: func(ctx context.Context, limit int) ([]domain.Transaction, error) {
			n := atomic.AddInt32(&active, 1)
			defer atomic.AddInt32(&active, -1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			<-gate
			return nil, nil
		},
	}
	p, st := newPoller(t, f, Options{})

	dropped := 0
	for tick := 0; tick < totalTicks; tick++ {
		if err := p.Trigger(); errors.Is(err, ErrCycleInFlight) {
			dropped++
		} else if err != nil {
			t.Fatalf("Trigger: %v", err)
		}
		if tick%cycleTicks == cycleTicks-1 {
			gate <- struct{}{}
			waitFor(t, func() bool { return !p.InFlight() })
		}
	}

	if got := atomic.LoadInt32(&maxActive); got != 1 {
		t.Errorf("max in-flight cycles = %d, want 1", got)
	}
	completed := int(st.Version())
	if limit := (totalTicks + cycleTicks - 1) / cycleTicks; completed > limit {
		t.Errorf("completed cycles = %d, want <= %d", completed, limit)
	}
	if completed+dropped != totalTicks {
		t.Errorf("completed %d + dropped %d != %d requests", completed, dropped, totalTicks)
	}
}

func TestRefreshOnce_DroppedWhileInFlight(t *testing.T) {
	gate := make(chan struct{})
	f := &mockFetcher{
		HealthFunc: func(ctx context.Context) (domain.Health, error) {
			<-gate
			return domain.Health{OK: true}, nil
		},
	}
	p, _ := newPoller(t, f, Options{})

	if err := p.Trigger(); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	waitFor(t, p.InFlight)
	if err := p.RefreshOnce(context.Background()); !errors.Is(err, ErrCycleInFlight) {
		t.Errorf("RefreshOnce = %v, want ErrCycleInFlight", err)
	}
	close(gate)
}

func TestSetParams(t *testing.T) {
	var mu sync.Mutex
	var limits []int
	f := &mockFetcher{
		TransactionsFunc: func(ctx context.Context, limit int) ([]domain.Transaction, error) {
			mu.Lock()
			limits = append(limits, limit)
			mu.Unlock()
			return nil, nil
		},
	}
	p, st := newPoller(t, f, Options{})

	err := p.SetParams(domain.Params{Limit: 30, MinRisk: 0.5, AnomalyLimit: 20})
	var cfgErr *domain.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("SetParams invalid limit = %v, want ConfigError", err)
	}
	if st.Version() != 0 {
		t.Error("invalid params must not issue a fetch")
	}

	if err := p.SetParams(domain.Params{Limit: 20, MinRisk: 0.9, AnomalyLimit: 20}); err != nil {
		t.Fatalf("SetParams: %v", err)
	}
	waitFor(t, func() bool { return st.Version() == 1 && !p.InFlight() })

	mu.Lock()
	defer mu.Unlock()
	if len(limits) != 1 || limits[0] != 20 {
		t.Errorf("fetched limits = %v, want [20]", limits)
	}
	if st.Read().Params.MinRisk != 0.9 || p.Params().MinRisk != 0.9 {
		t.Error("new params not applied")
	}
}

func TestSetParams_WhileCycleInFlight(t *testing.T) {
	gate := make(chan struct{})
	var mu sync.Mutex
	var limits []int
	var minRisks []float64
	f := &mockFetcher{
		TransactionsFunc: func(ctx context.Context, limit int) ([]domain.Transaction, error) {
			mu.Lock()
			first := len(limits) == 0
			limits = append(limits, limit)
			mu.Unlock()
			if first {
				<-gate
			}
			return nil, nil
		},
		AnomaliesFunc: func(ctx context.Context, minRisk float64, limit int) ([]domain.Anomaly, error) {
			mu.Lock()
			minRisks = append(minRisks, minRisk)
			mu.Unlock()
			return nil, nil
		},
	}
	p, st := newPoller(t, f, Options{AutoRefresh: false})

	if err := p.Trigger(); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	waitFor(t, p.InFlight)

	changed := domain.Params{Limit: 100, MinRisk: 0.9, AnomalyLimit: 20}
	if err := p.SetParams(changed); err != nil {
		t.Fatalf("SetParams: %v", err)
	}
	close(gate)

	waitFor(t, func() bool { return st.Read().Params == changed && !p.InFlight() })

	mu.Lock()
	defer mu.Unlock()
	if len(limits) != 2 || limits[0] != 50 || limits[1] != 100 {
		t.Errorf("fetched limits = %v, want [50 100]", limits)
	}
	if len(minRisks) != 2 || minRisks[1] != 0.9 {
		t.Errorf("fetched min risks = %v, want second 0.9", minRisks)
	}
	if st.Version() != 2 {
		t.Errorf("store version = %d, want 2 (one write per cycle)", st.Version())
	}
}

func TestSetParams_QueuedCycleSkippedAfterClose(t *testing.T) {
	gate := make(chan struct{})
	var calls atomic.Int32
	f := &mockFetcher{
		TransactionsFunc: func(ctx context.Context, limit int) ([]domain.Transaction, error) {
			calls.Add(1)
			<-gate
			return nil, nil
		},
	}
	p, _ := newPoller(t, f, Options{})

	if err := p.Trigger(); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	waitFor(t, p.InFlight)
	if err := p.SetParams(domain.Params{Limit: 20, MinRisk: 0.5, AnomalyLimit: 20}); err != nil {
		t.Fatalf("SetParams: %v", err)
	}

	closed := make(chan error, 1)
	go func() { closed <- p.Close(context.Background()) }()
	waitFor(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.closed
	})
	close(gate)

	if err := <-closed; err != nil {
		t.Fatalf("Close: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("fetch calls = %d, want 1 (no follow-up after Close)", calls.Load())
	}
}

func TestSetParams_ResetsTimer(t *testing.T) {
	const interval = 100 * time.Millisecond
	var mu sync.Mutex
	var starts []time.Time
	f := &mockFetcher{
		HealthFunc: func(ctx context.Context) (domain.Health, error) {
			mu.Lock()
			starts = append(starts, time.Now())
			mu.Unlock()
			return domain.Health{OK: true}, nil
		},
	}
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(starts)
	}
	p, _ := newPoller(t, f, Options{AutoRefresh: true, Interval: interval})
	p.Start()
	waitFor(t, func() bool { return count() == 1 && !p.InFlight() })

	time.Sleep(interval / 2)
	changedAt := time.Now()
	if err := p.SetParams(domain.Params{Limit: 20, MinRisk: 0.5, AnomalyLimit: 20}); err != nil {
		t.Fatalf("SetParams: %v", err)
	}
	waitFor(t, func() bool { return count() >= 3 })

	mu.Lock()
	defer mu.Unlock()
	// Without the reset the old ticker would fire interval/2 after the change.
	if gap := starts[2].Sub(changedAt); gap < interval*8/10 {
		t.Errorf("next tick came %v after SetParams, want about %v", gap, interval)
	}
}

func TestAutoRefresh(t *testing.T) {
	var calls atomic.Int32
	f := &mockFetcher{
		HealthFunc: func(ctx context.Context) (domain.Health, error) {
			calls.Add(1)
			return domain.Health{OK: true}, nil
		},
	}
	p, _ := newPoller(t, f, Options{AutoRefresh: true, Interval: 5 * time.Millisecond})
	p.Start()

	waitFor(t, func() bool { return calls.Load() >= 3 })

	if err := p.SetAutoRefresh(false, 0); err != nil {
		t.Fatalf("SetAutoRefresh: %v", err)
	}
	waitFor(t, func() bool { return !p.InFlight() })
	time.Sleep(20 * time.Millisecond)
	settled := calls.Load()
	time.Sleep(30 * time.Millisecond)
	if calls.Load() != settled {
		t.Errorf("cycles continued after auto-refresh was disabled: %d -> %d", settled, calls.Load())
	}
	if enabled, interval := p.AutoRefresh(); enabled || interval != 5*time.Millisecond {
		t.Errorf("AutoRefresh() = %v, %v", enabled, interval)
	}
}

func TestClose_WaitsForInFlightCycle(t *testing.T) {
	gate := make(chan struct{})
	f := &mockFetcher{
		TransactionsFunc: func(ctx context.Context, limit int) ([]domain.Transaction, error) {
			<-gate
			return []domain.Transaction{{ID: "late"}}, nil
		},
	}
	p, st := newPoller(t, f, Options{AutoRefresh: true, Interval: time.Hour})
	p.Start()
	waitFor(t, p.InFlight)

	closed := make(chan error, 1)
	go func() { closed <- p.Close(context.Background()) }()

	select {
	case <-closed:
		t.Fatal("Close returned before the in-flight cycle finished")
	case <-time.After(20 * time.Millisecond):
	}
	close(gate)
	if err := <-closed; err != nil {
		t.Fatalf("Close: %v", err)
	}

	snap := st.Read()
	if len(snap.Transactions) != 1 || snap.Transactions[0].ID != "late" {
		t.Errorf("in-flight result not applied: %+v", snap)
	}
	if err := p.RefreshOnce(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("RefreshOnce after Close = %v, want ErrClosed", err)
	}
	if err := p.Trigger(); !errors.Is(err, ErrClosed) {
		t.Errorf("Trigger after Close = %v, want ErrClosed", err)
	}
}

func TestClose_Timeout(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	f := &mockFetcher{
		HealthFunc: func(ctx context.Context) (domain.Health, error) {
			<-gate
			return domain.Health{}, nil
		},
	}
	p, _ := newPoller(t, f, Options{})
	if err := p.Trigger(); err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := p.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Close = %v, want deadline exceeded", err)
	}
}

func TestNew_RejectsInvalidParams(t *testing.T) {
	_, err := New(&mockFetcher{}, store.New(), Options{Params: domain.Params{Limit: 50, MinRisk: 2, AnomalyLimit: 20}})
	var cfgErr *domain.ConfigError
	if !errors.As(err, &cfgErr) || cfgErr.Field != "min_risk" {
		t.Errorf("New = %v, want min_risk ConfigError", err)
	}
}
