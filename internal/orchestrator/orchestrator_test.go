package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"binance-loop-runner/internal/binance"
	"binance-loop-runner/internal/closeall"
	"binance-loop-runner/internal/guard"
)

// scriptProvider returns a fixed signal and counts evaluations
type scriptProvider struct {
	mu     sync.Mutex
	signal Signal
	calls  int
}

func (p *scriptProvider) Evaluate(_ context.Context, _ LoopJob, _ float64) (Signal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.signal, nil
}

func (p *scriptProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func newTestOrchestrator(client *binance.FuturesMockClient, provider SignalProvider) (*Orchestrator, *guard.PositionGuard) {
	g := guard.New(guard.DefaultConfig(), zerolog.Nop())
	g.AttachClient(client)
	closer := closeall.New(client, nil, nil, 3, zerolog.Nop())
	cfg := Config{
		StartStagger: time.Millisecond,
		StopTimeout:  200 * time.Millisecond,
		LoopInterval: 10 * time.Millisecond,
	}
	return New(cfg, g, client, provider, closer, nil, zerolog.Nop()), g
}

func TestStartSpawnsAndStopJoins(t *testing.T) {
	client := binance.NewFuturesMockClient(10000)
	client.SetPrice("BTCUSDT", 40000)
	o, _ := newTestOrchestrator(client, &scriptProvider{signal: Signal{Action: ActionHold}})

	acks := o.Start([]LoopJob{{Symbol: "BTCUSDT", Interval: "5m"}})
	if len(acks) != 1 || !acks[0].Started {
		t.Fatalf("unexpected acks: %+v", acks)
	}
	if keys := o.RunningKeys(); len(keys) != 1 || keys[0] != "BTCUSDT@5m" {
		t.Fatalf("unexpected running keys: %v", keys)
	}

	result := o.Stop(false)
	if result.Stopped != 1 || len(result.TimedOut) != 0 {
		t.Errorf("unexpected stop result: %+v", result)
	}
	if len(o.RunningKeys()) != 0 {
		t.Error("expected empty registry after stop")
	}
}

func TestStartDoesNotBlockOnStagger(t *testing.T) {
	client := binance.NewFuturesMockClient(10000)
	client.SetPrice("BTCUSDT", 40000)
	client.SetPrice("ETHUSDT", 2500)
	client.SetPrice("SOLUSDT", 150)

	g := guard.New(guard.DefaultConfig(), zerolog.Nop())
	g.AttachClient(client)
	cfg := Config{
		StartStagger: 300 * time.Millisecond,
		StopTimeout:  2 * time.Second,
		LoopInterval: 10 * time.Millisecond,
	}
	o := New(cfg, g, client, &scriptProvider{signal: Signal{Action: ActionHold}}, nil, nil, zerolog.Nop())

	began := time.Now()
	acks := o.Start([]LoopJob{
		{Symbol: "BTCUSDT", Interval: "5m"},
		{Symbol: "ETHUSDT", Interval: "5m"},
		{Symbol: "SOLUSDT", Interval: "5m"},
	})
	elapsed := time.Since(began)

	if elapsed >= cfg.StartStagger {
		t.Errorf("Start held the caller for %v, stagger is %v", elapsed, cfg.StartStagger)
	}
	if len(acks) != 3 {
		t.Fatalf("expected 3 acks, got %d", len(acks))
	}
	for _, ack := range acks {
		if !ack.Started {
			t.Errorf("expected job %s accepted, got %+v", ack.Key, ack)
		}
	}
	// Every job is registered before Start returns, spawned or not
	if keys := o.RunningKeys(); len(keys) != 3 {
		t.Errorf("expected 3 registered keys, got %v", keys)
	}

	result := o.Stop(false)
	if result.Stopped != 3 || len(result.TimedOut) != 0 {
		t.Errorf("unexpected stop result: %+v", result)
	}
}

func TestDuplicateStartIsNoOp(t *testing.T) {
	client := binance.NewFuturesMockClient(10000)
	client.SetPrice("BTCUSDT", 40000)
	o, _ := newTestOrchestrator(client, &scriptProvider{signal: Signal{Action: ActionHold}})

	job := LoopJob{Symbol: "BTCUSDT", Interval: "5m"}
	o.Start([]LoopJob{job})
	acks := o.Start([]LoopJob{job})

	if len(acks) != 1 || !acks[0].AlreadyRunning || acks[0].Started {
		t.Fatalf("expected already-running no-op, got %+v", acks)
	}
	if keys := o.RunningKeys(); len(keys) != 1 {
		t.Fatalf("expected exactly one running instance, got %v", keys)
	}
	o.Stop(false)
}

func TestStartIsolatesInvalidJobs(t *testing.T) {
	client := binance.NewFuturesMockClient(10000)
	client.SetPrice("ETHUSDT", 2500)
	o, _ := newTestOrchestrator(client, &scriptProvider{signal: Signal{Action: ActionHold}})

	acks := o.Start([]LoopJob{
		{Symbol: "", Interval: "5m"},
		{Symbol: "ETHUSDT", Interval: "5m"},
	})

	if len(acks) != 2 {
		t.Fatalf("expected 2 acks, got %d", len(acks))
	}
	if acks[0].Error == "" {
		t.Error("expected error for job without symbol")
	}
	if !acks[1].Started {
		t.Errorf("valid job should start despite invalid sibling: %+v", acks[1])
	}
	o.Stop(false)
}

func TestStopWithNothingRunningIsNoOp(t *testing.T) {
	client := binance.NewFuturesMockClient(10000)
	o, _ := newTestOrchestrator(client, nil)

	result := o.Stop(false)
	if result.Message != "no jobs to stop" {
		t.Errorf("expected no-op message, got %+v", result)
	}
}

func TestStopIsBoundedByTimeout(t *testing.T) {
	client := binance.NewFuturesMockClient(10000)
	o, _ := newTestOrchestrator(client, nil)

	// Simulate a wedged job: its done channel never closes
	wedged := &runningJob{
		job:    LoopJob{Symbol: "BTCUSDT", Interval: "5m"},
		state:  StateRunning,
		cancel: func() {},
		done:   make(chan struct{}),
	}
	o.mu.Lock()
	o.jobs["BTCUSDT@5m"] = wedged
	o.mu.Unlock()

	start := time.Now()
	result := o.Stop(false)
	elapsed := time.Since(start)

	if len(result.TimedOut) != 1 {
		t.Errorf("expected one timed-out job, got %+v", result)
	}
	if elapsed > time.Second {
		t.Errorf("Stop took %v, should be bounded near the 200ms timeout", elapsed)
	}
	if len(o.RunningKeys()) != 0 {
		t.Error("registry must be cleared even when a job is wedged")
	}
}

func TestStopClosesPositionsWhenAsked(t *testing.T) {
	client := binance.NewFuturesMockClient(10000)
	client.SetPosition("BTCUSDT", "", 1.0, 40000)
	client.SetPrice("BTCUSDT", 40000)
	client.SetStepSize("BTCUSDT", 0.001)
	o, _ := newTestOrchestrator(client, &scriptProvider{signal: Signal{Action: ActionHold}})

	o.Start([]LoopJob{{Symbol: "BTCUSDT", Interval: "5m"}})
	result := o.Stop(true)

	if result.CloseSummary == nil || result.CloseSummary.Closed != 1 {
		t.Errorf("expected close-all to flatten the position, got %+v", result.CloseSummary)
	}
}

func TestLoopOpensThroughGuard(t *testing.T) {
	client := binance.NewFuturesMockClient(10000)
	client.SetPrice("BTCUSDT", 40000)
	client.SetStepSize("BTCUSDT", 0.001)
	provider := &scriptProvider{signal: Signal{Action: ActionOpenLong, Quantity: 0.01, Reason: "test"}}
	o, _ := newTestOrchestrator(client, provider)

	o.Start([]LoopJob{{Symbol: "BTCUSDT", Interval: "5m", Leverage: 5}})

	// Let a few ticks run
	deadline := time.Now().Add(time.Second)
	for len(client.PlacedOrders()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	o.Stop(false)

	placed := client.PlacedOrders()
	if len(placed) == 0 {
		t.Fatal("expected the loop to open a position")
	}
	if placed[0].Side != "BUY" {
		t.Errorf("side = %s, want BUY", placed[0].Side)
	}
	// The guard must coalesce further opens of the same job into one position
	for _, p := range placed {
		if p.Side != "BUY" {
			t.Errorf("unexpected order: %+v", p)
		}
	}
	if len(placed) != 1 {
		t.Errorf("expected exactly one entry order, got %d", len(placed))
	}
}

func TestLoopRespectsDirectionRestriction(t *testing.T) {
	client := binance.NewFuturesMockClient(10000)
	client.SetPrice("BTCUSDT", 40000)
	provider := &scriptProvider{signal: Signal{Action: ActionOpenShort, Quantity: 0.01}}
	o, _ := newTestOrchestrator(client, provider)

	o.Start([]LoopJob{{Symbol: "BTCUSDT", Interval: "5m", Side: DirectionLong}})

	// Give it time to tick a few times
	deadline := time.Now().Add(150 * time.Millisecond)
	for provider.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	o.Stop(false)

	if len(client.PlacedOrders()) != 0 {
		t.Error("long-only job must not open shorts")
	}
}

func TestPerTradeStopLossClosesPosition(t *testing.T) {
	client := binance.NewFuturesMockClient(10000)
	client.SetPrice("BTCUSDT", 40000)
	client.SetStepSize("BTCUSDT", 0.001)
	o, _ := newTestOrchestrator(client, &scriptProvider{signal: Signal{Action: ActionHold}})

	client.SetPosition("BTCUSDT", "", 1.0, 40000)
	client.SetUnrealizedProfit("BTCUSDT", "", -150)

	job := LoopJob{
		Symbol:   "BTCUSDT",
		Interval: "5m",
		StopLoss: StopLossPolicy{Enabled: true, Mode: StopLossModeUSDT, Scope: ScopePerTrade, USDT: 100},
	}
	o.Start([]LoopJob{job})

	deadline := time.Now().Add(time.Second)
	for len(client.PlacedOrders()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	o.Stop(false)

	placed := client.PlacedOrders()
	if len(placed) == 0 {
		t.Fatal("expected stop-loss to close the position")
	}
	if placed[0].Side != "SELL" || !placed[0].ReduceOnly {
		t.Errorf("expected reduce-only SELL, got %+v", placed[0])
	}
}
