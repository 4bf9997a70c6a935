// Package orchestrator manages the pool of trading control loops: staggered
// non-blocking startup, bounded-timeout shutdown, and the per-job state
// machine in between.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"binance-loop-runner/internal/binance"
	"binance-loop-runner/internal/closeall"
	"binance-loop-runner/internal/events"
	"binance-loop-runner/internal/guard"
)

// JobState is the lifecycle phase of one job key
type JobState string

const (
	StateIdle     JobState = "idle"
	StateStarting JobState = "starting"
	StateRunning  JobState = "running"
	StateStopping JobState = "stopping"
)

// Config holds the orchestrator tunables
type Config struct {
	// StartStagger is the delay between consecutive job spawns, so startup
	// does not burst the exchange API
	StartStagger time.Duration

	// StopTimeout bounds how long Stop waits for each job's acknowledgment
	StopTimeout time.Duration

	// LoopInterval is the default polling cadence for jobs without an override
	LoopInterval time.Duration
}

// DefaultConfig returns the orchestrator defaults
func DefaultConfig() Config {
	return Config{
		StartStagger: 80 * time.Millisecond,
		StopTimeout:  2 * time.Second,
		LoopInterval: 5 * time.Second,
	}
}

// StartAck reports the outcome of one job's start request
type StartAck struct {
	Key            string `json:"key"`
	Started        bool   `json:"started"`
	AlreadyRunning bool   `json:"already_running"`
	Error          string `json:"error,omitempty"`
}

// StopResult reports what Stop did
type StopResult struct {
	Stopped      int               `json:"stopped"`
	TimedOut     []string          `json:"timed_out,omitempty"`
	Message      string            `json:"message,omitempty"`
	CloseSummary *closeall.Summary `json:"close_summary,omitempty"`
}

// JobStatus is a point-in-time view of one registered job
type JobStatus struct {
	Key       string    `json:"key"`
	Symbol    string    `json:"symbol"`
	Interval  string    `json:"interval"`
	State     JobState  `json:"state"`
	StartedAt time.Time `json:"started_at"`
}

type runningJob struct {
	job       LoopJob
	state     JobState
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time
}

// Orchestrator owns the registry of running jobs. All registry access goes
// through its mutex; jobs themselves only coordinate via the guard.
type Orchestrator struct {
	mu       sync.Mutex
	cfg      Config
	jobs     map[string]*runningJob
	guard    *guard.PositionGuard
	futures  binance.FuturesClient
	provider SignalProvider
	bus      *events.EventBus
	closer   *closeall.Procedure
	logger   zerolog.Logger
}

// New creates an Orchestrator. A nil provider falls back to HoldProvider;
// bus and closer are optional.
func New(cfg Config, g *guard.PositionGuard, futures binance.FuturesClient, provider SignalProvider, closer *closeall.Procedure, bus *events.EventBus, logger zerolog.Logger) *Orchestrator {
	if cfg.StartStagger < 0 {
		cfg.StartStagger = 0
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultConfig().StopTimeout
	}
	if cfg.LoopInterval <= 0 {
		cfg.LoopInterval = DefaultConfig().LoopInterval
	}
	if provider == nil {
		provider = HoldProvider{}
	}
	return &Orchestrator{
		cfg:      cfg,
		jobs:     make(map[string]*runningJob),
		guard:    g,
		futures:  futures,
		provider: provider,
		bus:      bus,
		closer:   closer,
		logger:   logger.With().Str("component", "Orchestrator").Logger(),
	}
}

// Start validates and registers every job whose key is not already running,
// then returns. A background launcher runs one reconciliation pass and spawns
// the loop goroutines staggered, so the caller is never held for the stagger.
// Acks report registration; EventLoopStarted on the bus marks each actual
// spawn, and a failure to start one job never stops the rest.
func (o *Orchestrator) Start(jobs []LoopJob) []StartAck {
	acks := make([]StartAck, 0, len(jobs))

	// Normalize first so reconciliation sees the final symbol/interval set
	normalized := make([]LoopJob, 0, len(jobs))
	refs := make([]guard.JobRef, 0, len(jobs))
	for _, raw := range jobs {
		job, err := raw.Normalize()
		if err != nil {
			o.logger.Warn().Err(err).Msg("Job rejected")
			acks = append(acks, StartAck{Key: raw.Key(), Error: err.Error()})
			continue
		}
		normalized = append(normalized, job)
		refs = append(refs, guard.JobRef{Symbol: job.Symbol, Interval: job.Interval})
	}

	if len(normalized) == 0 {
		return acks
	}

	registered := make([]*runningJob, 0, len(normalized))
	for _, job := range normalized {
		ack, rj := o.registerOne(job)
		acks = append(acks, ack)
		if rj != nil {
			registered = append(registered, rj)
		}
	}

	if len(registered) > 0 {
		go o.launch(registered, refs)
	}
	return acks
}

// registerOne claims the job's key in the registry so a concurrent Start of
// the same key is a no-op before the loop goroutine even exists.
func (o *Orchestrator) registerOne(job LoopJob) (StartAck, *runningJob) {
	key := job.Key()

	o.mu.Lock()
	defer o.mu.Unlock()

	if existing, ok := o.jobs[key]; ok && existing.state != StateIdle {
		o.logger.Debug().Str("key", key).Msg("Job already running, start is a no-op")
		return StartAck{Key: key, AlreadyRunning: true}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	rj := &runningJob{
		job:       job,
		state:     StateStarting,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
	o.jobs[key] = rj
	return StartAck{Key: key, Started: true}, rj
}

// launch is the background half of Start. One reconciliation pass runs
// before any spawn; a job stopped while still queued is released without
// ever running.
func (o *Orchestrator) launch(registered []*runningJob, refs []guard.JobRef) {
	if err := o.guard.Reconcile(refs); err != nil {
		// Reconcile drops claims only on a successful snapshot, and the
		// loops re-check live state through CanOpen anyway
		o.logger.Warn().Err(err).Msg("Pre-start reconciliation failed, continuing")
	}

	for i, rj := range registered {
		if i > 0 && o.cfg.StartStagger > 0 {
			time.Sleep(o.cfg.StartStagger)
		}
		if rj.ctx.Err() != nil {
			o.markDone(rj)
			continue
		}

		o.mu.Lock()
		if rj.state == StateStarting {
			rj.state = StateRunning
		}
		o.mu.Unlock()

		go o.runJob(rj.ctx, rj)

		key := rj.job.Key()
		o.logger.Info().
			Str("key", key).
			Str("symbol", rj.job.Symbol).
			Str("interval", rj.job.Interval).
			Int("leverage", rj.job.Leverage).
			Msg("Loop started")

		if o.bus != nil {
			o.bus.Publish(events.Event{
				Type: events.EventEngineStarted,
				Data: map[string]interface{}{"key": key, "symbol": rj.job.Symbol, "interval": rj.job.Interval},
			})
			o.bus.PublishLoopStarted(key, rj.job.Symbol, rj.job.Interval)
		}
	}
}

// Stop signals every running job, waits up to StopTimeout per job for the
// acknowledgment, then clears the registry regardless. It never blocks
// indefinitely, and calling it with nothing running is a safe no-op.
func (o *Orchestrator) Stop(closePositions bool) StopResult {
	o.mu.Lock()
	if len(o.jobs) == 0 {
		o.mu.Unlock()
		result := StopResult{Message: "no jobs to stop"}
		if closePositions && o.closer != nil {
			summary := o.closer.CloseAllFutures("manual_stop")
			result.CloseSummary = &summary
		}
		return result
	}

	stopping := make(map[string]*runningJob, len(o.jobs))
	for key, rj := range o.jobs {
		rj.state = StateStopping
		stopping[key] = rj
	}
	o.mu.Unlock()

	// Signal everyone first, then join, so slow jobs wind down in parallel
	for _, rj := range stopping {
		rj.cancel()
	}

	result := StopResult{}
	for key, rj := range stopping {
		select {
		case <-rj.done:
			result.Stopped++
			if o.bus != nil {
				o.bus.PublishLoopStopped(key, true)
			}
		case <-time.After(o.cfg.StopTimeout):
			result.TimedOut = append(result.TimedOut, key)
			o.logger.Warn().Str("key", key).Msg("Job did not acknowledge stop in time, proceeding")
			if o.bus != nil {
				o.bus.PublishLoopStopped(key, false)
			}
		}
	}

	o.mu.Lock()
	o.jobs = make(map[string]*runningJob)
	o.mu.Unlock()

	o.logger.Info().
		Int("stopped", result.Stopped).
		Int("timed_out", len(result.TimedOut)).
		Bool("close_positions", closePositions).
		Msg("All loops stopped")

	if o.bus != nil {
		o.bus.Publish(events.Event{
			Type: events.EventEngineStopped,
			Data: map[string]interface{}{"stopped": result.Stopped, "timed_out": len(result.TimedOut)},
		})
	}

	if closePositions && o.closer != nil {
		summary := o.closer.CloseAllFutures("manual_stop")
		result.CloseSummary = &summary
	}
	return result
}

// RunningKeys returns the keys with a live loop
func (o *Orchestrator) RunningKeys() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	keys := make([]string, 0, len(o.jobs))
	for key, rj := range o.jobs {
		if rj.state == StateRunning || rj.state == StateStarting {
			keys = append(keys, key)
		}
	}
	return keys
}

// Status returns a snapshot of every registered job
func (o *Orchestrator) Status() []JobStatus {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]JobStatus, 0, len(o.jobs))
	for key, rj := range o.jobs {
		out = append(out, JobStatus{
			Key:       key,
			Symbol:    rj.job.Symbol,
			Interval:  rj.job.Interval,
			State:     rj.state,
			StartedAt: rj.startedAt,
		})
	}
	return out
}

// markDone transitions a finished job to idle. The runner calls this on exit.
func (o *Orchestrator) markDone(rj *runningJob) {
	o.mu.Lock()
	rj.state = StateIdle
	o.mu.Unlock()
	close(rj.done)
}
