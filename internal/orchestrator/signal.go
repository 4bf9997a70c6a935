package orchestrator

import "context"

// Action is what a signal tells the loop to do
type Action string

const (
	ActionHold      Action = "HOLD"
	ActionOpenLong  Action = "OPEN_LONG"
	ActionOpenShort Action = "OPEN_SHORT"
	ActionClose     Action = "CLOSE"
)

// Signal is one evaluation outcome. Quantity is the base-asset amount for an
// open action; zero means the loop sits out even when the action says open.
type Signal struct {
	Action   Action
	Quantity float64
	Reason   string
}

// SignalProvider computes trade signals for a job. Indicator math lives
// behind this boundary; the orchestrator only decides whether a proposed
// action may proceed.
type SignalProvider interface {
	Evaluate(ctx context.Context, job LoopJob, lastPrice float64) (Signal, error)
}

// HoldProvider is the default provider: it never trades. Loops still run
// their reconciliation and stop-loss checks.
type HoldProvider struct{}

func (HoldProvider) Evaluate(context.Context, LoopJob, float64) (Signal, error) {
	return Signal{Action: ActionHold}, nil
}
