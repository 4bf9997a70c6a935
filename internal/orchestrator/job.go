package orchestrator

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Direction restricts which side a job may trade
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
	DirectionBoth  Direction = "BOTH"
)

// StopLossMode selects which threshold kinds are evaluated
type StopLossMode string

const (
	StopLossModeUSDT    StopLossMode = "usdt"
	StopLossModePercent StopLossMode = "percent"
	StopLossModeBoth    StopLossMode = "both"
)

// StopLossScope selects what a breach closes
type StopLossScope string

const (
	ScopePerTrade      StopLossScope = "per_trade"
	ScopeCumulative    StopLossScope = "cumulative"
	ScopeEntireAccount StopLossScope = "entire_account"
)

// StopLossPolicy describes when a loop liquidates. With mode "both", either
// threshold breaching triggers closure.
type StopLossPolicy struct {
	Enabled bool          `json:"enabled"`
	Mode    StopLossMode  `json:"mode"`
	Scope   StopLossScope `json:"scope"`
	USDT    float64       `json:"usdt"`
	Percent float64       `json:"percent"`
}

// NormalizeStopLoss validates and clamps a policy once at the boundary.
// Unknown modes fall back to usdt, unknown scopes to per_trade, thresholds
// are clamped to their valid ranges.
func NormalizeStopLoss(p StopLossPolicy) StopLossPolicy {
	switch StopLossMode(strings.ToLower(string(p.Mode))) {
	case StopLossModeUSDT, StopLossModePercent, StopLossModeBoth:
		p.Mode = StopLossMode(strings.ToLower(string(p.Mode)))
	default:
		p.Mode = StopLossModeUSDT
	}

	switch StopLossScope(strings.ToLower(string(p.Scope))) {
	case ScopePerTrade, ScopeCumulative, ScopeEntireAccount:
		p.Scope = StopLossScope(strings.ToLower(string(p.Scope)))
	default:
		p.Scope = ScopePerTrade
	}

	if p.USDT < 0 {
		p.USDT = 0
	}
	if p.Percent < 0 {
		p.Percent = 0
	}
	if p.Percent > 100 {
		p.Percent = 100
	}
	return p
}

// LoopJob is one runnable unit: a symbol, candle interval, and indicator set
// traded on its own goroutine
type LoopJob struct {
	Symbol       string         `json:"symbol"`
	Interval     string         `json:"interval"`
	Indicators   []string       `json:"indicators,omitempty"`
	Side         Direction      `json:"side"`
	Leverage     int            `json:"leverage"`
	StopLoss     StopLossPolicy `json:"stop_loss"`
	LoopInterval time.Duration  `json:"loop_interval,omitempty"` // 0 means the orchestrator default
}

// Normalize validates a job and fills defaults. Called once at the boundary.
func (j LoopJob) Normalize() (LoopJob, error) {
	j.Symbol = strings.ToUpper(strings.TrimSpace(j.Symbol))
	if j.Symbol == "" {
		return j, fmt.Errorf("job missing symbol")
	}
	j.Interval = strings.TrimSpace(j.Interval)
	if j.Interval == "" {
		return j, fmt.Errorf("job %s missing interval", j.Symbol)
	}

	switch Direction(strings.ToUpper(string(j.Side))) {
	case DirectionLong, DirectionShort, DirectionBoth:
		j.Side = Direction(strings.ToUpper(string(j.Side)))
	case "":
		j.Side = DirectionBoth
	default:
		return j, fmt.Errorf("job %s has invalid side %q", j.Symbol, j.Side)
	}

	if j.Leverage < 1 {
		j.Leverage = 1
	}
	j.StopLoss = NormalizeStopLoss(j.StopLoss)
	return j, nil
}

// Key returns the job's stable identity: symbol@interval plus the sorted
// indicator set. Two jobs with the same key cannot run concurrently.
func (j LoopJob) Key() string {
	key := strings.ToUpper(j.Symbol) + "@" + j.Interval
	if len(j.Indicators) > 0 {
		sorted := append([]string(nil), j.Indicators...)
		for i := range sorted {
			sorted[i] = strings.ToLower(strings.TrimSpace(sorted[i]))
		}
		sort.Strings(sorted)
		key += "#" + strings.Join(sorted, "+")
	}
	return key
}
