// Package guard provides admission control for position opens so that
// concurrently running loops never fight over the same symbol.
package guard

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"binance-loop-runner/internal/binance"
)

// Side is the direction of a position open
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// NormalizeSide maps the various side spellings (BUY/SELL, L/S, long/short)
// onto a Side. Unknown values default to SideLong.
func NormalizeSide(raw string) Side {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "SELL", "S", "SHORT":
		return SideShort
	default:
		return SideLong
	}
}

// Opposite returns the other side
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// OrderSide converts a Side to the exchange order side that opens it
func (s Side) OrderSide() binance.OrderSide {
	if s == SideShort {
		return binance.OrderSideSell
	}
	return binance.OrderSideBuy
}

// reconcileOwner stamps entries seeded from live exchange state rather than a job
const reconcileOwner = "__reconciled__"

// Config holds the tunables for the guard
type Config struct {
	// StaleTTL is how long an ownership stamp survives without a refresh.
	// Zero disables expiry.
	StaleTTL time.Duration

	// PendingTTL is the coalescing window for in-flight open attempts
	PendingTTL time.Duration

	// StrictSymbolSide blocks a second owner on the same symbol and side even
	// across different intervals
	StrictSymbolSide bool

	// AllowOpposite disables opposite-side mutual exclusion, for hedge-mode
	// accounts that intentionally run both legs
	AllowOpposite bool
}

// DefaultConfig returns the guard defaults
func DefaultConfig() Config {
	return Config{
		StaleTTL:   180 * time.Second,
		PendingTTL: 45 * time.Second,
	}
}

type ownershipKey struct {
	Symbol   string
	Interval string
	Side     Side
}

type pendingKey struct {
	Symbol string
	Side   Side
	Owner  string
}

type pendingAttempt struct {
	At       time.Time
	Interval string
}

// PendingAttempt is a point-in-time view of an in-flight open attempt
type PendingAttempt struct {
	Symbol   string    `json:"symbol"`
	Side     Side      `json:"side"`
	Owner    string    `json:"owner"`
	Interval string    `json:"interval"`
	Age      float64   `json:"age_seconds"`
	At       time.Time `json:"at"`
}

// Decision is the outcome of an admission check
type Decision struct {
	Allowed bool
	Reason  string
}

// JobRef identifies a configured job during reconciliation
type JobRef struct {
	Symbol   string
	Interval string
}

// PositionGuard is the single source of truth for which loop owns which
// position. All state transitions take the one mutex, so two loops racing to
// open opposite sides of a symbol cannot both succeed.
type PositionGuard struct {
	mu      sync.Mutex
	cfg     Config
	ledger  map[ownershipKey]map[string]time.Time // owner job key -> stamp
	pending map[pendingKey]pendingAttempt
	paused  bool
	client  binance.FuturesClient
	logger  zerolog.Logger
	now     func() time.Time
}

// New creates a PositionGuard
func New(cfg Config, logger zerolog.Logger) *PositionGuard {
	return &PositionGuard{
		cfg:     cfg,
		ledger:  make(map[ownershipKey]map[string]time.Time),
		pending: make(map[pendingKey]pendingAttempt),
		logger:  logger.With().Str("component", "PositionGuard").Logger(),
		now:     time.Now,
	}
}

// AttachClient attaches the exchange client used for the live double-check in
// CanOpen and for Reconcile. The guard works without one; it just loses the
// exchange-backed checks.
func (g *PositionGuard) AttachClient(client binance.FuturesClient) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.client = client
}

// Reset clears all guard state
func (g *PositionGuard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ledger = make(map[ownershipKey]map[string]time.Time)
	g.pending = make(map[pendingKey]pendingAttempt)
}

// PauseNew blocks all new opens until ResumeNew. Closes are unaffected.
func (g *PositionGuard) PauseNew() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.paused = true
	g.logger.Info().Msg("New position opens paused")
}

// ResumeNew lifts a PauseNew block
func (g *PositionGuard) ResumeNew() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.paused = false
	g.logger.Info().Msg("New position opens resumed")
}

// IsPaused reports whether new opens are currently blocked
func (g *PositionGuard) IsPaused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// expireLocked drops ownership stamps older than StaleTTL. Callers must hold
// the mutex.
func (g *PositionGuard) expireLocked() {
	if g.cfg.StaleTTL <= 0 {
		return
	}
	now := g.now()
	for key, owners := range g.ledger {
		for owner, stamp := range owners {
			if now.Sub(stamp) > g.cfg.StaleTTL {
				delete(owners, owner)
				g.logger.Debug().
					Str("symbol", key.Symbol).
					Str("interval", key.Interval).
					Str("side", string(key.Side)).
					Str("owner", owner).
					Msg("Expired stale ownership stamp")
			}
		}
		if len(owners) == 0 {
			delete(g.ledger, key)
		}
	}
}

// purgePendingLocked drops in-flight attempts older than PendingTTL
func (g *PositionGuard) purgePendingLocked() {
	if g.cfg.PendingTTL <= 0 {
		return
	}
	now := g.now()
	for key, attempt := range g.pending {
		if now.Sub(attempt.At) > g.cfg.PendingTTL {
			delete(g.pending, key)
		}
	}
}

// Decide evaluates whether jobKey may open symbol/side right now and reserves
// a pending attempt when allowed. The caller must follow up with EndOpen.
func (g *PositionGuard) Decide(symbol, interval string, side Side, jobKey string) Decision {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	g.mu.Lock()
	defer g.mu.Unlock()

	g.expireLocked()
	g.purgePendingLocked()

	if g.paused {
		return Decision{Reason: "new opens paused"}
	}

	opposite := side.Opposite()

	// Exact duplicate: this job already owns the slot
	if owners := g.ledger[ownershipKey{symbol, interval, side}]; len(owners) > 0 {
		if _, ok := owners[jobKey]; ok {
			return Decision{Reason: "duplicate open for job"}
		}
	}

	// A pending attempt by this job is already in flight
	if _, ok := g.pending[pendingKey{symbol, side, jobKey}]; ok {
		return Decision{Reason: "open already in flight"}
	}

	if !g.cfg.AllowOpposite {
		// Opposite-side owners on any interval block a flip
		for key, owners := range g.ledger {
			if key.Symbol == symbol && key.Side == opposite && len(owners) > 0 {
				return Decision{Reason: "opposite side owned"}
			}
		}
		for key := range g.pending {
			if key.Symbol == symbol && key.Side == opposite {
				return Decision{Reason: "opposite side open in flight"}
			}
		}
	}

	if g.cfg.StrictSymbolSide {
		for key, owners := range g.ledger {
			if key.Symbol == symbol && key.Side == side && len(owners) > 0 {
				for owner := range owners {
					if owner != jobKey {
						return Decision{Reason: "symbol side already owned"}
					}
				}
			}
		}
	}

	// Live double-check: an existing on-exchange position in this direction
	// means some earlier open already succeeded, possibly before this process
	// started. This query runs under the guard lock, which keeps the check
	// and the pending reservation atomic but holds other loops' admissions
	// for the duration of the exchange round trip.
	if g.client != nil {
		if positions, err := g.client.ListOpenPositions(); err == nil {
			for _, p := range positions {
				if !strings.EqualFold(p.Symbol, symbol) {
					continue
				}
				if (side == SideLong && p.PositionAmt > 0) || (side == SideShort && p.PositionAmt < 0) {
					g.seedLocked(symbol, interval, side)
					return Decision{Reason: "live position exists"}
				}
			}
		}
		// Query failure falls through: a transient API error must not block
		// opens on its own
	}

	g.pending[pendingKey{symbol, side, jobKey}] = pendingAttempt{At: g.now(), Interval: interval}
	return Decision{Allowed: true}
}

// CanOpen reports whether jobKey may open symbol/side right now. Allowed
// calls reserve a pending attempt that EndOpen must release.
func (g *PositionGuard) CanOpen(symbol, interval string, side Side, jobKey string) bool {
	d := g.Decide(symbol, interval, side, jobKey)
	if !d.Allowed {
		g.logger.Debug().
			Str("symbol", symbol).
			Str("interval", interval).
			Str("side", string(side)).
			Str("job", jobKey).
			Str("reason", d.Reason).
			Msg("Open denied")
	}
	return d.Allowed
}

// BeginOpen reserves an in-flight open attempt without the full admission
// check. Returns false if an attempt by the same job is already pending.
func (g *PositionGuard) BeginOpen(symbol, interval string, side Side, jobKey string) bool {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	g.mu.Lock()
	defer g.mu.Unlock()

	g.expireLocked()
	g.purgePendingLocked()

	key := pendingKey{symbol, side, jobKey}
	if _, ok := g.pending[key]; ok {
		return false
	}
	g.pending[key] = pendingAttempt{At: g.now(), Interval: interval}
	return true
}

// EndOpen releases the pending attempt and, on success, records ownership
func (g *PositionGuard) EndOpen(symbol, interval string, side Side, jobKey string, success bool) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.pending, pendingKey{symbol, side, jobKey})
	if success {
		g.recordOpenLocked(symbol, interval, side, jobKey)
	}
}

// RecordOpen marks jobKey as an owner of symbol/interval/side. Idempotent;
// retried fill notifications only refresh the stamp.
func (g *PositionGuard) RecordOpen(symbol, interval string, side Side, jobKey string) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	g.mu.Lock()
	defer g.mu.Unlock()
	g.recordOpenLocked(symbol, interval, side, jobKey)
}

func (g *PositionGuard) recordOpenLocked(symbol, interval string, side Side, jobKey string) {
	key := ownershipKey{symbol, interval, side}
	owners := g.ledger[key]
	if owners == nil {
		owners = make(map[string]time.Time)
		g.ledger[key] = owners
	}
	owners[jobKey] = g.now()
}

func (g *PositionGuard) seedLocked(symbol, interval string, side Side) {
	key := ownershipKey{symbol, interval, side}
	owners := g.ledger[key]
	if owners == nil {
		owners = make(map[string]time.Time)
		g.ledger[key] = owners
	}
	owners[reconcileOwner] = g.now()
}

// RecordClose clears every owner of symbol/interval/side. Idempotent.
func (g *PositionGuard) RecordClose(symbol, interval string, side Side) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.ledger, ownershipKey{symbol, interval, side})
}

// Reconcile pulls live positions and seeds guard entries for every configured
// job whose symbol has live exposure, so loops started after a restart do not
// double-open. Claims with no live position behind them are dropped; pending
// attempts are left alone. A failed exchange query leaves prior state
// untouched; a stale
// guard is safer than one wiped by a transient API error.
func (g *PositionGuard) Reconcile(jobs []JobRef) error {
	g.mu.Lock()
	client := g.client
	g.mu.Unlock()

	if client == nil {
		return fmt.Errorf("no exchange client attached")
	}

	positions, err := client.ListOpenPositions()
	if err != nil {
		g.logger.Warn().Err(err).Msg("Reconciliation skipped, exchange query failed")
		return fmt.Errorf("reconcile: %w", err)
	}

	live := make(map[string]map[Side]bool)
	for _, p := range positions {
		sym := strings.ToUpper(p.Symbol)
		if live[sym] == nil {
			live[sym] = make(map[Side]bool)
		}
		if p.PositionAmt > 0 {
			live[sym][SideLong] = true
		} else if p.PositionAmt < 0 {
			live[sym][SideShort] = true
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.expireLocked()

	// Ground truth wins: any claim with no live position behind it is
	// dropped, whatever its age. In-flight orders are tracked as pending
	// attempts, not ledger claims, so fills the snapshot has not caught up
	// with yet stay protected through the pending window.
	dropped := 0
	for key, owners := range g.ledger {
		if live[key.Symbol][key.Side] {
			continue
		}
		dropped += len(owners)
		delete(g.ledger, key)
	}

	seeded := 0
	for sym, sides := range live {
		for _, job := range jobs {
			if !strings.EqualFold(job.Symbol, sym) || job.Interval == "" {
				continue
			}
			for side := range sides {
				g.seedLocked(sym, job.Interval, side)
				seeded++
			}
		}
	}

	g.logger.Info().
		Int("live_symbols", len(live)).
		Int("seeded_entries", seeded).
		Int("dropped_claims", dropped).
		Msg("Reconciled guard with exchange state")
	return nil
}

// SnapshotPending returns a copy of the in-flight open attempts
func (g *PositionGuard) SnapshotPending() []PendingAttempt {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.purgePendingLocked()

	now := g.now()
	out := make([]PendingAttempt, 0, len(g.pending))
	for key, attempt := range g.pending {
		out = append(out, PendingAttempt{
			Symbol:   key.Symbol,
			Side:     key.Side,
			Owner:    key.Owner,
			Interval: attempt.Interval,
			Age:      now.Sub(attempt.At).Seconds(),
			At:       attempt.At,
		})
	}
	return out
}

// Owners returns the job keys currently owning symbol/interval/side
func (g *PositionGuard) Owners(symbol, interval string, side Side) []string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	g.mu.Lock()
	defer g.mu.Unlock()

	g.expireLocked()

	owners := g.ledger[ownershipKey{symbol, interval, side}]
	out := make([]string, 0, len(owners))
	for owner := range owners {
		out = append(out, owner)
	}
	return out
}
