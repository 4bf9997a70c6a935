package guard

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"binance-loop-runner/internal/binance"
)

func newTestGuard(cfg Config) *PositionGuard {
	return New(cfg, zerolog.Nop())
}

func TestCanOpenAllowsAndReservesPending(t *testing.T) {
	g := newTestGuard(DefaultConfig())

	if !g.CanOpen("BTCUSDT", "5m", SideLong, "job1") {
		t.Fatal("expected first open to be allowed")
	}

	pending := g.SnapshotPending()
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending attempt, got %d", len(pending))
	}
	if pending[0].Symbol != "BTCUSDT" || pending[0].Side != SideLong || pending[0].Owner != "job1" {
		t.Errorf("unexpected pending attempt: %+v", pending[0])
	}
}

func TestCanOpenBlocksDuplicateAndInFlight(t *testing.T) {
	g := newTestGuard(DefaultConfig())

	if !g.CanOpen("BTCUSDT", "5m", SideLong, "job1") {
		t.Fatal("expected first open to be allowed")
	}
	// Same job, attempt still in flight
	if g.CanOpen("BTCUSDT", "5m", SideLong, "job1") {
		t.Error("expected in-flight duplicate to be blocked")
	}

	g.EndOpen("BTCUSDT", "5m", SideLong, "job1", true)
	// Same job now owns the slot
	if g.CanOpen("BTCUSDT", "5m", SideLong, "job1") {
		t.Error("expected duplicate open by owner to be blocked")
	}
}

func TestCanOpenBlocksOppositeSide(t *testing.T) {
	g := newTestGuard(DefaultConfig())

	if !g.CanOpen("BTCUSDT", "5m", SideLong, "job1") {
		t.Fatal("expected long open to be allowed")
	}
	g.EndOpen("BTCUSDT", "5m", SideLong, "job1", true)

	// Opposite side blocked across intervals
	if g.CanOpen("BTCUSDT", "15m", SideShort, "job2") {
		t.Error("expected opposite-side open to be blocked")
	}
}

func TestCanOpenOppositeInFlightBlocks(t *testing.T) {
	g := newTestGuard(DefaultConfig())

	if !g.CanOpen("ETHUSDT", "5m", SideLong, "job1") {
		t.Fatal("expected long open to be allowed")
	}
	// Long attempt still pending, no ownership yet
	if g.CanOpen("ETHUSDT", "15m", SideShort, "job2") {
		t.Error("expected short open to be blocked by in-flight long")
	}
}

func TestAllowOppositePermitsBothLegs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowOpposite = true
	g := newTestGuard(cfg)

	if !g.CanOpen("BTCUSDT", "5m", SideLong, "job1") {
		t.Fatal("expected long open to be allowed")
	}
	g.EndOpen("BTCUSDT", "5m", SideLong, "job1", true)

	if !g.CanOpen("BTCUSDT", "5m", SideShort, "job2") {
		t.Error("expected short leg to be allowed with AllowOpposite")
	}
}

func TestStrictSymbolSideBlocksSecondOwner(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StrictSymbolSide = true
	g := newTestGuard(cfg)

	g.RecordOpen("BTCUSDT", "5m", SideLong, "job1")

	if g.CanOpen("BTCUSDT", "15m", SideLong, "job2") {
		t.Error("expected second owner on same symbol/side to be blocked in strict mode")
	}
}

func TestStackingAcrossIntervalsAllowed(t *testing.T) {
	g := newTestGuard(DefaultConfig())

	g.RecordOpen("BTCUSDT", "5m", SideLong, "job1")

	// Default mode allows a distinct interval to stack the same side
	if !g.CanOpen("BTCUSDT", "15m", SideLong, "job2") {
		t.Error("expected same-side open on distinct interval to be allowed")
	}
}

func TestRecordCloseClearsOwnership(t *testing.T) {
	g := newTestGuard(DefaultConfig())

	g.RecordOpen("BTCUSDT", "5m", SideLong, "job1")
	g.RecordClose("BTCUSDT", "5m", SideLong)

	if owners := g.Owners("BTCUSDT", "5m", SideLong); len(owners) != 0 {
		t.Errorf("expected no owners after close, got %v", owners)
	}
	// Idempotent
	g.RecordClose("BTCUSDT", "5m", SideLong)
}

func TestStaleOwnershipExpires(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StaleTTL = 180 * time.Second
	g := newTestGuard(cfg)

	current := time.Now()
	g.now = func() time.Time { return current }

	g.RecordOpen("BTCUSDT", "5m", SideLong, "job1")

	current = current.Add(181 * time.Second)

	if owners := g.Owners("BTCUSDT", "5m", SideLong); len(owners) != 0 {
		t.Errorf("expected stale ownership to expire, got %v", owners)
	}
	if !g.CanOpen("BTCUSDT", "5m", SideShort, "job2") {
		t.Error("expected open to be allowed after stale expiry")
	}
}

func TestPendingAttemptExpires(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PendingTTL = 45 * time.Second
	g := newTestGuard(cfg)

	current := time.Now()
	g.now = func() time.Time { return current }

	if !g.BeginOpen("BTCUSDT", "5m", SideLong, "job1") {
		t.Fatal("expected BeginOpen to succeed")
	}
	if g.BeginOpen("BTCUSDT", "5m", SideLong, "job1") {
		t.Error("expected second BeginOpen to be coalesced")
	}

	current = current.Add(46 * time.Second)

	if !g.BeginOpen("BTCUSDT", "5m", SideLong, "job1") {
		t.Error("expected BeginOpen to succeed after pending TTL")
	}
}

func TestEndOpenFailureLeavesNoOwnership(t *testing.T) {
	g := newTestGuard(DefaultConfig())

	if !g.BeginOpen("BTCUSDT", "5m", SideLong, "job1") {
		t.Fatal("expected BeginOpen to succeed")
	}
	g.EndOpen("BTCUSDT", "5m", SideLong, "job1", false)

	if owners := g.Owners("BTCUSDT", "5m", SideLong); len(owners) != 0 {
		t.Errorf("expected no owners after failed open, got %v", owners)
	}
	if len(g.SnapshotPending()) != 0 {
		t.Error("expected pending attempt to be released")
	}
}

func TestReconcileSeedsFromLivePositions(t *testing.T) {
	g := newTestGuard(DefaultConfig())

	client := binance.NewFuturesMockClient(10000)
	client.SetPosition("BTCUSDT", "", 0.5, 40000)
	g.AttachClient(client)

	jobs := []JobRef{{Symbol: "BTCUSDT", Interval: "5m"}, {Symbol: "ETHUSDT", Interval: "5m"}}
	if err := g.Reconcile(jobs); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	// Live long position blocks a short open
	if g.CanOpen("BTCUSDT", "5m", SideShort, "job2") {
		t.Error("expected short open to be blocked by reconciled long position")
	}
	// Unrelated symbol unaffected... the mock has no ETHUSDT position
	if !g.CanOpen("ETHUSDT", "5m", SideLong, "job3") {
		t.Error("expected ETHUSDT open to be allowed")
	}
}

func TestReconcileClearsUnsupportedClaims(t *testing.T) {
	g := newTestGuard(DefaultConfig())

	client := binance.NewFuturesMockClient(10000)
	g.AttachClient(client)

	// A claim recorded moments ago, say by a loop whose position was just
	// flattened by close-all, must not outlive a flat exchange snapshot
	g.RecordOpen("BTCUSDT", "5m", SideLong, "job1")

	if err := g.Reconcile(nil); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if owners := g.Owners("BTCUSDT", "5m", SideLong); len(owners) != 0 {
		t.Errorf("expected claims cleared after flat reconcile, got %v", owners)
	}
	if !g.CanOpen("BTCUSDT", "5m", SideLong, "job9") {
		t.Error("expected CanOpen true for any job after flat reconcile")
	}
	// Release the attempt the allowed check reserved before checking the
	// other side
	g.EndOpen("BTCUSDT", "5m", SideLong, "job9", false)
	if !g.CanOpen("BTCUSDT", "5m", SideShort, "job8") {
		t.Error("expected CanOpen true for any side after flat reconcile")
	}
}

func TestReconcileKeepsPendingAttempts(t *testing.T) {
	g := newTestGuard(DefaultConfig())

	client := binance.NewFuturesMockClient(10000)
	g.AttachClient(client)

	// An order in flight is a pending attempt, not a ledger claim, and the
	// snapshot may not show its fill yet. Reconcile must leave it alone.
	if !g.BeginOpen("BTCUSDT", "5m", SideLong, "job1") {
		t.Fatal("expected BeginOpen to reserve the attempt")
	}

	if err := g.Reconcile(nil); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if pending := g.SnapshotPending(); len(pending) != 1 {
		t.Fatalf("expected pending attempt to survive reconcile, got %d", len(pending))
	}
	if g.CanOpen("BTCUSDT", "5m", SideLong, "job1") {
		t.Error("expected in-flight attempt to still block a duplicate open")
	}
}

func TestReconcileFailureLeavesStateUntouched(t *testing.T) {
	g := newTestGuard(DefaultConfig())

	client := binance.NewFuturesMockClient(10000)
	g.AttachClient(client)

	g.RecordOpen("BTCUSDT", "5m", SideLong, "job1")

	client.FailPositionRisk(true)
	// The mock account fallback still works, so sever both paths by detaching
	g.AttachClient(nil)

	if err := g.Reconcile(nil); err == nil {
		t.Fatal("expected Reconcile to report failure")
	}

	if owners := g.Owners("BTCUSDT", "5m", SideLong); len(owners) != 1 {
		t.Errorf("expected guard state untouched on failure, got %v", owners)
	}
}

func TestPauseNewBlocksOpens(t *testing.T) {
	g := newTestGuard(DefaultConfig())

	g.PauseNew()
	if g.CanOpen("BTCUSDT", "5m", SideLong, "job1") {
		t.Error("expected open to be blocked while paused")
	}
	g.ResumeNew()
	if !g.CanOpen("BTCUSDT", "5m", SideLong, "job1") {
		t.Error("expected open to be allowed after resume")
	}
}

func TestNormalizeSide(t *testing.T) {
	testCases := []struct {
		raw  string
		want Side
	}{
		{"BUY", SideLong},
		{"buy", SideLong},
		{"L", SideLong},
		{"LONG", SideLong},
		{"SELL", SideShort},
		{"S", SideShort},
		{"short", SideShort},
		{"", SideLong},
	}
	for _, tc := range testCases {
		if got := NormalizeSide(tc.raw); got != tc.want {
			t.Errorf("NormalizeSide(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}

func TestResetClearsEverything(t *testing.T) {
	g := newTestGuard(DefaultConfig())

	g.RecordOpen("BTCUSDT", "5m", SideLong, "job1")
	g.BeginOpen("ETHUSDT", "5m", SideShort, "job2")
	g.Reset()

	if len(g.SnapshotPending()) != 0 {
		t.Error("expected pending cleared after Reset")
	}
	if owners := g.Owners("BTCUSDT", "5m", SideLong); len(owners) != 0 {
		t.Errorf("expected ledger cleared after Reset, got %v", owners)
	}
}
