package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"binance-loop-runner/internal/binance"
	"binance-loop-runner/internal/closeall"
)

func markerPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "session_state.json")
}

func TestMarkerRoundTrip(t *testing.T) {
	path := markerPath(t)

	m := NewMarker(path, nil)
	if m.WasDirty() {
		t.Fatal("fresh marker should not be dirty")
	}

	if err := m.Activate(true); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}

	// A second process loading the same file sees the active session
	reloaded := NewMarker(path, nil)
	if !reloaded.WasDirty() {
		t.Error("expected reloaded marker to be dirty")
	}
	state := reloaded.State()
	if !state.SessionActive || !state.CloseOnExit {
		t.Errorf("unexpected state: %+v", state)
	}
	if state.ActivatedAt.IsZero() || state.UpdatedAt.IsZero() {
		t.Error("expected timestamps to be set")
	}
}

func TestMarkerDeactivateClearsDirty(t *testing.T) {
	path := markerPath(t)

	m := NewMarker(path, nil)
	if err := m.Activate(true); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if err := m.Deactivate(); err != nil {
		t.Fatalf("Deactivate failed: %v", err)
	}

	reloaded := NewMarker(path, nil)
	if reloaded.WasDirty() {
		t.Error("expected clean marker after graceful deactivate")
	}
	if reloaded.State().DeactivatedAt.IsZero() {
		t.Error("expected deactivation timestamp")
	}
}

func TestMarkerActiveWithoutCloseOnExitIsNotDirty(t *testing.T) {
	path := markerPath(t)

	m := NewMarker(path, nil)
	if err := m.Activate(false); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}

	if NewMarker(path, nil).WasDirty() {
		t.Error("active session without close-on-exit must not trigger recovery")
	}
}

func TestMarkerCorruptFileStartsClean(t *testing.T) {
	path := markerPath(t)
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}

	m := NewMarker(path, nil)
	if m.WasDirty() {
		t.Error("corrupt marker must be treated as no prior session")
	}
	// And it must be writable again
	if err := m.Activate(true); err != nil {
		t.Fatalf("Activate after corrupt load failed: %v", err)
	}
}

func TestMarkerRecordRecovery(t *testing.T) {
	path := markerPath(t)

	m := NewMarker(path, nil)
	if err := m.Activate(true); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if err := m.RecordRecovery(RecoveryReason); err != nil {
		t.Fatalf("RecordRecovery failed: %v", err)
	}

	state := NewMarker(path, nil).State()
	if state.LastRecoveryReason != RecoveryReason {
		t.Errorf("recovery reason = %q, want %q", state.LastRecoveryReason, RecoveryReason)
	}
	if state.LastRecoveryAt.IsZero() {
		t.Error("expected recovery timestamp")
	}
	if state.SessionActive {
		t.Error("recovery should leave the session inactive")
	}
}

func newRecoveryFixture(t *testing.T, dirty bool) (*Recovery, *binance.FuturesMockClient, *Marker) {
	t.Helper()
	path := markerPath(t)

	seed := NewMarker(path, nil)
	if dirty {
		if err := seed.Activate(true); err != nil {
			t.Fatalf("seed marker: %v", err)
		}
	}

	client := binance.NewFuturesMockClient(10000)
	marker := NewMarker(path, nil)
	procedure := closeall.New(client, nil, nil, 3, zerolog.Nop())
	return NewRecovery(marker, procedure, nil, zerolog.Nop()), client, marker
}

func TestRecoveryTriggersCloseAllOnDirtyMarker(t *testing.T) {
	rec, client, marker := newRecoveryFixture(t, true)
	client.SetPosition("BTCUSDT", "", 1.0, 40000)
	client.SetPrice("BTCUSDT", 40000)
	client.SetStepSize("BTCUSDT", 0.001)

	result := rec.RunStartupCheck(true)
	if !result.Triggered {
		t.Fatalf("expected recovery to trigger, got %+v", result)
	}
	if result.Summary.Closed != 1 {
		t.Errorf("expected position closed, got %+v", result.Summary)
	}
	if marker.State().LastRecoveryReason != RecoveryReason {
		t.Errorf("recovery reason not recorded: %+v", marker.State())
	}

	// Exactly once: a second call is a no-op
	client.SetPosition("BTCUSDT", "", 1.0, 40000)
	again := rec.RunStartupCheck(true)
	if again.Triggered {
		t.Error("expected second startup check to be a no-op")
	}
}

func TestRecoveryCleanMarkerDoesNothing(t *testing.T) {
	rec, client, _ := newRecoveryFixture(t, false)
	client.SetPosition("BTCUSDT", "", 1.0, 40000)

	result := rec.RunStartupCheck(true)
	if result.Triggered || result.Skipped {
		t.Errorf("expected no action for clean marker, got %+v", result)
	}
	if len(client.PlacedOrders()) != 0 {
		t.Error("expected no orders for clean marker")
	}
}

func TestRecoveryMissingCredentialsSkips(t *testing.T) {
	rec, client, marker := newRecoveryFixture(t, true)
	client.SetPosition("BTCUSDT", "", 1.0, 40000)

	result := rec.RunStartupCheck(false)
	if result.Triggered {
		t.Error("recovery must not trigger without credentials")
	}
	if !result.Skipped {
		t.Errorf("expected skipped result, got %+v", result)
	}
	if len(client.PlacedOrders()) != 0 {
		t.Error("expected no orders without credentials")
	}
	if marker.State().LastRecoveryReason != "" {
		t.Error("skipped recovery must not stamp the marker")
	}
}
