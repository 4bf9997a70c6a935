// Package session persists the "a trading session is live" marker across
// process restarts. It is the only cross-restart durable record the core
// depends on: finding it still active at startup means the previous process
// died without running its shutdown path.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultMarkerPath is where the session document lives unless configured
const DefaultMarkerPath = "session_state.json"

// redisMarkerKey mirrors the session document in Redis for observability.
// The file stays authoritative; the mirror is best-effort.
const redisMarkerKey = "looprunner:session:state"

// redisMarkerTTL bounds how long a mirrored marker outlives its process
const redisMarkerTTL = 7 * 24 * time.Hour

// State is the persisted session document
type State struct {
	SessionActive      bool      `json:"session_active"`
	CloseOnExit        bool      `json:"close_on_exit"`
	ActivatedAt        time.Time `json:"activated_at,omitempty"`
	DeactivatedAt      time.Time `json:"deactivated_at,omitempty"`
	UpdatedAt          time.Time `json:"updated_at"`
	LastRecoveryAt     time.Time `json:"last_recovery_at,omitempty"`
	LastRecoveryReason string    `json:"last_recovery_reason,omitempty"`
}

// Marker owns the session document on disk, with an optional Redis mirror
type Marker struct {
	mu             sync.Mutex
	path           string
	state          State
	mirror         *redis.Client
	redisAvailable atomic.Bool
}

// NewMarker loads (or initializes) the session document at path. A missing,
// corrupt, or unreadable file is treated as "no prior session" so a damaged
// marker can never prevent startup. The Redis client may be nil.
func NewMarker(path string, mirror *redis.Client) *Marker {
	if path == "" {
		path = DefaultMarkerPath
	}
	m := &Marker{path: path, mirror: mirror}

	if mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := mirror.Ping(ctx).Err(); err != nil {
			log.Printf("[SESSION] Redis unavailable, marker mirror disabled: %v", err)
		} else {
			m.redisAvailable.Store(true)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[SESSION] Marker unreadable (%v), starting clean", err)
		}
		return m
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		log.Printf("[SESSION] Marker corrupt (%v), starting clean", err)
		return m
	}
	m.state = state
	return m
}

// State returns a copy of the current session document
func (m *Marker) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// WasDirty reports whether the loaded document indicates an unclean prior
// shutdown with close-on-exit armed
func (m *Marker) WasDirty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SessionActive && m.state.CloseOnExit
}

// Activate marks a session live and persists the transition
func (m *Marker) Activate(closeOnExit bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.state.SessionActive = true
	m.state.CloseOnExit = closeOnExit
	m.state.ActivatedAt = now
	m.state.UpdatedAt = now
	return m.saveLocked()
}

// Deactivate marks the session clean. Only the graceful shutdown path calls
// this; a crash leaves the document active.
func (m *Marker) Deactivate() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.state.SessionActive = false
	m.state.DeactivatedAt = now
	m.state.UpdatedAt = now
	return m.saveLocked()
}

// RecordRecovery stamps a completed crash-recovery run
func (m *Marker) RecordRecovery(reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.state.LastRecoveryAt = now
	m.state.LastRecoveryReason = reason
	m.state.SessionActive = false
	m.state.UpdatedAt = now
	return m.saveLocked()
}

// saveLocked writes the document atomically: temp file in the same directory,
// then rename. Callers must hold the mutex.
func (m *Marker) saveLocked() error {
	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session state: %w", err)
	}

	dir := filepath.Dir(m.path)
	tmp, err := os.CreateTemp(dir, ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp marker: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp marker: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp marker: %w", err)
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace marker: %w", err)
	}

	m.mirrorLocked(data)
	return nil
}

// mirrorLocked pushes the document to Redis. Failures only flip the
// availability flag; the file write already succeeded.
func (m *Marker) mirrorLocked(data []byte) {
	if m.mirror == nil || !m.redisAvailable.Load() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := m.mirror.Set(ctx, redisMarkerKey, data, redisMarkerTTL).Err(); err != nil {
		log.Printf("[SESSION] Marker mirror write failed: %v", err)
		m.redisAvailable.Store(false)
	}
}

// Path returns the marker file path
func (m *Marker) Path() string {
	return m.path
}
