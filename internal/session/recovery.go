package session

import (
	"sync"

	"github.com/rs/zerolog"

	"binance-loop-runner/internal/closeall"
	"binance-loop-runner/internal/events"
)

// RecoveryReason is recorded on the marker when startup recovery liquidates
const RecoveryReason = "restart_recovery"

// RecoveryResult describes what the startup recovery check did
type RecoveryResult struct {
	Triggered bool
	Skipped   bool
	Detail    string
	Summary   closeall.Summary
}

// Recovery runs the crash-recovery check exactly once per process
type Recovery struct {
	once      sync.Once
	marker    *Marker
	procedure *closeall.Procedure
	bus       *events.EventBus
	logger    zerolog.Logger
}

// NewRecovery creates the startup recovery runner. The event bus is optional.
func NewRecovery(marker *Marker, procedure *closeall.Procedure, bus *events.EventBus, logger zerolog.Logger) *Recovery {
	return &Recovery{
		marker:    marker,
		procedure: procedure,
		bus:       bus,
		logger:    logger.With().Str("component", "SessionRecovery").Logger(),
	}
}

// RunStartupCheck inspects the loaded marker and, if the previous process
// died with close-on-exit armed, liquidates all open exposure before normal
// operation resumes. hasCredentials=false skips the liquidation with a logged
// reason instead of failing; this path must never crash the host process.
// Repeated calls after the first are no-ops.
func (r *Recovery) RunStartupCheck(hasCredentials bool) RecoveryResult {
	var result RecoveryResult

	r.once.Do(func() {
		if !r.marker.WasDirty() {
			result.Detail = "clean prior shutdown"
			r.logger.Info().Msg("No crash recovery needed")
			return
		}

		if !hasCredentials {
			result.Skipped = true
			result.Detail = "credentials unavailable, recovery skipped"
			r.logger.Warn().Msg("Prior session was dirty but credentials are unavailable, skipping close-all")
			if r.bus != nil {
				r.bus.PublishRecoveryRun(RecoveryReason, false, result.Detail)
			}
			return
		}

		r.logger.Warn().Msg("Unclean shutdown detected with close-on-exit armed, liquidating all exposure")

		result.Triggered = true
		result.Summary = r.procedure.CloseAllFutures(RecoveryReason)
		result.Detail = "close-all executed"

		if err := r.marker.RecordRecovery(RecoveryReason); err != nil {
			r.logger.Error().Err(err).Msg("Failed to record recovery on marker")
		}

		if r.bus != nil {
			r.bus.PublishRecoveryRun(RecoveryReason, true, result.Detail)
		}
	})

	return result
}
