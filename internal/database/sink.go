package database

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"binance-loop-runner/internal/events"
)

// EventSink persists bus events so the trade history survives restarts.
// Writes are best-effort; a failed insert is logged and dropped rather than
// blocking the trading path.
type EventSink struct {
	repo   *Repository
	logger zerolog.Logger
}

// NewEventSink creates a sink bound to the repository
func NewEventSink(repo *Repository, logger zerolog.Logger) *EventSink {
	return &EventSink{
		repo:   repo,
		logger: logger.With().Str("component", "EventSink").Logger(),
	}
}

// Attach subscribes the sink to every event type it persists
func (s *EventSink) Attach(bus *events.EventBus) {
	bus.Subscribe(events.EventTradeOpened, s.handleTrade)
	bus.Subscribe(events.EventTradeClosed, s.handleTrade)
	bus.Subscribe(events.EventTradeBlocked, s.handleTrade)
	bus.Subscribe(events.EventSymbolClosed, s.handleTrade)
	bus.Subscribe(events.EventCloseAllDone, s.handleCloseAll)
	bus.Subscribe(events.EventRecoveryRun, s.handleRecovery)
	bus.Subscribe(events.EventLoopStarted, s.handleLoop)
	bus.Subscribe(events.EventLoopStopped, s.handleLoop)
	bus.Subscribe(events.EventLoopError, s.handleLoop)
}

func (s *EventSink) handleTrade(event events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	record := &TradeEvent{
		EventType: string(event.Type),
		Symbol:    dataString(event.Data, "symbol"),
		Side:      dataString(event.Data, "side"),
		Quantity:  dataFloat(event.Data, "quantity"),
		Price:     firstFloat(event.Data, "price", "entry_price"),
		Reason:    dataString(event.Data, "reason"),
	}
	if err := s.repo.CreateTradeEvent(ctx, record); err != nil {
		s.logger.Warn().Err(err).Str("type", string(event.Type)).Msg("Trade event not persisted")
	}
}

func (s *EventSink) handleCloseAll(event events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	run := &CloseAllRun{
		Reason:  dataString(event.Data, "reason"),
		Closed:  dataInt(event.Data, "closed"),
		Failed:  dataInt(event.Data, "failed"),
		Skipped: dataInt(event.Data, "skipped"),
		Passes:  dataInt(event.Data, "passes"),
	}
	if err := s.repo.CreateCloseAllRun(ctx, run); err != nil {
		s.logger.Warn().Err(err).Msg("Close-all run not persisted")
	}
}

func (s *EventSink) handleRecovery(event events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	run := &RecoveryRun{
		Reason:    dataString(event.Data, "reason"),
		Triggered: dataBool(event.Data, "triggered"),
		Detail:    dataString(event.Data, "detail"),
	}
	if err := s.repo.CreateRecoveryRun(ctx, run); err != nil {
		s.logger.Warn().Err(err).Msg("Recovery run not persisted")
	}
}

func (s *EventSink) handleLoop(event events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	record := &LoopEvent{
		EventType: string(event.Type),
		JobKey:    dataString(event.Data, "job_key"),
		Symbol:    dataString(event.Data, "symbol"),
		Interval:  dataString(event.Data, "interval"),
		Detail:    dataString(event.Data, "detail"),
	}
	if err := s.repo.CreateLoopEvent(ctx, record); err != nil {
		s.logger.Warn().Err(err).Str("type", string(event.Type)).Msg("Loop event not persisted")
	}
}

func dataString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func dataFloat(data map[string]interface{}, key string) float64 {
	switch v := data[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func firstFloat(data map[string]interface{}, keys ...string) float64 {
	for _, key := range keys {
		if _, ok := data[key]; ok {
			return dataFloat(data, key)
		}
	}
	return 0
}

func dataInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func dataBool(data map[string]interface{}, key string) bool {
	if v, ok := data[key].(bool); ok {
		return v
	}
	return false
}
