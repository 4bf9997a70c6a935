package database

import (
	"context"
	"fmt"
)

// Repository provides data access methods
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// ============================================================================
// TRADE EVENTS
// ============================================================================

// CreateTradeEvent inserts one order-level event
func (r *Repository) CreateTradeEvent(ctx context.Context, event *TradeEvent) error {
	query := `
		INSERT INTO trade_events (event_type, symbol, side, quantity, price, reason)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		event.EventType, event.Symbol, event.Side, event.Quantity, event.Price, event.Reason,
	).Scan(&event.ID, &event.CreatedAt)
}

// GetTradeEvents retrieves recent trade events, newest first
func (r *Repository) GetTradeEvents(ctx context.Context, limit int) ([]*TradeEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, event_type, symbol, COALESCE(side, ''), COALESCE(quantity, 0),
		       COALESCE(price, 0), COALESCE(reason, ''), created_at
		FROM trade_events
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query trade events: %w", err)
	}
	defer rows.Close()

	var events []*TradeEvent
	for rows.Next() {
		e := &TradeEvent{}
		if err := rows.Scan(&e.ID, &e.EventType, &e.Symbol, &e.Side, &e.Quantity, &e.Price, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetTradeEventsBySymbol retrieves trade events for one symbol, newest first
func (r *Repository) GetTradeEventsBySymbol(ctx context.Context, symbol string, limit int) ([]*TradeEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, event_type, symbol, COALESCE(side, ''), COALESCE(quantity, 0),
		       COALESCE(price, 0), COALESCE(reason, ''), created_at
		FROM trade_events
		WHERE symbol = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.Pool.Query(ctx, query, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("query trade events for %s: %w", symbol, err)
	}
	defer rows.Close()

	var events []*TradeEvent
	for rows.Next() {
		e := &TradeEvent{}
		if err := rows.Scan(&e.ID, &e.EventType, &e.Symbol, &e.Side, &e.Quantity, &e.Price, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ============================================================================
// CLOSE-ALL RUNS
// ============================================================================

// CreateCloseAllRun inserts the summary of one close-all invocation
func (r *Repository) CreateCloseAllRun(ctx context.Context, run *CloseAllRun) error {
	query := `
		INSERT INTO close_all_runs (reason, closed, failed, skipped, passes)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		run.Reason, run.Closed, run.Failed, run.Skipped, run.Passes,
	).Scan(&run.ID, &run.CreatedAt)
}

// GetCloseAllRuns retrieves recent close-all runs, newest first
func (r *Repository) GetCloseAllRuns(ctx context.Context, limit int) ([]*CloseAllRun, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, reason, closed, failed, skipped, passes, created_at
		FROM close_all_runs
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query close-all runs: %w", err)
	}
	defer rows.Close()

	var runs []*CloseAllRun
	for rows.Next() {
		cr := &CloseAllRun{}
		if err := rows.Scan(&cr.ID, &cr.Reason, &cr.Closed, &cr.Failed, &cr.Skipped, &cr.Passes, &cr.CreatedAt); err != nil {
			return nil, err
		}
		runs = append(runs, cr)
	}
	return runs, rows.Err()
}

// ============================================================================
// RECOVERY RUNS
// ============================================================================

// CreateRecoveryRun inserts one startup recovery outcome
func (r *Repository) CreateRecoveryRun(ctx context.Context, run *RecoveryRun) error {
	query := `
		INSERT INTO recovery_runs (reason, triggered, detail)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		run.Reason, run.Triggered, run.Detail,
	).Scan(&run.ID, &run.CreatedAt)
}

// GetRecoveryRuns retrieves recent recovery runs, newest first
func (r *Repository) GetRecoveryRuns(ctx context.Context, limit int) ([]*RecoveryRun, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, reason, triggered, COALESCE(detail, ''), created_at
		FROM recovery_runs
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query recovery runs: %w", err)
	}
	defer rows.Close()

	var runs []*RecoveryRun
	for rows.Next() {
		rr := &RecoveryRun{}
		if err := rows.Scan(&rr.ID, &rr.Reason, &rr.Triggered, &rr.Detail, &rr.CreatedAt); err != nil {
			return nil, err
		}
		runs = append(runs, rr)
	}
	return runs, rows.Err()
}

// ============================================================================
// LOOP EVENTS
// ============================================================================

// CreateLoopEvent inserts one loop lifecycle transition
func (r *Repository) CreateLoopEvent(ctx context.Context, event *LoopEvent) error {
	query := `
		INSERT INTO loop_events (event_type, job_key, symbol, interval, detail)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		event.EventType, event.JobKey, event.Symbol, event.Interval, event.Detail,
	).Scan(&event.ID, &event.CreatedAt)
}

// GetLoopEvents retrieves recent loop lifecycle events, newest first
func (r *Repository) GetLoopEvents(ctx context.Context, limit int) ([]*LoopEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, event_type, job_key, COALESCE(symbol, ''), COALESCE(interval, ''),
		       COALESCE(detail, ''), created_at
		FROM loop_events
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query loop events: %w", err)
	}
	defer rows.Close()

	var events []*LoopEvent
	for rows.Next() {
		le := &LoopEvent{}
		if err := rows.Scan(&le.ID, &le.EventType, &le.JobKey, &le.Symbol, &le.Interval, &le.Detail, &le.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, le)
	}
	return events, rows.Err()
}
