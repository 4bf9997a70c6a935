package database

import "time"

// TradeEvent is one order-level event emitted by a loop
type TradeEvent struct {
	ID        int64     `json:"id"`
	EventType string    `json:"event_type"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side,omitempty"`
	Quantity  float64   `json:"quantity,omitempty"`
	Price     float64   `json:"price,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CloseAllRun is the recorded outcome of one close-all invocation
type CloseAllRun struct {
	ID        int64     `json:"id"`
	Reason    string    `json:"reason"`
	Closed    int       `json:"closed"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	Passes    int       `json:"passes"`
	CreatedAt time.Time `json:"created_at"`
}

// RecoveryRun records a startup recovery check, whether it triggered or not
type RecoveryRun struct {
	ID        int64     `json:"id"`
	Reason    string    `json:"reason"`
	Triggered bool      `json:"triggered"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// LoopEvent is a loop lifecycle transition (started, stopped, errored)
type LoopEvent struct {
	ID        int64     `json:"id"`
	EventType string    `json:"event_type"`
	JobKey    string    `json:"job_key"`
	Symbol    string    `json:"symbol,omitempty"`
	Interval  string    `json:"interval,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
