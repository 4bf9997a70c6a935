package binance

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// RateLimiter implements proactive weight-based rate limiting with a circuit
// breaker. One instance is shared by every client in the process; Binance
// enforces limits per IP, not per connection.
type RateLimiter struct {
	mu sync.RWMutex

	// Circuit breaker state
	circuitOpen   bool
	circuitOpenAt time.Time
	banUntil      time.Time

	// Weight tracking (Binance uses weight-based limits)
	currentWeight int
	weightResetAt time.Time
	maxWeight     int // 2400 per minute for futures

	// Request tracking
	requestCount   int
	requestResetAt time.Time
	maxRequests    int // 1200 per minute

	consecutiveErrors int
	lastErrorAt       time.Time
}

// Endpoint weights for the Binance Futures API
var endpointWeights = map[string]int{
	"/fapi/v2/account":           5,
	"/fapi/v2/positionRisk":      5,
	"/fapi/v1/positionSide/dual": 30,
	"/fapi/v1/order":             1,
	"/fapi/v1/openOrders":        1, // 1 with symbol, 40 without
	"/fapi/v1/allOpenOrders":     1,
	"/fapi/v1/ticker/price":      1,
	"/fapi/v1/premiumIndex":      1,
	"/fapi/v1/exchangeInfo":      1,
	"/fapi/v1/leverage":          1,
	"/fapi/v1/marginType":        1,
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		maxWeight:      2400, // Binance Futures limit
		maxRequests:    1200, // Conservative limit
		weightResetAt:  time.Now().Add(time.Minute),
		requestResetAt: time.Now().Add(time.Minute),
	}
}

// Global rate limiter instance
var globalRateLimiter = NewRateLimiter()

// GetRateLimiter returns the global rate limiter
func GetRateLimiter() *RateLimiter {
	return globalRateLimiter
}

// CanMakeRequest checks if a request can be made without exceeding the weight
// budget. Read-only; pair with RecordRequest after the call succeeds.
func (r *RateLimiter) CanMakeRequest(endpoint string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()

	if r.circuitOpen {
		if now.Before(r.banUntil) {
			return false
		}
		// Ban expired; next RecordRequest closes the circuit
	}

	weight := getEndpointWeight(endpoint)
	currentWeight := r.currentWeight
	if now.After(r.weightResetAt) {
		currentWeight = 0
	}
	if currentWeight+weight > r.maxWeight {
		return false
	}

	requestCount := r.requestCount
	if now.After(r.requestResetAt) {
		requestCount = 0
	}
	return requestCount < r.maxRequests
}

// WaitForSlot blocks until a request can be made (with timeout)
func (r *RateLimiter) WaitForSlot(endpoint string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if r.CanMakeRequest(endpoint) {
			return true
		}

		r.mu.RLock()
		var waitTime time.Duration
		if r.circuitOpen && time.Now().Before(r.banUntil) {
			waitTime = time.Until(r.banUntil)
			log.Printf("[RATE-LIMITER] Circuit open, waiting %v for ban to expire", waitTime)
		} else {
			waitTime = time.Until(r.weightResetAt)
			if waitTime < 0 {
				waitTime = 100 * time.Millisecond
			}
		}
		r.mu.RUnlock()

		if waitTime > 5*time.Second {
			waitTime = 5 * time.Second
		}
		time.Sleep(waitTime)
	}

	return false
}

// RecordRequest records a successful request
func (r *RateLimiter) RecordRequest(endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()

	if now.After(r.weightResetAt) {
		r.currentWeight = 0
		r.weightResetAt = now.Add(time.Minute)
	}
	if now.After(r.requestResetAt) {
		r.requestCount = 0
		r.requestResetAt = now.Add(time.Minute)
	}

	r.currentWeight += getEndpointWeight(endpoint)
	r.requestCount++
	r.consecutiveErrors = 0

	if r.circuitOpen && now.After(r.banUntil) {
		log.Printf("[RATE-LIMITER] Circuit breaker closed after successful request")
		r.circuitOpen = false
	}
}

// RecordRateLimitError records a rate limit error and opens the circuit breaker
func (r *RateLimiter) RecordRateLimitError(banUntilMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.consecutiveErrors++
	r.lastErrorAt = time.Now()

	var banUntil time.Time
	if banUntilMs > 0 {
		banUntil = time.UnixMilli(banUntilMs)
	} else {
		// Exponential backoff based on consecutive errors
		backoff := time.Duration(1<<uint(r.consecutiveErrors)) * time.Minute
		if backoff > 30*time.Minute {
			backoff = 30 * time.Minute
		}
		banUntil = time.Now().Add(backoff)
	}

	r.circuitOpen = true
	r.circuitOpenAt = time.Now()
	r.banUntil = banUntil

	log.Printf("[RATE-LIMITER] CIRCUIT BREAKER OPEN - requests blocked until %v (consecutive errors: %d)",
		banUntil.Format("15:04:05"), r.consecutiveErrors)
}

// IsCircuitOpen returns true if circuit breaker is open
func (r *RateLimiter) IsCircuitOpen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.circuitOpen {
		return false
	}
	return time.Now().Before(r.banUntil)
}

// UpdateFromHeaders updates tracked weight from the X-MBX-USED-WEIGHT-1M header
func (r *RateLimiter) UpdateFromHeaders(usedWeight1m int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Use the higher of our tracked weight or reported weight
	if usedWeight1m > r.currentWeight {
		r.currentWeight = usedWeight1m
	}

	usagePct := float64(r.currentWeight) / float64(r.maxWeight) * 100
	if usagePct > 60 {
		log.Printf("[RATE-LIMITER] Weight usage: %d/%d (%.1f%%)",
			r.currentWeight, r.maxWeight, usagePct)
	}
}

// getEndpointWeight returns the weight for an endpoint
func getEndpointWeight(endpoint string) int {
	if weight, ok := endpointWeights[endpoint]; ok {
		return weight
	}
	return 1
}

// ParseBanUntilFromError extracts ban timestamp from a Binance error message
func ParseBanUntilFromError(errMsg string) int64 {
	// Error format: "banned until 1766824120342"
	var banUntil int64
	_, err := fmt.Sscanf(errMsg, "%*[^0-9]%d", &banUntil)
	if err != nil {
		return 0
	}

	// Sanity check - should be a millisecond timestamp in the future
	if banUntil > time.Now().UnixMilli() && banUntil < time.Now().Add(24*time.Hour).UnixMilli() {
		return banUntil
	}
	return 0
}
