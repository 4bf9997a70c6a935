// Package orders provides client order ID generation and parsing so every
// order on the exchange can be traced back to the component that placed it.
package orders

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// MaxClientOrderIDLength is the maximum length allowed by Binance
const MaxClientOrderIDLength = 36

// Origin identifies which component placed an order
type Origin string

const (
	OriginLoop     Origin = "LOOP" // entry placed by a running control loop
	OriginStopLoss Origin = "STOP" // stop-loss exit placed by a control loop
	OriginCloseAll Origin = "FLAT" // reduce-only order placed by close-all
	OriginManual   Origin = "MAN"  // operator-initiated order via the API
)

// Errors for client order ID operations
var (
	ErrClientOrderIDTooLong = errors.New("client order ID exceeds maximum length of 36 characters")
	ErrInvalidClientOrderID = errors.New("invalid client order ID format")
	ErrInvalidOrigin        = errors.New("invalid order origin")
)

// Generate creates a client order ID of the form ORIGIN-SYMBOL-UUID8,
// e.g. "FLAT-BTCUSDT-a3f7c2e9". The symbol is truncated if needed to stay
// within the Binance length limit.
func Generate(origin Origin, symbol string) (string, error) {
	if err := validateOrigin(origin); err != nil {
		return "", err
	}

	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return "", fmt.Errorf("%w: empty symbol", ErrInvalidClientOrderID)
	}

	unique := shortUniqueID()

	// ORIGIN + 2 dashes + UUID8; the symbol gets whatever room is left
	maxSymbol := MaxClientOrderIDLength - len(origin) - len(unique) - 2
	if len(symbol) > maxSymbol {
		symbol = symbol[:maxSymbol]
	}

	id := fmt.Sprintf("%s-%s-%s", origin, symbol, unique)
	if len(id) > MaxClientOrderIDLength {
		return "", fmt.Errorf("%w: generated ID '%s' is %d characters", ErrClientOrderIDTooLong, id, len(id))
	}
	return id, nil
}

// Parse splits a client order ID into its origin and symbol. IDs not produced
// by Generate (e.g. exchange-assigned or third-party IDs) return an error.
func Parse(id string) (Origin, string, error) {
	parts := strings.SplitN(id, "-", 3)
	if len(parts) != 3 {
		return "", "", fmt.Errorf("%w: '%s'", ErrInvalidClientOrderID, id)
	}

	origin := Origin(parts[0])
	if err := validateOrigin(origin); err != nil {
		return "", "", fmt.Errorf("%w: '%s'", ErrInvalidClientOrderID, id)
	}
	return origin, parts[1], nil
}

// IsCloseAllID reports whether the ID was generated by the close-all procedure
func IsCloseAllID(id string) bool {
	origin, _, err := Parse(id)
	return err == nil && origin == OriginCloseAll
}

func validateOrigin(origin Origin) error {
	switch origin {
	case OriginLoop, OriginStopLoss, OriginCloseAll, OriginManual:
		return nil
	default:
		return fmt.Errorf("%w: '%s'", ErrInvalidOrigin, origin)
	}
}

// shortUniqueID returns the first 8 hex characters of a random UUID
func shortUniqueID() string {
	u := uuid.New()
	return strings.ReplaceAll(u.String(), "-", "")[:8]
}
