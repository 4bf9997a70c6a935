// Package closeall forces the account to a flat state. It is the fail-safe
// used on manual stop, stop-loss breach, and crash recovery, so it tolerates
// positions changing while it runs and never lets one symbol's failure stop
// the rest.
package closeall

import (
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog"

	"binance-loop-runner/internal/binance"
	"binance-loop-runner/internal/events"
	"binance-loop-runner/internal/orders"
)

// DefaultMaxPasses bounds the snapshot-and-close retry loop. A position can
// be added to or partially filled while the procedure runs, so one pass can
// leave residual exposure.
const DefaultMaxPasses = 3

// ReasonZeroQty marks positions whose quantity rounds to zero at the symbol's
// lot step. No order is sent for them.
const ReasonZeroQty = "zero qty after rounding"

// Result records the outcome for one position in one pass
type Result struct {
	Symbol       string  `json:"symbol"`
	PositionSide string  `json:"position_side,omitempty"`
	Side         string  `json:"side"`
	RequestedQty float64 `json:"requested_qty"`
	RoundedQty   float64 `json:"rounded_qty"`
	Pass         int     `json:"pass"`
	OK           bool    `json:"ok"`
	Skipped      bool    `json:"skipped"`
	Reason       string  `json:"reason,omitempty"`
	Error        string  `json:"error,omitempty"`
}

// Summary aggregates the per-symbol results of a full run
type Summary struct {
	Reason  string   `json:"reason"`
	Closed  int      `json:"closed"`
	Failed  int      `json:"failed"`
	Skipped int      `json:"skipped"`
	Passes  int      `json:"passes"`
	Results []Result `json:"results"`
}

// FloorToStep floors qty to the nearest multiple of step. A step of 0 or less
// means no rounding. The small epsilon absorbs float noise so an exact
// multiple (2.0 at step 0.001) does not floor down a whole step.
func FloorToStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	return math.Floor(qty/step+1e-9) * step
}

// Procedure drives the account flat across bounded passes
type Procedure struct {
	futures   binance.FuturesClient
	spot      binance.SpotClient
	bus       *events.EventBus
	logger    zerolog.Logger
	maxPasses int
}

// New creates a Procedure. The event bus is optional.
func New(futures binance.FuturesClient, spot binance.SpotClient, bus *events.EventBus, maxPasses int, logger zerolog.Logger) *Procedure {
	if maxPasses <= 0 {
		maxPasses = DefaultMaxPasses
	}
	return &Procedure{
		futures:   futures,
		spot:      spot,
		bus:       bus,
		logger:    logger.With().Str("component", "CloseAll").Logger(),
		maxPasses: maxPasses,
	}
}

// CloseAllFutures cancels resting orders and market-closes every non-zero
// futures position. Running it against a flat account is a no-op. The reason
// string is carried into the summary and the emitted events.
func (p *Procedure) CloseAllFutures(reason string) Summary {
	summary := Summary{Reason: reason}

	if p.bus != nil {
		p.bus.Publish(events.Event{
			Type: events.EventCloseAllStarted,
			Data: map[string]interface{}{"reason": reason, "market": "futures"},
		})
	}

	// Hedge detection happens once; a query failure degrades to one-way mode
	dual := false
	if mode, err := p.futures.GetPositionMode(); err == nil {
		dual = mode.DualSidePosition
	} else {
		p.logger.Warn().Err(err).Msg("Position mode query failed, assuming one-way")
	}

	for pass := 1; pass <= p.maxPasses; pass++ {
		positions, err := p.futures.ListOpenPositions()
		if err != nil {
			p.logger.Error().Err(err).Int("pass", pass).Msg("Position snapshot failed")
			summary.Results = append(summary.Results, Result{
				Symbol: "*", Pass: pass, Error: fmt.Sprintf("position snapshot failed: %v", err),
			})
			summary.Failed++
			break
		}

		if len(positions) == 0 {
			break
		}
		summary.Passes = pass

		for _, pos := range positions {
			result := p.closePosition(pos, dual, pass)
			summary.Results = append(summary.Results, result)
			switch {
			case result.Skipped:
				summary.Skipped++
			case result.OK:
				summary.Closed++
				if p.bus != nil {
					p.bus.PublishSymbolClosed(result.Symbol, result.PositionSide, result.RoundedQty, pass)
				}
			default:
				summary.Failed++
			}
		}
	}

	p.logger.Info().
		Str("reason", reason).
		Int("closed", summary.Closed).
		Int("failed", summary.Failed).
		Int("skipped", summary.Skipped).
		Int("passes", summary.Passes).
		Msg("Futures close-all finished")

	if p.bus != nil {
		p.bus.PublishCloseAllDone(reason, summary.Closed, summary.Failed, summary.Skipped, summary.Passes)
	}
	return summary
}

// closePosition cancels the symbol's orders and submits one opposite-side
// market order for the lot-rounded quantity
func (p *Procedure) closePosition(pos binance.FuturesPosition, dual bool, pass int) Result {
	amt := pos.PositionAmt
	side := binance.OrderSideSell
	positionSide := binance.PositionSideLong
	if amt < 0 {
		side = binance.OrderSideBuy
		positionSide = binance.PositionSideShort
	}

	result := Result{
		Symbol:       pos.Symbol,
		Side:         string(side),
		RequestedQty: math.Abs(amt),
		Pass:         pass,
	}
	if dual {
		result.PositionSide = string(positionSide)
	}

	// A failed lookup yields step 0, which means no rounding
	step, err := p.futures.GetSymbolStepSize(pos.Symbol)
	if err != nil {
		p.logger.Warn().Err(err).Str("symbol", pos.Symbol).Msg("Lot step lookup failed, closing unrounded")
		step = 0
	}

	qty := FloorToStep(math.Abs(amt), step)
	result.RoundedQty = qty
	if qty <= 0 {
		result.OK = true
		result.Skipped = true
		result.Reason = ReasonZeroQty
		return result
	}

	p.cancelSymbolOrders(pos.Symbol)

	params := binance.FuturesOrderParams{
		Symbol:   pos.Symbol,
		Side:     string(side),
		Type:     binance.FuturesOrderTypeMarket,
		Quantity: qty,
	}
	if dual {
		params.PositionSide = positionSide
	} else {
		params.ReduceOnly = true
	}
	if clientID, err := orders.Generate(orders.OriginCloseAll, pos.Symbol); err == nil {
		params.NewClientOrderId = clientID
	}

	if _, err := p.futures.PlaceFuturesOrder(params); err != nil {
		result.Error = err.Error()
		p.logger.Error().Err(err).
			Str("symbol", pos.Symbol).
			Float64("qty", qty).
			Int("pass", pass).
			Msg("Close order failed")
		return result
	}

	result.OK = true
	return result
}

// cancelSymbolOrders bulk-cancels the symbol's open orders, falling back to
// per-order cancellation. All of it is best-effort; a cancel failure must not
// block the market close.
func (p *Procedure) cancelSymbolOrders(symbol string) {
	if err := p.futures.CancelAllFuturesOrders(symbol); err == nil {
		return
	}

	open, err := p.futures.GetOpenOrders(symbol)
	if err != nil {
		p.logger.Warn().Err(err).Str("symbol", symbol).Msg("Open order listing failed, skipping cancellation")
		return
	}
	for _, o := range open {
		if err := p.futures.CancelFuturesOrder(symbol, o.OrderId); err != nil {
			p.logger.Warn().Err(err).
				Str("symbol", symbol).
				Int64("order_id", o.OrderId).
				Msg("Per-order cancel failed")
		}
	}
}

// CloseAllSpot sells every non-USDT spot balance into USDT at market,
// skipping dust below the symbol's minimum notional
func (p *Procedure) CloseAllSpot(reason string) Summary {
	summary := Summary{Reason: reason, Passes: 1}

	if p.spot == nil {
		summary.Results = append(summary.Results, Result{
			Symbol: "*", Pass: 1, Error: "no spot client configured",
		})
		summary.Failed++
		return summary
	}

	if p.bus != nil {
		p.bus.Publish(events.Event{
			Type: events.EventCloseAllStarted,
			Data: map[string]interface{}{"reason": reason, "market": "spot"},
		})
	}

	balances, err := p.spot.GetAccountBalances()
	if err != nil {
		summary.Results = append(summary.Results, Result{
			Symbol: "*", Pass: 1, Error: fmt.Sprintf("balance snapshot failed: %v", err),
		})
		summary.Failed++
		return summary
	}

	for _, bal := range balances {
		if bal.Asset == "USDT" || bal.Free <= 0 {
			continue
		}
		symbol := strings.ToUpper(bal.Asset) + "USDT"
		result := p.sellSpotBalance(symbol, bal.Free)
		summary.Results = append(summary.Results, result)
		switch {
		case result.Skipped:
			summary.Skipped++
		case result.OK:
			summary.Closed++
			if p.bus != nil {
				p.bus.PublishSymbolClosed(result.Symbol, "", result.RoundedQty, 1)
			}
		default:
			summary.Failed++
		}
	}

	p.logger.Info().
		Str("reason", reason).
		Int("closed", summary.Closed).
		Int("failed", summary.Failed).
		Int("skipped", summary.Skipped).
		Msg("Spot close-all finished")

	if p.bus != nil {
		p.bus.PublishCloseAllDone(reason, summary.Closed, summary.Failed, summary.Skipped, 1)
	}
	return summary
}

func (p *Procedure) sellSpotBalance(symbol string, free float64) Result {
	result := Result{
		Symbol:       symbol,
		Side:         string(binance.OrderSideSell),
		RequestedQty: free,
		Pass:         1,
	}

	price, err := p.spot.GetCurrentPrice(symbol)
	if err != nil || price <= 0 {
		result.OK = true
		result.Skipped = true
		result.Reason = "no USDT market price"
		return result
	}

	filters, err := p.spot.GetSymbolFilters(symbol)
	if err != nil {
		p.logger.Warn().Err(err).Str("symbol", symbol).Msg("Spot filter lookup failed, selling unrounded")
	}

	if filters.MinNotional > 0 && free*price < filters.MinNotional {
		result.OK = true
		result.Skipped = true
		result.Reason = fmt.Sprintf("dust below min notional (%.8f < %.8f)", free*price, filters.MinNotional)
		return result
	}

	qty := FloorToStep(free, filters.StepSize)
	result.RoundedQty = qty
	if qty <= 0 {
		result.OK = true
		result.Skipped = true
		result.Reason = ReasonZeroQty
		return result
	}

	if err := p.spot.CancelAllOpenOrders(symbol); err != nil {
		p.logger.Warn().Err(err).Str("symbol", symbol).Msg("Spot order cancel failed, continuing")
	}

	if _, err := p.spot.MarketSell(symbol, qty); err != nil {
		result.Error = err.Error()
		return result
	}

	result.OK = true
	return result
}
