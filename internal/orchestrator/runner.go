package orchestrator

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"binance-loop-runner/internal/binance"
	"binance-loop-runner/internal/events"
	"binance-loop-runner/internal/guard"
	"binance-loop-runner/internal/orders"
)

// runJob is the body of one loop goroutine. It polls on its cadence, observes
// the stop signal at iteration boundaries, and routes every open through the
// guard. Nothing in here touches another job's state.
func (o *Orchestrator) runJob(ctx context.Context, rj *runningJob) {
	defer o.markDone(rj)

	job := rj.job
	key := job.Key()
	logger := o.logger.With().Str("job", key).Logger()

	if job.Leverage > 1 {
		if _, err := o.futures.SetLeverage(job.Symbol, job.Leverage); err != nil {
			logger.Warn().Err(err).Int("leverage", job.Leverage).Msg("Leverage setup failed, continuing with account default")
		}
	}

	interval := job.LoopInterval
	if interval <= 0 {
		interval = o.cfg.LoopInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("Loop stop acknowledged")
			return
		case <-ticker.C:
		}

		o.tick(ctx, job, key, logger)
	}
}

// tick runs one iteration: stop-loss first, then signal evaluation
func (o *Orchestrator) tick(ctx context.Context, job LoopJob, key string, logger zerolog.Logger) {
	if job.StopLoss.Enabled {
		if o.evaluateStopLoss(job, key, logger) {
			// Position was liquidated this tick; skip signal evaluation
			return
		}
	}

	price, err := o.futures.GetFuturesCurrentPrice(job.Symbol)
	if err != nil {
		logger.Debug().Err(err).Msg("Price fetch failed, skipping tick")
		return
	}

	signal, err := o.provider.Evaluate(ctx, job, price)
	if err != nil {
		logger.Warn().Err(err).Msg("Signal evaluation failed")
		if o.bus != nil {
			o.bus.PublishError(key, err.Error())
		}
		return
	}

	switch signal.Action {
	case ActionOpenLong:
		if job.Side == DirectionShort {
			return
		}
		o.open(job, key, guard.SideLong, signal, price, logger)
	case ActionOpenShort:
		if job.Side == DirectionLong {
			return
		}
		o.open(job, key, guard.SideShort, signal, price, logger)
	case ActionClose:
		o.closeSymbol(job, key, signal.Reason, logger)
	}
}

// open routes one entry through the guard and places the market order
func (o *Orchestrator) open(job LoopJob, key string, side guard.Side, signal Signal, price float64, logger zerolog.Logger) {
	if signal.Quantity <= 0 {
		return
	}

	decision := o.guard.Decide(job.Symbol, job.Interval, side, key)
	if !decision.Allowed {
		logger.Debug().
			Str("side", string(side)).
			Str("reason", decision.Reason).
			Msg("Open denied by guard")
		if o.bus != nil {
			o.bus.PublishTradeBlocked(job.Symbol, string(side), decision.Reason)
		}
		return
	}

	step, err := o.futures.GetSymbolStepSize(job.Symbol)
	if err != nil {
		step = 0
	}
	qty := signal.Quantity
	if step > 0 {
		qty = math.Floor(qty/step+1e-9) * step
	}
	if qty <= 0 {
		o.guard.EndOpen(job.Symbol, job.Interval, side, key, false)
		return
	}

	params := binance.FuturesOrderParams{
		Symbol:   job.Symbol,
		Side:     string(side.OrderSide()),
		Type:     binance.FuturesOrderTypeMarket,
		Quantity: qty,
	}
	if clientID, err := orders.Generate(orders.OriginLoop, job.Symbol); err == nil {
		params.NewClientOrderId = clientID
	}

	_, err = o.futures.PlaceFuturesOrder(params)
	o.guard.EndOpen(job.Symbol, job.Interval, side, key, err == nil)
	if err != nil {
		logger.Warn().Err(err).Str("side", string(side)).Float64("qty", qty).Msg("Entry order failed")
		if o.bus != nil {
			o.bus.PublishError(key, err.Error())
		}
		return
	}

	logger.Info().
		Str("side", string(side)).
		Float64("qty", qty).
		Float64("price", price).
		Str("signal", signal.Reason).
		Msg("Position opened")
	if o.bus != nil {
		o.bus.PublishTradeOpened(job.Symbol, string(side), price, qty)
	}
}

// closeSymbol flattens the job's symbol with a reduce-only market order
func (o *Orchestrator) closeSymbol(job LoopJob, key, reason string, logger zerolog.Logger) {
	positions, err := o.futures.ListOpenPositions()
	if err != nil {
		logger.Warn().Err(err).Msg("Position lookup failed, close skipped")
		return
	}

	for _, pos := range positions {
		if !strings.EqualFold(pos.Symbol, job.Symbol) || pos.PositionAmt == 0 {
			continue
		}

		side := binance.OrderSideSell
		guardSide := guard.SideLong
		if pos.PositionAmt < 0 {
			side = binance.OrderSideBuy
			guardSide = guard.SideShort
		}

		step, err := o.futures.GetSymbolStepSize(pos.Symbol)
		if err != nil {
			step = 0
		}
		qty := math.Abs(pos.PositionAmt)
		if step > 0 {
			qty = math.Floor(qty/step+1e-9) * step
		}
		if qty <= 0 {
			continue
		}

		params := binance.FuturesOrderParams{
			Symbol:     pos.Symbol,
			Side:       string(side),
			Type:       binance.FuturesOrderTypeMarket,
			Quantity:   qty,
			ReduceOnly: true,
		}
		if clientID, err := orders.Generate(orders.OriginStopLoss, pos.Symbol); err == nil {
			params.NewClientOrderId = clientID
		}

		if _, err := o.futures.PlaceFuturesOrder(params); err != nil {
			logger.Warn().Err(err).Str("reason", reason).Msg("Close order failed")
			continue
		}

		o.guard.RecordClose(pos.Symbol, job.Interval, guardSide)
		logger.Info().Float64("qty", qty).Str("reason", reason).Msg("Position closed")
		if o.bus != nil {
			o.bus.Publish(events.Event{
				Type: events.EventTradeClosed,
				Data: map[string]interface{}{
					"symbol":   pos.Symbol,
					"side":     string(side),
					"quantity": qty,
					"reason":   reason,
				},
			})
		}
	}
}

// evaluateStopLoss checks the job's policy and liquidates on breach. Returns
// true when it closed something this tick.
func (o *Orchestrator) evaluateStopLoss(job LoopJob, key string, logger zerolog.Logger) bool {
	policy := job.StopLoss

	switch policy.Scope {
	case ScopeEntireAccount:
		account, err := o.futures.GetFuturesAccountInfo()
		if err != nil {
			logger.Debug().Err(err).Msg("Account query failed, stop-loss check skipped")
			return false
		}
		loss := -account.TotalUnrealizedProfit
		basis := account.TotalMarginBalance
		if o.breached(policy, loss, basis) {
			logger.Warn().Float64("loss_usdt", loss).Msg("Account stop-loss breached, closing everything")
			if o.closer != nil {
				o.closer.CloseAllFutures("stop_loss_account")
			}
			return true
		}
		return false

	case ScopeCumulative:
		positions, err := o.futures.ListOpenPositions()
		if err != nil {
			logger.Debug().Err(err).Msg("Position query failed, stop-loss check skipped")
			return false
		}
		var loss, basis float64
		for _, pos := range positions {
			loss -= pos.UnrealizedProfit
			basis += positionMargin(pos)
		}
		if o.breached(policy, loss, basis) {
			logger.Warn().Float64("loss_usdt", loss).Msg("Cumulative stop-loss breached, closing everything")
			if o.closer != nil {
				o.closer.CloseAllFutures("stop_loss_cumulative")
			}
			return true
		}
		return false

	default: // per trade
		positions, err := o.futures.ListOpenPositions()
		if err != nil {
			logger.Debug().Err(err).Msg("Position query failed, stop-loss check skipped")
			return false
		}
		for _, pos := range positions {
			if !strings.EqualFold(pos.Symbol, job.Symbol) {
				continue
			}
			loss := -pos.UnrealizedProfit
			if o.breached(policy, loss, positionMargin(pos)) {
				logger.Warn().
					Float64("loss_usdt", loss).
					Float64("entry", pos.EntryPrice).
					Msg("Per-trade stop-loss breached, closing position")
				o.closeSymbol(job, key, "stop_loss", logger)
				return true
			}
		}
		return false
	}
}

// breached applies the policy's mode to a loss and its margin basis. With
// mode "both", either threshold breaching triggers.
func (o *Orchestrator) breached(policy StopLossPolicy, lossUSDT, marginBasis float64) bool {
	if lossUSDT <= 0 {
		return false
	}

	usdtHit := policy.USDT > 0 && lossUSDT >= policy.USDT
	percentHit := false
	if policy.Percent > 0 && marginBasis > 0 {
		percentHit = lossUSDT/marginBasis*100 >= policy.Percent
	}

	switch policy.Mode {
	case StopLossModeUSDT:
		return usdtHit
	case StopLossModePercent:
		return percentHit
	default: // both
		return usdtHit || percentHit
	}
}

// positionMargin approximates the margin backing a position, preferring the
// isolated wallet when present
func positionMargin(pos binance.FuturesPosition) float64 {
	if pos.IsolatedMargin > 0 {
		return pos.IsolatedMargin
	}
	if pos.Leverage > 0 {
		return math.Abs(pos.PositionAmt) * pos.EntryPrice / float64(pos.Leverage)
	}
	return math.Abs(pos.PositionAmt) * pos.EntryPrice
}
