package closeall

import (
	"errors"
	"math"
	"testing"

	"github.com/rs/zerolog"

	"binance-loop-runner/internal/binance"
)

func newTestProcedure(futures binance.FuturesClient, spot binance.SpotClient) *Procedure {
	return New(futures, spot, nil, DefaultMaxPasses, zerolog.Nop())
}

func TestFloorToStep(t *testing.T) {
	testCases := []struct {
		name string
		qty  float64
		step float64
		want float64
	}{
		{"Rounds down", 0.00123, 0.001, 0.001},
		{"Below one step", 0.0004, 0.001, 0.0},
		{"Exact multiple", 2.0, 0.001, 2.0},
		{"Exact single step", 0.001, 0.001, 0.001},
		{"Zero step means no rounding", 0.00123, 0, 0.00123},
		{"Negative step means no rounding", 5.5, -1, 5.5},
		{"Large step", 7.9, 0.5, 7.5},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := FloorToStep(tc.qty, tc.step)
			if math.Abs(got-tc.want) > 1e-12 {
				t.Errorf("FloorToStep(%v, %v) = %v, want %v", tc.qty, tc.step, got, tc.want)
			}
		})
	}
}

func TestFloorToStepProperties(t *testing.T) {
	quantities := []float64{0.0001, 0.00123, 0.1, 1.0, 2.5, 123.456, 99999.9}
	steps := []float64{0.001, 0.01, 0.1, 1.0, 5.0}

	for _, qty := range quantities {
		for _, step := range steps {
			got := FloorToStep(qty, step)
			if got > qty+1e-9 {
				t.Errorf("FloorToStep(%v, %v) = %v exceeds input", qty, step, got)
			}
			multiple := got / step
			if math.Abs(multiple-math.Round(multiple)) > 1e-6 {
				t.Errorf("FloorToStep(%v, %v) = %v is not a multiple of step", qty, step, got)
			}
		}
	}
}

func TestCloseAllFlatAccountIsNoOp(t *testing.T) {
	client := binance.NewFuturesMockClient(10000)
	p := newTestProcedure(client, nil)

	summary := p.CloseAllFutures("manual")
	if summary.Closed != 0 || summary.Failed != 0 || summary.Skipped != 0 {
		t.Errorf("expected empty summary for flat account, got %+v", summary)
	}
	if len(client.PlacedOrders()) != 0 {
		t.Error("expected no orders against a flat account")
	}
}

func TestCloseAllRoundsDownToLotStep(t *testing.T) {
	client := binance.NewFuturesMockClient(10000)
	client.SetPosition("BTCUSDT", "", 0.00123, 40000)
	client.SetPrice("BTCUSDT", 40000)
	client.SetStepSize("BTCUSDT", 0.001)
	p := newTestProcedure(client, nil)

	summary := p.CloseAllFutures("manual")

	placed := client.PlacedOrders()
	if len(placed) == 0 {
		t.Fatal("expected a close order")
	}
	first := placed[0]
	if math.Abs(first.Quantity-0.001) > 1e-12 {
		t.Errorf("close quantity = %v, want 0.001", first.Quantity)
	}
	if first.Side != string(binance.OrderSideSell) {
		t.Errorf("close side = %s, want SELL", first.Side)
	}
	if !first.ReduceOnly {
		t.Error("one-way close should be reduce-only")
	}
	if summary.Closed < 1 {
		t.Errorf("expected at least one closed, got %+v", summary)
	}
}

func TestCloseAllSkipsZeroQtyAfterRounding(t *testing.T) {
	client := binance.NewFuturesMockClient(10000)
	client.SetPosition("BTCUSDT", "", 0.0004, 40000)
	client.SetStepSize("BTCUSDT", 0.001)
	p := newTestProcedure(client, nil)

	summary := p.CloseAllFutures("manual")

	if len(client.PlacedOrders()) != 0 {
		t.Error("expected no order for dust position")
	}
	if summary.Skipped == 0 {
		t.Fatalf("expected skipped result, got %+v", summary)
	}
	r := summary.Results[0]
	if !r.OK || !r.Skipped || r.Reason != ReasonZeroQty {
		t.Errorf("unexpected result: %+v", r)
	}
}

func TestCloseAllHedgeModeSetsPositionSide(t *testing.T) {
	client := binance.NewFuturesMockClient(10000)
	client.SetDualPosition(true)
	client.SetPosition("BTCUSDT", "LONG", 2.0, 40000)
	client.SetPrice("BTCUSDT", 40000)
	client.SetStepSize("BTCUSDT", 0.001)
	p := newTestProcedure(client, nil)

	summary := p.CloseAllFutures("manual")

	placed := client.PlacedOrders()
	if len(placed) != 1 {
		t.Fatalf("expected exactly one order, got %d", len(placed))
	}
	o := placed[0]
	if o.Side != string(binance.OrderSideSell) {
		t.Errorf("side = %s, want SELL", o.Side)
	}
	if math.Abs(o.Quantity-2.0) > 1e-9 {
		t.Errorf("quantity = %v, want 2.0", o.Quantity)
	}
	if o.PositionSide != binance.PositionSideLong {
		t.Errorf("positionSide = %s, want LONG", o.PositionSide)
	}
	if o.ReduceOnly {
		t.Error("hedge-mode close must not set reduceOnly")
	}
	if summary.Closed != 1 {
		t.Errorf("expected 1 closed, got %+v", summary)
	}
}

func TestCloseAllShortPositionBuysBack(t *testing.T) {
	client := binance.NewFuturesMockClient(10000)
	client.SetPosition("ETHUSDT", "", -1.5, 2500)
	client.SetPrice("ETHUSDT", 2500)
	client.SetStepSize("ETHUSDT", 0.001)
	p := newTestProcedure(client, nil)

	p.CloseAllFutures("manual")

	placed := client.PlacedOrders()
	if len(placed) == 0 {
		t.Fatal("expected a close order")
	}
	if placed[0].Side != string(binance.OrderSideBuy) {
		t.Errorf("side = %s, want BUY", placed[0].Side)
	}
	if math.Abs(placed[0].Quantity-1.5) > 1e-9 {
		t.Errorf("quantity = %v, want 1.5", placed[0].Quantity)
	}
}

func TestCancelFallbackTriesEveryOrder(t *testing.T) {
	client := binance.NewFuturesMockClient(10000)
	client.SetPosition("BTCUSDT", "", 1.0, 40000)
	client.SetPrice("BTCUSDT", 40000)
	client.SetStepSize("BTCUSDT", 0.001)

	client.FailBulkCancel("BTCUSDT", errors.New("bulk cancel unavailable"))
	client.AddOpenOrder("BTCUSDT", binance.FuturesOrder{OrderId: 1})
	client.AddOpenOrder("BTCUSDT", binance.FuturesOrder{OrderId: 2})
	client.AddOpenOrder("BTCUSDT", binance.FuturesOrder{OrderId: 3})
	client.FailCancelOrder(2, errors.New("unknown order"))

	p := newTestProcedure(client, nil)
	summary := p.CloseAllFutures("manual")

	// Orders 1 and 3 cancelled despite order 2 failing; the close proceeded
	if n := client.OpenOrdersCount(); n != 1 {
		t.Errorf("open orders remaining = %d, want 1 (only the uncancellable)", n)
	}
	if summary.Closed != 1 {
		t.Errorf("expected position closed despite cancel failures, got %+v", summary)
	}
}

func TestCloseAllIsolatesSymbolFailures(t *testing.T) {
	client := binance.NewFuturesMockClient(10000)
	client.SetPosition("BTCUSDT", "", 1.0, 40000)
	client.SetPosition("ETHUSDT", "", 2.0, 2500)
	client.SetPrice("BTCUSDT", 40000)
	client.SetPrice("ETHUSDT", 2500)
	client.SetStepSize("BTCUSDT", 0.001)
	client.SetStepSize("ETHUSDT", 0.001)
	client.FailPlaceOrder("BTCUSDT", errors.New("margin insufficient"))

	p := newTestProcedure(client, nil)
	summary := p.CloseAllFutures("manual")

	if summary.Closed == 0 {
		t.Error("expected ETHUSDT to close despite BTCUSDT failure")
	}
	if summary.Failed == 0 {
		t.Error("expected BTCUSDT failure to be recorded")
	}
	remaining, _ := client.ListOpenPositions()
	for _, pos := range remaining {
		if pos.Symbol == "ETHUSDT" {
			t.Error("ETHUSDT should be flat")
		}
	}
}

func TestCloseAllUsesAccountFallback(t *testing.T) {
	client := binance.NewFuturesMockClient(10000)
	client.SetPosition("BTCUSDT", "", 1.0, 40000)
	client.SetPrice("BTCUSDT", 40000)
	client.SetStepSize("BTCUSDT", 0.001)
	client.FailPositionRisk(true)

	p := newTestProcedure(client, nil)
	summary := p.CloseAllFutures("manual")

	if summary.Closed != 1 {
		t.Errorf("expected close via account fallback, got %+v", summary)
	}
}

func TestCloseAllMissingStepClosesUnrounded(t *testing.T) {
	client := binance.NewFuturesMockClient(10000)
	client.SetPosition("NEWUSDT", "", 0.00123, 1)
	client.SetPrice("NEWUSDT", 1)
	// no step size registered: lookup yields 0, no rounding

	p := newTestProcedure(client, nil)
	p.CloseAllFutures("manual")

	placed := client.PlacedOrders()
	if len(placed) == 0 {
		t.Fatal("expected a close order")
	}
	if math.Abs(placed[0].Quantity-0.00123) > 1e-12 {
		t.Errorf("quantity = %v, want unrounded 0.00123", placed[0].Quantity)
	}
}

func TestCloseAllSpotSellsIntoUSDT(t *testing.T) {
	spot := binance.NewSpotMockClient()
	spot.SetBalance("BTC", 0.5)
	spot.SetBalance("USDT", 1000)
	spot.SetPrice("BTCUSDT", 40000)
	spot.SetFilters("BTCUSDT", binance.SpotSymbolFilters{StepSize: 0.0001, MinNotional: 10})

	p := newTestProcedure(binance.NewFuturesMockClient(0), spot)
	summary := p.CloseAllSpot("manual")

	if summary.Closed != 1 {
		t.Fatalf("expected 1 sell, got %+v", summary)
	}
	sells := spot.Sells()
	if len(sells) != 1 || sells[0].Symbol != "BTCUSDT" {
		t.Fatalf("unexpected sells: %+v", sells)
	}
	if math.Abs(sells[0].ExecutedQty-0.5) > 1e-9 {
		t.Errorf("sold qty = %v, want 0.5", sells[0].ExecutedQty)
	}
}

func TestCloseAllSpotSkipsDust(t *testing.T) {
	spot := binance.NewSpotMockClient()
	spot.SetBalance("SHIB", 100)
	spot.SetPrice("SHIBUSDT", 0.00001)
	spot.SetFilters("SHIBUSDT", binance.SpotSymbolFilters{StepSize: 1, MinNotional: 10})

	p := newTestProcedure(binance.NewFuturesMockClient(0), spot)
	summary := p.CloseAllSpot("manual")

	if summary.Skipped != 1 || summary.Closed != 0 {
		t.Errorf("expected dust skip, got %+v", summary)
	}
	if len(spot.Sells()) != 0 {
		t.Error("expected no sell for dust balance")
	}
}

func TestCloseAllSpotSkipsUnpricedAssets(t *testing.T) {
	spot := binance.NewSpotMockClient()
	spot.SetBalance("WEIRD", 5)
	// no WEIRDUSDT price: asset has no USDT market

	p := newTestProcedure(binance.NewFuturesMockClient(0), spot)
	summary := p.CloseAllSpot("manual")

	if summary.Skipped != 1 {
		t.Errorf("expected unpriced asset skip, got %+v", summary)
	}
}
