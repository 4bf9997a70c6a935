package binance

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// FuturesMockClient implements the FuturesClient interface for dry-run mode.
// All state is in-memory and fully controllable, which also makes it the test
// double for the guard, the loops, and the close-all procedure.
type FuturesMockClient struct {
	mu           sync.RWMutex
	positions    map[string]*FuturesPosition // keyed by symbol|positionSide
	openOrders   map[string][]FuturesOrder   // keyed by symbol
	leverage     map[string]int
	marginType   map[string]MarginType
	stepSizes    map[string]float64
	prices       map[string]float64
	dualPosition bool
	balance      float64
	nextOrderId  int64

	// Fault injection for exercising fallback paths
	failPositionRisk bool
	failBulkCancel   map[string]error
	failCancelOrder  map[int64]error
	failPlaceOrder   map[string]error // keyed by symbol

	placedOrders []FuturesOrderParams
}

// NewFuturesMockClient creates a new mock futures client
func NewFuturesMockClient(initialBalance float64) *FuturesMockClient {
	return &FuturesMockClient{
		positions:       make(map[string]*FuturesPosition),
		openOrders:      make(map[string][]FuturesOrder),
		leverage:        make(map[string]int),
		marginType:      make(map[string]MarginType),
		stepSizes:       make(map[string]float64),
		prices:          make(map[string]float64),
		balance:         initialBalance,
		nextOrderId:     1000,
		failBulkCancel:  make(map[string]error),
		failCancelOrder: make(map[int64]error),
		failPlaceOrder:  make(map[string]error),
	}
}

// SetUnrealizedProfit overrides the mark-to-market PnL of an existing position.
func (c *FuturesMockClient) SetUnrealizedProfit(symbol, positionSide string, pnl float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pos, ok := c.positions[positionKey(symbol, positionSide)]; ok {
		pos.UnrealizedProfit = pnl
	}
}

func positionKey(symbol, positionSide string) string {
	if positionSide == "" {
		positionSide = string(PositionSideBoth)
	}
	return strings.ToUpper(symbol) + "|" + strings.ToUpper(positionSide)
}

// ==================== ACCOUNT ====================

func (c *FuturesMockClient) GetFuturesAccountInfo() (*FuturesAccountInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	totalUnrealizedProfit := 0.0
	accountPositions := make([]FuturesAccountPosition, 0, len(c.positions))
	for _, pos := range c.positions {
		totalUnrealizedProfit += pos.UnrealizedProfit
		accountPositions = append(accountPositions, FuturesAccountPosition{
			Symbol:           pos.Symbol,
			PositionAmt:      pos.PositionAmt,
			EntryPrice:       pos.EntryPrice,
			UnrealizedProfit: pos.UnrealizedProfit,
			Leverage:         pos.Leverage,
			PositionSide:     pos.PositionSide,
			UpdateTime:       pos.UpdateTime,
		})
	}

	return &FuturesAccountInfo{
		CanTrade:              true,
		TotalWalletBalance:    c.balance,
		TotalUnrealizedProfit: totalUnrealizedProfit,
		TotalMarginBalance:    c.balance + totalUnrealizedProfit,
		AvailableBalance:      c.balance,
		Assets: []FuturesAsset{
			{
				Asset:            "USDT",
				WalletBalance:    c.balance,
				AvailableBalance: c.balance,
			},
		},
		Positions: accountPositions,
	}, nil
}

func (c *FuturesMockClient) GetUSDTBalance() (float64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.balance, nil
}

func (c *FuturesMockClient) GetPositions() ([]FuturesPosition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.failPositionRisk {
		return nil, fmt.Errorf("mock: positionRisk unavailable")
	}

	positions := make([]FuturesPosition, 0, len(c.positions))
	for _, pos := range c.positions {
		positions = append(positions, *pos)
	}
	return positions, nil
}

func (c *FuturesMockClient) ListOpenPositions() ([]FuturesPosition, error) {
	positions, err := c.GetPositions()
	if err != nil {
		// Same fallback the live client performs against the account endpoint
		accountInfo, acctErr := c.GetFuturesAccountInfo()
		if acctErr != nil {
			return nil, err
		}
		positions = positions[:0]
		for _, p := range accountInfo.Positions {
			positions = append(positions, FuturesPosition{
				Symbol:           p.Symbol,
				PositionAmt:      p.PositionAmt,
				EntryPrice:       p.EntryPrice,
				UnrealizedProfit: p.UnrealizedProfit,
				Leverage:         p.Leverage,
				PositionSide:     p.PositionSide,
				UpdateTime:       p.UpdateTime,
			})
		}
	}

	open := make([]FuturesPosition, 0, len(positions))
	for _, p := range positions {
		if p.PositionAmt != 0 {
			open = append(open, p)
		}
	}
	return open, nil
}

func (c *FuturesMockClient) GetPositionMode() (*PositionModeResponse, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &PositionModeResponse{DualSidePosition: c.dualPosition}, nil
}

// ==================== LEVERAGE & MARGIN ====================

func (c *FuturesMockClient) SetLeverage(symbol string, leverage int) (*LeverageResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.leverage[strings.ToUpper(symbol)] = leverage
	return &LeverageResponse{Symbol: symbol, Leverage: leverage}, nil
}

func (c *FuturesMockClient) SetMarginType(symbol string, marginType MarginType) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.marginType[strings.ToUpper(symbol)] = marginType
	return nil
}

// ==================== TRADING ====================

func (c *FuturesMockClient) PlaceFuturesOrder(params FuturesOrderParams) (*FuturesOrderResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	symbol := strings.ToUpper(params.Symbol)
	if err, ok := c.failPlaceOrder[symbol]; ok {
		return nil, err
	}

	c.placedOrders = append(c.placedOrders, params)

	orderId := c.nextOrderId
	c.nextOrderId++

	price := params.Price
	if params.Type == FuturesOrderTypeMarket {
		price = c.prices[symbol]
	}

	// Market orders fill immediately against the mock book
	if params.Type == FuturesOrderTypeMarket {
		c.applyFillLocked(symbol, params, price)
	}

	return &FuturesOrderResponse{
		OrderId:       orderId,
		Symbol:        symbol,
		Status:        "FILLED",
		ClientOrderId: params.NewClientOrderId,
		Price:         price,
		AvgPrice:      price,
		OrigQty:       params.Quantity,
		ExecutedQty:   params.Quantity,
		Side:          params.Side,
		PositionSide:  string(params.PositionSide),
		Type:          string(params.Type),
		UpdateTime:    time.Now().UnixMilli(),
	}, nil
}

// applyFillLocked adjusts the position for a filled market order. Callers must
// hold the write lock.
func (c *FuturesMockClient) applyFillLocked(symbol string, params FuturesOrderParams, price float64) {
	key := positionKey(symbol, string(params.PositionSide))
	pos, exists := c.positions[key]
	if !exists {
		side := string(params.PositionSide)
		if side == "" {
			side = string(PositionSideBoth)
		}
		pos = &FuturesPosition{
			Symbol:       symbol,
			PositionSide: side,
			Leverage:     c.leverage[symbol],
		}
		c.positions[key] = pos
	}

	// BUY adds, SELL subtracts. This covers one-way and both hedge legs since
	// a short leg carries a negative amount that a BUY shrinks toward zero.
	delta := params.Quantity
	if params.Side == string(OrderSideSell) {
		delta = -delta
	}

	newAmt := pos.PositionAmt + delta
	if pos.PositionAmt == 0 {
		pos.EntryPrice = price
	}
	pos.PositionAmt = newAmt
	pos.UpdateTime = time.Now().UnixMilli()

	if pos.PositionAmt == 0 {
		delete(c.positions, key)
	}
}

func (c *FuturesMockClient) CancelFuturesOrder(symbol string, orderId int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err, ok := c.failCancelOrder[orderId]; ok {
		return err
	}

	symbol = strings.ToUpper(symbol)
	orders := c.openOrders[symbol]
	for i, o := range orders {
		if o.OrderId == orderId {
			c.openOrders[symbol] = append(orders[:i], orders[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("mock: order %d not found", orderId)
}

func (c *FuturesMockClient) CancelAllFuturesOrders(symbol string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	symbol = strings.ToUpper(symbol)
	if err, ok := c.failBulkCancel[symbol]; ok {
		return err
	}

	delete(c.openOrders, symbol)
	return nil
}

func (c *FuturesMockClient) GetOpenOrders(symbol string) ([]FuturesOrder, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if symbol != "" {
		orders := c.openOrders[strings.ToUpper(symbol)]
		return append([]FuturesOrder(nil), orders...), nil
	}

	all := make([]FuturesOrder, 0)
	for _, orders := range c.openOrders {
		all = append(all, orders...)
	}
	return all, nil
}

// ==================== MARKET DATA ====================

func (c *FuturesMockClient) GetFuturesCurrentPrice(symbol string) (float64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	price, ok := c.prices[strings.ToUpper(symbol)]
	if !ok {
		return 0, fmt.Errorf("mock: no price for %s", symbol)
	}
	return price, nil
}

// ==================== EXCHANGE INFO ====================

func (c *FuturesMockClient) GetSymbolStepSize(symbol string) (float64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stepSizes[strings.ToUpper(symbol)], nil
}

// ==================== TEST CONTROLS ====================

// SetPosition seeds or replaces a position
func (c *FuturesMockClient) SetPosition(symbol string, positionSide string, amount, entryPrice float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := positionKey(symbol, positionSide)
	if amount == 0 {
		delete(c.positions, key)
		return
	}
	side := strings.ToUpper(positionSide)
	if side == "" {
		side = string(PositionSideBoth)
	}
	c.positions[key] = &FuturesPosition{
		Symbol:       strings.ToUpper(symbol),
		PositionAmt:  amount,
		EntryPrice:   entryPrice,
		PositionSide: side,
		Leverage:     c.leverage[strings.ToUpper(symbol)],
		UpdateTime:   time.Now().UnixMilli(),
	}
}

// SetPrice sets the mock market price for a symbol
func (c *FuturesMockClient) SetPrice(symbol string, price float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[strings.ToUpper(symbol)] = price
}

// SetStepSize sets the LOT_SIZE step for a symbol
func (c *FuturesMockClient) SetStepSize(symbol string, step float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stepSizes[strings.ToUpper(symbol)] = step
}

// SetDualPosition toggles hedge mode
func (c *FuturesMockClient) SetDualPosition(dual bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dualPosition = dual
}

// AddOpenOrder seeds an open order for a symbol
func (c *FuturesMockClient) AddOpenOrder(symbol string, order FuturesOrder) {
	c.mu.Lock()
	defer c.mu.Unlock()

	symbol = strings.ToUpper(symbol)
	if order.OrderId == 0 {
		order.OrderId = c.nextOrderId
		c.nextOrderId++
	}
	order.Symbol = symbol
	c.openOrders[symbol] = append(c.openOrders[symbol], order)
}

// FailPositionRisk makes GetPositions return an error, forcing the account fallback
func (c *FuturesMockClient) FailPositionRisk(fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failPositionRisk = fail
}

// FailBulkCancel makes CancelAllFuturesOrders fail for a symbol
func (c *FuturesMockClient) FailBulkCancel(symbol string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failBulkCancel[strings.ToUpper(symbol)] = err
}

// FailCancelOrder makes CancelFuturesOrder fail for a specific order id
func (c *FuturesMockClient) FailCancelOrder(orderId int64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failCancelOrder[orderId] = err
}

// FailPlaceOrder makes PlaceFuturesOrder fail for a symbol
func (c *FuturesMockClient) FailPlaceOrder(symbol string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failPlaceOrder[strings.ToUpper(symbol)] = err
}

// PlacedOrders returns a copy of every order submitted so far
func (c *FuturesMockClient) PlacedOrders() []FuturesOrderParams {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]FuturesOrderParams(nil), c.placedOrders...)
}

// OpenOrdersCount returns the number of open orders across all symbols
func (c *FuturesMockClient) OpenOrdersCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 0
	for _, orders := range c.openOrders {
		n += len(orders)
	}
	return n
}
