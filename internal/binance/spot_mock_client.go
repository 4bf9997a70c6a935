package binance

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// SpotMockClient implements the SpotClient interface for dry-run mode and tests
type SpotMockClient struct {
	mu          sync.RWMutex
	balances    map[string]float64 // asset -> free balance
	prices      map[string]float64
	filters     map[string]SpotSymbolFilters
	openOrders  map[string][]SpotOrder
	nextOrderId int64

	failMarketSell map[string]error

	sells []SpotOrderResponse
}

// NewSpotMockClient creates a new mock spot client
func NewSpotMockClient() *SpotMockClient {
	return &SpotMockClient{
		balances:       make(map[string]float64),
		prices:         make(map[string]float64),
		filters:        make(map[string]SpotSymbolFilters),
		openOrders:     make(map[string][]SpotOrder),
		nextOrderId:    5000,
		failMarketSell: make(map[string]error),
	}
}

func (c *SpotMockClient) GetAccountBalances() ([]SpotBalance, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	balances := make([]SpotBalance, 0, len(c.balances))
	for asset, free := range c.balances {
		if free > 0 {
			balances = append(balances, SpotBalance{Asset: asset, Free: free})
		}
	}
	return balances, nil
}

func (c *SpotMockClient) GetCurrentPrice(symbol string) (float64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	price, ok := c.prices[strings.ToUpper(symbol)]
	if !ok {
		return 0, fmt.Errorf("mock: no price for %s", symbol)
	}
	return price, nil
}

func (c *SpotMockClient) GetSymbolFilters(symbol string) (SpotSymbolFilters, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filters[strings.ToUpper(symbol)], nil
}

func (c *SpotMockClient) GetOpenOrders(symbol string) ([]SpotOrder, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	orders := c.openOrders[strings.ToUpper(symbol)]
	return append([]SpotOrder(nil), orders...), nil
}

func (c *SpotMockClient) CancelAllOpenOrders(symbol string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.openOrders, strings.ToUpper(symbol))
	return nil
}

func (c *SpotMockClient) MarketSell(symbol string, quantity float64) (*SpotOrderResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	symbol = strings.ToUpper(symbol)
	if err, ok := c.failMarketSell[symbol]; ok {
		return nil, err
	}

	asset := strings.TrimSuffix(symbol, "USDT")
	price := c.prices[symbol]

	c.balances[asset] -= quantity
	if c.balances[asset] <= 0 {
		delete(c.balances, asset)
	}
	c.balances["USDT"] += quantity * price

	orderId := c.nextOrderId
	c.nextOrderId++

	resp := SpotOrderResponse{
		Symbol:              symbol,
		OrderId:             orderId,
		TransactTime:        time.Now().UnixMilli(),
		OrigQty:             quantity,
		ExecutedQty:         quantity,
		CummulativeQuoteQty: quantity * price,
		Status:              "FILLED",
		Type:                "MARKET",
		Side:                string(OrderSideSell),
	}
	c.sells = append(c.sells, resp)
	return &resp, nil
}

// ==================== TEST CONTROLS ====================

// SetBalance seeds a free balance for an asset
func (c *SpotMockClient) SetBalance(asset string, free float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[strings.ToUpper(asset)] = free
}

// SetPrice sets the mock market price for a symbol
func (c *SpotMockClient) SetPrice(symbol string, price float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[strings.ToUpper(symbol)] = price
}

// SetFilters sets the lot step and minimum notional for a symbol
func (c *SpotMockClient) SetFilters(symbol string, filters SpotSymbolFilters) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filters[strings.ToUpper(symbol)] = filters
}

// AddOpenOrder seeds an open spot order
func (c *SpotMockClient) AddOpenOrder(symbol string, order SpotOrder) {
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

// FailMarketSell makes MarketSell fail for a symbol
func (c *SpotMockClient) FailMarketSell(symbol string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failMarketSell[strings.ToUpper(symbol)] = err
}

// Sells returns a copy of every executed market sell
func (c *SpotMockClient) Sells() []SpotOrderResponse {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]SpotOrderResponse(nil), c.sells...)
}
