package binance

// SpotClient defines the spot API surface used by the spot flatten path.
type SpotClient interface {
	// GetAccountBalances retrieves all non-zero spot balances
	GetAccountBalances() ([]SpotBalance, error)

	// GetCurrentPrice retrieves the last trade price for a symbol
	GetCurrentPrice(symbol string) (float64, error)

	// GetSymbolFilters retrieves the LOT_SIZE step and NOTIONAL minimum for a
	// symbol. Missing symbols return zero values.
	GetSymbolFilters(symbol string) (SpotSymbolFilters, error)

	// GetOpenOrders retrieves open spot orders for a symbol
	GetOpenOrders(symbol string) ([]SpotOrder, error)

	// CancelAllOpenOrders cancels every open spot order for a symbol
	CancelAllOpenOrders(symbol string) error

	// MarketSell sells the given base-asset quantity at market
	MarketSell(symbol string, quantity float64) (*SpotOrderResponse, error)
}
