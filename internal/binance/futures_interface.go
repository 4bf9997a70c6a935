package binance

// FuturesClient defines the interface for Binance Futures API operations used
// by the guard, the loops, and the close-all procedure. The live client and
// the mock both implement it; every method is safe for concurrent use.
type FuturesClient interface {
	// ==================== ACCOUNT ====================

	// GetFuturesAccountInfo retrieves futures account information including balances and positions
	GetFuturesAccountInfo() (*FuturesAccountInfo, error)

	// GetUSDTBalance retrieves the futures wallet USDT balance
	GetUSDTBalance() (float64, error)

	// GetPositions retrieves all futures positions from the positionRisk endpoint
	GetPositions() ([]FuturesPosition, error)

	// ListOpenPositions retrieves positions with a non-zero amount. When the
	// positionRisk endpoint fails it falls back to the account endpoint, so a
	// transient failure of one endpoint does not blind the caller.
	ListOpenPositions() ([]FuturesPosition, error)

	// GetPositionMode retrieves the current position mode (hedge vs one-way)
	GetPositionMode() (*PositionModeResponse, error)

	// ==================== LEVERAGE & MARGIN ====================

	// SetLeverage sets the leverage for a symbol (1-125x)
	SetLeverage(symbol string, leverage int) (*LeverageResponse, error)

	// SetMarginType sets the margin type (ISOLATED or CROSSED)
	SetMarginType(symbol string, marginType MarginType) error

	// ==================== TRADING ====================

	// PlaceFuturesOrder places a new futures order
	PlaceFuturesOrder(params FuturesOrderParams) (*FuturesOrderResponse, error)

	// CancelFuturesOrder cancels an existing futures order
	CancelFuturesOrder(symbol string, orderId int64) error

	// CancelAllFuturesOrders cancels all open orders for a symbol
	CancelAllFuturesOrders(symbol string) error

	// GetOpenOrders retrieves all open orders for a symbol (empty string for all symbols)
	GetOpenOrders(symbol string) ([]FuturesOrder, error)

	// ==================== MARKET DATA ====================

	// GetFuturesCurrentPrice retrieves the current price for a symbol
	GetFuturesCurrentPrice(symbol string) (float64, error)

	// ==================== EXCHANGE INFO ====================

	// GetSymbolStepSize retrieves the LOT_SIZE step for a symbol from cached
	// exchange info. Returns 0 (no rounding) when the symbol or filter is
	// missing, so quantity rounding degrades safely.
	GetSymbolStepSize(symbol string) (float64, error)
}
