package binance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// SpotBaseURL is the production Binance Spot API URL
	SpotBaseURL = "https://api.binance.com"
	// SpotTestnetURL is the testnet Binance Spot API URL
	SpotTestnetURL = "https://testnet.binance.vision"
)

// SpotBalance represents a spot account balance
type SpotBalance struct {
	Asset  string  `json:"asset"`
	Free   float64 `json:"free,string"`
	Locked float64 `json:"locked,string"`
}

// SpotSymbolFilters holds the trading filters relevant for flattening
type SpotSymbolFilters struct {
	StepSize    float64
	MinNotional float64
}

// SpotOrder represents an open spot order
type SpotOrder struct {
	OrderId       int64   `json:"orderId"`
	Symbol        string  `json:"symbol"`
	ClientOrderId string  `json:"clientOrderId"`
	Price         float64 `json:"price,string"`
	OrigQty       float64 `json:"origQty,string"`
	ExecutedQty   float64 `json:"executedQty,string"`
	Status        string  `json:"status"`
	Type          string  `json:"type"`
	Side          string  `json:"side"`
	Time          int64   `json:"time"`
}

// SpotOrderResponse represents a response from placing a spot order
type SpotOrderResponse struct {
	Symbol              string  `json:"symbol"`
	OrderId             int64   `json:"orderId"`
	ClientOrderId       string  `json:"clientOrderId"`
	TransactTime        int64   `json:"transactTime"`
	Price               float64 `json:"price,string"`
	OrigQty             float64 `json:"origQty,string"`
	ExecutedQty         float64 `json:"executedQty,string"`
	CummulativeQuoteQty float64 `json:"cummulativeQuoteQty,string"`
	Status              string  `json:"status"`
	Type                string  `json:"type"`
	Side                string  `json:"side"`
}

type spotAccountInfo struct {
	Balances []SpotBalance `json:"balances"`
}

type spotSymbolInfo struct {
	Symbol  string `json:"symbol"`
	Status  string `json:"status"`
	Filters []struct {
		FilterType  string `json:"filterType"`
		StepSize    string `json:"stepSize,omitempty"`
		MinNotional string `json:"minNotional,omitempty"`
	} `json:"filters"`
}

type spotExchangeInfo struct {
	Symbols []spotSymbolInfo `json:"symbols"`
}

// SpotClientImpl implements the SpotClient interface
type SpotClientImpl struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client

	filterMu        sync.RWMutex
	filters         map[string]SpotSymbolFilters
	filterFetchedAt time.Time
}

// NewSpotClient creates a new SpotClient instance
func NewSpotClient(apiKey, secretKey string, testnet bool) *SpotClientImpl {
	baseURL := SpotBaseURL
	if testnet {
		baseURL = SpotTestnetURL
	}

	return &SpotClientImpl{
		apiKey:     strings.TrimSpace(apiKey),
		secretKey:  strings.TrimSpace(secretKey),
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		filters:    make(map[string]SpotSymbolFilters),
	}
}

// GetAccountBalances retrieves all non-zero spot balances
func (c *SpotClientImpl) GetAccountBalances() ([]SpotBalance, error) {
	resp, err := c.signedRequest(http.MethodGet, "/api/v3/account", map[string]string{})
	if err != nil {
		return nil, fmt.Errorf("error fetching spot account: %w", err)
	}

	var account spotAccountInfo
	if err := json.Unmarshal(resp, &account); err != nil {
		return nil, fmt.Errorf("error parsing spot account: %w", err)
	}

	balances := make([]SpotBalance, 0, len(account.Balances))
	for _, b := range account.Balances {
		if b.Free > 0 || b.Locked > 0 {
			b.Asset = strings.ToUpper(b.Asset)
			balances = append(balances, b)
		}
	}
	return balances, nil
}

// GetCurrentPrice retrieves the last trade price for a symbol
func (c *SpotClientImpl) GetCurrentPrice(symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	endpoint := fmt.Sprintf("%s/api/v3/ticker/price?%s", c.baseURL, params.Encode())

	resp, err := c.httpClient.Get(endpoint)
	if err != nil {
		return 0, fmt.Errorf("error fetching spot price: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("error reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("API error: %s", string(body))
	}

	var ticker PriceTicker
	if err := json.Unmarshal(body, &ticker); err != nil {
		return 0, fmt.Errorf("error parsing spot price: %w", err)
	}

	return ticker.Price, nil
}

// GetSymbolFilters retrieves lot step and minimum notional for a symbol
func (c *SpotClientImpl) GetSymbolFilters(symbol string) (SpotSymbolFilters, error) {
	symbol = strings.ToUpper(symbol)

	c.filterMu.RLock()
	if time.Since(c.filterFetchedAt) < symbolStepCacheTTL {
		if f, ok := c.filters[symbol]; ok {
			c.filterMu.RUnlock()
			return f, nil
		}
	}
	c.filterMu.RUnlock()

	if err := c.refreshFilters(); err != nil {
		return SpotSymbolFilters{}, err
	}

	c.filterMu.RLock()
	defer c.filterMu.RUnlock()
	return c.filters[symbol], nil
}

func (c *SpotClientImpl) refreshFilters() error {
	endpoint := fmt.Sprintf("%s/api/v3/exchangeInfo", c.baseURL)

	resp, err := c.httpClient.Get(endpoint)
	if err != nil {
		return fmt.Errorf("error fetching spot exchange info: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("error reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error: %s", string(body))
	}

	var info spotExchangeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return fmt.Errorf("error parsing spot exchange info: %w", err)
	}

	filters := make(map[string]SpotSymbolFilters, len(info.Symbols))
	for _, s := range info.Symbols {
		var f SpotSymbolFilters
		for _, filter := range s.Filters {
			switch filter.FilterType {
			case "LOT_SIZE":
				if step, err := strconv.ParseFloat(filter.StepSize, 64); err == nil {
					f.StepSize = step
				}
			case "NOTIONAL", "MIN_NOTIONAL":
				if min, err := strconv.ParseFloat(filter.MinNotional, 64); err == nil {
					f.MinNotional = min
				}
			}
		}
		filters[strings.ToUpper(s.Symbol)] = f
	}

	c.filterMu.Lock()
	c.filters = filters
	c.filterFetchedAt = time.Now()
	c.filterMu.Unlock()

	return nil
}

// GetOpenOrders retrieves open spot orders for a symbol
func (c *SpotClientImpl) GetOpenOrders(symbol string) ([]SpotOrder, error) {
	params := map[string]string{}
	if symbol != "" {
		params["symbol"] = symbol
	}

	resp, err := c.signedRequest(http.MethodGet, "/api/v3/openOrders", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching spot open orders: %w", err)
	}

	var orders []SpotOrder
	if err := json.Unmarshal(resp, &orders); err != nil {
		return nil, fmt.Errorf("error parsing spot open orders: %w", err)
	}

	return orders, nil
}

// CancelAllOpenOrders cancels every open spot order for a symbol
func (c *SpotClientImpl) CancelAllOpenOrders(symbol string) error {
	params := map[string]string{"symbol": symbol}

	_, err := c.signedRequest(http.MethodDelete, "/api/v3/openOrders", params)
	if err != nil {
		return fmt.Errorf("error canceling spot orders: %w", err)
	}

	return nil
}

// MarketSell sells the given base-asset quantity at market
func (c *SpotClientImpl) MarketSell(symbol string, quantity float64) (*SpotOrderResponse, error) {
	params := map[string]string{
		"symbol":   symbol,
		"side":     string(OrderSideSell),
		"type":     "MARKET",
		"quantity": strconv.FormatFloat(quantity, 'f', -1, 64),
	}

	resp, err := c.signedRequest(http.MethodPost, "/api/v3/order", params)
	if err != nil {
		return nil, fmt.Errorf("error placing spot sell: %w", err)
	}

	var orderResp SpotOrderResponse
	if err := json.Unmarshal(resp, &orderResp); err != nil {
		return nil, fmt.Errorf("error parsing spot order response: %w", err)
	}

	return &orderResp, nil
}

// signedRequest signs and performs an authenticated spot request
func (c *SpotClientImpl) signedRequest(method, endpoint string, params map[string]string) ([]byte, error) {
	params["timestamp"] = strconv.FormatInt(time.Now().UnixMilli(), 10)
	params["recvWindow"] = "10000"

	query := ""
	for k, v := range params {
		if query != "" {
			query += "&"
		}
		query += k + "=" + url.QueryEscape(v)
	}
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	query += "&signature=" + hex.EncodeToString(mac.Sum(nil))
	reqURL := fmt.Sprintf("%s%s?%s", c.baseURL, endpoint, query)

	req, err := http.NewRequest(method, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error: %s", string(body))
	}

	return body, nil
}
