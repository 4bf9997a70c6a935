package binance

import "log"

// Clients bundles the futures and spot clients the rest of the application
// depends on. Mock reports whether the bundle is backed by in-memory mocks.
type Clients struct {
	Futures FuturesClient
	Spot    SpotClient
	Mock    bool
}

// NewClients builds the client bundle. Mock mode, or missing credentials,
// yields in-memory mock clients so the rest of the system keeps working
// without touching the exchange.
func NewClients(apiKey, secretKey string, testnet, mockMode bool) Clients {
	if mockMode || apiKey == "" || secretKey == "" {
		if !mockMode {
			log.Printf("[BINANCE] No API credentials configured, using mock clients")
		}
		return Clients{
			Futures: NewFuturesMockClient(10000.0),
			Spot:    NewSpotMockClient(),
			Mock:    true,
		}
	}

	return Clients{
		Futures: NewFuturesClient(apiKey, secretKey, testnet),
		Spot:    NewSpotClient(apiKey, secretKey, testnet),
	}
}
