package stream

import "github.com/peakwatch/pricestream/ticker"

// Client to server actions
const (
	ActionAuth        = "auth"
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionPing        = "ping"
)

// Server to client frame types
const (
	TypePriceUpdate = "price_update"
	TypePriceCache  = "price_cache"
	TypePong        = "pong"
)

// Request is the client-to-server frame shape. Tickers are always upper-cased
// before transmission.
type Request struct {
	Action  string   `json:"action"`
	Tickers []string `json:"tickers,omitempty"`
	Params  string   `json:"params,omitempty"`
}

// priceData is the wire form of a price record. The cache stamps its own
// UpdatedAt, so the server's updated_at field is intentionally ignored.
type priceData struct {
	Ticker    string  `json:"ticker"`
	Price     float64 `json:"price"`
	Size      float64 `json:"size"`
	Timestamp int64   `json:"timestamp"`
}

func (p *priceData) record() ticker.PriceRecord {
	return ticker.PriceRecord{
		Ticker:         p.Ticker,
		Price:          p.Price,
		Size:           p.Size,
		EventTimestamp: p.Timestamp,
	}
}

type priceUpdateFrame struct {
	Data priceData `json:"data"`
}

type priceCacheFrame struct {
	Data []priceData `json:"data"`
}
