// Package quote implements the authoritative request/response price client
// used by the reconciliation poller to correct cache entries the push
// channel may have missed.
package quote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/peakwatch/pricestream/ticker"
)

// Public errors
var (
	ErrNoTickers = errors.New("no tickers requested")
)

var (
	errBaseURLEmpty     = errors.New("quote base url is empty")
	errUnexpectedStatus = errors.New("unexpected response status")
	errInvalidPrice     = errors.New("invalid price in response")
	errClientIsNil      = errors.New("quote client is nil")
)

const (
	defaultTimeout           = 10 * time.Second
	defaultRequestsPerSecond = 5
)

// Snapshot is a single authoritative last price for a ticker. Price is kept
// as a decimal so the reconciliation merge can compare exactly against the
// cached value.
type Snapshot struct {
	Ticker string
	Price  decimal.Decimal
}

// Client fetches batch price snapshots from the data API
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient returns a batch quote client. A zero timeout falls back to the
// package default, as does a non-positive requests-per-second budget.
func NewClient(baseURL, apiKey string, timeout time.Duration, requestsPerSecond float64) (*Client, error) {
	if baseURL == "" {
		return nil, errBaseURLEmpty
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if requestsPerSecond <= 0 {
		requestsPerSecond = defaultRequestsPerSecond
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
	}, nil
}

type batchResponse struct {
	Quotes []struct {
		Ticker string `json:"ticker"`
		Price  string `json:"price"`
	} `json:"quotes"`
}

// BatchQuotes fetches the last authoritative price for each requested
// ticker. The ticker list is normalized and sent comma separated. Tickers
// missing from the response are simply absent from the result; the caller
// decides whether that matters.
func (c *Client) BatchQuotes(ctx context.Context, tickers []string) ([]Snapshot, error) {
	if c == nil {
		return nil, errClientIsNil
	}
	if len(tickers) == 0 {
		return nil, ErrNoTickers
	}

	normalized := make([]string, 0, len(tickers))
	for _, t := range tickers {
		if n := ticker.Normalize(t); n != "" {
			normalized = append(normalized, n)
		}
	}
	if len(normalized) == 0 {
		return nil, ErrNoTickers
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	values := url.Values{}
	values.Set("tickers", strings.Join(normalized, ","))
	if c.apiKey != "" {
		values.Set("apikey", c.apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/quotes?"+values.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s", errUnexpectedStatus, resp.Status)
	}

	var body batchResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}

	out := make([]Snapshot, 0, len(body.Quotes))
	for i := range body.Quotes {
		t := ticker.Normalize(body.Quotes[i].Ticker)
		if t == "" {
			continue
		}
		price, err := decimal.NewFromString(body.Quotes[i].Price)
		if err != nil {
			return nil, fmt.Errorf("%w: %q for %s", errInvalidPrice, body.Quotes[i].Price, t)
		}
		out = append(out, Snapshot{Ticker: t, Price: price})
	}
	return out, nil
}
