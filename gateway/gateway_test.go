package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peakwatch/pricestream/stream"
	"github.com/peakwatch/pricestream/ticker"
)

type fakeSession struct {
	mu      sync.Mutex
	running bool
	open    bool
	connErr string
	prices  map[string]*ticker.PriceRecord
	subs    [][]string
	unsubs  [][]string
}

func newFakeSession() *fakeSession {
	return &fakeSession{prices: make(map[string]*ticker.PriceRecord)}
}

func (f *fakeSession) Subscribe(tickers ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, tickers)
}

func (f *fakeSession) Unsubscribe(tickers ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubs = append(f.unsubs, tickers)
}

func (f *fakeSession) Prices() map[string]*ticker.PriceRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prices
}

func (f *fakeSession) Price(t string) (*ticker.PriceRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.prices[t]
	return rec, ok
}

func (f *fakeSession) SubscribedTickers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[string]struct{})
	var out []string
	for _, batch := range f.subs {
		for _, t := range batch {
			if _, ok := seen[t]; !ok {
				seen[t] = struct{}{}
				out = append(out, t)
			}
		}
	}
	return out
}

func (f *fakeSession) IsConnected() bool       { return f.open }
func (f *fakeSession) ConnectionError() string { return f.connErr }
func (f *fakeSession) IsRunning() bool         { return f.running }

func (f *fakeSession) subCalls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string{}, f.subs...)
}

func (f *fakeSession) unsubCalls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string{}, f.unsubs...)
}

func newTestGateway(t *testing.T, fs *fakeSession) (*Gateway, *httptest.Server) {
	t.Helper()
	g, err := New(fs)
	require.NoError(t, err)
	srv := httptest.NewServer(g.Router())
	t.Cleanup(srv.Close)
	return g, srv
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

type inboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func readFrame(t *testing.T, conn *websocket.Conn) inboundFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var f inboundFrame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestNewValidation(t *testing.T) {
	t.Parallel()
	_, err := New(nil)
	assert.ErrorIs(t, err, errSessionIsNil)
}

func TestSnapshot(t *testing.T) {
	t.Parallel()
	fs := newFakeSession()
	fs.prices["AAPL"] = &ticker.PriceRecord{Ticker: "AAPL", Price: 185.43}
	_, srv := newTestGateway(t, fs)

	resp, err := http.Get(srv.URL + "/snapshot/aapl")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var rec ticker.PriceRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	assert.Equal(t, "AAPL", rec.Ticker)
	assert.Equal(t, 185.43, rec.Price)

	miss, err := http.Get(srv.URL + "/snapshot/ZZZT")
	require.NoError(t, err)
	defer miss.Body.Close()
	assert.Equal(t, http.StatusNotFound, miss.StatusCode)
}

func TestStatus(t *testing.T) {
	t.Parallel()
	fs := newFakeSession()
	fs.running = true
	fs.open = true
	fs.prices["AAPL"] = &ticker.PriceRecord{Ticker: "AAPL", Price: 1}
	_, srv := newTestGateway(t, fs)

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.True(t, st.Running)
	assert.True(t, st.UpstreamConnected)
	assert.Equal(t, 0, st.Clients)
	assert.Equal(t, 1, st.CachedTickers)
}

func TestWSSeedsCacheOnConnect(t *testing.T) {
	t.Parallel()
	fs := newFakeSession()
	fs.prices["AAPL"] = &ticker.PriceRecord{Ticker: "AAPL", Price: 185.43}
	_, srv := newTestGateway(t, fs)

	conn := dialWS(t, srv)
	f := readFrame(t, conn)
	assert.Equal(t, stream.TypePriceCache, f.Type)
	var recs []*ticker.PriceRecord
	require.NoError(t, json.Unmarshal(f.Data, &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, "AAPL", recs[0].Ticker)
}

func TestWSSubscribeDeduplicatesPerClient(t *testing.T) {
	t.Parallel()
	fs := newFakeSession()
	g, srv := newTestGateway(t, fs)

	conn := dialWS(t, srv)
	require.Eventually(t, func() bool { return g.ClientCount() == 1 }, 3*time.Second, time.Millisecond)

	require.NoError(t, conn.WriteJSON(stream.Request{
		Action:  stream.ActionSubscribe,
		Tickers: []string{"aapl", "AAPL", "msft", ""},
	}))
	require.Eventually(t, func() bool { return len(fs.subCalls()) == 1 }, 3*time.Second, time.Millisecond)
	assert.ElementsMatch(t, []string{"AAPL", "MSFT"}, fs.subCalls()[0])

	// Repeat subscribe from the same client holds no extra references
	require.NoError(t, conn.WriteJSON(stream.Request{
		Action:  stream.ActionSubscribe,
		Tickers: []string{"AAPL"},
	}))
	require.NoError(t, conn.WriteJSON(stream.Request{Action: stream.ActionPing}))
	f := readFrame(t, conn)
	assert.Equal(t, stream.TypePong, f.Type)
	assert.Len(t, fs.subCalls(), 1)

	// Unsubscribing a ticker the client never held is dropped
	require.NoError(t, conn.WriteJSON(stream.Request{
		Action:  stream.ActionUnsubscribe,
		Tickers: []string{"GOOG"},
	}))
	require.NoError(t, conn.WriteJSON(stream.Request{
		Action:  stream.ActionUnsubscribe,
		Tickers: []string{"aapl"},
	}))
	require.Eventually(t, func() bool { return len(fs.unsubCalls()) == 1 }, 3*time.Second, time.Millisecond)
	assert.Equal(t, []string{"AAPL"}, fs.unsubCalls()[0])
}

func TestWSBroadcastReachesEveryClient(t *testing.T) {
	t.Parallel()
	fs := newFakeSession()
	g, srv := newTestGateway(t, fs)

	subscriber := dialWS(t, srv)
	require.NoError(t, subscriber.WriteJSON(stream.Request{
		Action:  stream.ActionSubscribe,
		Tickers: []string{"AAPL"},
	}))
	require.Eventually(t, func() bool { return len(fs.subCalls()) == 1 }, 3*time.Second, time.Millisecond)

	// A client that never subscribed still rides on the other client's
	// interest and receives every update
	passive := dialWS(t, srv)
	require.Eventually(t, func() bool { return g.ClientCount() == 2 }, 3*time.Second, time.Millisecond)

	g.BroadcastUpdate(&ticker.PriceRecord{Ticker: "AAPL", Price: 185.43})

	for _, conn := range []*websocket.Conn{subscriber, passive} {
		f := readFrame(t, conn)
		assert.Equal(t, stream.TypePriceUpdate, f.Type)
		var rec ticker.PriceRecord
		require.NoError(t, json.Unmarshal(f.Data, &rec))
		assert.Equal(t, "AAPL", rec.Ticker)
	}
}

func TestWSDisconnectReleasesInterest(t *testing.T) {
	t.Parallel()
	fs := newFakeSession()
	g, srv := newTestGateway(t, fs)

	conn := dialWS(t, srv)
	require.NoError(t, conn.WriteJSON(stream.Request{
		Action:  stream.ActionSubscribe,
		Tickers: []string{"AAPL", "MSFT"},
	}))
	require.Eventually(t, func() bool { return len(fs.subCalls()) == 1 }, 3*time.Second, time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return g.ClientCount() == 0 }, 3*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return len(fs.unsubCalls()) == 1 }, 3*time.Second, time.Millisecond)
	assert.ElementsMatch(t, []string{"AAPL", "MSFT"}, fs.unsubCalls()[0])
}
