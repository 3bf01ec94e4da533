// Package gateway exposes the price session to downstream consumers over
// HTTP: a websocket fan-out endpoint mirroring the upstream frame protocol,
// a point-in-time snapshot endpoint and a status endpoint.
package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/peakwatch/pricestream/log"
	"github.com/peakwatch/pricestream/quote"
	"github.com/peakwatch/pricestream/stream"
	"github.com/peakwatch/pricestream/ticker"
)

var errSessionIsNil = errors.New("price session is nil")

const writeWait = 10 * time.Second

// PriceSession is the slice of the session facade the gateway consumes
type PriceSession interface {
	Subscribe(tickers ...string)
	Unsubscribe(tickers ...string)
	Prices() map[string]*ticker.PriceRecord
	Price(t string) (*ticker.PriceRecord, bool)
	SubscribedTickers() []string
	IsConnected() bool
	ConnectionError() string
	IsRunning() bool
}

// frame is the server-to-client message shape, matching the upstream protocol
type frame struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// client is one connected downstream websocket consumer. Its interest set
// deduplicates repeat subscribes so a single consumer holds at most one
// registry reference per ticker.
type client struct {
	id       uuid.UUID
	conn     *websocket.Conn
	writeMu  sync.Mutex
	interest map[string]struct{}
}

func (c *client) send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

// Gateway fans price updates out to downstream websocket clients and serves
// snapshot and status queries
type Gateway struct {
	session  PriceSession
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[uuid.UUID]*client
}

// New returns a gateway serving the supplied session
func New(session PriceSession) (*Gateway, error) {
	if session == nil {
		return nil, errSessionIsNil
	}
	return &Gateway{
		session: session,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[uuid.UUID]*client),
	}, nil
}

// Router returns the HTTP routes for mounting on a server
func (g *Gateway) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", g.handleWS)
	r.HandleFunc("/snapshot/{ticker}", g.handleSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/status", g.handleStatus).Methods(http.MethodGet)
	return r
}

// ClientCount returns the number of connected downstream clients
func (g *Gateway) ClientCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

// BroadcastUpdate pushes one accepted price change to every connected
// client, not just the subscribing ones, so a client can ride on interest
// other consumers hold. Wire this to the session's update handler.
func (g *Gateway) BroadcastUpdate(rec *ticker.PriceRecord) {
	g.mu.Lock()
	targets := make([]*client, 0, len(g.clients))
	for _, c := range g.clients {
		targets = append(targets, c)
	}
	g.mu.Unlock()

	for _, c := range targets {
		if err := c.send(frame{Type: stream.TypePriceUpdate, Data: rec}); err != nil {
			log.Warnf(log.GatewayMgr, "gateway: client %s write failed, evicting: %v", c.id, err)
			c.conn.Close()
		}
	}
}

func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf(log.GatewayMgr, "gateway: upgrade failed: %v", err)
		return
	}
	id, err := uuid.NewV4()
	if err != nil {
		conn.Close()
		return
	}
	c := &client{id: id, conn: conn, interest: make(map[string]struct{})}

	g.mu.Lock()
	g.clients[id] = c
	g.mu.Unlock()
	log.Debugf(log.GatewayMgr, "gateway: client %s connected", id)

	// Seed the new client with everything currently cached
	if cached := prices(g.session); len(cached) != 0 {
		if err := c.send(frame{Type: stream.TypePriceCache, Data: cached}); err != nil {
			log.Warnf(log.GatewayMgr, "gateway: client %s seed failed: %v", id, err)
		}
	}

	g.readLoop(c)
	g.dropClient(c)
}

func (g *Gateway) readLoop(c *client) {
	for {
		var req stream.Request
		if err := c.conn.ReadJSON(&req); err != nil {
			return
		}
		switch req.Action {
		case stream.ActionSubscribe:
			g.clientSubscribe(c, req.Tickers)
		case stream.ActionUnsubscribe:
			g.clientUnsubscribe(c, req.Tickers)
		case stream.ActionPing:
			if err := c.send(frame{Type: stream.TypePong}); err != nil {
				return
			}
		default:
			log.Debugf(log.GatewayMgr, "gateway: client %s sent unknown action %q", c.id, req.Action)
		}
	}
}

// clientSubscribe forwards only tickers this client is not already holding,
// so a repeated subscribe from one consumer cannot inflate ref-counts
func (g *Gateway) clientSubscribe(c *client, tickers []string) {
	g.mu.Lock()
	fresh := make([]string, 0, len(tickers))
	for _, raw := range tickers {
		t := ticker.Normalize(raw)
		if t == "" {
			continue
		}
		if _, held := c.interest[t]; held {
			continue
		}
		c.interest[t] = struct{}{}
		fresh = append(fresh, t)
	}
	g.mu.Unlock()
	if len(fresh) != 0 {
		g.session.Subscribe(fresh...)
	}
}

func (g *Gateway) clientUnsubscribe(c *client, tickers []string) {
	g.mu.Lock()
	held := make([]string, 0, len(tickers))
	for _, raw := range tickers {
		t := ticker.Normalize(raw)
		if _, ok := c.interest[t]; !ok {
			continue
		}
		delete(c.interest, t)
		held = append(held, t)
	}
	g.mu.Unlock()
	if len(held) != 0 {
		g.session.Unsubscribe(held...)
	}
}

// dropClient releases every registry reference the client held and
// forgets the connection
func (g *Gateway) dropClient(c *client) {
	g.mu.Lock()
	delete(g.clients, c.id)
	release := make([]string, 0, len(c.interest))
	for t := range c.interest {
		release = append(release, t)
	}
	c.interest = make(map[string]struct{})
	g.mu.Unlock()

	c.conn.Close()
	if len(release) != 0 {
		g.session.Unsubscribe(release...)
	}
	log.Debugf(log.GatewayMgr, "gateway: client %s disconnected", c.id)
}

func prices(s PriceSession) []*ticker.PriceRecord {
	m := s.Prices()
	out := make([]*ticker.PriceRecord, 0, len(m))
	for _, rec := range m {
		out = append(out, rec)
	}
	return out
}

func (g *Gateway) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	t := ticker.Normalize(mux.Vars(r)["ticker"])
	rec, ok := g.session.Price(t)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no cached price for " + t})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// statusResponse summarises subsystem health for operators
type statusResponse struct {
	Running           bool     `json:"running"`
	UpstreamConnected bool     `json:"upstream_connected"`
	ConnectionError   string   `json:"connection_error,omitempty"`
	Clients           int      `json:"clients"`
	SubscribedTickers []string `json:"subscribed_tickers"`
	CachedTickers     int      `json:"cached_tickers"`
	MarketHours       bool     `json:"market_hours"`
}

func (g *Gateway) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Running:           g.session.IsRunning(),
		UpstreamConnected: g.session.IsConnected(),
		ConnectionError:   g.session.ConnectionError(),
		Clients:           g.ClientCount(),
		SubscribedTickers: g.session.SubscribedTickers(),
		CachedTickers:     len(g.session.Prices()),
		MarketHours:       quote.IsMarketHours(time.Now()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf(log.GatewayMgr, "gateway: response encode: %v", err)
	}
}
