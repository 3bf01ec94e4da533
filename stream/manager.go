// Package stream owns the single upstream streaming connection and its
// connect/retry state machine. Incoming price frames are applied to the
// shared cache; subscription interest is replayed in full after every
// successful (re)connect so a reconnect can never silently drop interest.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/buger/jsonparser"
	"github.com/gorilla/websocket"

	"github.com/peakwatch/pricestream/log"
	"github.com/peakwatch/pricestream/ticker"
)

// Public errors
var (
	ErrNotOpen          = errors.New("websocket is not open")
	ErrTornDown         = errors.New("websocket has been torn down")
	ErrAlreadyConnected = errors.New("websocket already connected")
)

// Private errors
var (
	errManagerSetupIsNil          = errors.New("manager setup is nil")
	errURLEmpty                   = errors.New("websocket url is empty")
	errCacheIsNil                 = errors.New("price cache is nil")
	errSubscriptionGeneratorUnset = errors.New("subscription generator function needs to be set")
	errAlreadyReconnecting        = errors.New("websocket in the process of reconnection")
)

// Connection states
const (
	uninitialisedState uint32 = iota
	connectingState
	openState
	closedState
	reconnectingState
	failedState
	tornDownState
)

const (
	defaultMaxRetries        = 5
	defaultBackoffBase       = time.Second
	defaultBackoffCeiling    = 30 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
)

// ManagerSetup sets main variables for the streaming connection
type ManagerSetup struct {
	// URL is the upstream streaming endpoint (ws:// or wss://)
	URL string
	// APIKey, when set, is sent in an auth frame immediately after dial
	APIKey string
	// Cache receives every incoming price frame
	Cache *ticker.Cache
	// GenerateSubscriptions returns the full desired ticker set; it is
	// replayed as a single subscribe frame on every successful connect
	GenerateSubscriptions func() []string

	// Optional overrides; zero values fall back to package defaults
	Dialer            *websocket.Dialer
	MaxRetries        int
	BackoffBase       time.Duration
	BackoffCeiling    time.Duration
	HeartbeatInterval time.Duration
}

// Manager implements the connect/retry state machine over exactly one
// streaming connection
type Manager struct {
	url          string
	apiKey       string
	cache        *ticker.Cache
	generateSubs func() []string
	dialer       websocket.Dialer

	maxRetries        int
	backoffBase       time.Duration
	backoffCeiling    time.Duration
	heartbeatInterval time.Duration

	state atomic.Uint32

	// m guards conn, attempt, reconnectTimer and terminalErr
	m              sync.Mutex
	conn           *websocket.Conn
	attempt        int
	reconnectTimer *time.Timer
	terminalErr    string

	// writeControl is a rolling gate preventing interleaved writes
	writeControl sync.Mutex

	heartbeatRunning atomic.Bool
	shutdown         chan struct{}
	wg               sync.WaitGroup
}

// NewManager validates the setup and returns an unconnected manager
func NewManager(s *ManagerSetup) (*Manager, error) {
	if s == nil {
		return nil, errManagerSetupIsNil
	}
	if s.URL == "" {
		return nil, errURLEmpty
	}
	if s.Cache == nil {
		return nil, errCacheIsNil
	}
	if s.GenerateSubscriptions == nil {
		return nil, errSubscriptionGeneratorUnset
	}

	m := &Manager{
		url:               s.URL,
		apiKey:            s.APIKey,
		cache:             s.Cache,
		generateSubs:      s.GenerateSubscriptions,
		dialer:            *websocket.DefaultDialer,
		maxRetries:        s.MaxRetries,
		backoffBase:       s.BackoffBase,
		backoffCeiling:    s.BackoffCeiling,
		heartbeatInterval: s.HeartbeatInterval,
		shutdown:          make(chan struct{}),
	}
	if s.Dialer != nil {
		m.dialer = *s.Dialer
	}
	if m.maxRetries <= 0 {
		m.maxRetries = defaultMaxRetries
	}
	if m.backoffBase <= 0 {
		m.backoffBase = defaultBackoffBase
	}
	if m.backoffCeiling <= 0 {
		m.backoffCeiling = defaultBackoffCeiling
	}
	if m.heartbeatInterval <= 0 {
		m.heartbeatInterval = defaultHeartbeatInterval
	}
	return m, nil
}

// Connect initiates the streaming connection. A failed handshake schedules a
// silent retry per the backoff policy; the returned error is informational
// and the caller should not treat it as terminal.
func (m *Manager) Connect() error {
	m.m.Lock()
	defer m.m.Unlock()
	switch m.state.Load() {
	case tornDownState:
		return ErrTornDown
	case openState:
		return ErrAlreadyConnected
	case connectingState:
		return errAlreadyReconnecting
	}
	return m.connect()
}

// connect dials and performs the post-handshake replay; callers hold m.m
func (m *Manager) connect() error {
	m.state.Store(connectingState)

	conn, resp, err := m.dialer.Dial(m.url, nil)
	if err != nil {
		m.scheduleReconnect(err)
		if resp != nil {
			return fmt.Errorf("pricestream websocket: %s handshake status %d: %w", m.url, resp.StatusCode, err)
		}
		return fmt.Errorf("pricestream websocket: %s: %w", m.url, err)
	}
	if resp != nil {
		resp.Body.Close()
	}

	m.conn = conn
	m.attempt = 0
	m.terminalErr = ""
	m.state.Store(openState)
	log.Infof(log.WebsocketMgr, "pricestream websocket: connected to %s", m.url)

	if m.apiKey != "" {
		if err := m.sendJSON(conn, Request{Action: ActionAuth, Params: m.apiKey}); err != nil {
			log.Warnf(log.WebsocketMgr, "pricestream websocket: auth frame failed: %v", err)
		}
	}

	// Full replay of the desired subscription set, one frame, not incremental
	if desired := m.generateSubs(); len(desired) != 0 {
		if err := m.sendJSON(conn, Request{Action: ActionSubscribe, Tickers: desired}); err != nil {
			log.Warnf(log.WebsocketMgr, "pricestream websocket: subscription replay failed: %v", err)
		} else {
			log.Debugf(log.WebsocketMgr, "pricestream websocket: replayed %d subscriptions", len(desired))
		}
	}

	m.wg.Add(1)
	go m.reader(conn)

	if m.heartbeatRunning.CompareAndSwap(false, true) {
		m.wg.Add(1)
		go m.heartbeat()
	}
	return nil
}

// reader consumes frames from a specific connection until it dies
func (m *Manager) reader(conn *websocket.Conn) {
	defer m.wg.Done()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			m.handleDisconnect(err)
			return
		}
		m.handleFrame(raw)
	}
}

// handleFrame dispatches a single incoming frame. Malformed frames are
// dropped individually; a bad frame must never terminate the connection.
func (m *Manager) handleFrame(raw []byte) {
	frameType, err := jsonparser.GetUnsafeString(raw, "type")
	if err != nil {
		log.Warnf(log.WebsocketMgr, "pricestream websocket: dropping malformed frame: %v", err)
		return
	}
	switch frameType {
	case TypePong:
		// Liveness only; disconnects are driven by socket close/error events
	case TypePriceUpdate:
		var f priceUpdateFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			log.Warnf(log.WebsocketMgr, "pricestream websocket: dropping bad %s frame: %v", TypePriceUpdate, err)
			return
		}
		m.cache.Upsert(f.Data.record())
	case TypePriceCache:
		var f priceCacheFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			log.Warnf(log.WebsocketMgr, "pricestream websocket: dropping bad %s frame: %v", TypePriceCache, err)
			return
		}
		recs := make([]ticker.PriceRecord, len(f.Data))
		for i := range f.Data {
			recs[i] = f.Data[i].record()
		}
		m.cache.UpsertBatch(recs)
	default:
		log.Debugf(log.WebsocketMgr, "pricestream websocket: unhandled frame type %q", frameType)
	}
}

func (m *Manager) handleDisconnect(err error) {
	m.m.Lock()
	defer m.m.Unlock()
	if m.state.Load() == tornDownState {
		return
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.state.Store(closedState)
	log.Warnf(log.WebsocketMgr, "pricestream websocket: disconnected: %v", err)
	m.scheduleReconnect(err)
}

// scheduleReconnect arms the backoff timer for the next attempt, or gives up
// once the attempt counter exceeds the maximum; callers hold m.m
func (m *Manager) scheduleReconnect(cause error) {
	m.attempt++
	if m.attempt > m.maxRetries {
		m.terminalErr = fmt.Sprintf("streaming connection lost after %d reconnect attempts (last error: %v)", m.maxRetries, cause)
		m.state.Store(failedState)
		log.Errorf(log.WebsocketMgr, "pricestream websocket: %s", m.terminalErr)
		return
	}
	delay := m.backoffDelay(m.attempt)
	m.state.Store(reconnectingState)
	log.Warnf(log.WebsocketMgr, "pricestream websocket: reconnect attempt %d/%d in %s", m.attempt, m.maxRetries, delay)
	m.reconnectTimer = time.AfterFunc(delay, m.retry)
}

func (m *Manager) retry() {
	m.m.Lock()
	defer m.m.Unlock()
	if m.state.Load() != reconnectingState {
		return
	}
	if err := m.connect(); err != nil {
		log.Debugf(log.WebsocketMgr, "pricestream websocket: reconnect failed: %v", err)
	}
}

// backoffDelay returns the delay before reconnect attempt n, growing
// exponentially from the base up to the ceiling
func (m *Manager) backoffDelay(attempt int) time.Duration {
	if attempt >= 31 {
		return m.backoffCeiling
	}
	d := m.backoffBase << uint(attempt)
	if d <= 0 || d > m.backoffCeiling {
		d = m.backoffCeiling
	}
	return d
}

// heartbeat sends a ping frame at the configured interval while the
// connection is open. The pong reply is accepted and discarded; liveness
// failures surface through the socket itself.
func (m *Manager) heartbeat() {
	defer m.wg.Done()
	t := time.NewTicker(m.heartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-m.shutdown:
			return
		case <-t.C:
			m.m.Lock()
			conn := m.conn
			open := m.state.Load() == openState
			m.m.Unlock()
			if !open || conn == nil {
				continue
			}
			if err := m.sendJSON(conn, Request{Action: ActionPing}); err != nil {
				log.Debugf(log.WebsocketMgr, "pricestream websocket: ping failed: %v", err)
			}
		}
	}
}

// Subscribe sends an incremental subscribe frame for tickers newly at
// ref-count one. When the connection is not open this is a no-op; the
// desired set replay on the next connect covers the interest.
func (m *Manager) Subscribe(tickers []string) error {
	return m.sendIncremental(ActionSubscribe, tickers)
}

// Unsubscribe sends an incremental unsubscribe frame for tickers whose
// ref-count reached zero. No-op while the connection is not open.
func (m *Manager) Unsubscribe(tickers []string) error {
	return m.sendIncremental(ActionUnsubscribe, tickers)
}

func (m *Manager) sendIncremental(action string, tickers []string) error {
	if len(tickers) == 0 {
		return nil
	}
	m.m.Lock()
	conn := m.conn
	open := m.state.Load() == openState
	m.m.Unlock()
	if !open || conn == nil {
		return nil
	}
	return m.sendJSON(conn, Request{Action: action, Tickers: tickers})
}

func (m *Manager) sendJSON(conn *websocket.Conn, v any) error {
	if conn == nil {
		return ErrNotOpen
	}
	m.writeControl.Lock()
	defer m.writeControl.Unlock()
	return conn.WriteJSON(v)
}

// Teardown cancels all timers, closes the socket if open and moves to the
// terminal torn-down state; no further reconnect attempts occur
func (m *Manager) Teardown() error {
	m.m.Lock()
	if m.state.Load() == tornDownState {
		m.m.Unlock()
		return ErrTornDown
	}
	m.state.Store(tornDownState)
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	close(m.shutdown)
	m.m.Unlock()

	m.wg.Wait()
	log.Debugf(log.WebsocketMgr, "pricestream websocket: torn down")
	return nil
}

// IsOpen returns whether the streaming connection is currently open
func (m *Manager) IsOpen() bool {
	return m.state.Load() == openState
}

// TerminalError returns the terminal connectivity error, populated only once
// reconnect attempts are exhausted. Empty while retries remain available.
func (m *Manager) TerminalError() string {
	m.m.Lock()
	defer m.m.Unlock()
	return m.terminalErr
}
