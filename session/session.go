// Package session is the consumer-facing facade over the streaming price
// subsystem. It composes the subscription registry, the shared price cache,
// the upstream connection manager and the reconciliation poller behind a
// small synchronous API.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/peakwatch/pricestream/log"
	"github.com/peakwatch/pricestream/quote"
	"github.com/peakwatch/pricestream/subscription"
	"github.com/peakwatch/pricestream/ticker"
)

// Public errors
var (
	ErrNil            = errors.New("session is nil")
	ErrAlreadyStarted = errors.New("session already started")
	ErrNotStarted     = errors.New("session not started")
)

// Private errors
var (
	errSessionSetupIsNil = errors.New("session setup is nil")
	errRegistryIsNil     = errors.New("subscription registry is nil")
	errCacheIsNil        = errors.New("price cache is nil")
	errStreamerIsNil     = errors.New("streamer is nil")
)

const defaultReconcileInterval = 30 * time.Second

// Streamer is the upstream streaming connection as the session sees it
type Streamer interface {
	Connect() error
	Subscribe(tickers []string) error
	Unsubscribe(tickers []string) error
	IsOpen() bool
	TerminalError() string
	Teardown() error
}

// QuoteFetcher fetches authoritative point-in-time prices over REST for the
// reconciliation poller. A nil fetcher disables reconciliation.
type QuoteFetcher interface {
	BatchQuotes(ctx context.Context, tickers []string) ([]quote.Snapshot, error)
}

// Setup configures a session
type Setup struct {
	Registry *subscription.Registry
	Cache    *ticker.Cache
	Stream   Streamer
	// Quotes may be nil; reconciliation is then disabled
	Quotes QuoteFetcher
	// ReconcileInterval defaults to 30s when zero
	ReconcileInterval time.Duration
}

// Session ties the registry, cache and connection manager together. All
// methods are safe for concurrent use.
type Session struct {
	registry          *subscription.Registry
	cache             *ticker.Cache
	stream            Streamer
	quotes            QuoteFetcher
	reconcileInterval time.Duration

	started  int32
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewSession validates the setup and returns an unstarted session
func NewSession(s *Setup) (*Session, error) {
	if s == nil {
		return nil, errSessionSetupIsNil
	}
	if s.Registry == nil {
		return nil, errRegistryIsNil
	}
	if s.Cache == nil {
		return nil, errCacheIsNil
	}
	if s.Stream == nil {
		return nil, errStreamerIsNil
	}
	interval := s.ReconcileInterval
	if interval <= 0 {
		interval = defaultReconcileInterval
	}
	return &Session{
		registry:          s.Registry,
		cache:             s.Cache,
		stream:            s.Stream,
		quotes:            s.Quotes,
		reconcileInterval: interval,
	}, nil
}

// Start opens the upstream connection and launches the reconciliation
// poller. A failed initial dial is not fatal; the connection manager retries
// on its own schedule.
func (s *Session) Start() error {
	if s == nil {
		return ErrNil
	}
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return ErrAlreadyStarted
	}
	s.shutdown = make(chan struct{})

	if err := s.stream.Connect(); err != nil {
		log.Warnf(log.SessionMgr, "session: initial connect: %v", err)
	}

	if s.quotes != nil {
		s.wg.Add(1)
		go s.reconcileLoop()
	}
	log.Debugln(log.SessionMgr, "session: started")
	return nil
}

// Stop halts the poller and tears down the upstream connection
func (s *Session) Stop() error {
	if s == nil {
		return ErrNil
	}
	if !atomic.CompareAndSwapInt32(&s.started, 1, 0) {
		return ErrNotStarted
	}
	close(s.shutdown)
	s.wg.Wait()
	if err := s.stream.Teardown(); err != nil {
		log.Warnf(log.SessionMgr, "session: teardown: %v", err)
	}
	log.Debugln(log.SessionMgr, "session: stopped")
	return nil
}

// IsRunning returns whether Start has been called without a matching Stop
func (s *Session) IsRunning() bool {
	return s != nil && atomic.LoadInt32(&s.started) == 1
}

// Subscribe registers interest in the supplied tickers. Only tickers whose
// ref-count transitions zero to one generate upstream traffic. Upstream send
// failures are logged, not returned; the desired-set replay on the next
// reconnect repairs any missed frame.
func (s *Session) Subscribe(tickers ...string) {
	added := s.registry.Subscribe(tickers)
	if len(added) == 0 {
		return
	}
	if err := s.stream.Subscribe(added); err != nil {
		log.Warnf(log.SessionMgr, "session: subscribe %v: %v", added, err)
	}
}

// Unsubscribe releases interest in the supplied tickers. Only tickers whose
// ref-count reaches zero generate upstream traffic.
func (s *Session) Unsubscribe(tickers ...string) {
	removed := s.registry.Unsubscribe(tickers)
	if len(removed) == 0 {
		return
	}
	if err := s.stream.Unsubscribe(removed); err != nil {
		log.Warnf(log.SessionMgr, "session: unsubscribe %v: %v", removed, err)
	}
}

// Prices returns the current copy-on-write cache map. The returned map is
// never mutated after publication; successive calls return the identical
// reference until a price changes.
func (s *Session) Prices() map[string]*ticker.PriceRecord {
	return s.cache.Prices()
}

// Price returns the cached record for one ticker
func (s *Session) Price(t string) (*ticker.PriceRecord, bool) {
	return s.cache.Get(t)
}

// SubscribedTickers returns the sorted desired ticker set
func (s *Session) SubscribedTickers() []string {
	return s.registry.Desired()
}

// IsConnected reports upstream streaming connectivity
func (s *Session) IsConnected() bool {
	return s.stream.IsOpen()
}

// ConnectionError returns the terminal connectivity error once reconnect
// attempts are exhausted, otherwise empty
func (s *Session) ConnectionError() string {
	return s.stream.TerminalError()
}

// SetUpdateHandler installs fn to observe every accepted price change, both
// streamed and reconciled. Must be called before Start.
func (s *Session) SetUpdateHandler(fn ticker.UpdateHandler) {
	s.cache.SetUpdateHandler(fn)
}

// reconcileLoop periodically fetches authoritative quotes for the desired
// set and folds differing prices into the cache
func (s *Session) reconcileLoop() {
	defer s.wg.Done()
	t := time.NewTicker(s.reconcileInterval)
	defer t.Stop()
	for {
		select {
		case <-s.shutdown:
			return
		case <-t.C:
			s.reconcile()
		}
	}
}

func (s *Session) reconcile() {
	desired := s.registry.Desired()
	if len(desired) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.reconcileInterval)
	defer cancel()
	snaps, err := s.quotes.BatchQuotes(ctx, desired)
	if err != nil {
		// Stream stays authoritative; a missed poll is corrected next cycle
		log.Debugf(log.SessionMgr, "session: reconcile fetch: %v", err)
		return
	}
	var changed int
	for i := range snaps {
		if s.cache.Reconcile(snaps[i].Ticker, snaps[i].Price) {
			changed++
		}
	}
	if changed != 0 {
		log.Debugf(log.SessionMgr, "session: reconciled %d of %d tickers", changed, len(snaps))
	}
}
