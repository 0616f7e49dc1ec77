package bitvavo

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"bitvavoflow/internal/metrics"
	"bitvavoflow/logger"
	"bitvavoflow/models"
)

// State is the connection state seen by Client users.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Callbacks receive decoded market data and session events. All of them run
// on the client's own goroutine, one at a time and in arrival order, so they
// may call back into the Client.
type Callbacks struct {
	OnQuote      func(models.Quote)
	OnTrade      func(models.Trade)
	OnError      func(error)
	OnConnection func(bool)
}

// ClientConfig configures a Client. Zero values fall back to the public
// endpoint, the queue overlap policy and an unlimited send rate.
type ClientConfig struct {
	Settings          ConnectionSettings
	Overlap           OverlapPolicy
	RequestsPerSecond float64
	Burst             int
	Worker            WorkerOptions
	NewTransport      TransportFactory
}

// outbound is a request waiting for its turn on the wire.
type outbound struct {
	key     pendingKey
	done    *Completion
	payload []byte
}

// Client speaks the Bitvavo subscription protocol over a Transport.
type Client struct {
	cfg     ClientConfig
	cb      Callbacks
	limiter *rate.Limiter
	log     *logger.Log

	mu          sync.Mutex
	state       State
	gen         uint64
	transport   Transport
	connectDone *Completion
	connCtx     context.Context
	connCancel  context.CancelFunc
	outbox      *fifo[outbound]
	pending     *pendingTable
	subs        map[Channel][]string

	events    *fifo[event]
	closeOnce sync.Once
	closed    chan struct{}
}

func NewClient(cfg ClientConfig, cb Callbacks) *Client {
	if cfg.Settings == (ConnectionSettings{}) {
		cfg.Settings = DefaultSettings()
	}
	if cfg.NewTransport == nil {
		cfg.NewTransport = WSWorkerFactory(cfg.Worker)
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	c := &Client{
		cfg:     cfg,
		cb:      cb,
		limiter: rate.NewLimiter(limit, burst),
		log:     logger.GetLogger(),
		pending: newPendingTable(cfg.Overlap),
		events:  newFIFO[event](),
		closed:  make(chan struct{}),
	}
	go c.run()
	return c
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscriptions returns the server's view of active subscriptions as carried
// by the most recent ack. It is empty after a disconnect.
func (c *Client) Subscriptions() map[Channel][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[Channel][]string, len(c.subs))
	for ch, markets := range c.subs {
		out[ch] = append([]string(nil), markets...)
	}
	return out
}

// Connect opens a new session. It resolves false immediately when a session
// is already connecting or connected.
func (c *Client) Connect(ctx context.Context) *Completion {
	select {
	case <-c.closed:
		return Resolved(false)
	default:
	}

	c.mu.Lock()
	if c.state != StateDisconnected {
		state := c.state
		c.mu.Unlock()
		c.log.WithComponent("bitvavo_client").WithFields(logger.Fields{"state": state.String()}).Warn("connect ignored, session active")
		return Resolved(false)
	}
	c.gen++
	gen := c.gen
	t := c.cfg.NewTransport(c.transportCallbacks(gen))
	done := NewCompletion()
	c.state = StateConnecting
	c.transport = t
	c.connectDone = done
	c.connCtx, c.connCancel = context.WithCancel(context.Background())
	c.outbox = newFIFO[outbound]()
	go c.sendLoop(c.connCtx, t, c.outbox)
	c.mu.Unlock()

	c.log.WithComponent("bitvavo_client").WithFields(logger.Fields{
		"host": c.cfg.Settings.Host,
		"path": c.cfg.Settings.Path,
	}).Info("connecting")

	established := t.Connect(ctx, c.cfg.Settings)
	go func() {
		// A transport that fails without a connection event still ends the attempt.
		<-established.Done()
		if ok, _ := established.Result(); !ok {
			c.events.push(event{kind: eventConnection, gen: gen, connected: false})
		}
	}()
	return done
}

// Disconnect tears the session down. Pending requests resolve false and the
// connection callback reports false once. It is a no-op when already
// disconnected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	t := c.transport
	if t == nil {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.gen++
	failed, connectDone := c.resetLocked()
	c.mu.Unlock()

	t.StopListening()
	t.Disconnect()
	c.failAll(failed, connectDone)

	if prev != StateDisconnected {
		c.events.push(event{kind: eventUserDisconnect})
	}
	c.log.WithComponent("bitvavo_client").Info("disconnected")
}

// Close disconnects and stops the callback goroutine. Callbacks still queued
// may be dropped and the client cannot be reused afterwards.
func (c *Client) Close() {
	c.Disconnect()
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *Client) SubscribeTicker(markets []string) *Completion {
	return c.request(ActionSubscribe, ChannelTicker, markets)
}

func (c *Client) UnsubscribeTicker(markets []string) *Completion {
	return c.request(ActionUnsubscribe, ChannelTicker, markets)
}

func (c *Client) SubscribeTrades(markets []string) *Completion {
	return c.request(ActionSubscribe, ChannelTrades, markets)
}

func (c *Client) UnsubscribeTrades(markets []string) *Completion {
	return c.request(ActionUnsubscribe, ChannelTrades, markets)
}

// Subscribe sends a subscribe request for any supported channel.
func (c *Client) Subscribe(channel Channel, markets []string) *Completion {
	return c.request(ActionSubscribe, channel, markets)
}

func (c *Client) Unsubscribe(channel Channel, markets []string) *Completion {
	return c.request(ActionUnsubscribe, channel, markets)
}

// request resolves true once the server acknowledges the direction, false if
// the client is not connected, the send fails or the session drops first.
func (c *Client) request(action Action, channel Channel, markets []string) *Completion {
	log := c.log.WithComponent("bitvavo_client").WithFields(logger.Fields{
		"action":  string(action),
		"channel": string(channel),
		"markets": markets,
	})

	payload, err := BuildRequest(action, channel, markets)
	if err != nil {
		log.WithError(err).Warn("request rejected")
		return Resolved(false)
	}

	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		log.Debug("request while not connected")
		return Resolved(false)
	}
	key := pendingKey{channel: channel, action: action}
	done, err := c.pending.add(key)
	if err != nil {
		c.mu.Unlock()
		log.WithError(err).Warn("request rejected")
		return Resolved(false)
	}
	c.outbox.push(outbound{key: key, done: done, payload: payload})
	c.mu.Unlock()
	return done
}

// sendLoop writes the requests of one connection in the order they were
// issued. Each frame waits for the rate limiter and for the previous send to
// complete. Requests still queued when the connection ends are abandoned.
func (c *Client) sendLoop(ctx context.Context, t Transport, outbox *fifo[outbound]) {
	for {
		select {
		case <-ctx.Done():
			for _, req := range outbox.drain() {
				c.abandon(req.key, req.done)
			}
			return
		case <-outbox.ready():
			for _, req := range outbox.drain() {
				c.send(ctx, t, req)
			}
		}
	}
}

func (c *Client) send(ctx context.Context, t Transport, req outbound) {
	if err := c.limiter.Wait(ctx); err != nil {
		c.abandon(req.key, req.done)
		return
	}
	ok, err := t.Send(req.payload).Wait(ctx)
	if err != nil || !ok {
		c.abandon(req.key, req.done)
	}
}

func (c *Client) abandon(key pendingKey, done *Completion) {
	c.mu.Lock()
	removed := c.pending.remove(key, done)
	c.mu.Unlock()
	if removed {
		_ = done.Resolve(false)
	}
}

// resetLocked moves to disconnected and hands back what must fail.
func (c *Client) resetLocked() ([]*Completion, *Completion) {
	c.state = StateDisconnected
	c.transport = nil
	c.subs = nil
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	c.outbox = nil
	connectDone := c.connectDone
	c.connectDone = nil
	metrics.Connected.Set(0)
	return c.pending.drain(), connectDone
}

func (c *Client) failAll(failed []*Completion, connectDone *Completion) {
	for _, done := range failed {
		_ = done.Resolve(false)
	}
	if connectDone != nil {
		_ = connectDone.Resolve(false)
	}
}

func (c *Client) transportCallbacks(gen uint64) TransportCallbacks {
	return TransportCallbacks{
		OnMessage: func(frame []byte) {
			c.events.push(event{kind: eventFrame, gen: gen, frame: frame})
		},
		OnError: func(err error) {
			c.events.push(event{kind: eventError, gen: gen, err: err})
		},
		OnConnection: func(connected bool) {
			c.events.push(event{kind: eventConnection, gen: gen, connected: connected})
		},
	}
}

// run is the only goroutine that invokes user callbacks.
func (c *Client) run() {
	for {
		select {
		case <-c.closed:
			return
		case <-c.events.ready():
			for _, ev := range c.events.drain() {
				c.handle(ev)
			}
		}
	}
}

func (c *Client) handle(ev event) {
	if ev.kind == eventUserDisconnect {
		c.notifyConnection(false)
		return
	}

	c.mu.Lock()
	current := ev.gen == c.gen
	c.mu.Unlock()
	if !current {
		c.log.WithComponent("bitvavo_client").WithFields(logger.Fields{"generation": ev.gen}).Debug("dropping event from previous session")
		return
	}

	switch ev.kind {
	case eventFrame:
		c.dispatch(ev.frame)
	case eventError:
		c.reportError(ev.err)
	case eventConnection:
		c.onTransportConnection(ev.gen, ev.connected)
	}
}

func (c *Client) onTransportConnection(gen uint64, connected bool) {
	log := c.log.WithComponent("bitvavo_client")

	if connected {
		c.mu.Lock()
		if c.state != StateConnecting || c.gen != gen {
			c.mu.Unlock()
			return
		}
		c.state = StateConnected
		t := c.transport
		done := c.connectDone
		c.connectDone = nil
		c.mu.Unlock()

		metrics.Connected.Set(1)
		t.StartListening()
		log.Info("session established")
		c.notifyConnection(true)
		if done != nil {
			_ = done.Resolve(true)
		}
		return
	}

	c.mu.Lock()
	if c.gen != gen || c.transport == nil {
		c.mu.Unlock()
		return
	}
	prev := c.state
	t := c.transport
	c.gen++
	failed, connectDone := c.resetLocked()
	c.mu.Unlock()

	t.Disconnect()
	c.failAll(failed, connectDone)
	if prev == StateConnected {
		log.Warn("session lost")
	}
	c.notifyConnection(false)
}

func (c *Client) notifyConnection(connected bool) {
	if c.cb.OnConnection != nil {
		c.cb.OnConnection(connected)
	}
}

func (c *Client) reportError(err error) {
	if c.cb.OnError != nil {
		c.cb.OnError(err)
	}
}

func (c *Client) handleAck(action Action, subs map[Channel][]string, hasSubs bool) {
	c.mu.Lock()
	resolved := c.pending.takeAction(action)
	if hasSubs {
		c.subs = subs
	}
	c.mu.Unlock()

	metrics.Acks.WithLabelValues(string(action)).Inc()
	c.log.WithComponent("bitvavo_client").WithFields(logger.Fields{
		"action":   string(action),
		"resolved": len(resolved),
	}).Debug("ack received")

	for _, done := range resolved {
		_ = done.Resolve(true)
	}
}
