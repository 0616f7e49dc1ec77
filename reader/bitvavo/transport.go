package bitvavo

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"bitvavoflow/logger"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	closeGrace              = time.Second
)

// ConnectionSettings identifies the websocket endpoint. Port is a service
// name or number, Path is the resource requested during the upgrade.
type ConnectionSettings struct {
	Host string
	Port string
	Path string
}

// DefaultSettings points at the public Bitvavo websocket API.
func DefaultSettings() ConnectionSettings {
	return ConnectionSettings{Host: "ws.bitvavo.com", Port: "443", Path: "/v2/"}
}

func (s ConnectionSettings) url() string {
	u := url.URL{Scheme: "wss", Host: net.JoinHostPort(s.Host, s.Port), Path: s.Path}
	return u.String()
}

// WorkerOptions tune the transport. The zero value is usable.
type WorkerOptions struct {
	// TLSConfig is cloned for every connect; ServerName is always set to the
	// settings host.
	TLSConfig        *tls.Config
	LocalIP          string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	Resolver         *net.Resolver
}

// TransportCallbacks receive transport events. They run on transport
// goroutines and must not block for long.
type TransportCallbacks struct {
	OnMessage    func([]byte)
	OnError      func(error)
	OnConnection func(bool)
}

// Transport is the connection layer used by Client.
type Transport interface {
	Connect(ctx context.Context, settings ConnectionSettings) *Completion
	Send(payload []byte) *Completion
	StartListening()
	StopListening()
	Disconnect()
}

// TransportFactory builds a transport bound to cb.
type TransportFactory func(cb TransportCallbacks) Transport

type workerState int

const (
	workerDisconnected workerState = iota
	workerConnecting
	workerConnected
)

// WSWorker owns a single TLS websocket connection.
type WSWorker struct {
	opts WorkerOptions
	cb   TransportCallbacks
	log  *logger.Log

	mu            sync.Mutex
	state         workerState
	settings      ConnectionSettings
	conn          *websocket.Conn
	cancelConnect context.CancelFunc
	attempt       uint64
	listening     bool
	readDone      chan struct{}
	pingStop      chan struct{}
	frames        *fifo[frameWrite]
	writerStop    chan struct{}
}

// frameWrite is a text frame queued for the writer goroutine.
type frameWrite struct {
	payload []byte
	done    *Completion
}

func NewWSWorker(opts WorkerOptions, cb TransportCallbacks) *WSWorker {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	return &WSWorker{
		opts: opts,
		cb:   cb,
		log:  logger.GetLogger(),
	}
}

// WSWorkerFactory returns a TransportFactory producing WSWorkers with opts.
func WSWorkerFactory(opts WorkerOptions) TransportFactory {
	return func(cb TransportCallbacks) Transport {
		return NewWSWorker(opts, cb)
	}
}

// Connect resolves, dials, runs the TLS handshake and upgrades to websocket.
// The connection callback fires before the returned completion resolves.
// A worker that is already connected or connecting rejects the call without
// touching the live connection.
func (w *WSWorker) Connect(ctx context.Context, settings ConnectionSettings) *Completion {
	w.mu.Lock()
	if w.state != workerDisconnected {
		w.mu.Unlock()
		w.reportError(&ConnectError{Stage: "state", Host: settings.Host, Err: ErrAlreadyConnected})
		return Resolved(false)
	}
	connectCtx, cancel := context.WithCancel(ctx)
	w.state = workerConnecting
	w.settings = settings
	w.cancelConnect = cancel
	w.attempt++
	attempt := w.attempt
	w.mu.Unlock()

	done := NewCompletion()
	go func() {
		defer cancel()
		_ = done.Resolve(w.establish(connectCtx, settings, attempt))
	}()
	return done
}

func (w *WSWorker) establish(ctx context.Context, settings ConnectionSettings, attempt uint64) bool {
	log := w.log.WithComponent("bitvavo_transport").WithFields(logger.Fields{
		"host": settings.Host,
		"port": settings.Port,
		"path": settings.Path,
	})

	conn, err := w.dial(ctx, settings)

	w.mu.Lock()
	if w.state != workerConnecting || w.attempt != attempt {
		// Disconnect ran while we were dialing.
		w.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		log.Info("connect abandoned by disconnect")
		return false
	}
	w.cancelConnect = nil
	if err != nil {
		w.state = workerDisconnected
		w.mu.Unlock()
		log.WithError(err).Warn("connect failed")
		w.reportError(err)
		w.notifyConnection(false)
		return false
	}
	w.state = workerConnected
	w.conn = conn
	w.frames = newFIFO[frameWrite]()
	w.writerStop = make(chan struct{})
	go w.writeLoop(conn, w.frames, w.writerStop)
	if w.opts.PingInterval > 0 {
		w.armKeepalive(conn)
		w.pingStop = make(chan struct{})
		go w.pingLoop(conn, w.pingStop)
	}
	w.mu.Unlock()

	log.Info("websocket connected")
	w.notifyConnection(true)
	return true
}

func (w *WSWorker) dial(ctx context.Context, s ConnectionSettings) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: w.opts.HandshakeTimeout,
		NetDialTLSContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return w.dialTLS(ctx, network, s)
		},
	}

	conn, resp, err := dialer.DialContext(ctx, s.url(), nil)
	if err != nil {
		var ce *ConnectError
		if errors.As(err, &ce) {
			return nil, ce
		}
		if resp != nil {
			err = fmt.Errorf("%w (status %s)", err, resp.Status)
		}
		return nil, &ConnectError{Stage: StageUpgrade, Host: s.Host, Err: err}
	}
	return conn, nil
}

// dialTLS runs resolve, dial and handshake as separate stages so a failure
// names the stage it happened in.
func (w *WSWorker) dialTLS(ctx context.Context, network string, s ConnectionSettings) (net.Conn, error) {
	resolver := w.opts.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	addrs, err := resolver.LookupIPAddr(ctx, s.Host)
	if err != nil {
		return nil, &ConnectError{Stage: StageResolve, Host: s.Host, Err: err}
	}
	if len(addrs) == 0 {
		return nil, &ConnectError{Stage: StageResolve, Host: s.Host, Err: errors.New("no addresses")}
	}

	d := net.Dialer{}
	if w.opts.LocalIP != "" {
		d.LocalAddr = &net.TCPAddr{IP: net.ParseIP(w.opts.LocalIP)}
	}

	var raw net.Conn
	for _, addr := range addrs {
		raw, err = d.DialContext(ctx, network, net.JoinHostPort(addr.IP.String(), s.Port))
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, &ConnectError{Stage: StageDial, Host: s.Host, Err: err}
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if w.opts.TLSConfig != nil {
		cfg = w.opts.TLSConfig.Clone()
	}
	cfg.ServerName = s.Host

	tlsConn := tls.Client(raw, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, &ConnectError{Stage: StageTLS, Host: s.Host, Err: err}
	}
	return tlsConn, nil
}

// Send queues payload as one text frame. Frames reach the socket in the
// order Send was called.
func (w *WSWorker) Send(payload []byte) *Completion {
	w.mu.Lock()
	if w.state != workerConnected || w.frames == nil {
		w.mu.Unlock()
		w.reportError(&SendError{Err: ErrNotConnected})
		return Resolved(false)
	}
	done := NewCompletion()
	w.frames.push(frameWrite{payload: payload, done: done})
	w.mu.Unlock()
	return done
}

// writeLoop is the only goroutine writing data frames on conn. Frames left
// when the connection goes down resolve false.
func (w *WSWorker) writeLoop(conn *websocket.Conn, frames *fifo[frameWrite], stop chan struct{}) {
	for {
		select {
		case <-stop:
			for _, f := range frames.drain() {
				_ = f.done.Resolve(false)
			}
			return
		case <-frames.ready():
			for _, f := range frames.drain() {
				select {
				case <-stop:
					_ = f.done.Resolve(false)
					continue
				default:
				}
				w.write(conn, f)
			}
		}
	}
}

func (w *WSWorker) write(conn *websocket.Conn, f frameWrite) {
	_ = conn.SetWriteDeadline(time.Now().Add(w.opts.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, f.payload); err != nil {
		w.log.WithComponent("bitvavo_transport").WithError(err).Warn("write failed")
		w.reportError(&SendError{Err: err})
		_ = f.done.Resolve(false)
		return
	}
	_ = f.done.Resolve(true)
}

// StartListening starts the read loop. Calling it while a loop is already
// running only re-arms that loop.
func (w *WSWorker) StartListening() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != workerConnected {
		return
	}
	w.listening = true
	if w.readDone != nil {
		return
	}
	if w.opts.PingInterval > 0 {
		w.extendReadDeadline(w.conn)
	}
	w.readDone = make(chan struct{})
	go w.readLoop(w.conn, w.readDone)
}

// StopListening ends the read loop after the frame it is waiting on.
func (w *WSWorker) StopListening() {
	w.mu.Lock()
	w.listening = false
	w.mu.Unlock()
}

func (w *WSWorker) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			w.handleReadError(conn, done, err)
			return
		}
		if w.opts.PingInterval > 0 {
			w.extendReadDeadline(conn)
		}
		w.deliver(data)

		w.mu.Lock()
		keep := w.listening && w.conn == conn
		if !keep && w.readDone == done {
			w.readDone = nil
		}
		w.mu.Unlock()
		if !keep {
			return
		}
	}
}

func (w *WSWorker) handleReadError(conn *websocket.Conn, done chan struct{}, err error) {
	w.mu.Lock()
	if w.conn != conn {
		// Disconnect already took this connection down.
		if w.readDone == done {
			w.readDone = nil
		}
		w.mu.Unlock()
		return
	}
	w.state = workerDisconnected
	w.conn = nil
	w.listening = false
	w.readDone = nil
	w.stopPingLocked()
	w.stopWriterLocked()
	w.mu.Unlock()

	conn.Close()

	log := w.log.WithComponent("bitvavo_transport")
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		log.WithError(err).Info("server closed websocket")
	} else {
		log.WithError(err).Warn("websocket read failed")
	}
	w.notifyConnection(false)
}

// Disconnect closes the connection. It is a no-op when already disconnected.
func (w *WSWorker) Disconnect() {
	w.mu.Lock()
	switch w.state {
	case workerDisconnected:
		w.mu.Unlock()
		return
	case workerConnecting:
		w.state = workerDisconnected
		if w.cancelConnect != nil {
			w.cancelConnect()
			w.cancelConnect = nil
		}
		w.mu.Unlock()
		w.notifyConnection(false)
		return
	}
	conn := w.conn
	readDone := w.readDone
	w.state = workerDisconnected
	w.conn = nil
	w.listening = false
	w.readDone = nil
	w.stopPingLocked()
	w.stopWriterLocked()
	w.mu.Unlock()

	log := w.log.WithComponent("bitvavo_transport")
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace)); err != nil {
		log.WithError(err).Debug("close frame not sent")
	} else {
		w.awaitClose(conn, readDone)
	}
	conn.Close()

	log.Info("websocket disconnected")
	w.notifyConnection(false)
}

// awaitClose gives the server a moment to answer the close frame.
func (w *WSWorker) awaitClose(conn *websocket.Conn, readDone chan struct{}) {
	if readDone != nil {
		select {
		case <-readDone:
		case <-time.After(closeGrace):
		}
		return
	}
	_ = conn.SetReadDeadline(time.Now().Add(closeGrace))
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

// armKeepalive makes a silent peer fail the read loop: every pong or data
// frame pushes the read deadline out by two ping intervals.
func (w *WSWorker) armKeepalive(conn *websocket.Conn) {
	w.extendReadDeadline(conn)
	conn.SetPongHandler(func(string) error {
		w.extendReadDeadline(conn)
		return nil
	})
}

func (w *WSWorker) extendReadDeadline(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(2 * w.opts.PingInterval))
}

func (w *WSWorker) pingLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(w.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.opts.WriteTimeout)); err != nil {
				w.log.WithComponent("bitvavo_transport").WithError(err).Warn("ping failed")
			}
		}
	}
}

func (w *WSWorker) stopWriterLocked() {
	if w.writerStop != nil {
		close(w.writerStop)
		w.writerStop = nil
		w.frames = nil
	}
}

func (w *WSWorker) stopPingLocked() {
	if w.pingStop != nil {
		close(w.pingStop)
		w.pingStop = nil
	}
}

func (w *WSWorker) deliver(data []byte) {
	if w.cb.OnMessage != nil {
		w.cb.OnMessage(data)
	}
}

func (w *WSWorker) reportError(err error) {
	if w.cb.OnError != nil {
		w.cb.OnError(err)
	}
}

func (w *WSWorker) notifyConnection(connected bool) {
	if w.cb.OnConnection != nil {
		w.cb.OnConnection(connected)
	}
}
