package bitvavo

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type transportEvents struct {
	mu    sync.Mutex
	msgs  []string
	errs  []error
	conns []bool
}

func (e *transportEvents) callbacks() TransportCallbacks {
	return TransportCallbacks{
		OnMessage: func(b []byte) {
			e.mu.Lock()
			e.msgs = append(e.msgs, string(b))
			e.mu.Unlock()
		},
		OnError: func(err error) {
			e.mu.Lock()
			e.errs = append(e.errs, err)
			e.mu.Unlock()
		},
		OnConnection: func(c bool) {
			e.mu.Lock()
			e.conns = append(e.conns, c)
			e.mu.Unlock()
		},
	}
}

func (e *transportEvents) snapshot() ([]string, []error, []bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.msgs...), append([]error(nil), e.errs...), append([]bool(nil), e.conns...)
}

// echoServer answers every text frame with reply. closeAfterUpgrade makes
// the server hang up right after the handshake.
func echoServer(t *testing.T, reply string, closeAfterUpgrade bool) (*httptest.Server, chan string) {
	t.Helper()
	received := make(chan string, 16)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if closeAfterUpgrade {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"))
			return
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			received <- string(data)
			if err := conn.WriteMessage(websocket.TextMessage, []byte(reply)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, received
}

func serverSettings(t *testing.T, srv *httptest.Server) (ConnectionSettings, *tls.Config) {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	host, port, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatal(err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())
	return ConnectionSettings{Host: host, Port: port, Path: "/v2/"}, &tls.Config{RootCAs: pool}
}

func TestWSWorkerRoundTrip(t *testing.T) {
	srv, received := echoServer(t, `{"event":"subscribed"}`, false)
	settings, tlsCfg := serverSettings(t, srv)
	events := &transportEvents{}
	w := NewWSWorker(WorkerOptions{TLSConfig: tlsCfg}, events.callbacks())

	if !waitResult(t, w.Connect(context.Background(), settings)) {
		_, errs, _ := events.snapshot()
		t.Fatalf("connect failed: %v", errs)
	}
	if _, _, conns := events.snapshot(); len(conns) != 1 || !conns[0] {
		t.Fatalf("connection callback must fire before connect resolves, got %v", conns)
	}

	w.StartListening()
	payload := `{"action":"subscribe","channels":[{"name":"ticker","markets":["BTC-EUR"]}]}`
	if !waitResult(t, w.Send([]byte(payload))) {
		t.Fatal("send failed")
	}
	select {
	case got := <-received:
		if got != payload {
			t.Fatalf("server received %s", got)
		}
	case <-time.After(waitTimeout):
		t.Fatal("server never received the frame")
	}
	eventually(t, "reply delivered", func() bool {
		msgs, _, _ := events.snapshot()
		return len(msgs) == 1 && msgs[0] == `{"event":"subscribed"}`
	})

	w.Disconnect()
	w.Disconnect()
	_, errs, conns := events.snapshot()
	if len(conns) != 2 || conns[1] {
		t.Fatalf("expected a single disconnect notification, got %v", conns)
	}
	if len(errs) != 0 {
		t.Fatalf("unexpected errors %v", errs)
	}

	if !waitResult(t, w.Connect(context.Background(), settings)) {
		t.Fatal("reconnect after disconnect failed")
	}
	w.Disconnect()
}

func TestWSWorkerSendWhenDisconnected(t *testing.T) {
	events := &transportEvents{}
	w := NewWSWorker(WorkerOptions{}, events.callbacks())

	if waitResult(t, w.Send([]byte("{}"))) {
		t.Fatal("send without a connection should fail")
	}
	_, errs, _ := events.snapshot()
	var se *SendError
	if len(errs) != 1 || !errors.As(errs[0], &se) || !errors.Is(errs[0], ErrNotConnected) {
		t.Fatalf("expected SendError(ErrNotConnected), got %v", errs)
	}
}

func TestWSWorkerConnectRejectedWhileConnected(t *testing.T) {
	srv, _ := echoServer(t, "{}", false)
	settings, tlsCfg := serverSettings(t, srv)
	events := &transportEvents{}
	w := NewWSWorker(WorkerOptions{TLSConfig: tlsCfg}, events.callbacks())
	defer w.Disconnect()

	if !waitResult(t, w.Connect(context.Background(), settings)) {
		t.Fatal("connect failed")
	}
	if waitResult(t, w.Connect(context.Background(), settings)) {
		t.Fatal("second connect should be rejected")
	}
	_, errs, conns := events.snapshot()
	if len(conns) != 1 {
		t.Fatalf("rejected connect must not touch the connection state, got %v", conns)
	}
	if len(errs) != 1 || !errors.Is(errs[0], ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", errs)
	}
}

func TestWSWorkerServerCloseNotifiesOnce(t *testing.T) {
	srv, _ := echoServer(t, "", true)
	settings, tlsCfg := serverSettings(t, srv)
	events := &transportEvents{}
	w := NewWSWorker(WorkerOptions{TLSConfig: tlsCfg}, events.callbacks())

	if !waitResult(t, w.Connect(context.Background(), settings)) {
		t.Fatal("connect failed")
	}
	w.StartListening()
	eventually(t, "disconnect notification", func() bool {
		_, _, conns := events.snapshot()
		return len(conns) == 2
	})
	w.Disconnect()
	time.Sleep(20 * time.Millisecond)

	_, errs, conns := events.snapshot()
	if len(conns) != 2 || conns[1] {
		t.Fatalf("expected [true false], got %v", conns)
	}
	if len(errs) != 0 {
		t.Fatalf("read loop failures are not reported as errors, got %v", errs)
	}
}

func TestWSWorkerConnectStages(t *testing.T) {
	srv, _ := echoServer(t, "{}", false)
	settings, tlsCfg := serverSettings(t, srv)

	closed, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	_, closedPort, _ := net.SplitHostPort(closed.Addr().String())
	closed.Close()

	noDNS := &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			return nil, errors.New("dns disabled")
		},
	}

	cases := []struct {
		name     string
		settings ConnectionSettings
		opts     WorkerOptions
		stage    string
	}{
		{"resolve", ConnectionSettings{Host: "ws.bitvavo.invalid", Port: settings.Port, Path: "/v2/"}, WorkerOptions{Resolver: noDNS}, StageResolve},
		{"dial", ConnectionSettings{Host: "127.0.0.1", Port: closedPort, Path: "/v2/"}, WorkerOptions{}, StageDial},
		{"tls", settings, WorkerOptions{}, StageTLS},
		{"upgrade", ConnectionSettings{Host: settings.Host, Port: settings.Port, Path: "/missing"}, WorkerOptions{TLSConfig: tlsCfg}, StageUpgrade},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			events := &transportEvents{}
			w := NewWSWorker(tc.opts, events.callbacks())
			if waitResult(t, w.Connect(context.Background(), tc.settings)) {
				t.Fatal("connect should fail")
			}
			_, errs, conns := events.snapshot()
			var ce *ConnectError
			if len(errs) != 1 || !errors.As(errs[0], &ce) {
				t.Fatalf("expected one ConnectError, got %v", errs)
			}
			if ce.Stage != tc.stage {
				t.Fatalf("expected stage %s, got %s (%v)", tc.stage, ce.Stage, ce.Err)
			}
			if len(conns) != 1 || conns[0] {
				t.Fatalf("expected a single false connection event, got %v", conns)
			}
		})
	}
}

func TestWSWorkerSendPreservesOrder(t *testing.T) {
	srv, received := echoServer(t, "{}", false)
	settings, tlsCfg := serverSettings(t, srv)
	events := &transportEvents{}
	w := NewWSWorker(WorkerOptions{TLSConfig: tlsCfg}, events.callbacks())
	defer w.Disconnect()

	if !waitResult(t, w.Connect(context.Background(), settings)) {
		t.Fatal("connect failed")
	}

	const n = 50
	pending := make([]*Completion, 0, n)
	for i := 0; i < n; i++ {
		pending = append(pending, w.Send([]byte(fmt.Sprintf(`{"seq":%d}`, i))))
	}
	for i := 0; i < n; i++ {
		select {
		case got := <-received:
			if want := fmt.Sprintf(`{"seq":%d}`, i); got != want {
				t.Fatalf("frame %d: got %s want %s", i, got, want)
			}
		case <-time.After(waitTimeout):
			t.Fatalf("frame %d never arrived", i)
		}
	}
	for i, done := range pending {
		if !waitResult(t, done) {
			t.Fatalf("send %d resolved false", i)
		}
	}
}

func TestWSWorkerPingDetectsSilentPeer(t *testing.T) {
	release := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Never reads, so pings are never answered.
		<-release
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	settings, tlsCfg := serverSettings(t, srv)
	events := &transportEvents{}
	w := NewWSWorker(WorkerOptions{TLSConfig: tlsCfg, PingInterval: 20 * time.Millisecond}, events.callbacks())

	if !waitResult(t, w.Connect(context.Background(), settings)) {
		t.Fatal("connect failed")
	}
	w.StartListening()
	eventually(t, "silent peer detected", func() bool {
		_, _, conns := events.snapshot()
		return len(conns) == 2 && !conns[1]
	})
	if waitResult(t, w.Send([]byte("{}"))) {
		t.Fatal("send after the keepalive timeout should fail")
	}
}

func TestWSWorkerPingKeepsLiveConnection(t *testing.T) {
	srv, _ := echoServer(t, "{}", false)
	settings, tlsCfg := serverSettings(t, srv)
	events := &transportEvents{}
	w := NewWSWorker(WorkerOptions{TLSConfig: tlsCfg, PingInterval: 20 * time.Millisecond}, events.callbacks())
	defer w.Disconnect()

	if !waitResult(t, w.Connect(context.Background(), settings)) {
		t.Fatal("connect failed")
	}
	w.StartListening()
	time.Sleep(200 * time.Millisecond)

	if _, _, conns := events.snapshot(); len(conns) != 1 || !conns[0] {
		t.Fatalf("answered pings must keep the connection up, got %v", conns)
	}
}
