package stream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/larshag/tellsync/internal/gateway"
	"github.com/larshag/tellsync/internal/notify"
	"github.com/larshag/tellsync/internal/sched"
	"github.com/larshag/tellsync/internal/session"
	"github.com/larshag/tellsync/internal/store"
	"github.com/larshag/tellsync/internal/telldus"
)

// fakeCloud plays the directory/API role: gateway list, address
// resolution, token and session endpoints.
type fakeCloud struct {
	mu        sync.Mutex
	gateways  []string
	addresses map[string]string // gateway id -> host:port

	listCalls atomic.Int32
	authCalls atomic.Int32
}

func (f *fakeCloud) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/accessToken", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token":"tok","expires_in":3600}`))
	})
	mux.HandleFunc("/user/authenticateSession", func(w http.ResponseWriter, r *http.Request) {
		f.authCalls.Add(1)
		w.Write([]byte(`{"status":"success"}`))
	})
	mux.HandleFunc("/clients/list", func(w http.ResponseWriter, r *http.Request) {
		f.listCalls.Add(1)
		f.mu.Lock()
		defer f.mu.Unlock()
		out := `{"client":[`
		for i, id := range f.gateways {
			if i > 0 {
				out += ","
			}
			out += fmt.Sprintf(`{"id":%q}`, id)
		}
		out += `]}`
		w.Write([]byte(out))
	})
	mux.HandleFunc("/client/serverAddress", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		hostport := f.addresses[r.URL.Query().Get("id")]
		f.mu.Unlock()
		host, port := splitHostPort(hostport)
		fmt.Fprintf(w, `{"address":%q,"port":%q}`, host, port)
	})
	return mux
}

func splitHostPort(hostport string) (string, string) {
	for i := len(hostport) - 1; i >= 0; i-- {
		if hostport[i] == ':' {
			return hostport[:i], hostport[i+1:]
		}
	}
	return hostport, "0"
}

// newGatewayServer starts a websocket endpoint playing one gateway and
// returns its host:port.
func newGatewayServer(t *testing.T, handle func(*websocket.Conn)) string {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		handle(c)
	}))
	t.Cleanup(ts.Close)
	u, _ := url.Parse(ts.URL)
	return u.Host
}

// serveValid accepts the subscription and keeps the stream open.
func serveValid(c *websocket.Conn) {
	ctx := context.Background()
	c.Write(ctx, websocket.MessageText, []byte("validconnection"))
	for {
		if _, _, err := c.Read(ctx); err != nil {
			return
		}
	}
}

func newTestSupervisor(t *testing.T, cloud *fakeCloud) *Supervisor {
	t.Helper()
	ts := httptest.NewServer(cloud.handler())
	t.Cleanup(ts.Close)

	client := telldus.NewClient(ts.URL)
	schd := sched.New()
	t.Cleanup(schd.Stop)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	sess := session.NewManager(client, session.Credentials{ClientID: "c", ClientSecret: "s", RefreshToken: "r"}, schd, log)
	client.Tokens = sess

	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ing := NewIngester(st, notify.NewHub(), log)
	sup := NewSupervisor(gateway.NewLocator(client), sess, ing, log)
	// Keep reconnect pacing fast for tests
	sup.limiter = rate.NewLimiter(rate.Every(10*time.Millisecond), 1)
	return sup
}

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func runSupervisor(t *testing.T, sup *Supervisor) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go sup.Run(ctx)
}

func TestFallsBackToNextGatewayWithoutRediscovery(t *testing.T) {
	bHost := newGatewayServer(t, serveValid)
	cloud := &fakeCloud{
		gateways: []string{"A", "B"},
		addresses: map[string]string{
			"A": "127.0.0.1:1", // nothing listens here
			"B": bHost,
		},
	}
	sup := newTestSupervisor(t, cloud)
	sup.SetNeeded(true)
	runSupervisor(t, sup)

	waitFor(t, 5*time.Second, "subscription via B", func() bool {
		st := sup.Status()
		return st.State == "subscribed" && st.Gateway == "B"
	})
	if got := cloud.listCalls.Load(); got != 1 {
		t.Errorf("discovery calls = %d, want 1 (cursor advance, not rediscovery)", got)
	}
}

func TestExhaustedCursorWrapsToDiscovery(t *testing.T) {
	cloud := &fakeCloud{
		gateways: []string{"A", "B"},
		addresses: map[string]string{
			"A": "127.0.0.1:1",
			"B": "127.0.0.1:1",
		},
	}
	sup := newTestSupervisor(t, cloud)
	sup.SetNeeded(true)
	runSupervisor(t, sup)

	waitFor(t, 5*time.Second, "second discovery pass", func() bool {
		return cloud.listCalls.Load() >= 2
	})
}

func TestErrorSentinelRenewsSessionNotCursor(t *testing.T) {
	var conns atomic.Int32
	host := newGatewayServer(t, func(c *websocket.Conn) {
		ctx := context.Background()
		if conns.Add(1) == 1 {
			// Reject the session, then drop the connection.
			c.Write(ctx, websocket.MessageText, []byte("error"))
			time.Sleep(20 * time.Millisecond)
			c.Close(websocket.StatusNormalClosure, "")
			return
		}
		serveValid(c)
	})
	cloud := &fakeCloud{
		gateways:  []string{"A"},
		addresses: map[string]string{"A": host},
	}
	sup := newTestSupervisor(t, cloud)
	sup.SetNeeded(true)
	runSupervisor(t, sup)

	waitFor(t, 5*time.Second, "resubscription after session renewal", func() bool {
		return sup.Status().State == "subscribed"
	})
	// One lazy session auth on first connect, one forced renewal after the
	// error sentinel, before the second dial.
	if got := cloud.authCalls.Load(); got != 2 {
		t.Errorf("authenticateSession calls = %d, want 2", got)
	}
	if got := conns.Load(); got != 2 {
		t.Errorf("gateway connections = %d, want 2 (same candidate retried)", got)
	}
}

func TestSuspensionClosesSocketAndResumes(t *testing.T) {
	var conns atomic.Int32
	host := newGatewayServer(t, func(c *websocket.Conn) {
		conns.Add(1)
		serveValid(c)
	})
	cloud := &fakeCloud{
		gateways:  []string{"A"},
		addresses: map[string]string{"A": host},
	}
	sup := newTestSupervisor(t, cloud)
	sup.SetNeeded(true)
	runSupervisor(t, sup)

	waitFor(t, 5*time.Second, "first subscription", func() bool {
		return sup.Status().State == "subscribed"
	})

	sup.SetScreen(false)
	waitFor(t, 2*time.Second, "idle after screen off", func() bool {
		return sup.Status().State == "idle"
	})

	sup.SetScreen(true)
	waitFor(t, 5*time.Second, "resubscription after screen on", func() bool {
		return sup.Status().State == "subscribed"
	})
	if conns.Load() < 2 {
		t.Errorf("gateway connections = %d, want a fresh socket after resume", conns.Load())
	}
}

func TestNoWidgetsMeansIdle(t *testing.T) {
	cloud := &fakeCloud{gateways: []string{"A"}, addresses: map[string]string{"A": "127.0.0.1:1"}}
	sup := newTestSupervisor(t, cloud)
	runSupervisor(t, sup)

	time.Sleep(100 * time.Millisecond)
	if st := sup.Status().State; st != "idle" {
		t.Errorf("state = %s, want idle", st)
	}
	if got := cloud.listCalls.Load(); got != 0 {
		t.Errorf("discovery calls = %d, want 0", got)
	}
}

func TestEmptyGatewayListStaysIdle(t *testing.T) {
	cloud := &fakeCloud{gateways: nil, addresses: map[string]string{}}
	sup := newTestSupervisor(t, cloud)
	sup.SetNeeded(true)
	runSupervisor(t, sup)

	waitFor(t, 2*time.Second, "discovery attempt", func() bool {
		return cloud.listCalls.Load() >= 1
	})
	waitFor(t, 2*time.Second, "idle with no gateways", func() bool {
		return sup.Status().State == "idle"
	})
	calls := cloud.listCalls.Load()
	time.Sleep(100 * time.Millisecond)
	if got := cloud.listCalls.Load(); got != calls {
		t.Errorf("discovery retried while idle: %d -> %d", calls, got)
	}
}

func TestEventFramesReachIngester(t *testing.T) {
	frames := make(chan string, 4)
	host := newGatewayServer(t, func(c *websocket.Conn) {
		ctx := context.Background()
		c.Write(ctx, websocket.MessageText, []byte("validconnection"))
		c.Write(ctx, websocket.MessageText, []byte("nothere"))
		for f := range frames {
			if err := c.Write(ctx, websocket.MessageText, []byte(f)); err != nil {
				return
			}
		}
	})
	cloud := &fakeCloud{gateways: []string{"A"}, addresses: map[string]string{"A": host}}
	sup := newTestSupervisor(t, cloud)
	if err := sup.ingest.Store.UpsertBinding(&store.WidgetBinding{WidgetID: 1, Kind: store.KindOnOff, DeviceID: 42}); err != nil {
		t.Fatal(err)
	}
	sup.SetNeeded(true)
	runSupervisor(t, sup)

	waitFor(t, 5*time.Second, "subscription", func() bool {
		return sup.Status().State == "subscribed"
	})
	frames <- `{"module":"device","data":{"deviceId":42,"method":1}}`

	waitFor(t, 2*time.Second, "state update from event frame", func() bool {
		b, _ := sup.ingest.Store.GetBinding(1)
		return b != nil && b.StateCode == 1
	})
	close(frames)
}
