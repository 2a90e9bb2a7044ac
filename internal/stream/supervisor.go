package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/larshag/tellsync/internal/gateway"
	"github.com/larshag/tellsync/internal/session"
)

// State of the connection supervisor.
type State int

const (
	StateIdle State = iota
	StateDiscovering
	StateConnecting
	StateAuthenticating
	StateSubscribed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDiscovering:
		return "discovering"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateSubscribed:
		return "subscribed"
	default:
		return "unknown"
	}
}

const (
	writeTimeout      = 10 * time.Second
	rediscoverEvery   = 30 * time.Second
	maxFrameSize      = 256 * 1024
	discoveryCooldown = 30 * time.Second
)

// Status is a snapshot of the supervisor for the status surface.
type Status struct {
	State      string   `json:"state"`
	Gateway    string   `json:"gateway,omitempty"`
	Candidates []string `json:"candidates,omitempty"`
	Online     bool     `json:"online"`
	ScreenOn   bool     `json:"screenOn"`
	Needed     bool     `json:"needed"`
}

// Supervisor owns the single active event-stream connection. It connects
// to one resolved gateway, authenticates, subscribes to event filters, and
// on failure advances through the gateway list round-robin, falling back
// to full re-discovery. It suspends entirely while there is no network,
// the screen is off, or no widget needs live updates.
type Supervisor struct {
	locator *gateway.Locator
	session *session.Manager
	ingest  *Ingester
	log     *slog.Logger

	limiter *rate.Limiter
	running atomic.Bool

	mu             sync.Mutex
	state          State
	online         bool
	screenOn       bool
	needed         bool
	sessionSuspect bool
	connecting     bool
	cancelAttempt  context.CancelFunc
	candidates     []gateway.Gateway
	cursor         int
	needDiscover   bool
	activeGateway  string
	wake           chan struct{}
}

func NewSupervisor(loc *gateway.Locator, sess *session.Manager, ing *Ingester, log *slog.Logger) *Supervisor {
	return &Supervisor{
		locator:      loc,
		session:      sess,
		ingest:       ing,
		log:          log,
		limiter:      rate.NewLimiter(rate.Every(time.Second), 1),
		online:       true,
		screenOn:     true,
		needDiscover: true,
		wake:         make(chan struct{}, 1),
	}
}

// SetOnline delivers a network-connectivity input from the host layer.
func (s *Supervisor) SetOnline(online bool) {
	s.setCondition(func() { s.online = online })
}

// SetScreen delivers a screen on/off input from the host layer.
func (s *Supervisor) SetScreen(on bool) {
	s.setCondition(func() { s.screenOn = on })
}

// SetNeeded tells the supervisor whether any widget wants live updates.
func (s *Supervisor) SetNeeded(needed bool) {
	s.setCondition(func() { s.needed = needed })
}

func (s *Supervisor) setCondition(apply func()) {
	s.mu.Lock()
	apply()
	runnable := s.runnableLocked()
	cancel := s.cancelAttempt
	s.mu.Unlock()
	if !runnable && cancel != nil {
		// Abandon the in-flight attempt, don't just ignore it.
		cancel()
	}
	s.poke()
}

func (s *Supervisor) runnableLocked() bool {
	return s.online && s.screenOn && s.needed
}

func (s *Supervisor) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Status returns a snapshot of the supervisor.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		State:    s.state.String(),
		Gateway:  s.activeGateway,
		Online:   s.online,
		ScreenOn: s.screenOn,
		Needed:   s.needed,
	}
	for _, g := range s.candidates {
		st.Candidates = append(st.Candidates, g.ID)
	}
	return st
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.setStateLocked(st)
	s.mu.Unlock()
}

func (s *Supervisor) setStateLocked(st State) {
	if s.state != st {
		s.log.Debug("stream state", "from", s.state.String(), "to", st.String())
		s.state = st
	}
	if st == StateIdle {
		s.activeGateway = ""
		// A resumption always starts from a fresh discovery pass.
		s.needDiscover = true
	}
}

// Run drives the connection state machine until ctx is cancelled. Only one
// Run may be active per supervisor.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("supervisor already running")
	}
	defer s.running.Store(false)

	go s.rediscoveryLoop(ctx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.mu.Lock()
		if !s.runnableLocked() {
			s.setStateLocked(StateIdle)
			s.mu.Unlock()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.wake:
			}
			continue
		}
		discover := s.needDiscover || len(s.candidates) == 0 || s.cursor >= len(s.candidates)
		s.mu.Unlock()

		if discover {
			if !s.discover(ctx) {
				continue
			}
		}

		s.mu.Lock()
		if s.cursor >= len(s.candidates) {
			s.needDiscover = true
			s.mu.Unlock()
			continue
		}
		gw := s.candidates[s.cursor]
		attemptCtx, cancel := context.WithCancel(ctx)
		s.cancelAttempt = cancel
		s.connecting = true
		s.mu.Unlock()

		err := s.attempt(attemptCtx, gw)
		cancel()

		s.mu.Lock()
		s.cancelAttempt = nil
		s.connecting = false
		s.activeGateway = ""
		suspect := s.sessionSuspect
		s.sessionSuspect = false
		runnable := s.runnableLocked()
		s.mu.Unlock()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			s.log.Debug("stream attempt ended", "gateway", gw.ID, "error", err)
		}
		if !runnable {
			continue
		}

		if suspect {
			// The gateway rejected our session, not the route to it: renew
			// the session id and retry the same candidate.
			if _, err := s.session.RefreshSessionID(ctx); err != nil {
				s.log.Warn("session id renewal failed", "error", err)
			}
			continue
		}

		s.mu.Lock()
		s.cursor++
		if s.cursor >= len(s.candidates) {
			s.needDiscover = true
		}
		s.mu.Unlock()
	}
}

// discover rebuilds the gateway candidate list and resets the round-robin
// cursor. Returns false when the loop should re-evaluate from the top.
func (s *Supervisor) discover(ctx context.Context) bool {
	s.setState(StateDiscovering)
	gws, err := s.locator.ListGateways(ctx)
	if err != nil {
		s.log.Warn("gateway discovery failed", "error", err)
		s.setState(StateIdle)
		select {
		case <-ctx.Done():
		case <-s.wake:
		case <-time.After(discoveryCooldown):
		}
		return false
	}
	if len(gws) == 0 {
		s.log.Warn("no gateway configured")
		s.setState(StateIdle)
		select {
		case <-ctx.Done():
		case <-s.wake:
		}
		return false
	}
	s.mu.Lock()
	s.candidates = gws
	s.cursor = 0
	s.needDiscover = false
	s.mu.Unlock()
	return true
}

// rediscoveryLoop forces a fresh discovery pass every 30s while the
// supervisor is trying to reconnect, guarding against stale candidates.
func (s *Supervisor) rediscoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(rediscoverEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			disconnected := s.state != StateSubscribed && s.state != StateIdle
			if disconnected {
				s.needDiscover = true
			}
			s.mu.Unlock()
			if disconnected {
				s.poke()
			}
		}
	}
}

// attempt opens, authenticates, and serves one stream connection. It
// returns when the socket closes or ctx is cancelled.
func (s *Supervisor) attempt(ctx context.Context, gw gateway.Gateway) error {
	s.setState(StateConnecting)
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	addr, port, err := s.locator.ResolveAddress(ctx, gw.ID)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", gw.ID, err)
	}
	gw.Address, gw.Port = addr, port

	conn, _, err := websocket.Dial(ctx, gw.StreamURL(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", gw.ID, err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxFrameSize)

	s.setState(StateAuthenticating)
	sid, err := s.session.EnsureSessionID(ctx)
	if err != nil {
		return fmt.Errorf("session id: %w", err)
	}
	auth := authFrame{Module: "auth", Action: "auth", Data: authData{SessionID: sid, ClientID: gw.ID}}
	if err := writeJSON(ctx, conn, auth); err != nil {
		return fmt.Errorf("auth %s: %w", gw.ID, err)
	}
	for _, f := range filterPairs {
		frame := filterFrame{Module: "filter", Action: "accept", Data: f}
		if err := writeJSON(ctx, conn, frame); err != nil {
			return fmt.Errorf("subscribe %s/%s: %w", f.Module, f.Action, err)
		}
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		switch string(data) {
		case frameValidConnection:
			s.mu.Lock()
			s.setStateLocked(StateSubscribed)
			s.activeGateway = gw.ID
			s.needDiscover = false
			s.mu.Unlock()
			s.log.Info("stream subscribed", "gateway", gw.ID)
		case frameError:
			// Connection stays up; the session is suspect and gets renewed
			// at the next close instead of advancing the cursor.
			s.mu.Lock()
			s.sessionSuspect = true
			s.mu.Unlock()
			s.log.Warn("stream reported auth error", "gateway", gw.ID)
		case frameNothere:
			// negative ack, no-op
		default:
			s.ingest.Ingest(data)
		}
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
