// Package session owns the bearer access token and the ephemeral session
// identifier used for stream authentication.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/larshag/tellsync/internal/sched"
	"github.com/larshag/tellsync/internal/telldus"
)

// ErrSessionExpired means the access token is past expiry and renewal failed.
var ErrSessionExpired = errors.New("session expired")

// expiryMargin is subtracted from the server-reported lifetime so renewal
// happens before the token actually dies.
const expiryMargin = 20 * time.Second

const renewKey = "session:renew"

// Credentials are the stored OAuth client credentials and refresh token.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
}

// Manager renews the access token proactively before expiry and hands out
// session ids for stream authentication. It implements telldus.TokenSource.
type Manager struct {
	client *telldus.Client
	creds  Credentials
	sched  *sched.Scheduler
	log    *slog.Logger

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time
	sessionID   string
}

func NewManager(client *telldus.Client, creds Credentials, s *sched.Scheduler, log *slog.Logger) *Manager {
	return &Manager{client: client, creds: creds, sched: s, log: log}
}

// Token returns a valid access token, renewing first if the cached one is
// at or past its safety margin. If renewal fails while the cached token is
// still inside its lifetime the caller gets the old token; once expired,
// ErrSessionExpired.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	token, expiresAt := m.accessToken, m.expiresAt
	m.mu.Unlock()

	if token != "" && time.Now().Before(expiresAt) {
		return token, nil
	}
	if err := m.Renew(ctx); err != nil {
		if token != "" && time.Now().Before(expiresAt.Add(expiryMargin)) {
			// Still inside the real lifetime; let the request try.
			return token, nil
		}
		return "", fmt.Errorf("%w: %v", ErrSessionExpired, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accessToken, nil
}

// Renew fetches a fresh access token and reschedules the proactive renewal
// at the new expiry margin. On failure the previous token stays in place.
func (m *Manager) Renew(ctx context.Context) error {
	reply, err := m.client.RefreshAccessToken(ctx, m.creds.ClientID, m.creds.ClientSecret, m.creds.RefreshToken)
	if err != nil {
		m.log.Warn("access token renewal failed", "error", err)
		return err
	}

	lifetime := time.Duration(reply.ExpiresIn) * time.Second
	if reply.ExpiresIn == 0 {
		lifetime = lifetimeFromJWT(reply.AccessToken)
	}
	expiresAt := time.Now().Add(lifetime - expiryMargin)

	m.mu.Lock()
	m.accessToken = reply.AccessToken
	m.expiresAt = expiresAt
	m.mu.Unlock()

	m.log.Debug("access token renewed", "expires_at", expiresAt)
	m.scheduleRenewal(time.Until(expiresAt))
	return nil
}

// Start performs the initial renewal and arms the proactive renewal timer.
func (m *Manager) Start(ctx context.Context) error {
	return m.Renew(ctx)
}

func (m *Manager) scheduleRenewal(in time.Duration) {
	if in < time.Second {
		in = time.Second
	}
	m.sched.Schedule(renewKey, in, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		// On failure the old token stays; the next request-error path retries.
		_ = m.Renew(ctx)
	})
}

// lifetimeFromJWT recovers a token lifetime from the exp claim when the
// token endpoint omits expires_in. The token is not verified here; it only
// came over TLS from the issuer.
func lifetimeFromJWT(token string) time.Duration {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Hour
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Hour
	}
	if d := time.Until(exp.Time); d > 0 {
		return d
	}
	return time.Hour
}

// SessionID returns the current stream session id, which may be empty if
// none has been authenticated yet.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// EnsureSessionID returns the current session id, authenticating a fresh
// one first if none exists.
func (m *Manager) EnsureSessionID(ctx context.Context) (string, error) {
	m.mu.Lock()
	id := m.sessionID
	m.mu.Unlock()
	if id != "" {
		return id, nil
	}
	return m.RefreshSessionID(ctx)
}

// RefreshSessionID generates a new random session identifier and registers
// it with the cloud. A valid access token is obtained first, so the session
// id always postdates the last token refresh.
func (m *Manager) RefreshSessionID(ctx context.Context) (string, error) {
	if _, err := m.Token(ctx); err != nil {
		return "", err
	}
	id := uuid.NewString()
	if err := m.client.AuthenticateSession(ctx, id); err != nil {
		return "", fmt.Errorf("refresh session id: %w", err)
	}
	m.mu.Lock()
	m.sessionID = id
	m.mu.Unlock()
	m.log.Debug("session id refreshed")
	return id, nil
}
