// Package gateway resolves which local hardware gateways serve the user
// and where they currently live on the network.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/larshag/tellsync/internal/telldus"
)

// ErrUnreachable means the directory has no current address for a gateway.
var ErrUnreachable = errors.New("gateway unreachable")

// Gateway is one local hub authorized for the user.
type Gateway struct {
	ID      string
	Name    string
	Address string
	Port    int
}

// StreamURL is the websocket endpoint of a resolved gateway.
func (g Gateway) StreamURL() string {
	return fmt.Sprintf("ws://%s:%d/websocket", g.Address, g.Port)
}

// Locator lists gateways and resolves their addresses. Retry and fallback
// policy belongs to the connection supervisor, not here.
type Locator struct {
	client *telldus.Client
}

func NewLocator(client *telldus.Client) *Locator {
	return &Locator{client: client}
}

// ListGateways returns the user's gateways in directory order, deduplicated
// by id. An empty list means none are authorized.
func (l *Locator) ListGateways(ctx context.Context) ([]Gateway, error) {
	clients, err := l.client.ListClients(ctx)
	if err != nil {
		return nil, fmt.Errorf("list gateways: %w", err)
	}
	seen := make(map[string]bool, len(clients))
	var out []Gateway
	for _, c := range clients {
		if c.ID == "" || seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		out = append(out, Gateway{ID: c.ID, Name: c.Name})
	}
	return out, nil
}

// ResolveAddress looks up a gateway's current local address and port.
func (l *Locator) ResolveAddress(ctx context.Context, gatewayID string) (string, int, error) {
	addr, port, err := l.client.ServerAddress(ctx, gatewayID)
	if err != nil {
		return "", 0, err
	}
	if addr == "" || port == 0 {
		return "", 0, fmt.Errorf("%w: no address for gateway %s", ErrUnreachable, gatewayID)
	}
	return addr, port, nil
}
