package telldus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// TokenSource provides a valid bearer access token for API calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Client talks to the cloud directory/API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Tokens     TokenSource
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// ClientInfo is one entry of the user's gateway directory.
type ClientInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Online string `json:"online"`
}

// Device is one entry of the device directory.
type Device struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name"`
	State       int             `json:"state"`
	Methods     int             `json:"methods"`
	DeviceType  string          `json:"deviceType"`
	StateValue  string          `json:"statevalue"`
	StateValues json.RawMessage `json:"stateValues"`
	Client      string          `json:"client"`
}

// SensorValue is one reading of a sensor.
type SensorValue struct {
	Type  int    `json:"type"`
	Scale int    `json:"scale"`
	Value string `json:"value"`
}

// Sensor is one entry of the sensor directory.
type Sensor struct {
	ID          int64         `json:"id"`
	Name        string        `json:"name"`
	LastUpdated int64         `json:"lastUpdated"`
	Data        []SensorValue `json:"data"`
}

// CommandResult is the outcome of a device command call.
type CommandResult struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// TokenReply is the response of the access-token refresh endpoint.
type TokenReply struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	Error       string `json:"error"`
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	u := c.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if c.Tokens != nil {
		token, err := c.Tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("access token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", path, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode: %w", path, err)
	}
	return nil
}

// ListClients returns the user's gateway directory.
func (c *Client) ListClients(ctx context.Context) ([]ClientInfo, error) {
	var reply struct {
		Client []ClientInfo `json:"client"`
	}
	if err := c.get(ctx, "/clients/list", nil, &reply); err != nil {
		return nil, err
	}
	return reply.Client, nil
}

// ServerAddress resolves a gateway's current local address and port.
// An empty address means the directory has no current location for it.
func (c *Client) ServerAddress(ctx context.Context, clientID string) (string, int, error) {
	var reply struct {
		Address string      `json:"address"`
		Port    json.Number `json:"port"`
	}
	q := url.Values{"id": {clientID}}
	if err := c.get(ctx, "/client/serverAddress", q, &reply); err != nil {
		return "", 0, err
	}
	port, _ := reply.Port.Int64()
	return reply.Address, int(port), nil
}

// ListDevices returns the device directory for devices supporting any of
// the given methods.
func (c *Client) ListDevices(ctx context.Context, supportedMethods int) ([]Device, error) {
	var reply struct {
		Device []Device `json:"device"`
	}
	q := url.Values{
		"supportedMethods": {strconv.Itoa(supportedMethods)},
		"includeIgnored":   {"1"},
		"extras":           {"stateValues"},
	}
	if err := c.get(ctx, "/devices/list", q, &reply); err != nil {
		return nil, err
	}
	return reply.Device, nil
}

// ListSensors returns the sensor directory with current values.
func (c *Client) ListSensors(ctx context.Context) ([]Sensor, error) {
	var reply struct {
		Sensor []Sensor `json:"sensor"`
	}
	q := url.Values{
		"includeValues": {"1"},
		"includeScale":  {"1"},
	}
	if err := c.get(ctx, "/sensors/list", q, &reply); err != nil {
		return nil, err
	}
	return reply.Sensor, nil
}

// DeviceCommand sends a method/value command to a device. A non-nil error
// means the call itself failed; command-level failures come back in
// CommandResult.Error.
func (c *Client) DeviceCommand(ctx context.Context, deviceID int64, method, value int) (CommandResult, error) {
	var res CommandResult
	q := url.Values{
		"id":     {strconv.FormatInt(deviceID, 10)},
		"method": {strconv.Itoa(method)},
		"value":  {strconv.Itoa(value)},
	}
	if err := c.get(ctx, "/device/command", q, &res); err != nil {
		return CommandResult{}, err
	}
	return res, nil
}

// RefreshAccessToken exchanges the stored refresh token for a new access
// token. This call deliberately bypasses the TokenSource.
func (c *Client) RefreshAccessToken(ctx context.Context, clientID, clientSecret, refreshToken string) (TokenReply, error) {
	form := url.Values{
		"client_id":     {clientID},
		"client_secret": {clientSecret},
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/accessToken", strings.NewReader(form.Encode()))
	if err != nil {
		return TokenReply{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return TokenReply{}, fmt.Errorf("access token: %w", err)
	}
	defer resp.Body.Close()
	var reply TokenReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return TokenReply{}, fmt.Errorf("access token: decode: %w", err)
	}
	if reply.Error != "" {
		return TokenReply{}, fmt.Errorf("access token: %s", reply.Error)
	}
	if resp.StatusCode != http.StatusOK {
		return TokenReply{}, fmt.Errorf("access token: %s", resp.Status)
	}
	return reply, nil
}

// AuthenticateSession registers a freshly generated session identifier so
// the gateway stream will accept it.
func (c *Client) AuthenticateSession(ctx context.Context, session string) error {
	var reply struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	q := url.Values{"session": {session}}
	if err := c.get(ctx, "/user/authenticateSession", q, &reply); err != nil {
		return err
	}
	if reply.Error != "" {
		return fmt.Errorf("authenticate session: %s", reply.Error)
	}
	return nil
}
