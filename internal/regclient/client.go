// Package regclient is the HTTP client services use to talk to the registry
// surface: register, heartbeat, token rotation, and resolution. Every call
// carries an explicit timeout.
package regclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tickplane/tickplane/internal/fault"
)

const (
	// DefaultResolveTimeout and friends are the per-call deadlines applied
	// when the caller's context carries none.
	DefaultResolveTimeout  = 5 * time.Second
	DefaultRegisterTimeout = 10 * time.Second

	// TokenHeader carries the instance token on authenticated calls.
	TokenHeader = "x-instance-token"
	// BootstrapHeader carries the optional shared register-time secret.
	BootstrapHeader = "x-bootstrap-secret"
)

// Client talks to one registry base URL over the platform's mTLS client.
type Client struct {
	baseURL    string
	httpClient *http.Client

	resolveTimeout  time.Duration
	registerTimeout time.Duration

	bootstrapSecret string
}

// Config configures a Client.
type Config struct {
	BaseURL         string
	HTTPClient      *http.Client
	ResolveTimeout  time.Duration
	RegisterTimeout time.Duration
	BootstrapSecret string
}

// New creates a registry client.
func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = DefaultResolveTimeout
	}
	if cfg.RegisterTimeout <= 0 {
		cfg.RegisterTimeout = DefaultRegisterTimeout
	}
	return &Client{
		baseURL:         cfg.BaseURL,
		httpClient:      cfg.HTTPClient,
		resolveTimeout:  cfg.ResolveTimeout,
		registerTimeout: cfg.RegisterTimeout,
		bootstrapSecret: cfg.BootstrapSecret,
	}
}

// RegisterRequest mirrors POST /register.
type RegisterRequest struct {
	Name     string            `json:"name"`
	Address  string            `json:"address"`
	Port     int               `json:"port"`
	Protocol string            `json:"protocol,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Env      string            `json:"env,omitempty"`
	Role     string            `json:"role,omitempty"`
}

// RegisterResponse mirrors the register success body.
type RegisterResponse struct {
	InstanceID     string `json:"instanceId"`
	Service        string `json:"service"`
	LeaseExpiresAt string `json:"leaseExpiresAt"`
	TTLMs          int64  `json:"ttl"`
	Token          string `json:"token"`
	Message        string `json:"message"`
}

// ResolvedInstance is one instance as returned by the read endpoints.
type ResolvedInstance struct {
	ServiceName string            `json:"serviceName"`
	InstanceID  string            `json:"instanceId"`
	IP          string            `json:"ip"`
	Port        int               `json:"port"`
	Protocol    string            `json:"protocol"`
	Env         string            `json:"env,omitempty"`
	Role        string            `json:"role,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	TTLMs       int64             `json:"ttl"`
}

// HeartbeatResponse mirrors the heartbeat success body. The registry rotates
// the token on every heartbeat.
type HeartbeatResponse struct {
	Status  string `json:"status"`
	Token   string `json:"token"`
	TTLMs   int64  `json:"ttl"`
	Message string `json:"message"`
}

// Register announces an instance and returns the server-assigned record and
// initial token.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	ctx, cancel := c.withTimeout(ctx, c.registerTimeout)
	defer cancel()

	var out RegisterResponse
	headers := map[string]string{}
	if c.bootstrapSecret != "" {
		headers[BootstrapHeader] = c.bootstrapSecret
	}
	if err := c.post(ctx, "/register", headers, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Heartbeat refreshes the lease and returns the rotated token.
func (c *Client) Heartbeat(ctx context.Context, serviceName, instanceID, token string) (*HeartbeatResponse, error) {
	ctx, cancel := c.withTimeout(ctx, c.registerTimeout)
	defer cancel()

	body := map[string]string{
		"serviceName": serviceName,
		"instanceId":  instanceID,
		"authToken":   token,
	}
	var out HeartbeatResponse
	if err := c.post(ctx, "/heartbeat", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RotateToken exchanges the current token for a fresh one. The previous token
// is invalid once this returns.
func (c *Client) RotateToken(ctx context.Context, instanceID, token string) (string, error) {
	ctx, cancel := c.withTimeout(ctx, c.registerTimeout)
	defer cancel()

	body := map[string]string{"instanceId": instanceID}
	var out struct {
		Token string `json:"token"`
	}
	headers := map[string]string{TokenHeader: token}
	if err := c.post(ctx, "/registry/token/rotate", headers, body, &out); err != nil {
		return "", err
	}
	return out.Token, nil
}

// ResolveOne returns one live instance for the name, selected round-robin by
// the registry.
func (c *Client) ResolveOne(ctx context.Context, serviceName string) (*ResolvedInstance, error) {
	ctx, cancel := c.withTimeout(ctx, c.resolveTimeout)
	defer cancel()

	u := c.baseURL + "/services/" + url.PathEscape(serviceName) + "?one=true"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	var out ResolvedInstance
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Deregister removes the instance from the registry.
func (c *Client) Deregister(ctx context.Context, serviceName, instanceID, token string) error {
	ctx, cancel := c.withTimeout(ctx, c.registerTimeout)
	defer cancel()

	u := c.baseURL + "/services/" + url.PathEscape(serviceName) + "/" + url.PathEscape(instanceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set(TokenHeader, token)
	return c.do(req, nil)
}

func (c *Client) withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

func (c *Client) post(ctx context.Context, path string, headers map[string]string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.do(req, out)
}

// errorBody is the registry's error envelope.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	}

	var eb errorBody
	_ = json.NewDecoder(resp.Body).Decode(&eb)
	msg := eb.Error.Message
	if msg == "" {
		msg = resp.Status
	}
	return statusFault(resp.StatusCode, msg)
}

// statusFault maps a registry HTTP status back into the fault taxonomy.
func statusFault(status int, msg string) error {
	switch status {
	case http.StatusBadRequest:
		return fault.BadRequest("%s", msg)
	case http.StatusUnauthorized:
		return fault.Unauthorized("%s", msg)
	case http.StatusForbidden:
		return fault.Forbidden("%s", msg)
	case http.StatusNotFound:
		return fault.NotFound("%s", msg)
	case http.StatusGone:
		return fault.Gone("%s", msg)
	case http.StatusTooManyRequests:
		return fault.TooManyRequests("%s", msg)
	case 498:
		return fault.InvalidToken("%s", msg)
	default:
		return fault.Unknown("registry returned %d: %s", status, msg)
	}
}
