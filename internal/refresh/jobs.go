package refresh

import (
	"context"
	"sync"
	"time"

	"github.com/tickplane/tickplane/internal/regclient"
)

// Default refresh cadences. Both sit well inside the default 20 s lease so a
// single missed tick never costs the registration.
const (
	DefaultTokenRefreshInterval = 5 * time.Second
	DefaultTTLRefreshInterval   = 5 * time.Second
)

// Session tracks one instance's registration credentials. The registry
// rotates the token on every heartbeat and rotation, so the session is the
// single owner of the current value.
type Session struct {
	client      *regclient.Client
	serviceName string
	instanceID  string

	mu    sync.Mutex
	token string
}

// NewSession wraps the credentials returned by a successful registration.
func NewSession(client *regclient.Client, serviceName, instanceID, token string) *Session {
	return &Session{
		client:      client,
		serviceName: serviceName,
		instanceID:  instanceID,
		token:       token,
	}
}

// Token returns the currently valid instance token.
func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Heartbeat refreshes the lease and adopts the rotated token.
func (s *Session) Heartbeat(ctx context.Context) error {
	resp, err := s.client.Heartbeat(ctx, s.serviceName, s.instanceID, s.Token())
	if err != nil {
		return err
	}
	if resp.Token != "" {
		s.setToken(resp.Token)
	}
	return nil
}

// Rotate exchanges the current token for a fresh one.
func (s *Session) Rotate(ctx context.Context) error {
	token, err := s.client.RotateToken(ctx, s.instanceID, s.Token())
	if err != nil {
		return err
	}
	s.setToken(token)
	return nil
}

// Deregister removes the instance from the registry.
func (s *Session) Deregister(ctx context.Context) error {
	return s.client.Deregister(ctx, s.serviceName, s.instanceID, s.Token())
}

func (s *Session) setToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// TokenRefresherJob rotates the instance token on a fixed cadence.
type TokenRefresherJob struct {
	session  *Session
	interval time.Duration
}

// NewTokenRefresher creates the rotation job.
func NewTokenRefresher(session *Session, interval time.Duration) *TokenRefresherJob {
	if interval <= 0 {
		interval = DefaultTokenRefreshInterval
	}
	return &TokenRefresherJob{session: session, interval: interval}
}

func (j *TokenRefresherJob) Name() string            { return "token-refresher" }
func (j *TokenRefresherJob) Interval() time.Duration { return j.interval }

func (j *TokenRefresherJob) Execute(ctx context.Context) error {
	return j.session.Rotate(ctx)
}

// TTLRefresherJob heartbeats the lease on a fixed cadence.
type TTLRefresherJob struct {
	session  *Session
	interval time.Duration
}

// NewTTLRefresher creates the heartbeat job.
func NewTTLRefresher(session *Session, interval time.Duration) *TTLRefresherJob {
	if interval <= 0 {
		interval = DefaultTTLRefreshInterval
	}
	return &TTLRefresherJob{session: session, interval: interval}
}

func (j *TTLRefresherJob) Name() string            { return "ttl-refresher" }
func (j *TTLRefresherJob) Interval() time.Duration { return j.interval }

func (j *TTLRefresherJob) Execute(ctx context.Context) error {
	return j.session.Heartbeat(ctx)
}
