package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/tickplane/tickplane/internal/broker"
	"github.com/tickplane/tickplane/internal/discovery"
	"github.com/tickplane/tickplane/internal/regclient"
	"github.com/tickplane/tickplane/internal/registry"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testPlane struct {
	handler http.Handler
	store   *registry.Store
	clock   *fakeClock
	table   *broker.Table
	sent    *sentLog
}

type sentLog struct {
	mu    sync.Mutex
	paths []string
}

func (l *sentLog) record(path string) {
	l.mu.Lock()
	l.paths = append(l.paths, path)
	l.mu.Unlock()
}

func (l *sentLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.paths...)
}

func newTestPlane(t *testing.T, cfg ServerConfig) *testPlane {
	t.Helper()
	clock := newFakeClock()
	store := registry.NewStore(registry.StoreConfig{Now: clock.Now})
	table := broker.NewTable()
	sent := &sentLog{}

	engine := broker.NewEngine(broker.EngineConfig{
		Finder: finderFunc(func(context.Context, string) (discovery.Endpoint, error) {
			return discovery.Endpoint{IP: "127.0.0.1", Port: 9000}, nil
		}),
		Send: func(_ context.Context, _ discovery.Endpoint, sub broker.Subscription, _ *broker.Message, _ int) error {
			sent.record(sub.CallbackPath)
			return nil
		},
	})
	dispatcher := broker.NewDispatcher(broker.DispatcherConfig{Table: table, Engine: engine})
	t.Cleanup(dispatcher.Stop)

	cfg.Store = store
	cfg.Table = table
	cfg.Dispatcher = dispatcher
	srv := NewServer(cfg)
	return &testPlane{handler: srv.Handler(), store: store, clock: clock, table: table, sent: sent}
}

type finderFunc func(ctx context.Context, name string) (discovery.Endpoint, error)

func (f finderFunc) FindService(ctx context.Context, name string) (discovery.Endpoint, error) {
	return f(ctx, name)
}

func (p *testPlane) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	p.handler.ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func registerScrapper(t *testing.T, p *testPlane) registerResponse {
	t.Helper()
	rec := p.do(t, http.MethodPost, "/register", registerRequest{
		Name: "financial-scrapper-service", Address: "127.0.0.1", Port: 8080, Protocol: "mtls",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("register: status %d body %s", rec.Code, rec.Body.String())
	}
	var resp registerResponse
	decodeInto(t, rec, &resp)
	return resp
}

func TestRegisterHeartbeatTokenRotation(t *testing.T) {
	p := newTestPlane(t, ServerConfig{})
	reg := registerScrapper(t, p)

	if reg.TTLMs != 20000 {
		t.Errorf("ttl = %d, want 20000", reg.TTLMs)
	}
	if reg.Token == "" || reg.InstanceID == "" {
		t.Fatalf("register response incomplete: %+v", reg)
	}

	hb := p.do(t, http.MethodPost, "/heartbeat", heartbeatRequest{
		ServiceName: "financial-scrapper-service", InstanceID: reg.InstanceID, AuthToken: reg.Token,
	}, nil)
	if hb.Code != http.StatusOK {
		t.Fatalf("heartbeat: status %d body %s", hb.Code, hb.Body.String())
	}
	var hbResp struct {
		Token string `json:"token"`
		TTLMs int64  `json:"ttl"`
	}
	decodeInto(t, hb, &hbResp)
	if hbResp.Token == reg.Token || hbResp.Token == "" {
		t.Error("heartbeat did not rotate the token")
	}
	if hbResp.TTLMs != 20000 {
		t.Errorf("heartbeat ttl = %d, want 20000", hbResp.TTLMs)
	}

	// The pre-rotation token is no longer valid.
	stale := p.do(t, http.MethodPost, "/heartbeat", heartbeatRequest{
		ServiceName: "financial-scrapper-service", InstanceID: reg.InstanceID, AuthToken: reg.Token,
	}, nil)
	if stale.Code != http.StatusUnauthorized {
		t.Errorf("stale token heartbeat: status %d, want 401", stale.Code)
	}
}

func TestHeartbeatUnknownInstanceIsNotFound(t *testing.T) {
	p := newTestPlane(t, ServerConfig{})
	reg := registerScrapper(t, p)

	rec := p.do(t, http.MethodPost, "/heartbeat", heartbeatRequest{
		ServiceName: "financial-scrapper-service", InstanceID: "never-registered", AuthToken: reg.Token,
	}, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown instance heartbeat: status %d, want 404", rec.Code)
	}
}

func TestLeaseEvictionReadsNotFound(t *testing.T) {
	p := newTestPlane(t, ServerConfig{})
	reg := registerScrapper(t, p)
	cleaner := registry.NewCleaner(p.store)

	path := "/services/financial-scrapper-service/" + reg.InstanceID
	if rec := p.do(t, http.MethodGet, path, nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("fresh instance read: status %d", rec.Code)
	}

	p.clock.Advance(21 * time.Second)
	cleaner.Sweep()

	if rec := p.do(t, http.MethodGet, path, nil, nil); rec.Code != http.StatusNotFound {
		t.Errorf("evicted instance read: status %d, want 404", rec.Code)
	}
}

func TestRotateToken(t *testing.T) {
	p := newTestPlane(t, ServerConfig{})
	reg := registerScrapper(t, p)

	rec := p.do(t, http.MethodPost, "/registry/token/rotate",
		rotateRequest{InstanceID: reg.InstanceID},
		map[string]string{regclient.TokenHeader: reg.Token})
	if rec.Code != http.StatusOK {
		t.Fatalf("rotate: status %d body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	decodeInto(t, rec, &resp)
	if resp.Token == reg.Token || resp.Token == "" {
		t.Error("rotate returned the old token")
	}

	// Presenting the stale token now fails with 498.
	stale := p.do(t, http.MethodPost, "/registry/token/rotate",
		rotateRequest{InstanceID: reg.InstanceID},
		map[string]string{regclient.TokenHeader: reg.Token})
	if stale.Code != StatusInvalidToken {
		t.Errorf("stale rotate: status %d, want 498", stale.Code)
	}

	// Bearer form is accepted too.
	bearer := p.do(t, http.MethodPost, "/registry/token/rotate",
		rotateRequest{InstanceID: reg.InstanceID},
		map[string]string{"Authorization": "Bearer " + resp.Token})
	if bearer.Code != http.StatusOK {
		t.Errorf("bearer rotate: status %d", bearer.Code)
	}
}

func TestResolveStatuses(t *testing.T) {
	p := newTestPlane(t, ServerConfig{})

	if rec := p.do(t, http.MethodGet, "/services/wallet-service", nil, nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown name: status %d, want 404", rec.Code)
	}

	registerScrapper(t, p)
	rec := p.do(t, http.MethodGet, "/services/financial-scrapper-service", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve: status %d", rec.Code)
	}
	var resp struct {
		Instances []instanceView `json:"instances"`
	}
	decodeInto(t, rec, &resp)
	if len(resp.Instances) != 1 {
		t.Fatalf("instances = %d, want 1", len(resp.Instances))
	}

	// All instances expired reads as 410 while the bucket still exists.
	p.clock.Advance(21 * time.Second)
	if rec := p.do(t, http.MethodGet, "/services/financial-scrapper-service", nil, nil); rec.Code != http.StatusGone {
		t.Errorf("expired name: status %d, want 410", rec.Code)
	}
}

func TestResolveOneRoundRobin(t *testing.T) {
	p := newTestPlane(t, ServerConfig{})
	for port := 8080; port < 8083; port++ {
		rec := p.do(t, http.MethodPost, "/register", registerRequest{
			Name: "market-data-service", Address: "127.0.0.1", Port: port,
		}, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("register port %d: status %d", port, rec.Code)
		}
	}

	seen := map[int]int{}
	for i := 0; i < 6; i++ {
		rec := p.do(t, http.MethodGet, "/services/market-data-service?one=true", nil, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("resolve one: status %d", rec.Code)
		}
		var inst instanceView
		decodeInto(t, rec, &inst)
		seen[inst.Port]++
	}
	for port := 8080; port < 8083; port++ {
		if seen[port] != 2 {
			t.Errorf("port %d picked %d times, want 2 (round robin)", port, seen[port])
		}
	}
}

func TestQueryStrictMetadata(t *testing.T) {
	p := newTestPlane(t, ServerConfig{})
	rec := p.do(t, http.MethodPost, "/register", registerRequest{
		Name: "wallet-service", Address: "127.0.0.1", Port: 8081,
		Metadata: map[string]string{"version": "2.1.0"},
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("register: status %d", rec.Code)
	}

	query := func(version string) int {
		rec := p.do(t, http.MethodPost, "/services", queryRequest{
			ServiceName: "wallet-service",
			Metadata:    map[string]string{"version": version},
		}, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("query: status %d", rec.Code)
		}
		var resp struct {
			Services map[string][]instanceView `json:"services"`
		}
		decodeInto(t, rec, &resp)
		return len(resp.Services["wallet-service"])
	}

	if n := query("2.1.0"); n != 1 {
		t.Errorf("exact match = %d instances, want 1", n)
	}
	if n := query("2.1"); n != 0 {
		t.Errorf("prefix match = %d instances, want 0 (equality is strict)", n)
	}
}

func TestDeregister(t *testing.T) {
	p := newTestPlane(t, ServerConfig{})
	reg := registerScrapper(t, p)
	path := "/services/financial-scrapper-service/" + reg.InstanceID

	unauthorized := p.do(t, http.MethodDelete, path, nil, nil)
	if unauthorized.Code != http.StatusUnauthorized {
		t.Errorf("deregister without token: status %d, want 401", unauthorized.Code)
	}

	rec := p.do(t, http.MethodDelete, path, nil, map[string]string{regclient.TokenHeader: reg.Token})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("deregister: status %d", rec.Code)
	}
	if rec := p.do(t, http.MethodGet, path, nil, nil); rec.Code != http.StatusNotFound {
		t.Errorf("read after deregister: status %d, want 404", rec.Code)
	}
}

func TestPing(t *testing.T) {
	p := newTestPlane(t, ServerConfig{})
	rec := p.do(t, http.MethodGet, "/ping", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ping: status %d", rec.Code)
	}
	var body string
	decodeInto(t, rec, &body)
	if body != "pong" {
		t.Errorf("ping body = %q, want pong", body)
	}
}

func TestBrokerSurface(t *testing.T) {
	p := newTestPlane(t, ServerConfig{})

	sub := p.do(t, http.MethodPost, "/subscription", subscribeRequest{
		Topic:            "trades.executed",
		CallbackPath:     "events/trades",
		ConsumerIdentity: broker.Identity{ServiceName: "wallet-service", InstanceID: "i1"},
	}, nil)
	if sub.Code != http.StatusNoContent {
		t.Fatalf("subscribe: status %d body %s", sub.Code, sub.Body.String())
	}

	pub := p.do(t, http.MethodPost, "/message", publishRequest{
		Metadata: broker.Metadata{Topic: "trades.executed"},
		Payload:  json.RawMessage(`{"qty":1}`),
	}, nil)
	if pub.Code != http.StatusNoContent {
		t.Fatalf("publish: status %d body %s", pub.Code, pub.Body.String())
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(p.sent.snapshot()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("message never delivered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := p.sent.snapshot(); got[0] != "events/trades" {
		t.Errorf("delivered to %q, want events/trades", got[0])
	}

	badTopic := p.do(t, http.MethodPost, "/message", publishRequest{
		Metadata: broker.Metadata{},
	}, nil)
	if badTopic.Code != http.StatusBadRequest {
		t.Errorf("publish without topic: status %d, want 400", badTopic.Code)
	}

	unsub := p.do(t, http.MethodDelete, "/subscription", unsubscribeRequest{
		Topic: "trades.executed", InstanceID: "i1",
	}, nil)
	if unsub.Code != http.StatusNoContent {
		t.Errorf("unsubscribe: status %d", unsub.Code)
	}
	// Unknown unsubscribe still succeeds.
	again := p.do(t, http.MethodDelete, "/subscription", unsubscribeRequest{
		Topic: "trades.executed", InstanceID: "i1",
	}, nil)
	if again.Code != http.StatusNoContent {
		t.Errorf("repeat unsubscribe: status %d", again.Code)
	}
}

func TestBootstrapSecretGatesRegister(t *testing.T) {
	p := newTestPlane(t, ServerConfig{BootstrapSecret: "s3cret-bootstrap"})

	denied := p.do(t, http.MethodPost, "/register", registerRequest{
		Name: "wallet-service", Address: "127.0.0.1", Port: 8080,
	}, nil)
	if denied.Code != http.StatusForbidden {
		t.Errorf("register without secret: status %d, want 403", denied.Code)
	}

	allowed := p.do(t, http.MethodPost, "/register", registerRequest{
		Name: "wallet-service", Address: "127.0.0.1", Port: 8080,
	}, map[string]string{regclient.BootstrapHeader: "s3cret-bootstrap"})
	if allowed.Code != http.StatusOK {
		t.Errorf("register with secret: status %d, want 200", allowed.Code)
	}

	// Heartbeat and reads stay open.
	if rec := p.do(t, http.MethodGet, "/ping", nil, nil); rec.Code != http.StatusOK {
		t.Errorf("ping gated by bootstrap secret: status %d", rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	p := newTestPlane(t, ServerConfig{RateLimitRPS: 1, RateLimitBurst: 2})

	var limited bool
	for i := 0; i < 5; i++ {
		rec := p.do(t, http.MethodGet, "/ping", nil, nil)
		if rec.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Error("burst of requests never rate limited")
	}
}

func TestBodyLimit(t *testing.T) {
	p := newTestPlane(t, ServerConfig{MaxBodyBytes: 64})

	rec := p.do(t, http.MethodPost, "/register", registerRequest{
		Name: "wallet-service", Address: "127.0.0.1", Port: 8080,
		Metadata: map[string]string{"pad": fmt.Sprintf("%0128d", 0)},
	}, nil)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized body: status %d, want 413", rec.Code)
	}
}

func TestRegisterValidation(t *testing.T) {
	p := newTestPlane(t, ServerConfig{})

	tests := []struct {
		name string
		req  registerRequest
	}{
		{"unknown catalog name", registerRequest{Name: "mystery-service", Address: "127.0.0.1", Port: 8080}},
		{"port zero", registerRequest{Name: "wallet-service", Address: "127.0.0.1", Port: 0}},
		{"port overflow", registerRequest{Name: "wallet-service", Address: "127.0.0.1", Port: 65536}},
		{"ipv6", registerRequest{Name: "wallet-service", Address: "::1", Port: 8080}},
		{"ip with space", registerRequest{Name: "wallet-service", Address: " 1.2.3.4", Port: 8080}},
		{"bad protocol", registerRequest{Name: "wallet-service", Address: "127.0.0.1", Port: 8080, Protocol: "gopher"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if rec := p.do(t, http.MethodPost, "/register", tc.req, nil); rec.Code != http.StatusBadRequest {
				t.Errorf("status %d, want 400", rec.Code)
			}
		})
	}
}
