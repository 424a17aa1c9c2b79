package discovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"
)

// Discovery failure kinds. ErrServiceNotFound means the name lookup failed;
// ErrServiceUnreachable means the registry resolved an instance but it did
// not answer the liveness probe.
var (
	ErrServiceNotFound    = errors.New("discovery: service not found")
	ErrServiceUnreachable = errors.New("discovery: service unreachable")
)

// DefaultProbeTimeout caps a single liveness probe attempt.
const DefaultProbeTimeout = 2 * time.Second

// Resolver queries the registry for one live instance of a service.
type Resolver interface {
	Resolve(ctx context.Context, serviceName string) (Endpoint, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, serviceName string) (Endpoint, error)

func (f ResolverFunc) Resolve(ctx context.Context, serviceName string) (Endpoint, error) {
	return f(ctx, serviceName)
}

// Prober checks whether an endpoint answers GET /ping within the probe
// timeout. Injectable for testing.
type Prober func(ctx context.Context, ep Endpoint) bool

// Client implements findService: cache, probe, registry query, probe again.
type Client struct {
	cache    *Cache
	resolver Resolver
	probe    Prober

	probeTimeout time.Duration
}

// Config configures a discovery Client.
type Config struct {
	Cache    *Cache
	Resolver Resolver

	// HTTPClient issues the default /ping probe; ignored when Probe is set.
	HTTPClient *http.Client
	Probe      Prober

	ProbeTimeout time.Duration
}

// NewClient creates a discovery client.
func NewClient(cfg Config) *Client {
	if cfg.Cache == nil {
		cfg.Cache = NewCache(0)
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	c := &Client{
		cache:        cfg.Cache,
		resolver:     cfg.Resolver,
		probeTimeout: cfg.ProbeTimeout,
	}
	if cfg.Probe != nil {
		c.probe = cfg.Probe
	} else {
		httpClient := cfg.HTTPClient
		if httpClient == nil {
			httpClient = &http.Client{}
		}
		c.probe = pingProber(httpClient)
	}
	return c
}

// FindService returns a live endpoint for the named service.
//
// The flow is: consult the cache; probe a cached endpoint and return it when
// healthy, invalidating it otherwise; query the registry for a fresh
// instance; probe it; cache and return on success.
func (c *Client) FindService(ctx context.Context, name string) (Endpoint, error) {
	if cached, ok := c.cache.Get(name); ok {
		if c.probeWithTimeout(ctx, cached) {
			return cached, nil
		}
		log.Printf("[discovery] cached instance of %s unhealthy, invalidating", name)
		c.cache.Invalidate(name)
	}

	fresh, err := c.resolver.Resolve(ctx, name)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %s: %v", ErrServiceNotFound, name, err)
	}

	if !c.probeWithTimeout(ctx, fresh) {
		return Endpoint{}, fmt.Errorf("%w: %s at %s:%d", ErrServiceUnreachable, name, fresh.IP, fresh.Port)
	}

	c.cache.Put(name, fresh)
	return fresh, nil
}

// Invalidate drops any cached endpoint for the name.
func (c *Client) Invalidate(name string) {
	c.cache.Invalidate(name)
}

func (c *Client) probeWithTimeout(ctx context.Context, ep Endpoint) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	probeCtx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()
	return c.probe(probeCtx, ep)
}

// pingProber issues GET /ping over HTTPS. Any non-2xx response or transport
// error maps to false with no retry at this layer.
func pingProber(client *http.Client) Prober {
	return func(ctx context.Context, ep Endpoint) bool {
		u := "https://" + ep.IP + ":" + strconv.Itoa(ep.Port) + "/ping"
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode >= 200 && resp.StatusCode < 300
	}
}
