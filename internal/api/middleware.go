package api

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/time/rate"

	"github.com/tickplane/tickplane/internal/fault"
	"github.com/tickplane/tickplane/internal/regclient"
	"github.com/tickplane/tickplane/internal/tlsutil"
)

type contextKey string

// clientIdentityKey carries the mTLS peer identity through the request
// context.
const clientIdentityKey contextKey = "clientIdentity"

// ClientIdentity returns the mTLS identity attached by the identity
// middleware, empty when the request carried no verified peer certificate.
func ClientIdentity(r *http.Request) string {
	id, _ := r.Context().Value(clientIdentityKey).(string)
	return id
}

// ClientIdentityMiddleware extracts the peer identity from the verified
// client certificate and attaches it to the request context. Certificate
// verification itself happens in the TLS handshake; with require set the
// middleware additionally rejects any request that arrived without a
// verified peer certificate. Plaintext test servers pass require=false.
func ClientIdentityMiddleware(require bool, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := tlsutil.PeerIdentity(r)
		if require && id == "" {
			writeFault(w, fault.Forbidden("client certificate required"))
			return
		}
		ctx := context.WithValue(r.Context(), clientIdentityKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestBodyLimitMiddleware enforces a max request body size for downstream
// handlers.
func RequestBodyLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	if maxBytes <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r != nil && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimitMiddleware applies a per-caller token bucket keyed by mTLS
// identity, falling back to the remote address for callers without one.
func RateLimitMiddleware(rps float64, burst int, next http.Handler) http.Handler {
	if rps <= 0 {
		return next
	}
	limiters := xsync.NewMap[string, *rate.Limiter]()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := ClientIdentity(r)
		if key == "" {
			key = r.RemoteAddr
		}
		limiter, _ := limiters.LoadOrCompute(key, func() (*rate.Limiter, bool) {
			return rate.NewLimiter(rate.Limit(rps), burst), false
		})
		if !limiter.Allow() {
			writeFault(w, fault.TooManyRequests("rate limit exceeded for %s", key))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// BootstrapSecretMiddleware gates registration behind a shared secret when
// one is configured. An empty configured secret disables the check.
func BootstrapSecretMiddleware(secret string, next http.Handler) http.Handler {
	if secret == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := r.Header.Get(regclient.BootstrapHeader)
		if subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) != 1 {
			writeFault(w, fault.Forbidden("missing or invalid bootstrap secret"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
