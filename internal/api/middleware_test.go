package api

import (
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"net/http"
	"net/http/httptest"
	"testing"
)

func identityEcho(t *testing.T, got *string) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*got = ClientIdentity(r)
		w.WriteHeader(http.StatusOK)
	})
}

func withPeerCert(req *http.Request, commonName string) *http.Request {
	req.TLS = &tls.ConnectionState{
		PeerCertificates: []*x509.Certificate{
			{Subject: pkix.Name{CommonName: commonName}},
		},
	}
	return req
}

func TestClientIdentityMiddleware_RejectsMissingPeerCert(t *testing.T) {
	var got string
	h := ClientIdentityMiddleware(true, identityEcho(t, &got))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
	if got != "" {
		t.Errorf("handler ran with identity %q, want rejection before the handler", got)
	}
}

func TestClientIdentityMiddleware_PassesVerifiedPeer(t *testing.T) {
	var got string
	h := ClientIdentityMiddleware(true, identityEcho(t, &got))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, withPeerCert(httptest.NewRequest(http.MethodGet, "/ping", nil), "wallet-service"))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got != "wallet-service" {
		t.Errorf("identity = %q, want wallet-service", got)
	}
}

func TestClientIdentityMiddleware_OptionalForPlaintext(t *testing.T) {
	var got string
	h := ClientIdentityMiddleware(false, identityEcho(t, &got))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if got != "" {
		t.Errorf("identity = %q, want empty", got)
	}
}
