package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"net/http"
	"net/url"
	"testing"
)

func peerRequest(t *testing.T, leaf *x509.Certificate) *http.Request {
	t.Helper()
	return &http.Request{
		TLS: &tls.ConnectionState{PeerCertificates: []*x509.Certificate{leaf}},
	}
}

func TestPeerIdentity_PrefersSANURI(t *testing.T) {
	uri, _ := url.Parse("spiffe://tickplane/wallet-service")
	leaf := &x509.Certificate{
		URIs:     []*url.URL{uri},
		DNSNames: []string{"wallet-service.internal"},
		Subject:  pkix.Name{CommonName: "wallet-service"},
	}
	if got := PeerIdentity(peerRequest(t, leaf)); got != "spiffe://tickplane/wallet-service" {
		t.Errorf("identity = %q, want SAN URI", got)
	}
}

func TestPeerIdentity_FallsBackToDNSThenCN(t *testing.T) {
	leaf := &x509.Certificate{
		DNSNames: []string{"wallet-service.internal"},
		Subject:  pkix.Name{CommonName: "wallet-service"},
	}
	if got := PeerIdentity(peerRequest(t, leaf)); got != "wallet-service.internal" {
		t.Errorf("identity = %q, want SAN DNS", got)
	}

	leaf = &x509.Certificate{Subject: pkix.Name{CommonName: "wallet-service"}}
	if got := PeerIdentity(peerRequest(t, leaf)); got != "wallet-service" {
		t.Errorf("identity = %q, want CN", got)
	}
}

func TestPeerIdentity_NoPeer(t *testing.T) {
	if got := PeerIdentity(&http.Request{}); got != "" {
		t.Errorf("identity = %q, want empty for plain request", got)
	}
	if got := PeerIdentity(&http.Request{TLS: &tls.ConnectionState{}}); got != "" {
		t.Errorf("identity = %q, want empty without peer certs", got)
	}
}

func TestMaterial_MinVersion(t *testing.T) {
	if (Material{}).minVersion() != tls.VersionTLS12 {
		t.Error("default floor must be TLS 1.2")
	}
	if (Material{ForceTLS13: true}).minVersion() != tls.VersionTLS13 {
		t.Error("ForceTLS13 must raise the floor to TLS 1.3")
	}
}

func TestServerConfig_MissingFiles(t *testing.T) {
	_, err := ServerConfig(Material{CertFile: "nope.pem", KeyFile: "nope.pem", CAFile: "nope.pem"})
	if err == nil {
		t.Error("missing material must fail")
	}
}
