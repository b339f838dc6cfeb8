// Package helpers holds shared test utilities for the integration suite.
package helpers

import (
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"net"
	"testing"
	"time"

	"github.com/jnovack/tls-proxy/pkg/ca"
	"github.com/jnovack/tls-proxy/pkg/certcache"
	"github.com/stretchr/testify/require"
)

// --- Minimal metrics stub to satisfy proxy.Metrics ---

type NopMetrics struct{}

func (NopMetrics) IncTotalConnections()                {}
func (NopMetrics) IncRelayed()                         {}
func (NopMetrics) IncHandshakeFailures()               {}
func (NopMetrics) IncCryptoFailures()                  {}
func (NopMetrics) IncResolutionFailures()              {}
func (NopMetrics) IncUpstreamUnreachable()             {}
func (NopMetrics) IncIdleTimeouts()                    {}
func (NopMetrics) IncCancelled()                       {}
func (NopMetrics) IncRejected()                        {}
func (NopMetrics) AddBytes(_, _ int64)                 {}
func (NopMetrics) InflightAdd(_ string)                {}
func (NopMetrics) InflightRemove(_ string)             {}
func (NopMetrics) ObserveDuration(_ string, _ float64) {}

// ReservePort returns an available local TCP port by briefly listening and closing.
func ReservePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "reserve a local port")
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// NewAnchor creates a self-signed interception root for tests.
func NewAnchor(t *testing.T) *ca.Anchor {
	t.Helper()
	name := pkix.Name{CommonName: "Test Interception Root"}
	anchor, err := ca.GenerateAnchor(name)
	require.NoError(t, err, "generate anchor")
	return anchor
}

// NewLeafCache builds a certificate cache backed by the anchor.
func NewLeafCache(t *testing.T, anchor *ca.Anchor) *certcache.Cache {
	t.Helper()
	return certcache.New(
		certcache.NewBloomAdmitter(256, 0.01),
		certcache.NewMemoryStore(64),
		ca.NewIssuer(anchor, time.Hour),
		time.Hour,
	)
}

// AnchorPool returns a cert pool trusting only the anchor.
func AnchorPool(anchor *ca.Anchor) *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(anchor.Cert)
	return pool
}

// NewTLSEchoOrigin runs a TLS listener presenting a leaf for name, echoing
// bytes back until the peer half-closes. Returns the listener host and port.
func NewTLSEchoOrigin(t *testing.T, anchor *ca.Anchor, name string) (string, string) {
	t.Helper()
	leaf, err := ca.NewIssuer(anchor, time.Hour).Issue(name)
	require.NoError(t, err, "issue origin leaf")

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{leaf.Certificate}})
	require.NoError(t, err, "start origin listener")
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				_, _ = io.Copy(c, c)
				if tc, ok := c.(*tls.Conn); ok {
					_ = tc.CloseWrite()
				}
			}(conn)
		}
	}()

	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err, "split origin address")
	return host, port
}

// DialIntercepted opens a TLS session to the proxy for name, trusting the
// interception anchor.
func DialIntercepted(t *testing.T, proxyAddr, name string, anchor *ca.Anchor) *tls.Conn {
	t.Helper()
	conn, err := tls.Dial("tcp", proxyAddr, &tls.Config{
		ServerName: name,
		RootCAs:    AnchorPool(anchor),
	})
	require.NoError(t, err, "dial proxy")
	return conn
}
