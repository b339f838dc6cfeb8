package proxy

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
)

func newTestAnchor(t *testing.T) *ca.Anchor {
	t.Helper()
	anchor, err := ca.GenerateAnchor(pkix.Name{CommonName: "Test Interception Root", Organization: []string{"test"}})
	if err != nil {
		t.Fatalf("GenerateAnchor: %v", err)
	}
	return anchor
}

func newTestCache(t *testing.T, anchor *ca.Anchor) *certcache.Cache {
	t.Helper()
	issuer := ca.NewIssuer(anchor, time.Hour)
	return certcache.New(
		certcache.NewBloomAdmitter(256, 0.01),
		certcache.NewMemoryStore(64),
		issuer,
		time.Hour,
	)
}

func anchorPool(anchor *ca.Anchor) *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(anchor.Cert)
	return pool
}

// startTLSEcho runs a TLS listener that echoes every byte back until the
// client half-closes, then closes its write side. Returns host and port of
// the listener.
func startTLSEcho(t *testing.T, anchor *ca.Anchor, name string) (string, string) {
	t.Helper()
	issuer := ca.NewIssuer(anchor, time.Hour)
	leaf, err := issuer.Issue(name)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{leaf.Certificate}})
	if err != nil {
		t.Fatalf("tls.Listen: %v", err)
	}
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
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	return host, port
}

// closedPort returns a loopback port that nothing is listening on.
func closedPort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	_, port, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	_ = ln.Close()
	return port
}

// waitForRecords polls a RecordStore until it holds at least n entries.
func waitForRecords(t *testing.T, rs *RecordStore, n int) []ConnectionRecord {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		recs := rs.List()
		if len(recs) >= n {
			return recs
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d records, have %d", n, len(rs.List()))
	return nil
}
