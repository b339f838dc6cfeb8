package proxy

import (
	"context"
	"crypto/x509"
	"errors"
	"testing"
	"time"

	"github.com/jnovack/tls-proxy/pkg/resolver"
)

func TestParseVerifyMode(t *testing.T) {
	cases := []struct {
		in   string
		want VerifyMode
		ok   bool
	}{
		{"strict", VerifyStrict, true},
		{"STRICT", VerifyStrict, true},
		{"permissive", VerifyPermissive, true},
		{"lenient", "", false},
		{"", "", false},
	}
	for _, c := range cases {
		got, err := ParseVerifyMode(c.in)
		if c.ok && (err != nil || got != c.want) {
			t.Fatalf("ParseVerifyMode(%q) = %v, %v; want %v", c.in, got, err, c.want)
		}
		if !c.ok && err == nil {
			t.Fatalf("ParseVerifyMode(%q) should fail", c.in)
		}
	}
}

func TestConnectPermissiveAcceptsUntrustedOrigin(t *testing.T) {
	anchor := newTestAnchor(t)
	host, port := startTLSEcho(t, anchor, "origin.test")

	o := &Originator{
		Resolver: resolver.Static{"origin.test": {host}},
		Verify:   VerifyPermissive,
		Port:     port,
	}
	conn, err := o.Connect(context.Background(), "origin.test")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn.Close()
}

func TestConnectStrictRejectsUntrustedOrigin(t *testing.T) {
	anchor := newTestAnchor(t)
	host, port := startTLSEcho(t, anchor, "origin.test")

	// An empty root pool makes the origin certificate unverifiable.
	o := &Originator{
		Resolver: resolver.Static{"origin.test": {host}},
		Verify:   VerifyStrict,
		Port:     port,
		RootCAs:  x509.NewCertPool(),
	}
	_, err := o.Connect(context.Background(), "origin.test")
	if !errors.Is(err, ErrHandshake) {
		t.Fatalf("err = %v, want ErrHandshake", err)
	}
}

func TestConnectStrictAcceptsTrustedOrigin(t *testing.T) {
	anchor := newTestAnchor(t)
	host, port := startTLSEcho(t, anchor, "origin.test")

	o := &Originator{
		Resolver: resolver.Static{"origin.test": {host}},
		Verify:   VerifyStrict,
		Port:     port,
		RootCAs:  anchorPool(anchor),
	}
	conn, err := o.Connect(context.Background(), "origin.test")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn.Close()
}

func TestConnectExhaustsAddresses(t *testing.T) {
	port := closedPort(t)

	o := &Originator{
		Resolver:    resolver.Static{"dead.test": {"127.0.0.1", "127.0.0.1"}},
		Verify:      VerifyPermissive,
		Port:        port,
		DialTimeout: time.Second,
	}

	start := time.Now()
	_, err := o.Connect(context.Background(), "dead.test")
	if !errors.Is(err, ErrUpstreamUnreachable) {
		t.Fatalf("err = %v, want ErrUpstreamUnreachable", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("exhaustion took %v, want bounded", elapsed)
	}
}

func TestConnectResolutionFailure(t *testing.T) {
	o := &Originator{
		Resolver: resolver.Static{},
		Verify:   VerifyPermissive,
	}
	_, err := o.Connect(context.Background(), "unknown.test")
	if !errors.Is(err, resolver.ErrResolutionFailed) {
		t.Fatalf("err = %v, want ErrResolutionFailed", err)
	}
}

func TestConnectCancellation(t *testing.T) {
	port := closedPort(t)
	o := &Originator{
		Resolver: resolver.Static{"dead.test": {"127.0.0.1", "127.0.0.1", "127.0.0.1"}},
		Verify:   VerifyPermissive,
		Port:     port,
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := o.Connect(ctx, "dead.test")
	if err == nil {
		t.Fatal("Connect should fail under a cancelled context")
	}
}
