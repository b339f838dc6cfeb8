package proxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"testing"
	"time"

	"github.com/jnovack/tls-proxy/pkg/resolver"
)

func startSupervisor(t *testing.T, s *Supervisor) *Supervisor {
	t.Helper()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSupervisorRelaysEndToEnd(t *testing.T) {
	anchor := newTestAnchor(t)
	originHost, originPort := startTLSEcho(t, anchor, "echo.test")

	s := startSupervisor(t, &Supervisor{
		Addr:       "127.0.0.1:0",
		Terminator: &Terminator{Certs: newTestCache(t, anchor)},
		Originator: &Originator{
			Resolver: resolver.Static{"echo.test": {originHost}},
			Verify:   VerifyPermissive,
			Port:     originPort,
		},
		Grace: time.Second,
	})

	conn, err := tls.Dial("tcp", s.ListenAddr().String(), &tls.Config{
		ServerName: "echo.test",
		RootCAs:    anchorPool(anchor),
	})
	if err != nil {
		t.Fatalf("tls.Dial: %v", err)
	}
	defer conn.Close()

	payload := []byte("intercept me, please")
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn.CloseWrite(); err != nil {
		t.Fatalf("CloseWrite: %v", err)
	}
	echoed, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(echoed, payload) {
		t.Fatalf("echoed %q, want %q", echoed, payload)
	}

	recs := waitForRecords(t, s.Records, 1)
	rec := recs[0]
	if rec.Outcome != OutcomeRelayed {
		t.Fatalf("outcome = %q (%s), want relayed", rec.Outcome, rec.Error)
	}
	if rec.Host != "echo.test" {
		t.Fatalf("host = %q, want echo.test", rec.Host)
	}
	if rec.BytesIn != int64(len(payload)) || rec.BytesOut != int64(len(payload)) {
		t.Fatalf("bytes = %d/%d, want %d each way", rec.BytesIn, rec.BytesOut, len(payload))
	}
	if rec.ID == "" {
		t.Fatal("record should carry a connection id")
	}
}

func TestSupervisorRejectsBeyondLimit(t *testing.T) {
	anchor := newTestAnchor(t)

	s := startSupervisor(t, &Supervisor{
		Addr:       "127.0.0.1:0",
		Terminator: &Terminator{Certs: newTestCache(t, anchor)},
		Originator: &Originator{Resolver: resolver.Static{}, Verify: VerifyPermissive},
		MaxConns:   1,
		Grace:      time.Second,
	})

	// Occupy the single slot with a connection that never handshakes.
	holder, err := net.Dial("tcp", s.ListenAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer holder.Close()
	time.Sleep(100 * time.Millisecond)

	second, err := net.Dial("tcp", s.ListenAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer second.Close()

	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := second.Read(buf); err != io.EOF {
		t.Fatalf("read = %v, want EOF from an immediate close", err)
	}

	recs := waitForRecords(t, s.Records, 1)
	if recs[0].Outcome != OutcomeRejected {
		t.Fatalf("outcome = %q, want rejected", recs[0].Outcome)
	}
}

func TestSupervisorRecordsHandshakeFailure(t *testing.T) {
	anchor := newTestAnchor(t)

	s := startSupervisor(t, &Supervisor{
		Addr:       "127.0.0.1:0",
		Terminator: &Terminator{Certs: newTestCache(t, anchor)},
		Originator: &Originator{Resolver: resolver.Static{}, Verify: VerifyPermissive},
		Grace:      time.Second,
	})

	// No SNI and no default host: the handshake must fail.
	conn, err := net.Dial("tcp", s.ListenAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	tc := tls.Client(conn, &tls.Config{InsecureSkipVerify: true})
	_ = tc.Handshake() // expected to fail

	recs := waitForRecords(t, s.Records, 1)
	if recs[0].Outcome != OutcomeHandshakeFailure {
		t.Fatalf("outcome = %q, want handshake_failure", recs[0].Outcome)
	}
}

func TestSupervisorRecordsUpstreamUnreachable(t *testing.T) {
	anchor := newTestAnchor(t)
	port := closedPort(t)

	s := startSupervisor(t, &Supervisor{
		Addr:       "127.0.0.1:0",
		Terminator: &Terminator{Certs: newTestCache(t, anchor)},
		Originator: &Originator{
			Resolver:    resolver.Static{"dead.test": {"127.0.0.1"}},
			Verify:      VerifyPermissive,
			Port:        port,
			DialTimeout: time.Second,
		},
		Grace: time.Second,
	})

	conn, err := tls.Dial("tcp", s.ListenAddr().String(), &tls.Config{
		ServerName: "dead.test",
		RootCAs:    anchorPool(anchor),
	})
	if err != nil {
		t.Fatalf("tls.Dial: %v", err)
	}
	defer conn.Close()

	// The downstream session closes once the upstream dial is exhausted.
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 1)
	_, readErr := conn.Read(buf)
	if readErr == nil {
		t.Fatal("read should fail once the session is torn down")
	}

	recs := waitForRecords(t, s.Records, 1)
	if recs[0].Outcome != OutcomeUpstreamUnreachable {
		t.Fatalf("outcome = %q, want upstream_unreachable", recs[0].Outcome)
	}
}

func TestSupervisorObserverReceivesRecords(t *testing.T) {
	anchor := newTestAnchor(t)
	originHost, originPort := startTLSEcho(t, anchor, "watch.test")

	seen := make(chan ConnectionRecord, 1)
	s := startSupervisor(t, &Supervisor{
		Addr:       "127.0.0.1:0",
		Terminator: &Terminator{Certs: newTestCache(t, anchor)},
		Originator: &Originator{
			Resolver: resolver.Static{"watch.test": {originHost}},
			Verify:   VerifyPermissive,
			Port:     originPort,
		},
		Observer: func(r ConnectionRecord) { seen <- r },
		Grace:    time.Second,
	})

	conn, err := tls.Dial("tcp", s.ListenAddr().String(), &tls.Config{
		ServerName: "watch.test",
		RootCAs:    anchorPool(anchor),
	})
	if err != nil {
		t.Fatalf("tls.Dial: %v", err)
	}
	_, _ = conn.Write([]byte("hi"))
	_ = conn.CloseWrite()
	_, _ = io.ReadAll(conn)
	conn.Close()

	select {
	case rec := <-seen:
		if rec.Host != "watch.test" {
			t.Fatalf("observer host = %q, want watch.test", rec.Host)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("observer never invoked")
	}
}
