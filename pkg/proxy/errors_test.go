package proxy

import (
	"context"
	"fmt"
	"testing"

	"github.com/jnovack/tls-proxy/pkg/ca"
	"github.com/jnovack/tls-proxy/pkg/relay"
	"github.com/jnovack/tls-proxy/pkg/resolver"
)

func TestOutcomeClassification(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, OutcomeRelayed},
		{relay.ErrIdleTimeout, OutcomeIdleTimeout},
		{context.Canceled, OutcomeCancelled},
		{context.DeadlineExceeded, OutcomeCancelled},
		{fmt.Errorf("%w: signing failed", ca.ErrCrypto), OutcomeCryptoFailure},
		{fmt.Errorf("%w: no.such.host", resolver.ErrResolutionFailed), OutcomeResolutionFailed},
		{fmt.Errorf("%w: host: 2 addresses tried", ErrUpstreamUnreachable), OutcomeUpstreamUnreachable},
		{ErrNoSNI, OutcomeHandshakeFailure},
		{fmt.Errorf("%w: upstream: bad cert", ErrHandshake), OutcomeHandshakeFailure},
		{fmt.Errorf("broken pipe"), OutcomeError},
	}
	for _, c := range cases {
		if got := Outcome(c.err); got != c.want {
			t.Fatalf("Outcome(%v) = %q, want %q", c.err, got, c.want)
		}
	}
}

func TestRecordStoreRing(t *testing.T) {
	rs := NewRecordStore(3)
	for i := 0; i < 5; i++ {
		rs.Add(ConnectionRecord{ID: fmt.Sprintf("c%d", i)})
	}
	recs := rs.List()
	if len(recs) != 3 {
		t.Fatalf("len = %d, want 3", len(recs))
	}
	if recs[0].ID != "c2" || recs[2].ID != "c4" {
		t.Fatalf("unexpected retained window: %v", recs)
	}
	rs.Clear()
	if len(rs.List()) != 0 {
		t.Fatal("Clear should empty the store")
	}
}
