package proxy

import (
	"context"
	"errors"

	"github.com/jnovack/tls-proxy/pkg/ca"
	"github.com/jnovack/tls-proxy/pkg/relay"
	"github.com/jnovack/tls-proxy/pkg/resolver"
)

var (
	// ErrNoSNI fails a downstream handshake when the client presented no
	// server name and no default host is configured.
	ErrNoSNI = errors.New("client presented no SNI")

	// ErrHandshake marks a failed TLS handshake, downstream or upstream.
	ErrHandshake = errors.New("handshake failure")

	// ErrUpstreamUnreachable is returned after every resolved address has
	// been tried without establishing a connection.
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
)

// Connection outcomes as reported in records and metrics.
const (
	OutcomeRelayed             = "relayed"
	OutcomeCryptoFailure       = "crypto_failure"
	OutcomeHandshakeFailure    = "handshake_failure"
	OutcomeResolutionFailed    = "resolution_failed"
	OutcomeUpstreamUnreachable = "upstream_unreachable"
	OutcomeIdleTimeout         = "idle_timeout"
	OutcomeCancelled           = "cancelled"
	OutcomeRejected            = "rejected"
	OutcomeError               = "error"
)

// Outcome classifies a connection-terminating error. Idle timeout and
// cancellation are graceful terminations; everything else is a failure scoped
// to the one connection that raised it.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeRelayed
	case errors.Is(err, relay.ErrIdleTimeout):
		return OutcomeIdleTimeout
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return OutcomeCancelled
	case errors.Is(err, ca.ErrCrypto):
		return OutcomeCryptoFailure
	case errors.Is(err, resolver.ErrResolutionFailed):
		return OutcomeResolutionFailed
	case errors.Is(err, ErrUpstreamUnreachable):
		return OutcomeUpstreamUnreachable
	case errors.Is(err, ErrNoSNI) || errors.Is(err, ErrHandshake):
		return OutcomeHandshakeFailure
	default:
		return OutcomeError
	}
}
