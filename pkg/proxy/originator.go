package proxy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog/log"

	"github.com/jnovack/tls-proxy/pkg/resolver"
)

// VerifyMode selects how origin certificates are validated.
type VerifyMode string

const (
	// VerifyStrict validates the origin certificate against trust roots and
	// the hostname.
	VerifyStrict VerifyMode = "strict"
	// VerifyPermissive accepts any presented certificate, enabling
	// interception of self-signed or otherwise invalid origins.
	VerifyPermissive VerifyMode = "permissive"
)

// ParseVerifyMode validates a configured verification mode string.
func ParseVerifyMode(s string) (VerifyMode, error) {
	switch VerifyMode(strings.ToLower(s)) {
	case VerifyStrict:
		return VerifyStrict, nil
	case VerifyPermissive:
		return VerifyPermissive, nil
	default:
		return "", fmt.Errorf("unknown verify mode %q (want strict or permissive)", s)
	}
}

// Originator dials the real destination and performs the client-role TLS
// handshake.
type Originator struct {
	Resolver resolver.Resolver
	Verify   VerifyMode

	// Port is the upstream TCP port, "443" when empty.
	Port string

	// DialTimeout bounds each plaintext dial attempt.
	DialTimeout time.Duration

	// MaxAttempts bounds dial attempts across the resolved address list;
	// zero means one attempt per address.
	MaxAttempts int

	// RootCAs overrides the system trust roots in strict mode. Nil uses the
	// system pool.
	RootCAs *x509.CertPool
}

// Connect resolves host, dials each address in order with bounded retries,
// then handshakes TLS. Resolution errors carry resolver.ErrResolutionFailed;
// address exhaustion yields ErrUpstreamUnreachable; a failed upstream
// handshake wraps ErrHandshake. There is no fallback to a plaintext relay.
func (o *Originator) Connect(ctx context.Context, host string) (*tls.Conn, error) {
	addrs, err := o.Resolver.Resolve(ctx, host)
	if err != nil {
		return nil, err
	}

	port := o.Port
	if port == "" {
		port = "443"
	}
	dialTimeout := o.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	maxAttempts := o.MaxAttempts
	if maxAttempts <= 0 || maxAttempts > len(addrs) {
		maxAttempts = len(addrs)
	}

	b := &backoff.Backoff{Min: 50 * time.Millisecond, Max: time.Second, Jitter: true}
	dialer := &net.Dialer{Timeout: dialTimeout}

	var lastErr error
	for i, addr := range addrs {
		if i >= maxAttempts {
			break
		}
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(b.Duration()):
			}
		}

		target := net.JoinHostPort(addr, port)
		rawConn, err := dialer.DialContext(ctx, "tcp", target)
		if err != nil {
			log.Ctx(ctx).Debug().Err(err).Str("target", target).Int("attempt", i+1).Msg("upstream dial failed")
			lastErr = err
			continue
		}

		tlsCfg := &tls.Config{
			ServerName:         host,
			RootCAs:            o.RootCAs,
			InsecureSkipVerify: o.Verify == VerifyPermissive,
		}
		tlsConn := tls.Client(rawConn, tlsCfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = rawConn.Close()
			return nil, fmt.Errorf("%w: upstream %s: %v", ErrHandshake, target, err)
		}
		return tlsConn, nil
	}

	return nil, fmt.Errorf("%w: %s: %d addresses tried, last error: %v", ErrUpstreamUnreachable, host, min(maxAttempts, len(addrs)), lastErr)
}
