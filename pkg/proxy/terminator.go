package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"

	"github.com/rs/zerolog/log"

	"github.com/jnovack/tls-proxy/pkg/ca"
	"github.com/jnovack/tls-proxy/pkg/certcache"
)

// Terminator performs the server-role TLS handshake on accepted connections,
// selecting a minted certificate by the client's SNI.
type Terminator struct {
	Certs *certcache.Cache

	// DefaultHost is used when a client presents no SNI. Empty means such
	// clients fail the handshake with ErrNoSNI.
	DefaultHost string
}

// Handshake terminates TLS on conn and returns the established session plus
// the negotiated hostname. Certificate lookup happens inside the handshake
// via GetCertificate, blocking only this handshake. Issuance failures
// propagate with their ca.ErrCrypto cause; other failures wrap ErrHandshake.
func (t *Terminator) Handshake(ctx context.Context, conn net.Conn) (*tls.Conn, string, error) {
	var negotiated string
	tlsCfg := &tls.Config{
		GetCertificate: func(chi *tls.ClientHelloInfo) (*tls.Certificate, error) {
			serverName := chi.ServerName
			if serverName == "" {
				if t.DefaultHost == "" {
					return nil, ErrNoSNI
				}
				serverName = t.DefaultHost
			}
			negotiated = serverName
			leaf, err := t.Certs.GetOrIssue(ctx, serverName)
			if err != nil {
				log.Ctx(ctx).Error().Err(err).Str("server_name", serverName).Msg("leaf certificate lookup failed")
				return nil, err
			}
			return &leaf.Certificate, nil
		},
	}

	tlsConn := tls.Server(conn, tlsCfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		if errors.Is(err, ErrNoSNI) || errors.Is(err, ca.ErrCrypto) {
			return nil, "", err
		}
		// client may not speak TLS, or disconnected mid-handshake
		return nil, "", fmt.Errorf("%w: downstream: %v", ErrHandshake, err)
	}
	return tlsConn, negotiated, nil
}
