// Package resolver defines the hostname resolution contract used when dialing
// upstream, plus the system and DNS-server backed implementations.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog/log"
)

// ErrResolutionFailed marks a lookup that produced no usable addresses. It is
// scoped to the requesting connection.
var ErrResolutionFailed = errors.New("resolution failed")

// Resolver maps a hostname to an ordered address list. The mechanism is
// unspecified beyond this contract.
type Resolver interface {
	Resolve(ctx context.Context, host string) ([]string, error)
}

// System resolves through the operating system's stub resolver.
type System struct {
	r net.Resolver
}

// NewSystem returns a Resolver backed by net.Resolver.
func NewSystem() *System {
	return &System{}
}

// Resolve returns the host's addresses in resolver order. Literal IPs pass
// through without a lookup.
func (s *System) Resolve(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{host}, nil
	}
	addrs, err := s.r.LookupHost(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrResolutionFailed, host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %s: no addresses", ErrResolutionFailed, host)
	}
	return addrs, nil
}

// DNS resolves against a specific DNS server, querying A then AAAA.
type DNS struct {
	server string
	client *dns.Client
}

// NewDNS returns a Resolver querying server (host:port; :53 is appended when
// the port is missing).
func NewDNS(server string) *DNS {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	return &DNS{
		server: server,
		client: &dns.Client{Timeout: 5 * time.Second},
	}
}

// Resolve queries the configured server for A and AAAA records.
func (d *DNS) Resolve(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{host}, nil
	}

	fqdn := dns.Fqdn(host)
	var addrs []string
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(fqdn, qtype)
		msg.RecursionDesired = true

		resp, _, err := d.client.ExchangeContext(ctx, msg, d.server)
		if err != nil {
			log.Ctx(ctx).Debug().Err(err).Str("host", host).Uint16("qtype", qtype).Msg("dns exchange failed")
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			continue
		}
		for _, rr := range resp.Answer {
			switch r := rr.(type) {
			case *dns.A:
				addrs = append(addrs, r.A.String())
			case *dns.AAAA:
				addrs = append(addrs, r.AAAA.String())
			}
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %s: no answers from %s", ErrResolutionFailed, host, d.server)
	}
	return addrs, nil
}

// Static maps hostnames to fixed address lists. Used in tests and for pinned
// destinations.
type Static map[string][]string

// Resolve returns the pinned addresses for host.
func (s Static) Resolve(_ context.Context, host string) ([]string, error) {
	addrs, ok := s[host]
	if !ok || len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %s: not in static table", ErrResolutionFailed, host)
	}
	return addrs, nil
}
