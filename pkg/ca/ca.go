// Package ca implements the trust anchor and per-host leaf certificate issuance.
//
// Responsibilities:
//   - Parse a DN (flexible formats) into pkix.Name
//   - Load a trust anchor from combined PEM or separate cert/key files
//   - Generate a self-signed anchor when requested (first run, tests)
//   - Mint per-host leaf certificates signed by the anchor
//
// The anchor is loaded once at startup and is immutable afterwards; callers
// receive a shared read-only reference. Leaf issuance is safe for concurrent
// use and never mutates the anchor.
package ca

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"strings"
	"time"
)

// ErrCrypto marks a key generation or signing failure during leaf issuance.
// It is scoped to the requesting connection and never fatal to the process.
var ErrCrypto = errors.New("crypto failure")

// Anchor holds the parsed root certificate, its private key and the combined
// PEM bytes. Immutable after load.
type Anchor struct {
	Cert *x509.Certificate
	Priv crypto.PrivateKey
	pem  []byte
}

// PEM returns the PEM-encoded anchor certificate+key bytes.
func (a *Anchor) PEM() []byte {
	return a.pem
}

// CertPEM returns only the certificate block of the anchor, suitable for
// handing to clients that need to trust the interception root.
func (a *Anchor) CertPEM() []byte {
	remain := a.pem
	for {
		var block *pem.Block
		block, remain = pem.Decode(remain)
		if block == nil {
			return nil
		}
		if block.Type == "CERTIFICATE" {
			return pem.EncodeToMemory(block)
		}
	}
}

// CheckPEMHasCertAndKey checks combined PEM bytes contain at least one
// CERTIFICATE and one PRIVATE KEY block.
func CheckPEMHasCertAndKey(pemBytes []byte) (hasCert bool, hasKey bool) {
	remain := pemBytes
	for {
		var block *pem.Block
		block, remain = pem.Decode(remain)
		if block == nil {
			break
		}
		switch block.Type {
		case "CERTIFICATE":
			hasCert = true
		case "PRIVATE KEY", "RSA PRIVATE KEY", "EC PRIVATE KEY":
			hasKey = true
		}
	}
	return
}

// LoadCombined parses a combined PEM (certificate + private key) into an Anchor.
func LoadCombined(pemBytes []byte) (*Anchor, error) {
	hasCert, hasKey := CheckPEMHasCertAndKey(pemBytes)
	if !hasCert || !hasKey {
		return nil, fmt.Errorf("combined PEM missing certificate or private key")
	}

	var cert *x509.Certificate
	var key crypto.PrivateKey
	remain := pemBytes
	for {
		var block *pem.Block
		block, remain = pem.Decode(remain)
		if block == nil {
			break
		}
		switch block.Type {
		case "CERTIFICATE":
			c, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parsing certificate block: %w", err)
			}
			cert = c
		case "PRIVATE KEY":
			k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parsing PKCS8 private key: %w", err)
			}
			key = k
		case "RSA PRIVATE KEY":
			k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parsing RSA private key: %w", err)
			}
			key = k
		case "EC PRIVATE KEY":
			k, err := x509.ParseECPrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parsing EC private key: %w", err)
			}
			key = k
		}
	}

	if cert == nil || key == nil {
		return nil, errors.New("combined PEM did not yield both certificate and key")
	}
	if !cert.IsCA {
		return nil, errors.New("anchor certificate is not a CA certificate")
	}
	if time.Now().After(cert.NotAfter) {
		return nil, fmt.Errorf("anchor certificate expired %s", cert.NotAfter.Format(time.RFC3339))
	}

	return &Anchor{Cert: cert, Priv: key, pem: pemBytes}, nil
}

// NewAnchorFromFiles loads the anchor from a combined PEM file or from
// separate cert/key files. Missing or unreadable input is an error; callers
// treat it as fatal configuration before the listener opens.
func NewAnchorFromFiles(combinedPem, certFile, keyFile string) (*Anchor, error) {
	if combinedPem != "" {
		b, err := os.ReadFile(combinedPem)
		if err != nil {
			return nil, fmt.Errorf("read anchor pem: %w", err)
		}
		return LoadCombined(b)
	}
	if certFile != "" && keyFile != "" {
		cb, err := os.ReadFile(certFile)
		if err != nil {
			return nil, fmt.Errorf("read anchor cert: %w", err)
		}
		kb, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("read anchor key: %w", err)
		}
		combined := append(cb, kb...)
		return LoadCombined(combined)
	}
	return nil, errors.New("no anchor files provided")
}

// SaveCombined writes the combined PEM to disk atomically.
func (a *Anchor) SaveCombined(path string) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, a.PEM(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ParseDN parses a flexible DN string into pkix.Name.
// Supported formats:
//   - plain string without '=' -> treated as CommonName
//   - slash-style:  "/C=US/ST=.../O=Org/CN=Name"
//   - comma/semicolon style: "CN=Name,O=Org,C=US"
func ParseDN(s string) (pkix.Name, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return pkix.Name{}, errors.New("empty dn")
	}
	if !strings.Contains(s, "=") {
		return pkix.Name{CommonName: s}, nil
	}
	parts := splitDN(s)
	name := pkix.Name{}
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		k := strings.ToUpper(strings.TrimSpace(kv[0]))
		v := strings.TrimSpace(kv[1])
		switch k {
		case "CN":
			name.CommonName = v
		case "O":
			name.Organization = append(name.Organization, v)
		case "OU":
			name.OrganizationalUnit = append(name.OrganizationalUnit, v)
		case "L":
			name.Locality = append(name.Locality, v)
		case "ST", "S":
			name.Province = append(name.Province, v)
		case "C":
			name.Country = append(name.Country, v)
		default:
			// ignore unknown attributes
		}
	}
	if name.CommonName == "" {
		return name, errors.New("dn must include CN")
	}
	return name, nil
}

func splitDN(s string) []string {
	if strings.HasPrefix(s, "/") {
		s = strings.TrimPrefix(s, "/")
		return strings.Split(s, "/")
	}
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';'
	})
}

// GenerateAnchor generates an RSA-4096 self-signed anchor certificate for the
// provided pkix.Name, valid for ten years.
func GenerateAnchor(name pkix.Name) (*Anchor, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 4096)
	if err != nil {
		return nil, fmt.Errorf("generate anchor RSA key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               name,
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLen:            2,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return nil, fmt.Errorf("create anchor certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse generated certificate: %w", err)
	}
	combined := append(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})...)
	return &Anchor{Cert: cert, Priv: priv, pem: combined}, nil
}

// Leaf is a minted per-host certificate. Leaves are replaced on expiry, never
// mutated; the tls.Certificate inside is safe to share across handshakes.
type Leaf struct {
	Hostname    string
	Certificate tls.Certificate
	NotBefore   time.Time
	NotAfter    time.Time
	IssuedAt    time.Time
}

// Issuer mints leaf certificates signed by its anchor. Concurrent Issue calls
// for distinct hostnames do not contend; the anchor is read-only.
type Issuer struct {
	anchor *Anchor
	ttl    time.Duration
}

// NewIssuer returns an Issuer producing leaves valid for ttl, capped by the
// anchor's own remaining validity.
func NewIssuer(anchor *Anchor, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Issuer{anchor: anchor, ttl: ttl}
}

// Anchor returns the issuer's trust anchor.
func (i *Issuer) Anchor() *Anchor {
	return i.anchor
}

// Issue mints a fresh leaf certificate for host. The subject CN and SAN name
// the host (without any :port suffix); the validity window is the configured
// TTL capped at the anchor's NotAfter. Failures wrap ErrCrypto.
func (i *Issuer) Issue(host string) (*Leaf, error) {
	hostOnly := host
	if strings.Contains(hostOnly, ":") {
		if h, _, err := net.SplitHostPort(hostOnly); err == nil {
			hostOnly = h
		}
	}
	if hostOnly == "" {
		return nil, fmt.Errorf("%w: empty hostname", ErrCrypto)
	}

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: generate leaf key: %v", ErrCrypto, err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("%w: serial: %v", ErrCrypto, err)
	}

	now := time.Now()
	notBefore := now.Add(-1 * time.Hour)
	notAfter := now.Add(i.ttl)
	if notAfter.After(i.anchor.Cert.NotAfter) {
		notAfter = i.anchor.Cert.NotAfter
	}
	if !notAfter.After(now) {
		return nil, fmt.Errorf("%w: anchor validity exhausted", ErrCrypto)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: hostOnly},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(hostOnly); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{hostOnly}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, i.anchor.Cert, &priv.PublicKey, i.anchor.Priv)
	if err != nil {
		return nil, fmt.Errorf("%w: sign leaf for %s: %v", ErrCrypto, hostOnly, err)
	}
	parsed, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: parse minted leaf: %v", ErrCrypto, err)
	}

	return &Leaf{
		Hostname: hostOnly,
		Certificate: tls.Certificate{
			Certificate: [][]byte{der},
			PrivateKey:  priv,
			Leaf:        parsed,
		},
		NotBefore: notBefore,
		NotAfter:  notAfter,
		IssuedAt:  now,
	}, nil
}
