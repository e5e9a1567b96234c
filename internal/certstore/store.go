package certstore

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"

	"github.com/gruxhq/grux/internal/config"
)

// CertInfo holds metadata about one stored certificate.
type CertInfo struct {
	Hostname   string    `json:"hostname"`
	Domains    []string  `json:"domains"`
	Issuer     string    `json:"issuer"`
	NotBefore  time.Time `json:"not_before"`
	NotAfter   time.Time `json:"not_after"`
	DaysLeft   int       `json:"days_left"`
	Serial     string    `json:"serial"`
	SelfSigned bool      `json:"self_signed"`
}

// snapshot is an immutable certificate map. Lookups during handshakes read
// one snapshot; Replace publishes a complete new one.
type snapshot struct {
	exact    map[string]*tls.Certificate
	wildcard map[string]*tls.Certificate // "*.example.com" keyed by ".example.com"
	fallback *tls.Certificate
}

// Store resolves SNI server names to certificates. All mutation goes
// through Replace; a handshake in flight keeps the snapshot it started
// with.
type Store struct {
	snap atomic.Pointer[snapshot]
	acme *autocert.Manager
}

// New creates a store with an optional fallback certificate, used when no
// hostname matches (typically the self-signed default).
func New(fallback *tls.Certificate) *Store {
	s := &Store{}
	s.snap.Store(&snapshot{
		exact:    make(map[string]*tls.Certificate),
		wildcard: make(map[string]*tls.Certificate),
		fallback: fallback,
	})
	return s
}

// SetACME attaches an autocert manager consulted for hostnames that have no
// static certificate.
func (s *Store) SetACME(m *autocert.Manager) {
	s.acme = m
}

// Replace atomically publishes a new certificate map, keeping the current
// fallback.
func (s *Store) Replace(certs map[string]*tls.Certificate) {
	old := s.snap.Load()
	next := &snapshot{
		exact:    make(map[string]*tls.Certificate, len(certs)),
		wildcard: make(map[string]*tls.Certificate),
		fallback: old.fallback,
	}
	for hostname, cert := range certs {
		hostname = strings.ToLower(hostname)
		if strings.HasPrefix(hostname, "*.") {
			next.wildcard[hostname[1:]] = cert
		} else {
			next.exact[hostname] = cert
		}
	}
	s.snap.Store(next)
}

// Update publishes a new certificate for one hostname, leaving the rest of
// the map unchanged. Used by the renewer so one renewal never disturbs
// other certificates.
func (s *Store) Update(hostname string, cert *tls.Certificate) {
	old := s.snap.Load()
	next := &snapshot{
		exact:    make(map[string]*tls.Certificate, len(old.exact)+1),
		wildcard: make(map[string]*tls.Certificate, len(old.wildcard)),
		fallback: old.fallback,
	}
	for k, v := range old.exact {
		next.exact[k] = v
	}
	for k, v := range old.wildcard {
		next.wildcard[k] = v
	}

	hostname = strings.ToLower(hostname)
	if strings.HasPrefix(hostname, "*.") {
		next.wildcard[hostname[1:]] = cert
	} else {
		next.exact[hostname] = cert
	}
	s.snap.Store(next)
}

// GetCertificate implements tls.Config.GetCertificate. Resolution order:
// exact hostname, wildcard, ACME issuance, fallback certificate.
func (s *Store) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	snap := s.snap.Load()
	name := strings.ToLower(strings.TrimSuffix(hello.ServerName, "."))

	// ALPN challenge handshakes must reach the ACME manager, never a
	// static certificate.
	if s.acme != nil && isALPNChallenge(hello) {
		return s.acme.GetCertificate(hello)
	}

	if cert, ok := snap.exact[name]; ok {
		return cert, nil
	}
	if idx := strings.IndexByte(name, '.'); idx >= 0 {
		if cert, ok := snap.wildcard[name[idx:]]; ok {
			return cert, nil
		}
	}

	if s.acme != nil && name != "" {
		if cert, err := s.acme.GetCertificate(hello); err == nil {
			return cert, nil
		}
	}

	if snap.fallback != nil {
		return snap.fallback, nil
	}
	return nil, fmt.Errorf("certstore: no certificate for %q", hello.ServerName)
}

// TLSConfig returns a tls.Config serving from the store. ALPN offers h2
// before http/1.1 so HTTP/2 is negotiated whenever the client supports it.
func (s *Store) TLSConfig() *tls.Config {
	protos := []string{"h2", "http/1.1"}
	if s.acme != nil {
		protos = append(protos, acme.ALPNProto)
	}
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: s.GetCertificate,
		NextProtos:     protos,
	}
}

func isALPNChallenge(hello *tls.ClientHelloInfo) bool {
	for _, proto := range hello.SupportedProtos {
		if proto == acme.ALPNProto {
			return true
		}
	}
	return false
}

// Status reports metadata for every stored certificate.
func (s *Store) Status() []CertInfo {
	snap := s.snap.Load()
	infos := make([]CertInfo, 0, len(snap.exact)+len(snap.wildcard)+1)

	for hostname, cert := range snap.exact {
		infos = append(infos, certInfo(hostname, cert))
	}
	for suffix, cert := range snap.wildcard {
		infos = append(infos, certInfo("*"+suffix, cert))
	}
	if snap.fallback != nil {
		info := certInfo("(default)", snap.fallback)
		info.SelfSigned = true
		infos = append(infos, info)
	}
	return infos
}

func certInfo(hostname string, cert *tls.Certificate) CertInfo {
	info := CertInfo{Hostname: hostname, DaysLeft: -1}
	leaf := cert.Leaf
	if leaf == nil && len(cert.Certificate) > 0 {
		leaf, _ = x509.ParseCertificate(cert.Certificate[0])
	}
	if leaf != nil {
		info.Domains = leaf.DNSNames
		info.Issuer = leaf.Issuer.CommonName
		info.NotBefore = leaf.NotBefore
		info.NotAfter = leaf.NotAfter
		info.DaysLeft = int(time.Until(leaf.NotAfter).Hours() / 24)
		info.Serial = formatSerial(leaf.SerialNumber)
	}
	return info
}

// formatSerial formats a certificate serial number as a hex string.
func formatSerial(serial *big.Int) string {
	if serial == nil {
		return ""
	}
	return fmt.Sprintf("%X", serial)
}

// LoadSiteCertificates loads the static certificate files referenced by the
// given sites and maps every hostname to its pair.
func LoadSiteCertificates(sites []config.SiteConfig) (map[string]*tls.Certificate, error) {
	certs := make(map[string]*tls.Certificate)
	for _, site := range sites {
		if site.TLS.CertFile == "" || site.TLS.KeyFile == "" {
			continue
		}
		cert, err := tls.LoadX509KeyPair(site.TLS.CertFile, site.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("certstore: site %s: %w", site.ID, err)
		}
		if cert.Leaf == nil && len(cert.Certificate) > 0 {
			cert.Leaf, _ = x509.ParseCertificate(cert.Certificate[0])
		}
		for _, hostname := range site.Hostnames {
			if hostname == "*" {
				continue
			}
			certs[strings.ToLower(hostname)] = &cert
		}
	}
	return certs, nil
}
