// Package certs mints the short-lived self-signed ECDSA certificate the
// QUIC distribution listener serves. Viewers pin it by SHA-256
// fingerprint rather than chaining to a CA, which is why validity is
// capped at 14 days (the limit serverCertificateHashes-style pinning
// enforces).
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"fmt"
	"math/big"
	"net"
	"time"
)

const maxValidity = 14 * 24 * time.Hour

// CertInfo bundles the served certificate with the fingerprint viewers
// pin.
type CertInfo struct {
	TLSCert     tls.Certificate
	Fingerprint [sha256.Size]byte
	NotAfter    time.Time
}

// FingerprintBase64 renders the pin the way viewer configs carry it.
func (c *CertInfo) FingerprintBase64() string {
	return base64.StdEncoding.EncodeToString(c.Fingerprint[:])
}

// Generate mints a fresh loopback/localhost certificate valid for ttl,
// clamped to the 14-day pinning limit.
func Generate(ttl time.Duration) (*CertInfo, error) {
	if ttl <= 0 || ttl > maxValidity {
		ttl = maxValidity
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("certs: generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("certs: generate serial: %w", err)
	}

	// Backdated a minute so a viewer with slight clock skew still accepts
	// it; the skew eats into ttl rather than extending past the cap.
	notBefore := time.Now().Add(-time.Minute)
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "prismcore"},
		NotBefore:    notBefore,
		NotAfter:     notBefore.Add(ttl),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("certs: create certificate: %w", err)
	}

	return &CertInfo{
		TLSCert:     tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key},
		Fingerprint: sha256.Sum256(der),
		NotAfter:    tmpl.NotAfter,
	}, nil
}
