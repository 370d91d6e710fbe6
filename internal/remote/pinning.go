package remote

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
)

const pinPrefix = "sha256/"

// SPKIPin returns the pin of a certificate's public key in "sha256/<base64>" form.
func SPKIPin(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return pinPrefix + base64.StdEncoding.EncodeToString(sum[:])
}

// NormalizePin accepts "sha256/<base64>", bare base64 or hex and returns the canonical form.
func NormalizePin(pin string) (string, error) {
	p := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(pin), pinPrefix))
	if raw, err := hex.DecodeString(p); err == nil && len(raw) == sha256.Size {
		return pinPrefix + base64.StdEncoding.EncodeToString(raw), nil
	}
	raw, err := base64.StdEncoding.DecodeString(p)
	if err != nil || len(raw) != sha256.Size {
		return "", fmt.Errorf("invalid SPKI pin %q", pin)
	}
	return pinPrefix + p, nil
}

// pinnedTLSConfig verifies the chain as usual and then requires the leaf key to match
// one of pins. With no pins the connection is refused.
func pinnedTLSConfig(pins []string, roots *x509.CertPool, serverName string) (*tls.Config, error) {
	if len(pins) == 0 {
		return nil, fmt.Errorf("at least one SPKI pin is required")
	}
	canonical := make([]string, 0, len(pins))
	for _, p := range pins {
		c, err := NormalizePin(p)
		if err != nil {
			return nil, err
		}
		canonical = append(canonical, c)
	}

	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    roots,
		ServerName: serverName,
		VerifyConnection: func(cs tls.ConnectionState) error {
			presented := make([]string, 0, len(cs.PeerCertificates))
			for _, cert := range cs.PeerCertificates {
				pin := SPKIPin(cert)
				if slices.Contains(canonical, pin) {
					return nil
				}
				presented = append(presented, pin)
			}
			return &PinningError{Host: cs.ServerName, Got: presented}
		},
	}, nil
}
