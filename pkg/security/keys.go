package security

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// KeyLoadError reports missing or unreadable key material. It is fatal at startup.
type KeyLoadError struct {
	Path string
	Err  error
}

func (e *KeyLoadError) Error() string {
	return fmt.Sprintf("failed to load key material from %s: %v", e.Path, e.Err)
}

func (e *KeyLoadError) Unwrap() error {
	return e.Err
}

// PeerKey is the pinned public key of the Lighthouse server
type PeerKey struct {
	// SPKI is the DER-encoded SubjectPublicKeyInfo that must match the server leaf
	SPKI []byte
	// Cert is set when the key file carried a full certificate
	Cert *x509.Certificate
}

// LoadClientKeyPair loads the client certificate and private key from a single
// PEM file holding both blocks
func LoadClientKeyPair(path string) (*tls.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &KeyLoadError{Path: path, Err: err}
	}

	cert, err := tls.X509KeyPair(data, data)
	if err != nil {
		return nil, &KeyLoadError{Path: path, Err: err}
	}

	// Parse certificate to populate Leaf field
	if cert.Leaf == nil {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, &KeyLoadError{Path: path, Err: fmt.Errorf("failed to parse certificate: %w", err)}
		}
		cert.Leaf = leaf
	}

	return &cert, nil
}

// LoadPeerKey loads the Lighthouse public key. The file may hold either a
// CERTIFICATE or a PUBLIC KEY block.
func LoadPeerKey(path string) (*PeerKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &KeyLoadError{Path: path, Err: err}
	}

	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}

		switch block.Type {
		case "CERTIFICATE":
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, &KeyLoadError{Path: path, Err: fmt.Errorf("failed to parse certificate: %w", err)}
			}
			return PeerKeyFromCert(cert), nil
		case "PUBLIC KEY":
			if _, err := x509.ParsePKIXPublicKey(block.Bytes); err != nil {
				return nil, &KeyLoadError{Path: path, Err: fmt.Errorf("failed to parse public key: %w", err)}
			}
			return &PeerKey{SPKI: block.Bytes}, nil
		}
	}

	return nil, &KeyLoadError{Path: path, Err: errors.New("no CERTIFICATE or PUBLIC KEY block found")}
}

// PeerKeyFromCert pins the public key of an already parsed certificate
func PeerKeyFromCert(cert *x509.Certificate) *PeerKey {
	return &PeerKey{SPKI: cert.RawSubjectPublicKeyInfo, Cert: cert}
}

// Matches reports whether cert carries the pinned public key
func (k *PeerKey) Matches(cert *x509.Certificate) bool {
	return cert != nil && bytes.Equal(cert.RawSubjectPublicKeyInfo, k.SPKI)
}

// verifyPinned returns a VerifyPeerCertificate callback accepting only leaf
// certificates whose public key is one of keys
func verifyPinned(keys ...*PeerKey) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("peer presented no certificate")
		}

		leaf, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fmt.Errorf("failed to parse peer certificate: %w", err)
		}

		for _, k := range keys {
			if k.Matches(leaf) {
				return nil
			}
		}
		return fmt.Errorf("peer key of %q is not trusted", leaf.Subject.CommonName)
	}
}

// ClientTLSConfig builds the client side of the pinned-key handshake: the
// client presents cert and trusts only a server holding peer's key.
func ClientTLSConfig(cert *tls.Certificate, peer *PeerKey) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		// Chain validation is replaced by the key pin below
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: verifyPinned(peer),
		MinVersion:            tls.VersionTLS13,
	}
}

// ServerTLSConfig builds the Lighthouse side of the handshake, accepting only
// clients holding one of the given keys
func ServerTLSConfig(cert *tls.Certificate, clients ...*PeerKey) *tls.Config {
	return &tls.Config{
		Certificates:          []tls.Certificate{*cert},
		ClientAuth:            tls.RequireAnyClientCert,
		VerifyPeerCertificate: verifyPinned(clients...),
		MinVersion:            tls.VersionTLS13,
	}
}
