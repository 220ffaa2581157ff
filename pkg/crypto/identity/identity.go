// SPDX-FileCopyrightText: 2026 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package identity provisions the self-signed certificate and key a DTLS-SRTP
// endpoint presents during the handshake, and renders its fingerprint for
// out-of-band exchange.
package identity

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/pion/dtls/v3/pkg/crypto/fingerprint"
	"github.com/pion/logging"
)

const (
	// DefaultKeyBits is the default RSA modulus size. It is small on purpose,
	// embedded peers pay for every bit during the handshake.
	DefaultKeyBits = 1024

	// DefaultCommonName is used as subject and issuer of generated certificates.
	DefaultCommonName = "dtls-srtp"

	// DefaultValidity is how long a generated certificate stays valid.
	DefaultValidity = 365 * 24 * time.Hour

	// MaxFingerprintLength bounds the fingerprint string exchanged out-of-band.
	MaxFingerprintLength = 160

	minKeyBits    = 1024
	serialLength  = 16
	sdpHashString = "sha-256"
)

var (
	// ErrCertGenerationFailed is returned when entropy, key generation or
	// certificate serialization fails. No partial identity is cached.
	ErrCertGenerationFailed = errors.New("identity: certificate generation failed")

	errInvalidKeyBits     = errors.New("identity: key size must be at least 1024 bits")
	errEmptyCommonName    = errors.New("identity: common name must not be empty")
	errInvalidValidity    = errors.New("identity: validity must be positive")
	errNilRand            = errors.New("identity: entropy source is nil")
	errNilProvider        = errors.New("identity: provider is nil")
	errEmptyCertificate   = errors.New("identity: certificate chain is empty")
	errInvalidFingerprint = errors.New("identity: malformed fingerprint")
)

// Identity is a certificate, its private key and the fingerprint of the
// certificate. It is immutable and shared by every session using it.
type Identity struct {
	Certificate tls.Certificate
	Leaf        *x509.Certificate

	fingerprint string
}

// Fingerprint returns the SHA-256 fingerprint as uppercase colon-separated hex.
func (i *Identity) Fingerprint() string {
	return i.fingerprint
}

// SDPFingerprint returns the value of an SDP a=fingerprint attribute.
func (i *Identity) SDPFingerprint() string {
	return sdpHashString + " " + i.fingerprint
}

// PEM encodes the certificate and the PKCS#8 private key.
func (i *Identity) PEM() (certPEM, keyPEM []byte, err error) {
	if len(i.Certificate.Certificate) == 0 {
		return nil, nil, errEmptyCertificate
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(i.Certificate.PrivateKey)
	if err != nil {
		return nil, nil, err
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: i.Certificate.Certificate[0]})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	return certPEM, keyPEM, nil
}

// FingerprintOf parses a DER certificate and returns its SHA-256 fingerprint
// in the same format as Identity.Fingerprint.
func FingerprintOf(der []byte) (string, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return "", err
	}

	return fingerprintOf(cert)
}

func fingerprintOf(cert *x509.Certificate) (string, error) {
	value, err := fingerprint.Fingerprint(cert, crypto.SHA256)
	if err != nil {
		return "", err
	}

	return strings.ToUpper(value), nil
}

// ParseFingerprint splits an SDP fingerprint value ("sha-256 AB:CD:...") into
// its hash algorithm and normalized fingerprint.
func ParseFingerprint(value string) (crypto.Hash, string, error) {
	fields := strings.Fields(value)
	if len(fields) != 2 {
		return 0, "", errInvalidFingerprint
	}

	algo, err := fingerprint.HashFromString(fields[0])
	if err != nil {
		return 0, "", err
	}

	fp := strings.ToUpper(fields[1])
	if len(fp) > MaxFingerprintLength || len(fp) != algo.Size()*3-1 {
		return 0, "", errInvalidFingerprint
	}

	return algo, fp, nil
}

// Equal compares two fingerprints ignoring case, in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(strings.ToUpper(a)), []byte(strings.ToUpper(b))) == 1
}

// Option configures a Provider.
type Option func(*Provider) error

// WithKeyBits sets the RSA modulus size.
func WithKeyBits(bits int) Option {
	return func(p *Provider) error {
		if bits < minKeyBits {
			return errInvalidKeyBits
		}
		p.keyBits = bits

		return nil
	}
}

// WithCommonName sets the subject and issuer common name.
func WithCommonName(name string) Option {
	return func(p *Provider) error {
		if name == "" {
			return errEmptyCommonName
		}
		p.commonName = name

		return nil
	}
}

// WithValidity sets the certificate lifetime.
func WithValidity(d time.Duration) Option {
	return func(p *Provider) error {
		if d <= 0 {
			return errInvalidValidity
		}
		p.validity = d

		return nil
	}
}

// WithRand sets the entropy source. Defaults to crypto/rand.Reader.
func WithRand(r io.Reader) Option {
	return func(p *Provider) error {
		if r == nil {
			return errNilRand
		}
		p.rand = r

		return nil
	}
}

// WithLoggerFactory sets the logger factory.
func WithLoggerFactory(factory logging.LoggerFactory) Option {
	return func(p *Provider) error {
		if factory != nil {
			p.log = factory.NewLogger("identity")
		}

		return nil
	}
}

// Provider generates an Identity once and hands out the cached value until
// Regenerate is called. It is safe for concurrent use; concurrent first
// calls to Ensure generate exactly one identity.
type Provider struct {
	mu         sync.Mutex
	current    *Identity
	generation uint64

	keyBits    int
	commonName string
	validity   time.Duration
	rand       io.Reader
	now        func() time.Time
	log        logging.LeveledLogger
}

// NewProvider creates a Provider.
func NewProvider(opts ...Option) (*Provider, error) {
	p := &Provider{
		keyBits:    DefaultKeyBits,
		commonName: DefaultCommonName,
		validity:   DefaultValidity,
		rand:       rand.Reader,
		now:        time.Now,
		log:        logging.NewDefaultLoggerFactory().NewLogger("identity"),
	}

	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}

	return p, nil
}

var defaultProvider = sync.OnceValue(func() *Provider { //nolint:gochecknoglobals
	p, _ := NewProvider()

	return p
})

// Default returns the process-wide Provider.
func Default() *Provider {
	return defaultProvider()
}

// Ensure returns the cached identity, generating it on first use.
func (p *Provider) Ensure() (*Identity, error) {
	if p == nil {
		return nil, errNilProvider
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current != nil {
		return p.current, nil
	}

	id, err := p.generate()
	if err != nil {
		p.log.Warnf("failed to generate identity: %v", err)

		return nil, err
	}

	p.current = id
	p.generation++
	p.log.Debugf("generated %d-bit RSA identity #%d, fingerprint %s", p.keyBits, p.generation, id.fingerprint)

	return id, nil
}

// Regenerate discards the cached identity. The next Ensure generates a new
// certificate and key. Sessions holding the previous identity keep using it.
func (p *Provider) Regenerate() error {
	if p == nil {
		return errNilProvider
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.current = nil

	return nil
}

// Generation returns how many identities this provider has generated.
func (p *Provider) Generation() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.generation
}

func (p *Provider) generate() (*Identity, error) {
	// Read the serial first so a broken entropy source fails before the
	// expensive key generation.
	serial := make([]byte, serialLength)
	if _, err := io.ReadFull(p.rand, serial); err != nil {
		return nil, fmt.Errorf("%w: entropy: %w", ErrCertGenerationFailed, err)
	}
	serial[0] &= 0x7f

	key, err := rsa.GenerateKey(p.rand, p.keyBits)
	if err != nil {
		return nil, fmt.Errorf("%w: rsa key: %w", ErrCertGenerationFailed, err)
	}

	now := p.now()
	template := x509.Certificate{
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageClientAuth,
			x509.ExtKeyUsageServerAuth,
		},
		BasicConstraintsValid: true,
		NotBefore:             now,
		NotAfter:              now.Add(p.validity),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		SerialNumber:          new(big.Int).SetBytes(serial),
		Version:               2,
		Subject:               pkix.Name{CommonName: p.commonName},
		Issuer:                pkix.Name{CommonName: p.commonName},
		IsCA:                  true,
	}

	raw, err := x509.CreateCertificate(p.rand, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("%w: certificate: %w", ErrCertGenerationFailed, err)
	}

	leaf, err := x509.ParseCertificate(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: certificate: %w", ErrCertGenerationFailed, err)
	}

	fp, err := fingerprintOf(leaf)
	if err != nil {
		return nil, fmt.Errorf("%w: fingerprint: %w", ErrCertGenerationFailed, err)
	}

	return &Identity{
		Certificate: tls.Certificate{
			Certificate: [][]byte{raw},
			PrivateKey:  key,
			Leaf:        leaf,
		},
		Leaf:        leaf,
		fingerprint: fp,
	}, nil
}
