// SPDX-FileCopyrightText: 2026 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package dtlssrtp

import (
	"crypto/tls"
	"time"

	"github.com/pion/dtls/v3"
	"github.com/pion/dtlssrtp/pkg/crypto/identity"
	"github.com/pion/logging"
	"github.com/pion/srtp/v3"
)

const (
	// DefaultMTU is the path MTU handed to the DTLS stack.
	DefaultMTU = 1500

	// DefaultReadTimeout bounds a single Read call.
	DefaultReadTimeout = time.Second

	// DefaultRetransmitMin is the initial handshake retransmission timer.
	DefaultRetransmitMin = time.Second

	// DefaultRetransmitMax is the largest handshake retransmission timer.
	DefaultRetransmitMax = 6 * time.Second

	// DefaultMaxHandshakeAttempts bounds the server cookie exchange loop.
	DefaultMaxHandshakeAttempts = 8

	// recordOverhead covers the record header, explicit nonce, MAC/tag and
	// CBC padding of the worst supported cipher suite.
	recordOverhead = 80
)

// DefaultSRTPProtectionProfiles is the list offered during the handshake, in
// order of preference.
func DefaultSRTPProtectionProfiles() []dtls.SRTPProtectionProfile {
	return []dtls.SRTPProtectionProfile{
		dtls.SRTP_AES128_CM_HMAC_SHA1_80,
		dtls.SRTP_AES128_CM_HMAC_SHA1_32,
		dtls.SRTP_NULL_HMAC_SHA1_80,
		dtls.SRTP_NULL_HMAC_SHA1_32,
	}
}

// Option configures a Session.
type Option func(*config) error

type config struct {
	mtu                  int
	readTimeout          time.Duration
	retransmitMin        time.Duration
	retransmitMax        time.Duration
	handshakeTimeout     time.Duration
	maxHandshakeAttempts int
	srtpProfiles         []dtls.SRTPProtectionProfile
	srtpReplayWindow     uint
	identityProvider     *identity.Provider
	identity             *identity.Identity
	loggerFactory        logging.LoggerFactory
}

func (c *config) applyDefaults() {
	c.mtu = DefaultMTU
	c.readTimeout = DefaultReadTimeout
	c.retransmitMin = DefaultRetransmitMin
	c.retransmitMax = DefaultRetransmitMax
	c.maxHandshakeAttempts = DefaultMaxHandshakeAttempts
	c.srtpProfiles = DefaultSRTPProtectionProfiles()
	c.identityProvider = identity.Default()
	c.loggerFactory = logging.NewDefaultLoggerFactory()
}

func buildConfig(opts ...Option) (*config, error) {
	c := &config{}
	c.applyDefaults()

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// WithMTU sets the maximum datagram size handed to the transport.
func WithMTU(mtu int) Option {
	return func(c *config) error {
		if mtu <= recordOverhead {
			return errInvalidMTU
		}
		c.mtu = mtu

		return nil
	}
}

// WithReadTimeout bounds how long Read waits for the first record.
func WithReadTimeout(d time.Duration) Option {
	return func(c *config) error {
		if d <= 0 {
			return errInvalidReadTimeout
		}
		c.readTimeout = d

		return nil
	}
}

// WithRetransmitTimeout sets the handshake retransmission timers. The timer
// starts at minTimeout and doubles until it would exceed maxTimeout.
func WithRetransmitTimeout(minTimeout, maxTimeout time.Duration) Option {
	return func(c *config) error {
		if minTimeout <= 0 || maxTimeout < minTimeout {
			return errInvalidRetransmitTimeout
		}
		c.retransmitMin = minTimeout
		c.retransmitMax = maxTimeout

		return nil
	}
}

// WithHandshakeTimeout overrides the per-attempt handshake budget derived
// from the retransmission timers.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *config) error {
		if d <= 0 {
			return errInvalidRetransmitTimeout
		}
		c.handshakeTimeout = d

		return nil
	}
}

// WithMaxHandshakeAttempts bounds how often a server restarts the handshake
// while waiting for a client to return its cookie.
func WithMaxHandshakeAttempts(n int) Option {
	return func(c *config) error {
		if n <= 0 {
			return errInvalidAttempts
		}
		c.maxHandshakeAttempts = n

		return nil
	}
}

// WithSRTPProtectionProfiles replaces the offered SRTP protection profiles.
// Profiles without AES-CM/NULL keying are ignored.
func WithSRTPProtectionProfiles(profiles ...dtls.SRTPProtectionProfile) Option {
	return func(c *config) error {
		supported := make([]dtls.SRTPProtectionProfile, 0, len(profiles))
		for _, p := range profiles {
			if _, ok := supportedProfiles[p]; ok {
				supported = append(supported, p)
			}
		}
		if len(supported) == 0 {
			return errNoSRTPProfiles
		}
		c.srtpProfiles = supported

		return nil
	}
}

// WithSRTPReplayProtection enables SRTP and SRTCP replay detection with the
// given window. Replay detection is off by default, the RTP layer owns it.
func WithSRTPReplayProtection(window uint) Option {
	return func(c *config) error {
		c.srtpReplayWindow = window

		return nil
	}
}

// WithIdentityProvider sets where the session obtains its certificate.
// Defaults to identity.Default().
func WithIdentityProvider(p *identity.Provider) Option {
	return func(c *config) error {
		if p == nil {
			return errNoIdentityProvider
		}
		c.identityProvider = p

		return nil
	}
}

// WithIdentity uses a fixed identity instead of a provider.
func WithIdentity(id *identity.Identity) Option {
	return func(c *config) error {
		c.identity = id

		return nil
	}
}

// WithLoggerFactory sets the logger factory, shared with the DTLS stack.
func WithLoggerFactory(factory logging.LoggerFactory) Option {
	return func(c *config) error {
		if factory != nil {
			c.loggerFactory = factory
		}

		return nil
	}
}

// handshakeBudget is the time one handshake attempt may take: the sum of
// the retransmission timers from min, doubling, up to max.
func (c *config) handshakeBudget() time.Duration {
	if c.handshakeTimeout > 0 {
		return c.handshakeTimeout
	}

	var total time.Duration
	for t := c.retransmitMin; t <= c.retransmitMax; t *= 2 {
		total += t
	}

	return total
}

// maxRecordPayload is the largest application data chunk sent per record.
func (c *config) maxRecordPayload() int {
	return c.mtu - recordOverhead
}

func (c *config) srtpOptions() []srtp.ContextOption {
	if c.srtpReplayWindow == 0 {
		return []srtp.ContextOption{srtp.SRTPNoReplayProtection(), srtp.SRTCPNoReplayProtection()}
	}

	return []srtp.ContextOption{
		srtp.SRTPReplayProtection(c.srtpReplayWindow),
		srtp.SRTCPReplayProtection(c.srtpReplayWindow),
	}
}

// dtlsConfig builds the role specific DTLS configuration. Servers run the
// HelloVerifyRequest cookie exchange and ask for the client certificate;
// clients skip chain verification because the peer is authenticated by the
// fingerprint exchanged out-of-band.
func (c *config) dtlsConfig(role Role, id *identity.Identity) *dtls.Config {
	cfg := &dtls.Config{
		Certificates:           []tls.Certificate{id.Certificate},
		SRTPProtectionProfiles: append([]dtls.SRTPProtectionProfile(nil), c.srtpProfiles...),
		ExtendedMasterSecret:   dtls.RequestExtendedMasterSecret,
		FlightInterval:         c.retransmitMin,
		MTU:                    c.mtu,
		LoggerFactory:          c.loggerFactory,
	}

	switch role {
	case RoleServer:
		cfg.ClientAuth = dtls.RequireAnyClientCert
		cfg.InsecureSkipVerifyHello = false
	case RoleClient:
		cfg.InsecureSkipVerify = true
	}

	return cfg
}
