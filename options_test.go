// SPDX-FileCopyrightText: 2026 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package dtlssrtp

import (
	"testing"
	"time"

	"github.com/pion/dtls/v3"
	"github.com/pion/dtlssrtp/pkg/crypto/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreApplied(t *testing.T) {
	cfg, err := buildConfig()
	require.NoError(t, err)

	assert.Equal(t, DefaultMTU, cfg.mtu)
	assert.Equal(t, DefaultReadTimeout, cfg.readTimeout)
	assert.Equal(t, DefaultMaxHandshakeAttempts, cfg.maxHandshakeAttempts)
	assert.Equal(t, DefaultSRTPProtectionProfiles(), cfg.srtpProfiles)
	assert.Same(t, identity.Default(), cfg.identityProvider)
	assert.Equal(t, 7*time.Second, cfg.handshakeBudget())
	assert.Equal(t, DefaultMTU-recordOverhead, cfg.maxRecordPayload())
}

func TestHandshakeBudget(t *testing.T) {
	for name, test := range map[string]struct {
		opts   []Option
		budget time.Duration
	}{
		"Equal":    {[]Option{WithRetransmitTimeout(time.Second, time.Second)}, time.Second},
		"Doubling": {[]Option{WithRetransmitTimeout(100*time.Millisecond, 450*time.Millisecond)}, 700 * time.Millisecond},
		"Override": {[]Option{WithHandshakeTimeout(3 * time.Second)}, 3 * time.Second},
	} {
		test := test
		t.Run(name, func(t *testing.T) {
			cfg, err := buildConfig(test.opts...)
			require.NoError(t, err)
			assert.Equal(t, test.budget, cfg.handshakeBudget())
		})
	}
}

func TestInvalidOptionsReturnError(t *testing.T) {
	for name, test := range map[string]struct {
		opt Option
		err error
	}{
		"MTU":              {WithMTU(recordOverhead), errInvalidMTU},
		"ReadTimeout":      {WithReadTimeout(0), errInvalidReadTimeout},
		"RetransmitOrder":  {WithRetransmitTimeout(2*time.Second, time.Second), errInvalidRetransmitTimeout},
		"RetransmitZero":   {WithRetransmitTimeout(0, time.Second), errInvalidRetransmitTimeout},
		"HandshakeTimeout": {WithHandshakeTimeout(-time.Second), errInvalidRetransmitTimeout},
		"Attempts":         {WithMaxHandshakeAttempts(0), errInvalidAttempts},
		"NoProfiles":       {WithSRTPProtectionProfiles(), errNoSRTPProfiles},
		"OnlyGCM":          {WithSRTPProtectionProfiles(dtls.SRTP_AEAD_AES_128_GCM), errNoSRTPProfiles},
		"NilProvider":      {WithIdentityProvider(nil), errNoIdentityProvider},
	} {
		test := test
		t.Run(name, func(t *testing.T) {
			_, err := buildConfig(test.opt)
			assert.ErrorIs(t, err, test.err)
			assert.Equal(t, InvalidArgument, CodeOf(err))
		})
	}
}

func TestSRTPProfilesFiltered(t *testing.T) {
	cfg, err := buildConfig(WithSRTPProtectionProfiles(
		dtls.SRTP_AEAD_AES_128_GCM,
		dtls.SRTP_AES128_CM_HMAC_SHA1_32,
	))
	require.NoError(t, err)
	assert.Equal(t, []dtls.SRTPProtectionProfile{dtls.SRTP_AES128_CM_HMAC_SHA1_32}, cfg.srtpProfiles)
}

func TestDTLSConfigPerRole(t *testing.T) {
	cfg, err := buildConfig()
	require.NoError(t, err)

	id, err := identity.Default().Ensure()
	require.NoError(t, err)

	server := cfg.dtlsConfig(RoleServer, id)
	assert.Equal(t, dtls.RequireAnyClientCert, server.ClientAuth)
	assert.False(t, server.InsecureSkipVerifyHello)
	assert.Len(t, server.Certificates, 1)
	assert.Equal(t, cfg.srtpProfiles, server.SRTPProtectionProfiles)

	client := cfg.dtlsConfig(RoleClient, id)
	assert.True(t, client.InsecureSkipVerify)
	assert.Equal(t, DefaultRetransmitMin, client.FlightInterval)
	assert.Equal(t, DefaultMTU, client.MTU)
}
