// SPDX-FileCopyrightText: 2026 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package dtlssrtp

import (
	"fmt"
	"sync"

	"github.com/pion/dtls/v3"
	"github.com/pion/srtp/v3"
)

// labelExtractorDtlsSrtp is the RFC 5764 exporter label.
const labelExtractorDtlsSrtp = "EXTRACTOR-dtls_srtp"

type profileParams struct {
	keyLen     int
	saltLen    int
	rtpTagLen  int
	rtcpTagLen int
}

// supportedProfiles lists the protection profiles keyed with AES-CM master
// keys. The SRTP and DTLS profile identifiers share the IANA registry.
var supportedProfiles = map[dtls.SRTPProtectionProfile]profileParams{ //nolint:gochecknoglobals
	dtls.SRTP_AES128_CM_HMAC_SHA1_80: {keyLen: 16, saltLen: 14, rtpTagLen: 10, rtcpTagLen: 10},
	dtls.SRTP_AES128_CM_HMAC_SHA1_32: {keyLen: 16, saltLen: 14, rtpTagLen: 4, rtcpTagLen: 10},
	dtls.SRTP_NULL_HMAC_SHA1_80:      {keyLen: 16, saltLen: 14, rtpTagLen: 10, rtcpTagLen: 10},
	dtls.SRTP_NULL_HMAC_SHA1_32:      {keyLen: 16, saltLen: 14, rtpTagLen: 4, rtcpTagLen: 10},
}

// srtcpIndexLen is the E flag and SRTCP index appended before the tag.
const srtcpIndexLen = 4

// keyingMaterialLength is the number of exporter bytes a profile consumes.
func keyingMaterialLength(profile dtls.SRTPProtectionProfile) (int, error) {
	params, ok := supportedProfiles[profile]
	if !ok {
		return 0, wrapCode(NotSupported, fmt.Errorf("unsupported SRTP protection profile %#04x", uint16(profile))) //nolint:err113
	}

	return 2 * (params.keyLen + params.saltLen), nil
}

// keyingMaterial is the RFC 5764 section 4.2 split of the exporter output:
// client key | server key | client salt | server salt.
type keyingMaterial struct {
	clientKey  []byte
	serverKey  []byte
	clientSalt []byte
	serverSalt []byte
}

func splitKeyingMaterial(raw []byte, params profileParams) (*keyingMaterial, error) {
	if len(raw) < 2*(params.keyLen+params.saltLen) {
		return nil, errShortKeyingMaterial
	}

	km := &keyingMaterial{}
	offset := 0
	for _, dst := range []*[]byte{&km.clientKey, &km.serverKey} {
		*dst = append([]byte{}, raw[offset:offset+params.keyLen]...)
		offset += params.keyLen
	}
	for _, dst := range []*[]byte{&km.clientSalt, &km.serverSalt} {
		*dst = append([]byte{}, raw[offset:offset+params.saltLen]...)
		offset += params.saltLen
	}

	return km, nil
}

// local returns the key and salt this role protects outbound packets with.
func (km *keyingMaterial) local(role Role) (key, salt []byte) {
	if role == RoleServer {
		return km.serverKey, km.serverSalt
	}

	return km.clientKey, km.clientSalt
}

// remote returns the key and salt the peer protects its packets with.
func (km *keyingMaterial) remote(role Role) (key, salt []byte) {
	if role == RoleServer {
		return km.clientKey, km.clientSalt
	}

	return km.serverKey, km.serverSalt
}

// srtpContexts is the pair of contexts installed by a successful handshake.
// Both exist or neither does.
type srtpContexts struct {
	profile dtls.SRTPProtectionProfile

	// Bytes protection adds to an RTP packet and an RTCP compound packet.
	rtpOverhead  int
	rtcpOverhead int

	inMu    sync.Mutex
	inbound *srtp.Context

	outMu    sync.Mutex
	outbound *srtp.Context
}

// newSRTPContexts derives the inbound and outbound contexts from raw
// exporter output and zeroes raw before returning.
func newSRTPContexts(
	raw []byte, role Role, profile dtls.SRTPProtectionProfile, opts ...srtp.ContextOption,
) (*srtpContexts, error) {
	defer clear(raw)

	params, ok := supportedProfiles[profile]
	if !ok {
		_, err := keyingMaterialLength(profile)

		return nil, err
	}

	km, err := splitKeyingMaterial(raw, params)
	if err != nil {
		return nil, err
	}

	inKey, inSalt := km.remote(role)
	inbound, err := srtp.CreateContext(inKey, inSalt, srtp.ProtectionProfile(profile), opts...)
	if err != nil {
		return nil, fmt.Errorf("inbound context: %w", err)
	}

	outKey, outSalt := km.local(role)
	outbound, err := srtp.CreateContext(outKey, outSalt, srtp.ProtectionProfile(profile), opts...)
	if err != nil {
		return nil, fmt.Errorf("outbound context: %w", err)
	}

	return &srtpContexts{
		profile:      profile,
		rtpOverhead:  params.rtpTagLen,
		rtcpOverhead: srtcpIndexLen + params.rtcpTagLen,
		inbound:      inbound,
		outbound:     outbound,
	}, nil
}
