// SPDX-FileCopyrightText: 2026 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package dtlssrtp

import (
	"crypto/x509"
	"strings"
	"time"
)

// VerifyFlags describes why a peer certificate would not pass chain
// verification. Self-signed peers are expected, so the flags are only
// reported, the fingerprint is what authenticates the peer.
type VerifyFlags uint32

// Verification flags.
const (
	VerifyNoCertificate VerifyFlags = 1 << iota
	VerifyParseError
	VerifyExpired
	VerifyNotYetValid
	VerifyNotTrusted
	VerifyBadSignature
)

func (f VerifyFlags) String() string {
	if f == 0 {
		return "ok"
	}

	names := []struct {
		flag VerifyFlags
		name string
	}{
		{VerifyNoCertificate, "no-certificate"},
		{VerifyParseError, "parse-error"},
		{VerifyExpired, "expired"},
		{VerifyNotYetValid, "not-yet-valid"},
		{VerifyNotTrusted, "not-trusted"},
		{VerifyBadSignature, "bad-signature"},
	}

	var parts []string
	for _, n := range names {
		if f&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}

	return strings.Join(parts, "|")
}

// verifyPeerCertificate computes the verification flags of a DER chain
// against an empty trust store.
func verifyPeerCertificate(chain [][]byte, now time.Time) VerifyFlags {
	if len(chain) == 0 {
		return VerifyNoCertificate
	}

	leaf, err := x509.ParseCertificate(chain[0])
	if err != nil {
		return VerifyParseError
	}

	var flags VerifyFlags
	if now.After(leaf.NotAfter) {
		flags |= VerifyExpired
	}
	if now.Before(leaf.NotBefore) {
		flags |= VerifyNotYetValid
	}
	if leaf.CheckSignatureFrom(leaf) != nil {
		flags |= VerifyBadSignature
	}

	// Nothing is trusted: there is no root store for media peers.
	flags |= VerifyNotTrusted

	return flags
}
