// SPDX-FileCopyrightText: 2026 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package dtlssrtp

import (
	"sync/atomic"

	"github.com/pion/dtls/v3/pkg/protocol"
	"github.com/pion/dtls/v3/pkg/protocol/alert"
	"github.com/pion/dtls/v3/pkg/protocol/handshake"
	"golang.org/x/crypto/cryptobyte"
)

const recordSequenceLength = 6

// recordInspector watches the plaintext records crossing a packetConn. The
// DTLS stack runs the cookie exchange internally; the inspector is how the
// session learns that the last flight it sent was a HelloVerifyRequest and
// whether the peer sent close_notify before any keys were installed.
type recordInspector struct {
	lastSent  atomic.Uint32
	sentAny   atomic.Bool
	peerClose atomic.Bool
}

// awaitingCookie reports whether the last plaintext handshake message sent
// was a HelloVerifyRequest.
func (r *recordInspector) awaitingCookie() bool {
	return r.sentAny.Load() && handshake.Type(r.lastSent.Load()) == handshake.TypeHelloVerifyRequest
}

func (r *recordInspector) peerClosed() bool {
	return r.peerClose.Load()
}

func (r *recordInspector) outbound(datagram []byte) {
	walkRecords(datagram, func(ct protocol.ContentType, epoch uint16, body []byte) {
		if epoch != 0 || ct != protocol.ContentTypeHandshake || len(body) == 0 {
			return
		}
		r.lastSent.Store(uint32(body[0]))
		r.sentAny.Store(true)
	})
}

func (r *recordInspector) inbound(datagram []byte) {
	walkRecords(datagram, func(ct protocol.ContentType, epoch uint16, body []byte) {
		if epoch != 0 || ct != protocol.ContentTypeAlert || len(body) < 2 {
			return
		}
		if alert.Description(body[1]) == alert.CloseNotify {
			r.peerClose.Store(true)
		}
	})
}

// walkRecords calls fn for each complete record in a datagram and stops at
// the first malformed header.
func walkRecords(datagram []byte, fn func(ct protocol.ContentType, epoch uint16, body []byte)) {
	s := cryptobyte.String(datagram)
	for !s.Empty() {
		var (
			contentType    uint8
			version, epoch uint16
			body           cryptobyte.String
		)
		if !s.ReadUint8(&contentType) ||
			!s.ReadUint16(&version) ||
			!s.ReadUint16(&epoch) ||
			!s.Skip(recordSequenceLength) ||
			!s.ReadUint16LengthPrefixed(&body) {
			return
		}
		fn(protocol.ContentType(contentType), epoch, body)
	}
}
