// SPDX-FileCopyrightText: 2026 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package dtlssrtp

// Probe reports whether a datagram starting with b is a DTLS record, using
// the RFC 7983 range 20..63.
func Probe(b byte) bool {
	return b > 19 && b < 64
}

// PacketKind is the protocol of a datagram multiplexed on a media socket.
type PacketKind int

// Packet kinds.
const (
	PacketUnknown PacketKind = iota
	PacketSTUN
	PacketDTLS
	PacketTURNChannel
	PacketRTP
	PacketRTCP
)

func (k PacketKind) String() string {
	switch k {
	case PacketSTUN:
		return "stun"
	case PacketDTLS:
		return "dtls"
	case PacketTURNChannel:
		return "turn-channel"
	case PacketRTP:
		return "rtp"
	case PacketRTCP:
		return "rtcp"
	default:
		return "unknown"
	}
}

// Classify demultiplexes a datagram by its first byte (RFC 7983). RTCP is
// told apart from RTP by the packet type in the second byte (RFC 5761).
func Classify(datagram []byte) PacketKind {
	if len(datagram) == 0 {
		return PacketUnknown
	}

	switch b := datagram[0]; {
	case b < 4:
		return PacketSTUN
	case Probe(b):
		return PacketDTLS
	case b > 63 && b < 80:
		return PacketTURNChannel
	case b > 127 && b < 192:
		if len(datagram) > 1 && datagram[1] >= 192 && datagram[1] <= 223 {
			return PacketRTCP
		}

		return PacketRTP
	default:
		return PacketUnknown
	}
}
