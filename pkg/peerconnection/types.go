// SPDX-FileCopyrightText: 2026 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package peerconnection

import (
	"net"

	"github.com/pion/dtlssrtp"
)

// MessageType identifies a signaling message relayed between peers.
type MessageType int

// Message types.
const (
	MessageTypeSDP MessageType = iota + 1
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeSDP:
		return "sdp"
	default:
		return "unknown"
	}
}

// Message is an opaque signaling message. SDP content is neither parsed nor
// validated here.
type Message struct {
	Type MessageType
	Data []byte
}

// ICEInfo is the outcome of connectivity checks run by the ICE agent.
type ICEInfo struct {
	// RemoteAddr is the selected remote candidate.
	RemoteAddr net.Addr

	// Role is the DTLS role negotiated through signaling. Zero keeps the
	// current role.
	Role dtlssrtp.Role
}

// DataChannelConfig describes a data channel multiplexed over DTLS.
type DataChannelConfig struct {
	ID    uint16
	Label string
}

// Query selects the value returned by Handle.Query.
type Query int

// Queries.
const (
	QueryState Query = iota + 1
	QueryLocalFingerprint
	QueryRemoteFingerprint
	QueryRemoteDescription
	QueryConfig
	QueryStats
)

func (q Query) String() string {
	switch q {
	case QueryState:
		return "state"
	case QueryLocalFingerprint:
		return "local-fingerprint"
	case QueryRemoteFingerprint:
		return "remote-fingerprint"
	case QueryRemoteDescription:
		return "remote-description"
	case QueryConfig:
		return "config"
	case QueryStats:
		return "stats"
	default:
		return "unknown"
	}
}

// Frame is one encoded media frame handed to SendVideo or SendAudio.
type Frame struct {
	Payload   []byte
	Timestamp uint32
	Marker    bool
}
