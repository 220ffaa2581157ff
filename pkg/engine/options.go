// SPDX-FileCopyrightText: 2026 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package engine

import (
	"github.com/pion/dtlssrtp"
	"github.com/pion/randutil"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

// Payload types used when none are configured.
const (
	DefaultVideoPayloadType uint8 = 96
	DefaultAudioPayloadType uint8 = 111
)

type options struct {
	role        dtlssrtp.Role
	sessionOpts []dtlssrtp.Option

	videoPayloadType uint8
	audioPayloadType uint8
	videoSSRC        uint32
	audioSSRC        uint32

	onRTP  func(*rtp.Packet)
	onRTCP func([]rtcp.Packet)
	onData func(id uint16, data []byte)
}

func defaultOptions() options {
	rng := randutil.NewMathRandomGenerator()

	return options{
		role:             dtlssrtp.RoleServer,
		videoPayloadType: DefaultVideoPayloadType,
		audioPayloadType: DefaultAudioPayloadType,
		videoSSRC:        rng.Uint32(),
		audioSSRC:        rng.Uint32(),
		onRTP:            func(*rtp.Packet) {},
		onRTCP:           func([]rtcp.Packet) {},
		onData:           func(uint16, []byte) {},
	}
}

// Option configures an Engine.
type Option func(*options)

// WithRole sets the initial DTLS role. Defaults to RoleServer; ICE info may
// change it later.
func WithRole(role dtlssrtp.Role) Option {
	return func(o *options) {
		o.role = role
	}
}

// WithSessionOptions passes options through to the DTLS-SRTP session. They
// are applied after the ones the engine derives from its Config.
func WithSessionOptions(opts ...dtlssrtp.Option) Option {
	return func(o *options) {
		o.sessionOpts = append(o.sessionOpts, opts...)
	}
}

// WithPayloadTypes sets the RTP payload types of outgoing video and audio.
func WithPayloadTypes(video, audio uint8) Option {
	return func(o *options) {
		o.videoPayloadType = video
		o.audioPayloadType = audio
	}
}

// WithSSRC fixes the synchronization sources of outgoing video and audio.
// Random values are used otherwise.
func WithSSRC(video, audio uint32) Option {
	return func(o *options) {
		o.videoSSRC = video
		o.audioSSRC = audio
	}
}

// OnRTP is called from the receive goroutine for every authenticated RTP
// packet. The packet is not reused.
func OnRTP(fn func(*rtp.Packet)) Option {
	return func(o *options) {
		if fn != nil {
			o.onRTP = fn
		}
	}
}

// OnRTCP is called from the receive goroutine for every authenticated
// compound RTCP packet.
func OnRTCP(fn func([]rtcp.Packet)) Option {
	return func(o *options) {
		if fn != nil {
			o.onRTCP = fn
		}
	}
}

// OnData is called from MainLoop for every data channel message. data is
// only valid during the call.
func OnData(fn func(id uint16, data []byte)) Option {
	return func(o *options) {
		if fn != nil {
			o.onData = fn
		}
	}
}
