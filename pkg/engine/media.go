// SPDX-FileCopyrightText: 2026 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package engine

import (
	"errors"
	"fmt"

	"github.com/pion/dtlssrtp"
	"github.com/pion/dtlssrtp/pkg/peerconnection"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

const (
	// mediaPayloadSize is the largest frame slice carried by one RTP packet.
	mediaPayloadSize = 1200

	// srtcpOverhead covers the SRTCP index and the longest authentication tag.
	srtcpOverhead = 4 + 10
)

var errFrameTooLarge = &dtlssrtp.Error{Code: dtlssrtp.OverLimited, Err: errors.New("engine: frame needs more packets than the send pool holds")} //nolint:err113

func (e *Engine) handleRTP(datagram []byte) {
	n, err := e.session.UnprotectRTP(datagram, len(datagram))
	if err != nil {
		e.stats.badPackets.Add(1)
		e.log.Debugf("dropping RTP packet: %v", err)

		return
	}

	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(append([]byte(nil), datagram[:n]...)); err != nil {
		e.stats.badPackets.Add(1)
		e.log.Debugf("failed to parse RTP packet: %v", err)

		return
	}
	e.stats.packetsReceived.Add(1)
	e.opts.onRTP(pkt)
}

func (e *Engine) handleRTCP(datagram []byte) {
	n, err := e.session.UnprotectRTCP(datagram, len(datagram))
	if err != nil {
		e.stats.badPackets.Add(1)
		e.log.Debugf("dropping RTCP packet: %v", err)

		return
	}

	pkts, err := rtcp.Unmarshal(append([]byte(nil), datagram[:n]...))
	if err != nil {
		e.stats.badPackets.Add(1)
		e.log.Debugf("failed to parse RTCP packet: %v", err)

		return
	}
	e.stats.packetsReceived.Add(1)

	for _, pkt := range pkts {
		if bye, ok := pkt.(*rtcp.Goodbye); ok {
			e.log.Infof("peer sent BYE for %v: %s", bye.Sources, bye.Reason)
		}
	}
	e.opts.onRTCP(pkts)
}

// SendVideo packetizes, protects and queues one video frame.
func (e *Engine) SendVideo(frame peerconnection.Frame) error {
	return e.sendMedia(frame, e.opts.videoPayloadType, e.opts.videoSSRC, e.videoSeq)
}

// SendAudio packetizes, protects and queues one audio frame.
func (e *Engine) SendAudio(frame peerconnection.Frame) error {
	return e.sendMedia(frame, e.opts.audioPayloadType, e.opts.audioSSRC, e.audioSeq)
}

// sendMedia splits the frame into packets of at most mediaPayloadSize bytes.
// The marker bit, if requested, is set on the last packet. When the pool or
// the queue runs out, ErrWouldBlock is returned and the rest of the frame is
// dropped.
func (e *Engine) sendMedia(frame peerconnection.Frame, payloadType uint8, ssrc uint32, seq rtp.Sequencer) error {
	if e.isClosed() {
		return errEngineClosed
	}
	if e.remoteAddr() == nil {
		return errNoRemote
	}

	count := max(1, (len(frame.Payload)+mediaPayloadSize-1)/mediaPayloadSize)
	if count > cap(e.bufPool) {
		return fmt.Errorf("%w: %d packets", errFrameTooLarge, count)
	}

	bufs := make([]*[]byte, 0, count)
	release := func(from int) {
		for _, buf := range bufs[from:] {
			e.bufPool <- buf
		}
	}
	for i := 0; i < count; i++ {
		select {
		case buf := <-e.bufPool:
			bufs = append(bufs, buf)
		default:
			release(0)

			return dtlssrtp.ErrWouldBlock
		}
	}

	out := make([]outbound, 0, count)
	for i, buf := range bufs {
		start := i * mediaPayloadSize
		end := min(start+mediaPayloadSize, len(frame.Payload))

		pkt := rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         frame.Marker && i == count-1,
				PayloadType:    payloadType,
				SequenceNumber: seq.NextSequenceNumber(),
				Timestamp:      frame.Timestamp,
				SSRC:           ssrc,
			},
			Payload: frame.Payload[start:end],
		}

		n, err := pkt.MarshalTo(*buf)
		if err == nil {
			n, err = e.session.ProtectRTP(*buf, n)
		}
		if err != nil {
			release(0)

			return err
		}
		out = append(out, outbound{buf: buf, n: n})
	}

	for i, o := range out {
		select {
		case e.sendQueue <- o:
		default:
			release(i)

			return dtlssrtp.ErrWouldBlock
		}
	}

	return nil
}

func (e *Engine) sendGoodbye() error {
	remote := e.remoteAddr()
	if remote == nil {
		return errNoRemote
	}

	raw, err := rtcp.Marshal([]rtcp.Packet{&rtcp.Goodbye{
		Sources: []uint32{e.opts.videoSSRC, e.opts.audioSSRC},
		Reason:  "disconnect",
	}})
	if err != nil {
		return err
	}

	buf := make([]byte, len(raw)+srtcpOverhead)
	copy(buf, raw)
	n, err := e.session.ProtectRTCP(buf, len(raw))
	if err != nil {
		return err
	}

	_, err = e.conn.WriteTo(buf[:n], remote)

	return err
}
