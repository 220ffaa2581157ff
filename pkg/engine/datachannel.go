// SPDX-FileCopyrightText: 2026 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package engine

import (
	"errors"
	"fmt"
	"io"

	"github.com/pion/datachannel"
	"github.com/pion/dtlssrtp"
	"github.com/pion/dtlssrtp/pkg/peerconnection"
	"github.com/pion/sctp"
)

// maxDataMessageSize is the largest message SendData accepts and the size
// of the receive buffer of every channel.
const maxDataMessageSize = 65536

var (
	errChannelExists   = &dtlssrtp.Error{Code: dtlssrtp.InvalidArgument, Err: errors.New("engine: data channel already exists")}    //nolint:err113
	errChannelNotFound = &dtlssrtp.Error{Code: dtlssrtp.NotExists, Err: errors.New("engine: data channel not found")}               //nolint:err113
	errMessageTooLarge = &dtlssrtp.Error{Code: dtlssrtp.OverLimited, Err: errors.New("engine: data message is too large")}          //nolint:err113
)

// dataChannel is a registered channel. dc is nil while no association is
// up.
type dataChannel struct {
	label  string
	remote bool
	dc     *datachannel.DataChannel
}

type inboundData struct {
	id   uint16
	data []byte
}

func (e *Engine) channelConfig(label string) *datachannel.Config {
	return &datachannel.Config{
		ChannelType:   datachannel.ChannelTypeReliable,
		Negotiated:    true,
		Label:         label,
		LoggerFactory: e.cfg.LoggerFactory,
	}
}

// CreateDataChannel registers a negotiated data channel on stream dc.ID.
// Both peers create the channel with the same id; messages arriving before
// the local side created it are dropped. The channel is opened on the
// current association, or on the next one when none is up.
func (e *Engine) CreateDataChannel(dc peerconnection.DataChannelConfig) error {
	if e.isClosed() {
		return errEngineClosed
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.channels[dc.ID]; ok {
		return fmt.Errorf("%w: %d", errChannelExists, dc.ID)
	}
	ch := &dataChannel{label: dc.Label}
	e.channels[dc.ID] = ch
	if e.assoc != nil {
		e.openChannel(e.assoc, dc.ID, ch)
	}
	e.log.Debugf("created data channel %d %q", dc.ID, dc.Label)

	return nil
}

// CloseDataChannel resets the channel's stream and unregisters it.
func (e *Engine) CloseDataChannel(id uint16) error {
	e.mu.Lock()
	ch, ok := e.channels[id]
	if ok {
		delete(e.channels, id)
	}
	e.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %d", errChannelNotFound, id)
	}
	if ch.dc != nil {
		if err := ch.dc.Close(); err != nil {
			e.log.Debugf("failed to close data channel %d: %v", id, err)
		}
	}

	return nil
}

// openChannel opens ch on a. A stream the peer already started is reused;
// when the stream is still waiting in the accept queue, acceptStream binds
// it. e.mu must be held.
func (e *Engine) openChannel(a *association, id uint16, ch *dataChannel) {
	if stream, ok := a.orphans[id]; ok {
		delete(a.orphans, id)
		e.bindChannel(a, id, ch, stream)

		return
	}

	dc, err := datachannel.Dial(a.sctp, id, e.channelConfig(ch.label))
	if err != nil {
		e.log.Debugf("data channel %d waits for the peer's stream: %v", id, err)

		return
	}
	ch.dc = dc
	e.startReader(a, id, dc)
}

// bindChannel opens ch on a stream the peer started. e.mu must be held.
func (e *Engine) bindChannel(a *association, id uint16, ch *dataChannel, stream *sctp.Stream) {
	dc, err := datachannel.Client(stream, e.channelConfig(ch.label))
	if err != nil {
		e.log.Warnf("failed to open data channel %d: %v", id, err)

		return
	}
	ch.dc = dc
	e.startReader(a, id, dc)
}

// startReader moves the messages of dc to the inbox drained by MainLoop.
func (e *Engine) startReader(a *association, id uint16, dc *datachannel.DataChannel) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		buf := make([]byte, maxDataMessageSize)
		for {
			n, _, err := dc.ReadDataChannel(buf)
			if err != nil {
				if errors.Is(err, io.EOF) {
					e.channelClosed(id, dc)
				}

				return
			}

			select {
			case e.inbox <- inboundData{id: id, data: append([]byte(nil), buf[:n]...)}:
			case <-a.done:
				return
			case <-e.closed:
				return
			}
		}
	}()
}

// channelClosed handles the end of dc's stream, either reset by the peer or
// ended with the association. A channel the peer opened is forgotten; a
// local one stays registered and reopens on the next association.
func (e *Engine) channelClosed(id uint16, dc *datachannel.DataChannel) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch, ok := e.channels[id]
	if !ok || ch.dc != dc {
		return
	}
	if ch.remote {
		delete(e.channels, id)
	} else {
		ch.dc = nil
	}
	e.log.Debugf("data channel %d closed", id)
}

// SendData sends one binary message on a data channel. It returns
// ErrWouldBlock while the channel has DataChannelSendCache full-size
// messages queued.
func (e *Engine) SendData(id uint16, data []byte) error {
	if e.isClosed() {
		return errEngineClosed
	}
	if len(data) > maxDataMessageSize {
		return fmt.Errorf("%w: %d bytes", errMessageTooLarge, len(data))
	}

	e.mu.Lock()
	ch, ok := e.channels[id]
	var dc *datachannel.DataChannel
	if ok {
		dc = ch.dc
	}
	e.mu.Unlock()

	switch {
	case !ok:
		return fmt.Errorf("%w: %d", errChannelNotFound, id)
	case dc == nil:
		return dtlssrtp.ErrNotConnected
	case dc.BufferedAmount() >= e.sendBufferLimit():
		return dtlssrtp.ErrWouldBlock
	}

	if _, err := dc.WriteDataChannel(data, false); err != nil {
		return err
	}
	e.stats.dataSent.Add(1)

	return nil
}

func (e *Engine) sendBufferLimit() uint64 {
	return uint64(e.cfg.DataChannelSendCache) * maxDataMessageSize //nolint:gosec
}

func (e *Engine) deliverData(msg inboundData) {
	e.stats.dataReceived.Add(1)
	e.opts.onData(msg.id, msg.data)
}
