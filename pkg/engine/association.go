// SPDX-FileCopyrightText: 2026 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package engine

import (
	"context"
	"time"

	"github.com/pion/datachannel"
	"github.com/pion/dtlssrtp"
	"github.com/pion/sctp"
)

const (
	// associateTimeout bounds the SCTP handshake when the caller's context
	// has no deadline.
	associateTimeout = 30 * time.Second

	// sctpReceiveBufferSize is the receive window advertised to the peer.
	sctpReceiveBufferSize = 1024 * 1024
)

// association is an SCTP association running over the DTLS records of one
// connection.
type association struct {
	sctp *sctp.Association

	// done is closed once the association stops delivering streams.
	done chan struct{}

	// orphans holds streams the peer sent data on before the local side
	// created the channel. Guarded by Engine.mu.
	orphans map[uint16]*sctp.Stream
}

// associate runs the SCTP handshake over the connected session and adopts
// the association. The DTLS client initiates it.
func (e *Engine) associate(ctx context.Context) error {
	conn, err := e.session.RecordConn()
	if err != nil {
		return err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, associateTimeout)
		defer cancel()
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })

	cfg := sctp.Config{
		NetConn:              conn,
		MaxReceiveBufferSize: sctpReceiveBufferSize,
		MaxMessageSize:       maxDataMessageSize,
		LoggerFactory:        e.cfg.LoggerFactory,
	}

	var assoc *sctp.Association
	if e.session.Role() == dtlssrtp.RoleClient {
		assoc, err = sctp.Client(cfg)
	} else {
		assoc, err = sctp.Server(cfg)
	}
	if !stop() {
		if err == nil {
			_ = assoc.Close()
		}

		return ctx.Err()
	}
	if err != nil {
		_ = conn.Close()

		return err
	}

	return e.adopt(assoc)
}

// adopt makes assoc the current association and opens every registered
// data channel on it.
func (e *Engine) adopt(assoc *sctp.Association) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.isClosed() {
		_ = assoc.Close()

		return errEngineClosed
	}

	a := &association{
		sctp:    assoc,
		done:    make(chan struct{}),
		orphans: map[uint16]*sctp.Stream{},
	}
	e.assoc = a

	e.wg.Add(1)
	go e.acceptLoop(a)

	for id, ch := range e.channels {
		e.openChannel(a, id, ch)
	}
	e.log.Debugf("SCTP association established, %d data channels", len(e.channels))

	return nil
}

func (e *Engine) hasAssociation() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.assoc != nil
}

// dropAssociation detaches and closes the current association when it is
// want, or whatever association is current when want is nil. Channels the
// peer opened are forgotten; local ones are reopened on the next
// association.
func (e *Engine) dropAssociation(want *association) bool {
	e.mu.Lock()
	a := e.assoc
	if a == nil || (want != nil && a != want) {
		e.mu.Unlock()

		return false
	}
	e.assoc = nil
	for id, ch := range e.channels {
		if ch.remote {
			delete(e.channels, id)

			continue
		}
		ch.dc = nil
	}
	e.mu.Unlock()

	if err := a.sctp.Close(); err != nil {
		e.log.Debugf("failed to close SCTP association: %v", err)
	}

	return true
}

// acceptLoop handles the streams the peer starts until the association
// ends.
func (e *Engine) acceptLoop(a *association) {
	defer e.wg.Done()
	defer close(a.done)

	for {
		stream, err := a.sctp.AcceptStream()
		if err != nil {
			e.log.Debugf("SCTP association ended: %v", err)

			return
		}
		e.acceptStream(a, stream)
	}
}

// acceptStream binds a stream the peer started. A stream for a registered
// channel completes it; any other stream must open with a DCEP
// DATA_CHANNEL_OPEN, otherwise it is kept until the channel is created.
func (e *Engine) acceptStream(a *association, stream *sctp.Stream) {
	id := stream.StreamIdentifier()
	stream.SetDefaultPayloadType(sctp.PayloadTypeWebRTCBinary)

	e.mu.Lock()
	if e.assoc != a {
		e.mu.Unlock()

		return
	}
	if ch, ok := e.channels[id]; ok {
		if ch.dc == nil {
			e.bindChannel(a, id, ch, stream)
		}
		e.mu.Unlock()

		return
	}
	placeholder := &dataChannel{remote: true}
	e.channels[id] = placeholder
	e.mu.Unlock()

	dc, err := datachannel.Server(stream, &datachannel.Config{LoggerFactory: e.cfg.LoggerFactory})

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.channels[id] == placeholder {
		delete(e.channels, id)
	}
	if e.assoc != a {
		return
	}
	if err != nil {
		e.log.Debugf("dropping data on data channel %d that is not open: %v", id, err)
		a.orphans[id] = stream

		return
	}

	placeholder.label = dc.Config.Label
	placeholder.dc = dc
	e.channels[id] = placeholder
	e.startReader(a, id, dc)
	e.log.Debugf("peer opened data channel %d %q", id, placeholder.label)
}
