// SPDX-FileCopyrightText: 2026 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package dtlssrtp

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/pion/dtls/v3"
)

// RecordConn returns a net.Conn over the current DTLS connection. Every Read
// returns one application data record and every Write sends p as one
// record, which suits message oriented protocols such as SCTP.
//
// Closing the returned conn leaves the session connected. Reset and Close
// of the session end it. Session.Read must not be used while a RecordConn
// is in use.
func (s *Session) RecordConn() (net.Conn, error) {
	s.lifeMu.RLock()
	defer s.lifeMu.RUnlock()

	if err := s.connected(); err != nil {
		return nil, err
	}
	if err := s.conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, err
	}

	return &recordConn{
		conn:      s.conn,
		inspector: s.pconn.inspector,
		closed:    make(chan struct{}),
	}, nil
}

type recordConn struct {
	conn      *dtls.Conn
	inspector *recordInspector

	closed    chan struct{}
	closeOnce sync.Once
}

// Read blocks until a record arrives. A close_notify from the peer is
// reported as ErrConnectionClosed.
func (c *recordConn) Read(p []byte) (int, error) {
	n, err := c.conn.Read(p)
	if err == nil {
		return n, nil
	}

	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}

	switch {
	case isTemporary(err):
		return 0, ErrBufferTooSmall
	case c.inspector.peerClosed(), isClosed(err), isCloseNotify(err):
		return 0, ErrConnectionClosed
	default:
		return 0, err
	}
}

// Write sends p as one record. A datagram the transport could not take is
// reported as sent; the protocol above retransmits.
func (c *recordConn) Write(p []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}

	if _, err := c.conn.Write(p); err != nil {
		switch {
		case errors.Is(err, ErrWouldBlock), isTimeout(err):
		case isClosed(err), isCloseNotify(err):
			return 0, ErrConnectionClosed
		default:
			return 0, err
		}
	}

	return len(p), nil
}

// Close unblocks a pending Read. The DTLS connection stays open.
func (c *recordConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.SetReadDeadline(time.Now())
	})

	return nil
}

func (c *recordConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *recordConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *recordConn) SetDeadline(t time.Time) error      { return c.conn.SetDeadline(t) }
func (c *recordConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *recordConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }
