// SPDX-FileCopyrightText: 2026 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package dtlssrtp

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/pion/transport/v3/deadline"
)

// SendFunc writes one datagram to the peer. It returns ErrWouldBlock when the
// datagram could not be queued.
type SendFunc func(p []byte) (int, error)

// RecvFunc reads one datagram into p. It may block for a bounded time and
// returns ErrWouldBlock when nothing arrived within that bound.
type RecvFunc func(p []byte) (int, error)

// wouldBlockBackoff throttles polling of a non-blocking RecvFunc.
const wouldBlockBackoff = time.Millisecond

// ConnTransport adapts a connected datagram socket. Each receive waits at
// most timeout before reporting ErrWouldBlock.
func ConnTransport(conn net.Conn, timeout time.Duration) (SendFunc, RecvFunc) {
	send := func(p []byte) (int, error) {
		n, err := conn.Write(p)
		if err != nil && isTimeout(err) {
			return n, ErrWouldBlock
		}

		return n, err
	}

	recv := func(p []byte) (int, error) {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return 0, err
		}
		n, err := conn.Read(p)
		if err != nil && isTimeout(err) {
			return 0, ErrWouldBlock
		}

		return n, err
	}

	return send, recv
}

// transportAddr is the address reported for both ends of the adapter. The
// session owns exactly one peer, so the value only has to be stable.
type transportAddr string

func (a transportAddr) Network() string { return "dtls-srtp" }
func (a transportAddr) String() string  { return string(a) }

const (
	localAddr  transportAddr = "local"
	remoteAddr transportAddr = "remote"
)

// datagramTransport serializes access to the caller's callbacks. A datagram
// received on behalf of a detached view is parked and handed to the next
// reader instead of being lost.
type datagramTransport struct {
	send SendFunc
	recv RecvFunc

	recvMu  sync.Mutex
	pending []byte
	parked  bool
}

func newDatagramTransport(send SendFunc, recv RecvFunc) *datagramTransport {
	return &datagramTransport{send: send, recv: recv}
}

func (t *datagramTransport) read(p []byte, detached <-chan struct{}) (int, error) {
	t.recvMu.Lock()
	defer t.recvMu.Unlock()

	if t.parked {
		t.parked = false
		n := copy(p, t.pending)
		t.pending = t.pending[:0]

		return n, nil
	}

	n, err := t.recv(p)
	if err != nil || n <= 0 {
		return 0, err
	}

	select {
	case <-detached:
		t.pending = append(t.pending[:0], p[:n]...)
		t.parked = true

		return 0, net.ErrClosed
	default:
	}

	return n, nil
}

// packetConn is a net.PacketConn view over a datagramTransport handed to one
// DTLS connection. Closing the view detaches it without touching the
// transport, the next handshake attempt opens a fresh view.
type packetConn struct {
	transport *datagramTransport
	inspector *recordInspector

	closed    chan struct{}
	closeOnce sync.Once

	readDeadline  *deadline.Deadline
	writeDeadline *deadline.Deadline
}

func newPacketConn(t *datagramTransport) *packetConn {
	return &packetConn{
		transport:     t,
		inspector:     &recordInspector{},
		closed:        make(chan struct{}),
		readDeadline:  deadline.New(),
		writeDeadline: deadline.New(),
	}
}

func (c *packetConn) ReadFrom(p []byte) (int, net.Addr, error) {
	var backoff *time.Timer
	defer func() {
		if backoff != nil {
			backoff.Stop()
		}
	}()

	for {
		select {
		case <-c.closed:
			return 0, nil, net.ErrClosed
		case <-c.readDeadline.Done():
			return 0, nil, timeoutError{}
		default:
		}

		n, err := c.transport.read(p, c.closed)
		switch {
		case err == nil && n > 0:
			c.inspector.inbound(p[:n])

			return n, remoteAddr, nil
		case err == nil, errors.Is(err, ErrWouldBlock), isTimeout(err):
		default:
			return 0, nil, err
		}

		if backoff == nil {
			backoff = time.NewTimer(wouldBlockBackoff)
		} else {
			backoff.Reset(wouldBlockBackoff)
		}

		select {
		case <-c.closed:
			return 0, nil, net.ErrClosed
		case <-c.readDeadline.Done():
			return 0, nil, timeoutError{}
		case <-backoff.C:
		}
	}
}

func (c *packetConn) WriteTo(p []byte, _ net.Addr) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	case <-c.writeDeadline.Done():
		return 0, timeoutError{}
	default:
	}

	c.inspector.outbound(p)

	return c.transport.send(p)
}

func (c *packetConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })

	return nil
}

func (c *packetConn) LocalAddr() net.Addr { return localAddr }

func (c *packetConn) SetDeadline(t time.Time) error {
	c.readDeadline.Set(t)
	c.writeDeadline.Set(t)

	return nil
}

func (c *packetConn) SetReadDeadline(t time.Time) error {
	c.readDeadline.Set(t)

	return nil
}

func (c *packetConn) SetWriteDeadline(t time.Time) error {
	c.writeDeadline.Set(t)

	return nil
}
