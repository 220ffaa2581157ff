// SPDX-FileCopyrightText: 2026 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package engine implements a peer connection on a single UDP socket. DTLS,
// SRTP and SRTCP share the socket and are told apart by their first byte.
// Data channels run on an SCTP association carried in DTLS records. ICE
// runs elsewhere; the selected candidate arrives through UpdateICEInfo.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/dtlssrtp"
	"github.com/pion/dtlssrtp/pkg/peerconnection"
	"github.com/pion/logging"
	"github.com/pion/rtp"
)

const (
	receiveMTU     = 8192
	sendBufferSize = 1500

	// notConnectedPoll is how often MainLoop checks for a new connection.
	notConnectedPoll = 10 * time.Millisecond
)

var (
	errNilConn             = &dtlssrtp.Error{Code: dtlssrtp.InvalidArgument, Err: errors.New("engine: packet conn is nil")}             //nolint:err113
	errNoRemote            = &dtlssrtp.Error{Code: dtlssrtp.WrongState, Err: errors.New("engine: remote address is unknown")}          //nolint:err113
	errUnknownMessage      = &dtlssrtp.Error{Code: dtlssrtp.InvalidArgument, Err: errors.New("engine: unsupported message type")}     //nolint:err113
	errUnknownQuery        = &dtlssrtp.Error{Code: dtlssrtp.NotSupported, Err: errors.New("engine: unsupported query")}               //nolint:err113
	errNoRemoteDescription = &dtlssrtp.Error{Code: dtlssrtp.NotExists, Err: errors.New("engine: no remote description")}             //nolint:err113
	errNoRemoteFingerprint = &dtlssrtp.Error{Code: dtlssrtp.NotExists, Err: errors.New("engine: no remote fingerprint")}              //nolint:err113
	errEngineClosed        = &dtlssrtp.Error{Code: dtlssrtp.WrongState, Err: errors.New("engine: closed")}                            //nolint:err113
	errWrongImpl           = &dtlssrtp.Error{Code: dtlssrtp.InvalidArgument, Err: errors.New("engine: handle belongs to another engine")} //nolint:err113
)

// NewOps returns an operation table whose Open creates an Engine on conn.
// The engine takes ownership of conn and closes it on Close.
func NewOps(conn net.PacketConn, opts ...Option) *peerconnection.Ops {
	return &peerconnection.Ops{
		Open: func(cfg *peerconnection.Config) (any, error) {
			return New(conn, cfg, opts...)
		},
		NewConnection: func(ctx context.Context, impl any) error {
			return with(impl, func(e *Engine) error { return e.NewConnection(ctx) })
		},
		CreateDataChannel: func(impl any, dc peerconnection.DataChannelConfig) error {
			return with(impl, func(e *Engine) error { return e.CreateDataChannel(dc) })
		},
		CloseDataChannel: func(impl any, id uint16) error {
			return with(impl, func(e *Engine) error { return e.CloseDataChannel(id) })
		},
		UpdateICEInfo: func(impl any, info peerconnection.ICEInfo) error {
			return with(impl, func(e *Engine) error { return e.UpdateICEInfo(info) })
		},
		SendMsg: func(impl any, msg peerconnection.Message) error {
			return with(impl, func(e *Engine) error { return e.SendMsg(msg) })
		},
		SendVideo: func(impl any, frame peerconnection.Frame) error {
			return with(impl, func(e *Engine) error { return e.SendVideo(frame) })
		},
		SendAudio: func(impl any, frame peerconnection.Frame) error {
			return with(impl, func(e *Engine) error { return e.SendAudio(frame) })
		},
		SendData: func(impl any, id uint16, data []byte) error {
			return with(impl, func(e *Engine) error { return e.SendData(id, data) })
		},
		MainLoop: func(impl any) error {
			return with(impl, (*Engine).MainLoop)
		},
		Disconnect: func(impl any) error {
			return with(impl, (*Engine).Disconnect)
		},
		Query: func(impl any, q peerconnection.Query) (any, error) {
			e, ok := impl.(*Engine)
			if !ok {
				return nil, errWrongImpl
			}

			return e.Query(q)
		},
		Close: func(impl any) error {
			return with(impl, (*Engine).Close)
		},
	}
}

func with(impl any, fn func(*Engine) error) error {
	e, ok := impl.(*Engine)
	if !ok {
		return errWrongImpl
	}

	return fn(e)
}

// Engine is one peer connection. Received media is delivered from an
// internal goroutine; data channel messages are delivered from MainLoop.
type Engine struct {
	cfg     peerconnection.Config
	opts    options
	conn    net.PacketConn
	session *dtlssrtp.Session
	log     logging.LeveledLogger

	remoteMu  sync.RWMutex
	remote    net.Addr
	remoteSDP []byte

	dtlsIn chan []byte

	mu       sync.Mutex
	assoc    *association
	channels map[uint16]*dataChannel
	inbox    chan inboundData

	bufPool   chan *[]byte
	sendQueue chan outbound

	videoSeq rtp.Sequencer
	audioSeq rtp.Sequencer

	stats counters

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
	wg        sync.WaitGroup
}

type outbound struct {
	buf *[]byte
	n   int
}

// New creates an engine on conn with resolved tunables and starts its
// receive and send goroutines. conn is closed if the engine cannot be
// created.
func New(conn net.PacketConn, cfg *peerconnection.Config, opts ...Option) (*Engine, error) {
	if conn == nil {
		return nil, errNilConn
	}
	if cfg == nil {
		_ = conn.Close()

		return nil, fmt.Errorf("%w: config is nil", peerconnection.ErrInvalidArgument)
	}

	resolved := cfg.WithDefaults()
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{
		cfg:       resolved,
		opts:      o,
		conn:      conn,
		log:       resolved.LoggerFactory.NewLogger("engine"),
		dtlsIn:    make(chan []byte, resolved.DataChannelRecvCache),
		channels:  map[uint16]*dataChannel{},
		inbox:     make(chan inboundData, resolved.DataChannelRecvCache),
		bufPool:   make(chan *[]byte, resolved.SendPoolSize),
		sendQueue: make(chan outbound, resolved.SendQueueDepth),
		videoSeq:  rtp.NewRandomSequencer(),
		audioSeq:  rtp.NewRandomSequencer(),
		closed:    make(chan struct{}),
	}
	for i := 0; i < resolved.SendPoolSize; i++ {
		buf := make([]byte, sendBufferSize)
		e.bufPool <- &buf
	}

	sessionOpts := append([]dtlssrtp.Option{
		dtlssrtp.WithLoggerFactory(resolved.LoggerFactory),
		dtlssrtp.WithReadTimeout(resolved.ICERecvTimeout),
	}, o.sessionOpts...)

	session, err := dtlssrtp.Open(o.role, e.sendDTLS, e.recvDTLS, sessionOpts...)
	if err != nil {
		_ = conn.Close()

		return nil, err
	}
	e.session = session

	e.wg.Add(2)
	go e.readLoop()
	go e.writeLoop()

	e.log.Debugf("engine listening on %s as %s", conn.LocalAddr(), o.role)

	return e, nil
}

// Session returns the DTLS-SRTP session driven by the engine.
func (e *Engine) Session() *dtlssrtp.Session {
	return e.session
}

// LocalAddr returns the address of the media socket.
func (e *Engine) LocalAddr() net.Addr {
	return e.conn.LocalAddr()
}

func (e *Engine) remoteAddr() net.Addr {
	e.remoteMu.RLock()
	defer e.remoteMu.RUnlock()

	return e.remote
}

// learnRemote adopts the source of the first DTLS datagram when ICE has not
// selected a candidate yet.
func (e *Engine) learnRemote(from net.Addr) {
	e.remoteMu.Lock()
	defer e.remoteMu.Unlock()

	if e.remote == nil && from != nil {
		e.remote = from
		e.log.Debugf("learned remote address %s", from)
	}
}

func (e *Engine) sendDTLS(p []byte) (int, error) {
	remote := e.remoteAddr()
	if remote == nil {
		return 0, dtlssrtp.ErrWouldBlock
	}

	return e.conn.WriteTo(p, remote)
}

func (e *Engine) recvDTLS(p []byte) (int, error) {
	timer := time.NewTimer(e.cfg.ICERecvTimeout)
	defer timer.Stop()

	select {
	case datagram := <-e.dtlsIn:
		return copy(p, datagram), nil
	case <-e.closed:
		return 0, net.ErrClosed
	case <-timer.C:
		return 0, dtlssrtp.ErrWouldBlock
	}
}

func (e *Engine) readLoop() {
	defer e.wg.Done()

	buf := make([]byte, receiveMTU)
	for {
		n, from, err := e.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-e.closed:
				return
			default:
			}

			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			e.log.Warnf("media socket failed: %v", err)

			return
		}

		e.demux(buf[:n], from)
	}
}

func (e *Engine) demux(datagram []byte, from net.Addr) {
	switch kind := dtlssrtp.Classify(datagram); kind {
	case dtlssrtp.PacketDTLS:
		e.learnRemote(from)
		select {
		case e.dtlsIn <- append([]byte(nil), datagram...):
		default:
			e.stats.datagramsDropped.Add(1)
			e.log.Debug("DTLS queue is full, dropping datagram")
		}
	case dtlssrtp.PacketRTP:
		e.handleRTP(datagram)
	case dtlssrtp.PacketRTCP:
		e.handleRTCP(datagram)
	default:
		e.stats.datagramsDropped.Add(1)
		e.log.Tracef("dropping %s datagram from %s", kind, from)
	}
}

func (e *Engine) writeLoop() {
	defer e.wg.Done()

	for {
		select {
		case <-e.closed:
			return
		case out := <-e.sendQueue:
			if remote := e.remoteAddr(); remote != nil {
				if _, err := e.conn.WriteTo((*out.buf)[:out.n], remote); err != nil {
					e.log.Debugf("failed to send media: %v", err)
				} else {
					e.stats.packetsSent.Add(1)
				}
			}
			e.bufPool <- out.buf
		}
	}
}

// NewConnection runs the DTLS handshake and then the SCTP association that
// carries the data channels. A client needs the remote address from
// UpdateICEInfo first; a server learns it from the first ClientHello. When
// the association fails the session is reset.
func (e *Engine) NewConnection(ctx context.Context) error {
	if e.isClosed() {
		return errEngineClosed
	}
	if e.session.Role() == dtlssrtp.RoleClient && e.remoteAddr() == nil {
		return errNoRemote
	}

	if err := e.session.HandshakeContext(ctx); err != nil {
		return err
	}
	if e.hasAssociation() {
		return nil
	}

	if err := e.associate(ctx); err != nil {
		e.log.Warnf("failed to establish SCTP association: %v", err)
		if resetErr := e.session.Reset(e.session.Role()); resetErr != nil && !errors.Is(resetErr, dtlssrtp.ErrSessionClosed) {
			return errors.Join(err, resetErr)
		}

		return err
	}

	if fp, ok := e.session.RemoteFingerprint(); ok {
		e.log.Infof("connected to %s, remote fingerprint %s", e.remoteAddr(), fp)
	}

	return nil
}

// UpdateICEInfo sets the selected remote candidate. A role change drops the
// current association.
func (e *Engine) UpdateICEInfo(info peerconnection.ICEInfo) error {
	if e.isClosed() {
		return errEngineClosed
	}

	if info.RemoteAddr != nil {
		e.remoteMu.Lock()
		e.remote = info.RemoteAddr
		e.remoteMu.Unlock()
	}

	if info.Role != 0 && info.Role != e.session.Role() {
		e.log.Debugf("switching role to %s", info.Role)
		e.dropAssociation(nil)

		return e.session.Reset(info.Role)
	}

	return nil
}

// SendMsg stores a signaling message from the remote peer. SDP is kept as
// an opaque blob.
func (e *Engine) SendMsg(msg peerconnection.Message) error {
	if msg.Type != peerconnection.MessageTypeSDP {
		return fmt.Errorf("%w: %s", errUnknownMessage, msg.Type)
	}

	e.remoteMu.Lock()
	e.remoteSDP = append([]byte(nil), msg.Data...)
	e.remoteMu.Unlock()

	return nil
}

// MainLoop delivers data channel messages until the engine is closed. When
// the association ends without a local Disconnect, the peer has closed the
// connection and the session is reset for a new one.
func (e *Engine) MainLoop() error {
	for {
		e.mu.Lock()
		a := e.assoc
		e.mu.Unlock()

		var (
			done  <-chan struct{}
			poll  <-chan time.Time
			timer *time.Timer
		)
		if a != nil {
			done = a.done
		} else {
			timer = time.NewTimer(notConnectedPoll)
			poll = timer.C
		}

		var err error
		select {
		case <-e.closed:
			return nil
		case msg := <-e.inbox:
			e.deliverData(msg)
		case <-done:
			err = e.peerClosed(a)
		case <-poll:
		}
		if timer != nil {
			timer.Stop()
		}
		if err != nil {
			return err
		}
	}
}

// peerClosed resets the session after the association a ended on its own.
func (e *Engine) peerClosed(a *association) error {
	if !e.dropAssociation(a) {
		return nil
	}

	e.log.Info("peer closed the connection")
	if err := e.session.Reset(e.session.Role()); err != nil && !errors.Is(err, dtlssrtp.ErrSessionClosed) {
		return err
	}

	return nil
}

// Disconnect sends an RTCP BYE for the local sources, closes the
// association and resets the session so that a new connection can be made.
// Data channels stay registered and reopen on the next connection.
func (e *Engine) Disconnect() error {
	if e.isClosed() {
		return errEngineClosed
	}

	if e.session.State() == dtlssrtp.StateConnected {
		if err := e.sendGoodbye(); err != nil {
			e.log.Debugf("failed to send BYE: %v", err)
		}
	}
	e.dropAssociation(nil)

	return e.session.Reset(e.session.Role())
}

// Query returns engine state selected by q.
func (e *Engine) Query(q peerconnection.Query) (any, error) {
	switch q {
	case peerconnection.QueryState:
		return e.session.State(), nil
	case peerconnection.QueryLocalFingerprint:
		return e.session.LocalFingerprint(), nil
	case peerconnection.QueryRemoteFingerprint:
		fp, ok := e.session.RemoteFingerprint()
		if !ok {
			return nil, errNoRemoteFingerprint
		}

		return fp, nil
	case peerconnection.QueryRemoteDescription:
		e.remoteMu.RLock()
		defer e.remoteMu.RUnlock()
		if e.remoteSDP == nil {
			return nil, errNoRemoteDescription
		}

		return append([]byte(nil), e.remoteSDP...), nil
	case peerconnection.QueryConfig:
		return e.cfg, nil
	case peerconnection.QueryStats:
		return e.Stats(), nil
	default:
		return nil, fmt.Errorf("%w: %s", errUnknownQuery, q)
	}
}

func (e *Engine) isClosed() bool {
	select {
	case <-e.closed:
		return true
	default:
		return false
	}
}

// Close closes the session and the socket and waits for the engine
// goroutines. It is idempotent.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.dropAssociation(nil)
		sessionErr := e.session.Close()
		connErr := e.conn.Close()
		e.wg.Wait()
		e.closeErr = errors.Join(sessionErr, connErr)
	})

	return e.closeErr
}
