// SPDX-FileCopyrightText: 2026 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package dtlssrtp implements a DTLS-SRTP media session: a DTLS handshake
// over caller supplied datagram callbacks, SRTP key derivation from the
// handshake and in-place protection of RTP and RTCP packets.
package dtlssrtp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/dtls/v3"
	"github.com/pion/dtlssrtp/pkg/crypto/identity"
	"github.com/pion/logging"
)

// drainWindow is how long Read keeps collecting records that are already
// queued after the first one arrived.
const drainWindow = time.Millisecond

// Session is one DTLS-SRTP association with a single peer.
//
// Handshake, Reset and Close are exclusive. Read and Write may run
// concurrently with each other and with the packet codec, one reader and
// one writer at a time.
type Session struct {
	lifeMu  sync.RWMutex
	readMu  sync.Mutex
	writeMu sync.Mutex

	role  atomic.Int32
	state atomic.Int32

	cfg        *config
	identity   *identity.Identity
	transport  *datagramTransport
	dtlsConfig *dtls.Config

	conn  *dtls.Conn
	pconn *packetConn

	contexts          atomic.Pointer[srtpContexts]
	remoteFingerprint atomic.Pointer[string]

	closeCtx    context.Context //nolint:containedctx
	closeCancel context.CancelFunc

	log logging.LeveledLogger
}

// Open creates a session in StateInit. The identity is obtained from the
// configured provider, generating it if needed.
func Open(role Role, send SendFunc, recv RecvFunc, opts ...Option) (*Session, error) {
	if !role.valid() {
		return nil, errInvalidRole
	}
	if send == nil || recv == nil {
		return nil, errNilTransport
	}

	cfg, err := buildConfig(opts...)
	if err != nil {
		return nil, err
	}

	id := cfg.identity
	if id == nil {
		if id, err = cfg.identityProvider.Ensure(); err != nil {
			return nil, wrapCode(Fail, err)
		}
	}

	s := &Session{
		cfg:        cfg,
		identity:   id,
		transport:  newDatagramTransport(send, recv),
		dtlsConfig: cfg.dtlsConfig(role, id),
		log:        cfg.loggerFactory.NewLogger("dtlssrtp"),
	}
	s.closeCtx, s.closeCancel = context.WithCancel(context.Background())
	s.role.Store(int32(role))
	s.setState(StateInit)

	s.log.Debugf("opened %s session, local fingerprint %s", role, id.Fingerprint())

	return s, nil
}

// Role returns the current DTLS role.
func (s *Session) Role() Role {
	return Role(s.role.Load())
}

// State returns the lifecycle state. It never blocks.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(state State) {
	s.state.Store(int32(state))
}

// LocalFingerprint returns the SHA-256 fingerprint of the local certificate.
func (s *Session) LocalFingerprint() string {
	return s.identity.Fingerprint()
}

// Identity returns the certificate the session presents.
func (s *Session) Identity() *identity.Identity {
	return s.identity
}

// RemoteFingerprint returns the fingerprint of the certificate the peer
// presented during the last successful handshake.
func (s *Session) RemoteFingerprint() (string, bool) {
	fp := s.remoteFingerprint.Load()
	if fp == nil {
		return "", false
	}

	return *fp, true
}

// SRTPProtectionProfile returns the negotiated profile while connected.
func (s *Session) SRTPProtectionProfile() (dtls.SRTPProtectionProfile, bool) {
	c := s.contexts.Load()
	if c == nil {
		return 0, false
	}

	return c.profile, true
}

// Handshake runs the DTLS handshake to completion.
func (s *Session) Handshake() error {
	return s.HandshakeContext(context.Background())
}

// HandshakeContext runs the DTLS handshake and derives the SRTP contexts. A
// server restarts the handshake while the client has not returned its
// cookie, up to the configured number of attempts. On failure the session is
// back in StateInit and may be handshaken again.
func (s *Session) HandshakeContext(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	switch s.State() {
	case StateNone:
		return ErrSessionClosed
	case StateConnected:
		return nil
	default:
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.closeCtx, cancel)
	defer stop()

	s.setState(StateHandshaking)
	start := time.Now()

	var err error
	if s.Role() == RoleServer {
		err = s.serverHandshake(ctx)
	} else {
		err = s.clientHandshake(ctx)
	}
	if err == nil {
		err = s.establishSRTP()
	}

	if err != nil {
		peerClosed := s.peerClosed(err)
		s.teardown()
		s.setState(StateInit)

		switch {
		case s.closeCtx.Err() != nil:
			return ErrSessionClosed
		case peerClosed:
			s.log.Debug("peer sent close_notify during handshake")

			return ErrConnectionClosed
		default:
			s.log.Warnf("%s handshake failed: %v", s.Role(), err)

			return err
		}
	}

	s.setState(StateConnected)
	s.log.Infof("%s handshake complete in %v", s.Role(), time.Since(start))

	return nil
}

func (s *Session) clientHandshake(ctx context.Context) error {
	if err := s.attempt(ctx); err != nil {
		return err
	}

	if state, ok := s.conn.ConnectionState(); ok {
		flags := verifyPeerCertificate(state.PeerCertificates, time.Now())
		s.log.Debugf("server certificate verification: %s", flags)
	}

	return nil
}

func (s *Session) serverHandshake(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		err := s.attempt(ctx)
		if err == nil {
			return nil
		}

		if ctx.Err() != nil || !isTimeout(err) || !s.pconn.inspector.awaitingCookie() {
			return err
		}
		if attempt >= s.cfg.maxHandshakeAttempts {
			return fmt.Errorf("%w: %w", ErrTooManyAttempts, err)
		}

		s.log.Debugf("client did not return the cookie, restarting handshake (%d/%d)",
			attempt, s.cfg.maxHandshakeAttempts)
		s.teardown()
	}
}

// attempt runs one DTLS handshake on a fresh view of the transport.
func (s *Session) attempt(ctx context.Context) error {
	pc := newPacketConn(s.transport)

	var (
		conn *dtls.Conn
		err  error
	)
	if s.Role() == RoleServer {
		conn, err = dtls.Server(pc, remoteAddr, s.dtlsConfig)
	} else {
		conn, err = dtls.Client(pc, remoteAddr, s.dtlsConfig)
	}
	if err != nil {
		_ = pc.Close()

		return err
	}
	s.conn, s.pconn = conn, pc

	ctx, cancel := context.WithTimeout(ctx, s.cfg.handshakeBudget())
	defer cancel()

	return conn.HandshakeContext(ctx)
}

// establishSRTP exports the keying material of the finished handshake and
// installs the SRTP contexts.
func (s *Session) establishSRTP() error {
	profile, ok := s.conn.SelectedSRTPProtectionProfile()
	if !ok {
		return fmt.Errorf("%w: %w", ErrKeyExport, errNoSelectedProfile)
	}

	state, ok := s.conn.ConnectionState()
	if !ok {
		return fmt.Errorf("%w: %w", ErrKeyExport, errNoConnectionState)
	}

	length, err := keyingMaterialLength(profile)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrKeyExport, err)
	}

	raw, err := state.ExportKeyingMaterial(labelExtractorDtlsSrtp, nil, length)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrKeyExport, err)
	}

	contexts, err := newSRTPContexts(raw, s.Role(), profile, s.cfg.srtpOptions()...)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrKeyExport, err)
	}

	if len(state.PeerCertificates) > 0 {
		if fp, err := identity.FingerprintOf(state.PeerCertificates[0]); err == nil {
			s.remoteFingerprint.Store(&fp)
		}
	}
	s.contexts.Store(contexts)
	s.log.Debugf("installed SRTP contexts for profile %#04x", uint16(profile))

	return nil
}

// peerClosed reports whether err, or the records seen on the current
// attempt, show that the peer sent close_notify.
func (s *Session) peerClosed(err error) bool {
	if s.pconn != nil && s.pconn.inspector.peerClosed() {
		return true
	}
	if isClosed(err) {
		return true
	}

	return isCloseNotify(err)
}

// teardown drops the connection, its transport view and the SRTP contexts.
func (s *Session) teardown() {
	s.contexts.Store(nil)
	s.remoteFingerprint.Store(nil)

	if s.conn != nil {
		if err := s.conn.Close(); err != nil && !isClosed(err) {
			s.log.Debugf("failed to close DTLS connection: %v", err)
		}
		s.conn = nil
	}
	if s.pconn != nil {
		_ = s.pconn.Close()
		s.pconn = nil
	}
}

// Reset returns the session to StateInit with the given role, keeping the
// identity and the transport. SRTP contexts are discarded.
func (s *Session) Reset(role Role) error {
	if !role.valid() {
		return errInvalidRole
	}

	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if s.State() == StateNone {
		return ErrSessionClosed
	}

	s.teardown()
	if role != s.Role() {
		s.dtlsConfig = s.cfg.dtlsConfig(role, s.identity)
		s.role.Store(int32(role))
	}
	s.setState(StateInit)
	s.log.Debugf("session reset as %s", role)

	return nil
}

// MaxRecordPayload returns the largest amount of application data Write
// puts in a single record.
func (s *Session) MaxRecordPayload() int {
	return s.cfg.maxRecordPayload()
}

// Read reads decrypted application data. It waits up to the read timeout for
// the first record and then collects records already queued while p has room
// for another full record. A timeout with nothing read returns 0 and no
// error.
func (s *Session) Read(p []byte) (int, error) {
	s.lifeMu.RLock()
	defer s.lifeMu.RUnlock()
	s.readMu.Lock()
	defer s.readMu.Unlock()

	if err := s.connected(); err != nil {
		return 0, err
	}

	total := 0
	deadline := time.Now().Add(s.cfg.readTimeout)
	for total < len(p) {
		if err := s.conn.SetReadDeadline(deadline); err != nil {
			return total, err
		}

		n, err := s.conn.Read(p[total:])
		total += n

		switch {
		case err == nil:
			// A record that does not fit would be discarded by the DTLS stack.
			if len(p)-total < s.cfg.maxRecordPayload() {
				return total, nil
			}
			deadline = time.Now().Add(drainWindow)
		case isTimeout(err):
			return total, nil
		case s.peerClosed(err):
			return total, ErrConnectionClosed
		case total > 0:
			return total, nil
		case isTemporary(err):
			return 0, ErrBufferTooSmall
		default:
			return 0, err
		}
	}

	return total, nil
}

// Write sends p as application data, split into records that fit the MTU.
// It stops early without error when the transport would block.
func (s *Session) Write(p []byte) (int, error) {
	s.lifeMu.RLock()
	defer s.lifeMu.RUnlock()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.connected(); err != nil {
		return 0, err
	}

	chunk := s.cfg.maxRecordPayload()
	total := 0
	for total < len(p) {
		end := min(total+chunk, len(p))
		if _, err := s.conn.Write(p[total:end]); err != nil {
			switch {
			case errors.Is(err, ErrWouldBlock), isTimeout(err):
				return total, nil
			case s.peerClosed(err):
				return total, ErrConnectionClosed
			default:
				return total, err
			}
		}
		total = end
	}

	return total, nil
}

func (s *Session) connected() error {
	switch s.State() {
	case StateConnected:
		return nil
	case StateNone:
		return ErrSessionClosed
	default:
		return ErrNotConnected
	}
}

// Close sends close_notify if connected and releases the session. A running
// handshake is aborted. Close is idempotent.
func (s *Session) Close() error {
	s.closeCancel()

	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if s.State() == StateNone {
		return nil
	}

	s.teardown()
	s.setState(StateNone)
	s.log.Debug("session closed")

	return nil
}
