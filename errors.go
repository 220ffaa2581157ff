// SPDX-FileCopyrightText: 2026 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package dtlssrtp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/pion/dtls/v3/pkg/protocol"
	"github.com/pion/dtls/v3/pkg/protocol/alert"
)

// Code classifies the errors surfaced to callers. The values are stable so
// they can be mapped to numeric status codes by bindings.
type Code int

// Error codes.
const (
	InvalidArgument Code = iota + 1
	NoMemory
	WrongState
	NotSupported
	NotExists
	Fail
	OverLimited
	BadData
	WouldBlock
)

func (c Code) String() string {
	switch c {
	case InvalidArgument:
		return "InvalidArgument"
	case NoMemory:
		return "NoMemory"
	case WrongState:
		return "WrongState"
	case NotSupported:
		return "NotSupported"
	case NotExists:
		return "NotExists"
	case Fail:
		return "Fail"
	case OverLimited:
		return "OverLimited"
	case BadData:
		return "BadData"
	case WouldBlock:
		return "WouldBlock"
	default:
		return fmt.Sprintf("Code(%d)", int(c))
	}
}

// Error is an error carrying a Code.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Code.String()
	}

	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// Timeout implements net.Error. Only WouldBlock is a timeout, which lets the
// DTLS stack treat a starved transport as a retryable condition.
func (e *Error) Timeout() bool { return e.Code == WouldBlock }

// Temporary implements net.Error.
func (e *Error) Temporary() bool { return e.Code == WouldBlock }

// CodeOf returns the Code carried by err. Errors without a code map to Fail,
// a nil error maps to 0.
func CodeOf(err error) Code {
	if err == nil {
		return 0
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}

	return Fail
}

func wrapCode(code Code, err error) error {
	return &Error{Code: code, Err: err}
}

// Typed errors.
var (
	// ErrWouldBlock is returned by transports and by Read/Write when no progress
	// could be made within the configured bound. It is not fatal.
	ErrWouldBlock = &Error{Code: WouldBlock, Err: errors.New("operation would block")} //nolint:err113

	// ErrConnectionClosed is returned when the peer sent close_notify.
	ErrConnectionClosed = &Error{Code: Fail, Err: errors.New("connection closed by peer")} //nolint:err113

	// ErrSessionClosed is returned when the session was closed locally.
	ErrSessionClosed = &Error{Code: WrongState, Err: errors.New("session is closed")} //nolint:err113

	// ErrNotConnected is returned when SRTP contexts or DTLS application data
	// are used before a successful handshake.
	ErrNotConnected = &Error{Code: WrongState, Err: errors.New("session is not connected")} //nolint:err113

	// ErrBadPacket is returned when an SRTP or SRTCP packet fails authentication,
	// is replayed or cannot be parsed. The session stays usable.
	ErrBadPacket = &Error{Code: BadData, Err: errors.New("failed to unprotect packet")} //nolint:err113

	// ErrBufferTooSmall is returned when a buffer has no room for the
	// authentication tag or the decrypted record.
	ErrBufferTooSmall = &Error{Code: OverLimited, Err: errors.New("buffer is too small")} //nolint:err113

	// ErrTooManyAttempts is returned when the server gave up waiting for the
	// client to answer the cookie exchange.
	ErrTooManyAttempts = &Error{Code: OverLimited, Err: errors.New("too many handshake attempts")} //nolint:err113

	// ErrKeyExport is returned when SRTP keying material could not be derived
	// after the handshake. The session never reaches StateConnected.
	ErrKeyExport = &Error{Code: Fail, Err: errors.New("failed to export SRTP keying material")} //nolint:err113

	errNilTransport             = &Error{Code: InvalidArgument, Err: errors.New("send and recv callbacks are required")}   //nolint:err113
	errInvalidRole              = &Error{Code: InvalidArgument, Err: errors.New("invalid role")}                           //nolint:err113
	errInvalidMTU               = &Error{Code: InvalidArgument, Err: errors.New("mtu is too small")}                       //nolint:err113
	errInvalidReadTimeout       = &Error{Code: InvalidArgument, Err: errors.New("read timeout must be positive")}          //nolint:err113
	errInvalidRetransmitTimeout = &Error{Code: InvalidArgument, Err: errors.New("retransmit timeouts must be 0 < min <= max")} //nolint:err113
	errInvalidAttempts          = &Error{Code: InvalidArgument, Err: errors.New("handshake attempts must be positive")}    //nolint:err113
	errNoSRTPProfiles           = &Error{Code: InvalidArgument, Err: errors.New("no supported SRTP protection profile")}  //nolint:err113
	errNoIdentityProvider       = &Error{Code: InvalidArgument, Err: errors.New("identity provider is nil")}               //nolint:err113
	errNoSelectedProfile        = &Error{Code: Fail, Err: errors.New("peer did not negotiate an SRTP protection profile")} //nolint:err113
	errShortKeyingMaterial      = &Error{Code: Fail, Err: errors.New("keying material is too short")}                      //nolint:err113
	errInvalidLength            = &Error{Code: InvalidArgument, Err: errors.New("packet length exceeds buffer")}           //nolint:err113
	errNoConnectionState        = &Error{Code: Fail, Err: errors.New("connection state is unavailable")}                   //nolint:err113
)

// timeoutError is returned by the transport adapter when a deadline passes.
type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// isTimeout reports whether err is a deadline or would-block condition.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	var ne net.Error

	return errors.As(err, &ne) && ne.Timeout()
}

// isClosed reports whether err means the underlying transport or connection is gone.
func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// alertCarrier is implemented by the alert errors of the DTLS connection.
type alertCarrier interface {
	IsFatalOrCloseNotify() bool
	Marshal() ([]byte, error)
}

// isCloseNotify reports whether err carries a close_notify alert.
func isCloseNotify(err error) bool {
	var carrier alertCarrier
	if !errors.As(err, &carrier) || !carrier.IsFatalOrCloseNotify() {
		return false
	}

	raw, mErr := carrier.Marshal()

	return mErr == nil && len(raw) == 2 && alert.Description(raw[1]) == alert.CloseNotify
}

// isTemporary reports whether err is a non-fatal DTLS error, which Read only
// returns when a record does not fit the caller's buffer.
func isTemporary(err error) bool {
	var temporary *protocol.TemporaryError

	return errors.As(err, &temporary)
}
