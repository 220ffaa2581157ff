// SPDX-FileCopyrightText: 2026 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package dtlssrtp

import (
	"fmt"
	"sync"
)

// scratchSize fits an MTU sized packet plus the largest auth tag and the
// SRTCP index.
const scratchSize = 1536

var scratchPool = sync.Pool{ //nolint:gochecknoglobals
	New: func() any {
		b := make([]byte, 0, scratchSize)

		return &b
	},
}

type transformFunc func(dst, src []byte) ([]byte, error)

// transform applies fn to buf[:n] and writes the result back into buf. The
// SRTP contexts do not support overlapping input and output, so the result
// goes through a pooled scratch buffer. grow is what fn adds to the packet;
// buf is checked for room before fn runs so a failed call leaves the
// context state untouched.
func transform(buf []byte, n, grow int, fn transformFunc, wrap func(error) error) (int, error) {
	if n < 0 || n > len(buf) {
		return 0, errInvalidLength
	}
	if n+grow > len(buf) {
		return 0, ErrBufferTooSmall
	}

	scratch, _ := scratchPool.Get().(*[]byte)
	defer scratchPool.Put(scratch)

	out, err := fn((*scratch)[:0], buf[:n])
	if err != nil {
		return 0, wrap(err)
	}
	*scratch = out[:0]

	if len(out) > len(buf) {
		return 0, ErrBufferTooSmall
	}

	return copy(buf, out), nil
}

func protectError(err error) error {
	return wrapCode(BadData, fmt.Errorf("failed to protect packet: %w", err))
}

func unprotectError(err error) error {
	return fmt.Errorf("%w: %w", ErrBadPacket, err)
}

// ProtectRTP encrypts the RTP packet in buf[:n] in place and returns the
// protected length. buf must have room for the authentication tag.
func (s *Session) ProtectRTP(buf []byte, n int) (int, error) {
	c := s.contexts.Load()
	if c == nil {
		return 0, ErrNotConnected
	}

	return transform(buf, n, c.rtpOverhead, func(dst, src []byte) ([]byte, error) {
		c.outMu.Lock()
		defer c.outMu.Unlock()

		return c.outbound.EncryptRTP(dst, src, nil)
	}, protectError)
}

// UnprotectRTP authenticates and decrypts the SRTP packet in buf[:n] in
// place and returns the plaintext length.
func (s *Session) UnprotectRTP(buf []byte, n int) (int, error) {
	c := s.contexts.Load()
	if c == nil {
		return 0, ErrNotConnected
	}

	return transform(buf, n, 0, func(dst, src []byte) ([]byte, error) {
		c.inMu.Lock()
		defer c.inMu.Unlock()

		return c.inbound.DecryptRTP(dst, src, nil)
	}, unprotectError)
}

// ProtectRTCP encrypts the RTCP compound packet in buf[:n] in place and
// returns the protected length. buf must have room for the SRTCP index and
// the authentication tag.
func (s *Session) ProtectRTCP(buf []byte, n int) (int, error) {
	c := s.contexts.Load()
	if c == nil {
		return 0, ErrNotConnected
	}

	return transform(buf, n, c.rtcpOverhead, func(dst, src []byte) ([]byte, error) {
		c.outMu.Lock()
		defer c.outMu.Unlock()

		return c.outbound.EncryptRTCP(dst, src, nil)
	}, protectError)
}

// UnprotectRTCP authenticates and decrypts the SRTCP packet in buf[:n] in
// place and returns the plaintext length.
func (s *Session) UnprotectRTCP(buf []byte, n int) (int, error) {
	c := s.contexts.Load()
	if c == nil {
		return 0, ErrNotConnected
	}

	return transform(buf, n, 0, func(dst, src []byte) ([]byte, error) {
		c.inMu.Lock()
		defer c.inMu.Unlock()

		return c.inbound.DecryptRTCP(dst, src, nil)
	}, unprotectError)
}
