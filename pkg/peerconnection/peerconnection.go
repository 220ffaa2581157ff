// SPDX-FileCopyrightText: 2026 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package peerconnection lets signaling and media code drive a peer
// connection without knowing which engine implements it. An engine supplies
// an Ops table; unset entries are reported as ErrNotSupported.
package peerconnection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/dtlssrtp"
	"github.com/pion/logging"
)

var (
	// ErrInvalidArgument is returned for a nil handle, config or table.
	ErrInvalidArgument = &dtlssrtp.Error{Code: dtlssrtp.InvalidArgument, Err: errors.New("peerconnection: invalid argument")} //nolint:err113

	// ErrWrongState is returned when the handle was closed.
	ErrWrongState = &dtlssrtp.Error{Code: dtlssrtp.WrongState, Err: errors.New("peerconnection: handle is closed")} //nolint:err113

	// ErrNotSupported is returned when the implementation leaves an operation unset.
	ErrNotSupported = &dtlssrtp.Error{Code: dtlssrtp.NotSupported, Err: errors.New("peerconnection: operation not supported")} //nolint:err113
)

// Ops is the operation table of a peer connection implementation. Open is
// required; every other entry is optional. impl is the value returned by Open.
type Ops struct {
	Open              func(cfg *Config) (impl any, err error)
	NewConnection     func(ctx context.Context, impl any) error
	CreateDataChannel func(impl any, dc DataChannelConfig) error
	CloseDataChannel  func(impl any, id uint16) error
	UpdateICEInfo     func(impl any, info ICEInfo) error
	SendMsg           func(impl any, msg Message) error
	SendVideo         func(impl any, frame Frame) error
	SendAudio         func(impl any, frame Frame) error
	SendData          func(impl any, id uint16, data []byte) error
	MainLoop          func(impl any) error
	Disconnect        func(impl any) error
	Query             func(impl any, q Query) (any, error)
	Close             func(impl any) error
}

// Capability is a bitmask of the operations an Ops table implements.
type Capability uint32

// Capabilities.
const (
	CapNewConnection Capability = 1 << iota
	CapCreateDataChannel
	CapCloseDataChannel
	CapUpdateICEInfo
	CapSendMsg
	CapSendVideo
	CapSendAudio
	CapSendData
	CapMainLoop
	CapDisconnect
	CapQuery
	CapClose
)

var capabilityNames = []string{ //nolint:gochecknoglobals
	"new-connection", "create-data-channel", "close-data-channel", "update-ice-info",
	"send-msg", "send-video", "send-audio", "send-data", "main-loop", "disconnect",
	"query", "close",
}

// Has reports whether every capability in other is present.
func (c Capability) Has(other Capability) bool {
	return c&other == other
}

func (c Capability) String() string {
	var names []string
	for i, name := range capabilityNames {
		if c&(1<<i) != 0 {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "none"
	}

	return strings.Join(names, "|")
}

// Capabilities returns the set of optional operations that are populated.
func (o *Ops) Capabilities() Capability {
	if o == nil {
		return 0
	}

	var c Capability
	if o.NewConnection != nil {
		c |= CapNewConnection
	}
	if o.CreateDataChannel != nil {
		c |= CapCreateDataChannel
	}
	if o.CloseDataChannel != nil {
		c |= CapCloseDataChannel
	}
	if o.UpdateICEInfo != nil {
		c |= CapUpdateICEInfo
	}
	if o.SendMsg != nil {
		c |= CapSendMsg
	}
	if o.SendVideo != nil {
		c |= CapSendVideo
	}
	if o.SendAudio != nil {
		c |= CapSendAudio
	}
	if o.SendData != nil {
		c |= CapSendData
	}
	if o.MainLoop != nil {
		c |= CapMainLoop
	}
	if o.Disconnect != nil {
		c |= CapDisconnect
	}
	if o.Query != nil {
		c |= CapQuery
	}
	if o.Close != nil {
		c |= CapClose
	}

	return c
}

// Handle is an open peer connection. The operation table is copied at Open,
// later changes to the caller's table have no effect.
//
// Close releases the table and the implementation. A call that was already
// dispatched when Close runs still reaches the implementation, which must
// tolerate calls made concurrently with or after its own Close.
type Handle struct {
	mu     sync.RWMutex
	ops    *Ops
	impl   any
	closed bool

	caps Capability
	log  logging.LeveledLogger
}

// Open validates cfg and ops, then asks the implementation to open. No
// handle is returned on failure.
func Open(cfg *Config, ops *Ops) (*Handle, error) {
	switch {
	case cfg == nil:
		return nil, fmt.Errorf("%w: config is nil", ErrInvalidArgument)
	case ops == nil:
		return nil, fmt.Errorf("%w: operation table is nil", ErrInvalidArgument)
	case ops.Open == nil:
		return nil, fmt.Errorf("%w: operation table has no Open", ErrInvalidArgument)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	resolved := cfg.WithDefaults()

	table := *ops
	h := &Handle{
		ops:  &table,
		caps: table.Capabilities(),
		log:  resolved.LoggerFactory.NewLogger("peerconnection"),
	}

	impl, err := h.ops.Open(&resolved)
	if err != nil {
		h.log.Warnf("implementation failed to open: %v", err)

		return nil, err
	}
	h.impl = impl
	h.log.Debugf("opened peer connection, capabilities %s", h.caps)

	return h, nil
}

// Capabilities returns the operations the implementation supports.
func (h *Handle) Capabilities() Capability {
	if h == nil {
		return 0
	}

	return h.caps
}

// acquire returns the table and implementation to dispatch an operation to.
func (h *Handle) acquire(want Capability) (*Ops, any, error) {
	if h == nil {
		return nil, nil, ErrInvalidArgument
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	switch {
	case h.closed:
		return nil, nil, ErrWrongState
	case !h.caps.Has(want):
		return nil, nil, ErrNotSupported
	default:
		return h.ops, h.impl, nil
	}
}

// NewConnection starts the secure connection with the peer.
func (h *Handle) NewConnection(ctx context.Context) error {
	ops, impl, err := h.acquire(CapNewConnection)
	if err != nil {
		return err
	}

	return ops.NewConnection(ctx, impl)
}

// CreateDataChannel opens a data channel.
func (h *Handle) CreateDataChannel(dc DataChannelConfig) error {
	ops, impl, err := h.acquire(CapCreateDataChannel)
	if err != nil {
		return err
	}

	return ops.CreateDataChannel(impl, dc)
}

// CloseDataChannel closes the data channel with the given id.
func (h *Handle) CloseDataChannel(id uint16) error {
	ops, impl, err := h.acquire(CapCloseDataChannel)
	if err != nil {
		return err
	}

	return ops.CloseDataChannel(impl, id)
}

// UpdateICEInfo hands the result of ICE connectivity checks to the implementation.
func (h *Handle) UpdateICEInfo(info ICEInfo) error {
	ops, impl, err := h.acquire(CapUpdateICEInfo)
	if err != nil {
		return err
	}

	return ops.UpdateICEInfo(impl, info)
}

// SendMsg relays a signaling message from the remote peer.
func (h *Handle) SendMsg(msg Message) error {
	ops, impl, err := h.acquire(CapSendMsg)
	if err != nil {
		return err
	}

	return ops.SendMsg(impl, msg)
}

// SendVideo sends one encoded video frame.
func (h *Handle) SendVideo(frame Frame) error {
	ops, impl, err := h.acquire(CapSendVideo)
	if err != nil {
		return err
	}

	return ops.SendVideo(impl, frame)
}

// SendAudio sends one encoded audio frame.
func (h *Handle) SendAudio(frame Frame) error {
	ops, impl, err := h.acquire(CapSendAudio)
	if err != nil {
		return err
	}

	return ops.SendAudio(impl, frame)
}

// SendData sends data on a data channel.
func (h *Handle) SendData(id uint16, data []byte) error {
	ops, impl, err := h.acquire(CapSendData)
	if err != nil {
		return err
	}

	return ops.SendData(impl, id, data)
}

// MainLoop runs the implementation's receive loop until it returns.
func (h *Handle) MainLoop() error {
	ops, impl, err := h.acquire(CapMainLoop)
	if err != nil {
		return err
	}

	return ops.MainLoop(impl)
}

// Disconnect tears down the secure connection, keeping the handle open.
func (h *Handle) Disconnect() error {
	ops, impl, err := h.acquire(CapDisconnect)
	if err != nil {
		return err
	}

	return ops.Disconnect(impl)
}

// Query returns implementation state selected by q.
func (h *Handle) Query(q Query) (any, error) {
	ops, impl, err := h.acquire(CapQuery)
	if err != nil {
		return nil, err
	}

	return ops.Query(impl, q)
}

// Close closes the implementation if it supports it, then releases the
// handle whatever the outcome. Later calls on the handle return
// ErrWrongState.
func (h *Handle) Close() error {
	if h == nil {
		return ErrInvalidArgument
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()

		return ErrWrongState
	}
	ops, impl := h.ops, h.impl
	h.closed, h.ops, h.impl = true, nil, nil
	h.mu.Unlock()

	var err error
	if ops.Close != nil {
		err = ops.Close(impl)
	}
	h.log.Debug("closed peer connection")

	return err
}
