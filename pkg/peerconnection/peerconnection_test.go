// SPDX-FileCopyrightText: 2026 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package peerconnection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pion/dtlssrtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const allCapabilities = CapClose<<1 - 1

var errStub = errors.New("stub failure")

type dispatcher struct {
	cap  Capability
	call func(*Handle) error
}

var dispatchers = []dispatcher{ //nolint:gochecknoglobals
	{CapNewConnection, func(h *Handle) error { return h.NewConnection(context.Background()) }},
	{CapCreateDataChannel, func(h *Handle) error { return h.CreateDataChannel(DataChannelConfig{ID: 1}) }},
	{CapCloseDataChannel, func(h *Handle) error { return h.CloseDataChannel(1) }},
	{CapUpdateICEInfo, func(h *Handle) error { return h.UpdateICEInfo(ICEInfo{}) }},
	{CapSendMsg, func(h *Handle) error { return h.SendMsg(Message{Type: MessageTypeSDP}) }},
	{CapSendVideo, func(h *Handle) error { return h.SendVideo(Frame{}) }},
	{CapSendAudio, func(h *Handle) error { return h.SendAudio(Frame{}) }},
	{CapSendData, func(h *Handle) error { return h.SendData(1, nil) }},
	{CapMainLoop, func(h *Handle) error { return h.MainLoop() }},
	{CapDisconnect, func(h *Handle) error { return h.Disconnect() }},
	{CapQuery, func(h *Handle) error { _, err := h.Query(QueryState); return err }},
}

type stubImpl struct {
	cfg   *Config
	calls map[Capability]int
}

// stubOps returns a table with Open and the slots in caps populated. Each
// slot counts its calls on the implementation value.
func stubOps(caps Capability) *Ops {
	record := func(c Capability) func(impl any) error {
		return func(impl any) error {
			impl.(*stubImpl).calls[c]++

			return nil
		}
	}

	ops := &Ops{
		Open: func(cfg *Config) (any, error) {
			return &stubImpl{cfg: cfg, calls: map[Capability]int{}}, nil
		},
	}
	if caps.Has(CapNewConnection) {
		ops.NewConnection = func(_ context.Context, impl any) error { return record(CapNewConnection)(impl) }
	}
	if caps.Has(CapCreateDataChannel) {
		ops.CreateDataChannel = func(impl any, _ DataChannelConfig) error { return record(CapCreateDataChannel)(impl) }
	}
	if caps.Has(CapCloseDataChannel) {
		ops.CloseDataChannel = func(impl any, _ uint16) error { return record(CapCloseDataChannel)(impl) }
	}
	if caps.Has(CapUpdateICEInfo) {
		ops.UpdateICEInfo = func(impl any, _ ICEInfo) error { return record(CapUpdateICEInfo)(impl) }
	}
	if caps.Has(CapSendMsg) {
		ops.SendMsg = func(impl any, _ Message) error { return record(CapSendMsg)(impl) }
	}
	if caps.Has(CapSendVideo) {
		ops.SendVideo = func(impl any, _ Frame) error { return record(CapSendVideo)(impl) }
	}
	if caps.Has(CapSendAudio) {
		ops.SendAudio = func(impl any, _ Frame) error { return record(CapSendAudio)(impl) }
	}
	if caps.Has(CapSendData) {
		ops.SendData = func(impl any, _ uint16, _ []byte) error { return record(CapSendData)(impl) }
	}
	if caps.Has(CapMainLoop) {
		ops.MainLoop = record(CapMainLoop)
	}
	if caps.Has(CapDisconnect) {
		ops.Disconnect = record(CapDisconnect)
	}
	if caps.Has(CapQuery) {
		ops.Query = func(impl any, _ Query) (any, error) { return nil, record(CapQuery)(impl) }
	}
	if caps.Has(CapClose) {
		ops.Close = record(CapClose)
	}

	return ops
}

func TestOpenValidation(t *testing.T) {
	_, err := Open(nil, stubOps(0))
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = Open(&Config{}, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	h, err := Open(&Config{}, &Ops{})
	assert.Nil(t, h)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, dtlssrtp.InvalidArgument, dtlssrtp.CodeOf(err))

	_, err = Open(&Config{SendPoolSize: -1}, stubOps(0))
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestOpenFailureReturnsNoHandle(t *testing.T) {
	h, err := Open(&Config{}, &Ops{
		Open: func(*Config) (any, error) { return nil, errStub },
	})
	assert.Nil(t, h)
	assert.ErrorIs(t, err, errStub)
}

func TestOpenResolvesDefaults(t *testing.T) {
	h, err := Open(&Config{SendQueueDepth: 5}, stubOps(0))
	require.NoError(t, err)

	cfg := h.impl.(*stubImpl).cfg
	assert.Equal(t, 5, cfg.SendQueueDepth)
	assert.Equal(t, DefaultSendPoolSize, cfg.SendPoolSize)
	assert.Equal(t, DefaultICERecvTimeout, cfg.ICERecvTimeout)
	assert.NotNil(t, cfg.LoggerFactory)
}

func TestOpsTableIsCopied(t *testing.T) {
	ops := stubOps(CapDisconnect)
	h, err := Open(&Config{}, ops)
	require.NoError(t, err)

	ops.Disconnect = nil
	ops.MainLoop = func(any) error { return nil }

	assert.NoError(t, h.Disconnect())
	assert.ErrorIs(t, h.MainLoop(), ErrNotSupported)
}

func TestNilHandle(t *testing.T) {
	var h *Handle

	for _, d := range dispatchers {
		assert.ErrorIs(t, d.call(h), ErrInvalidArgument, d.cap.String())
	}
	assert.ErrorIs(t, h.Close(), ErrInvalidArgument)
	assert.Equal(t, Capability(0), h.Capabilities())
}

func TestCloseAlwaysReleases(t *testing.T) {
	ops := stubOps(allCapabilities)
	ops.Close = func(any) error { return errStub }

	h, err := Open(&Config{}, ops)
	require.NoError(t, err)

	assert.ErrorIs(t, h.Close(), errStub)
	assert.ErrorIs(t, h.Close(), ErrWrongState)
	for _, d := range dispatchers {
		assert.ErrorIs(t, d.call(h), ErrWrongState, d.cap.String())
	}
}

func TestCloseDropsImplementation(t *testing.T) {
	var closedImpl any
	ops := stubOps(CapSendData)
	ops.Close = func(impl any) error {
		closedImpl = impl

		return nil
	}

	h, err := Open(&Config{}, ops)
	require.NoError(t, err)
	impl := h.impl

	require.NoError(t, h.Close())
	assert.Same(t, impl, closedImpl)
	assert.Nil(t, h.impl)
	assert.Nil(t, h.ops)
	assert.Equal(t, CapSendData|CapClose, h.Capabilities())
}

func TestDispatchConcurrentWithClose(t *testing.T) {
	var (
		sent   atomic.Int64
		closed atomic.Bool
	)
	h, err := Open(&Config{}, &Ops{
		Open: func(*Config) (any, error) { return &stubImpl{}, nil },
		SendData: func(impl any, _ uint16, _ []byte) error {
			if impl == nil {
				return errStub
			}
			sent.Add(1)

			return nil
		},
		Close: func(impl any) error {
			if impl == nil {
				return errStub
			}
			closed.Store(true)

			return nil
		},
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 400)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				errs <- h.SendData(1, nil)
			}
		}()
	}
	assert.NoError(t, h.Close())
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, ErrWrongState)
		}
	}
	assert.True(t, closed.Load())
	assert.LessOrEqual(t, sent.Load(), int64(400))
}

func TestCapabilityString(t *testing.T) {
	assert.Equal(t, "none", Capability(0).String())
	assert.Equal(t, "send-video|query", (CapSendVideo | CapQuery).String())
	assert.True(t, allCapabilities.Has(CapClose|CapNewConnection))
	assert.False(t, CapClose.Has(CapClose|CapQuery))
}

func FuzzDispatch(f *testing.F) {
	f.Add(uint16(0))
	f.Add(uint16(allCapabilities))
	f.Add(uint16(CapSendVideo | CapSendAudio | CapClose))

	f.Fuzz(func(t *testing.T, mask uint16) {
		caps := Capability(mask) & allCapabilities

		h, err := Open(&Config{}, stubOps(caps))
		require.NoError(t, err)
		assert.Equal(t, caps, h.Capabilities())

		impl, _ := h.impl.(*stubImpl)
		for _, d := range dispatchers {
			err := d.call(h)
			if caps.Has(d.cap) {
				assert.NoError(t, err, d.cap.String())
				assert.Equal(t, 1, impl.calls[d.cap], d.cap.String())
			} else {
				assert.ErrorIs(t, err, ErrNotSupported, d.cap.String())
				assert.Equal(t, dtlssrtp.NotSupported, dtlssrtp.CodeOf(err))
				assert.Zero(t, impl.calls[d.cap], d.cap.String())
			}
		}

		assert.NoError(t, h.Close())
		assert.Equal(t, btoi(caps.Has(CapClose)), impl.calls[CapClose])

		for _, d := range dispatchers {
			assert.ErrorIs(t, d.call(h), ErrWrongState, d.cap.String())
		}
	})
}

func btoi(b bool) int {
	if b {
		return 1
	}

	return 0
}
