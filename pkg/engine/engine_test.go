// SPDX-FileCopyrightText: 2026 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package engine

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/pion/dtlssrtp"
	"github.com/pion/dtlssrtp/pkg/crypto/identity"
	"github.com/pion/dtlssrtp/pkg/peerconnection"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/transport/v3/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type dataMessage struct {
	id   uint16
	data []byte
}

type peer struct {
	eng  *Engine
	rtp  chan *rtp.Packet
	rtcp chan []rtcp.Packet
	data chan dataMessage
}

func listen(t *testing.T) net.PacketConn {
	t.Helper()

	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)

	return conn
}

func newPeer(t *testing.T, cfg peerconnection.Config, opts ...Option) *peer {
	t.Helper()

	provider, err := identity.NewProvider()
	require.NoError(t, err)

	p := &peer{
		rtp:  make(chan *rtp.Packet, 64),
		rtcp: make(chan []rtcp.Packet, 16),
		data: make(chan dataMessage, 16),
	}

	if cfg.ICERecvTimeout == 0 {
		cfg.ICERecvTimeout = 50 * time.Millisecond
	}
	base := []Option{
		WithSessionOptions(dtlssrtp.WithIdentityProvider(provider)),
		OnRTP(func(pkt *rtp.Packet) {
			select {
			case p.rtp <- pkt:
			default:
			}
		}),
		OnRTCP(func(pkts []rtcp.Packet) {
			select {
			case p.rtcp <- pkts:
			default:
			}
		}),
		OnData(func(id uint16, data []byte) {
			p.data <- dataMessage{id: id, data: append([]byte(nil), data...)}
		}),
	}

	p.eng, err = New(listen(t), &cfg, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.eng.Close() })

	return p
}

func (p *peer) runMainLoop(t *testing.T) {
	t.Helper()

	done := make(chan error, 1)
	go func() { done <- p.eng.MainLoop() }()
	t.Cleanup(func() {
		_ = p.eng.Close()
		assert.NoError(t, <-done)
	})
}

// connect points the client at the server and handshakes both engines.
func connect(t *testing.T, client, server *peer) {
	t.Helper()

	require.NoError(t, client.eng.UpdateICEInfo(peerconnection.ICEInfo{RemoteAddr: server.eng.LocalAddr()}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var group errgroup.Group
	group.Go(func() error { return server.eng.NewConnection(ctx) })
	group.Go(func() error { return client.eng.NewConnection(ctx) })
	require.NoError(t, group.Wait())
}

func newConnectedPair(t *testing.T, cfg peerconnection.Config) (client, server *peer) {
	t.Helper()

	client = newPeer(t, cfg, WithRole(dtlssrtp.RoleClient), WithSSRC(1111, 2222))
	server = newPeer(t, cfg, WithRole(dtlssrtp.RoleServer), WithSSRC(3333, 4444))
	connect(t, client, server)

	return client, server
}

func receiveRTP(t *testing.T, p *peer) *rtp.Packet {
	t.Helper()

	select {
	case pkt := <-p.rtp:
		return pkt
	case <-time.After(5 * time.Second):
		require.FailNow(t, "timed out waiting for RTP")

		return nil
	}
}

func TestEngineMedia(t *testing.T) {
	lim := test.TimeOut(time.Second * 30)
	defer lim.Stop()

	client, server := newConnectedPair(t, peerconnection.Config{})

	frame := bytes.Repeat([]byte{0xab, 0xcd, 0xef}, 1000)
	require.NoError(t, client.eng.SendVideo(peerconnection.Frame{Payload: frame, Timestamp: 9000, Marker: true}))

	var (
		got  []byte
		prev *rtp.Packet
	)
	for i := 0; i < 3; i++ {
		pkt := receiveRTP(t, server)
		assert.Equal(t, DefaultVideoPayloadType, pkt.PayloadType)
		assert.Equal(t, uint32(1111), pkt.SSRC)
		assert.Equal(t, uint32(9000), pkt.Timestamp)
		assert.Equal(t, i == 2, pkt.Marker)
		if prev != nil {
			assert.Equal(t, prev.SequenceNumber+1, pkt.SequenceNumber)
		}
		prev = pkt
		got = append(got, pkt.Payload...)
	}
	assert.Equal(t, frame, got)

	require.NoError(t, server.eng.SendAudio(peerconnection.Frame{Payload: []byte("opus"), Timestamp: 960}))
	pkt := receiveRTP(t, client)
	assert.Equal(t, DefaultAudioPayloadType, pkt.PayloadType)
	assert.Equal(t, uint32(4444), pkt.SSRC)
	assert.Equal(t, []byte("opus"), pkt.Payload)

	assert.Eventually(t, func() bool {
		return client.eng.Stats().PacketsSent == 3 && server.eng.Stats().PacketsReceived == 3
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEngineFrameLimits(t *testing.T) {
	lim := test.TimeOut(time.Second * 30)
	defer lim.Stop()

	client, _ := newConnectedPair(t, peerconnection.Config{SendPoolSize: 2})

	err := client.eng.SendVideo(peerconnection.Frame{Payload: make([]byte, 3*mediaPayloadSize)})
	assert.ErrorIs(t, err, errFrameTooLarge)
	assert.Equal(t, dtlssrtp.OverLimited, dtlssrtp.CodeOf(err))

	assert.NoError(t, client.eng.SendVideo(peerconnection.Frame{Payload: make([]byte, 2*mediaPayloadSize)}))
}

func TestEngineQuery(t *testing.T) {
	lim := test.TimeOut(time.Second * 30)
	defer lim.Stop()

	client, server := newConnectedPair(t, peerconnection.Config{SendQueueDepth: 7})

	state, err := client.eng.Query(peerconnection.QueryState)
	require.NoError(t, err)
	assert.Equal(t, dtlssrtp.StateConnected, state)

	local, err := server.eng.Query(peerconnection.QueryLocalFingerprint)
	require.NoError(t, err)
	remote, err := client.eng.Query(peerconnection.QueryRemoteFingerprint)
	require.NoError(t, err)
	assert.True(t, identity.Equal(local.(string), remote.(string)))

	_, err = client.eng.Query(peerconnection.QueryRemoteDescription)
	assert.ErrorIs(t, err, errNoRemoteDescription)

	require.NoError(t, client.eng.SendMsg(peerconnection.Message{Type: peerconnection.MessageTypeSDP, Data: []byte("v=0")}))
	sdp, err := client.eng.Query(peerconnection.QueryRemoteDescription)
	require.NoError(t, err)
	assert.Equal(t, []byte("v=0"), sdp)

	err = client.eng.SendMsg(peerconnection.Message{Type: peerconnection.MessageType(42)})
	assert.ErrorIs(t, err, errUnknownMessage)

	cfg, err := client.eng.Query(peerconnection.QueryConfig)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.(peerconnection.Config).SendQueueDepth)
	assert.Equal(t, peerconnection.DefaultSendPoolSize, cfg.(peerconnection.Config).SendPoolSize)

	stats, err := client.eng.Query(peerconnection.QueryStats)
	require.NoError(t, err)
	assert.IsType(t, Stats{}, stats)

	_, err = client.eng.Query(peerconnection.Query(99))
	assert.ErrorIs(t, err, errUnknownQuery)
	assert.Equal(t, dtlssrtp.NotSupported, dtlssrtp.CodeOf(err))
}

func TestEngineDisconnectAndReconnect(t *testing.T) {
	lim := test.TimeOut(time.Second * 40)
	defer lim.Stop()

	client, server := newConnectedPair(t, peerconnection.Config{})
	server.runMainLoop(t)

	require.NoError(t, client.eng.Disconnect())
	assert.Equal(t, dtlssrtp.StateInit, client.eng.Session().State())

	select {
	case pkts := <-server.rtcp:
		require.Len(t, pkts, 1)
		bye, ok := pkts[0].(*rtcp.Goodbye)
		require.True(t, ok)
		assert.ElementsMatch(t, []uint32{1111, 2222}, bye.Sources)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "timed out waiting for BYE")
	}

	assert.Eventually(t, func() bool {
		return server.eng.Session().State() == dtlssrtp.StateInit
	}, 5*time.Second, 10*time.Millisecond)

	connect(t, client, server)
	require.NoError(t, client.eng.SendAudio(peerconnection.Frame{Payload: []byte("again")}))
	assert.Equal(t, []byte("again"), receiveRTP(t, server).Payload)
}

func TestEngineRoleSwitch(t *testing.T) {
	p := newPeer(t, peerconnection.Config{})
	assert.Equal(t, dtlssrtp.RoleServer, p.eng.Session().Role())

	require.NoError(t, p.eng.UpdateICEInfo(peerconnection.ICEInfo{Role: dtlssrtp.RoleClient}))
	assert.Equal(t, dtlssrtp.RoleClient, p.eng.Session().Role())
	assert.Equal(t, dtlssrtp.StateInit, p.eng.Session().State())

	require.NoError(t, p.eng.UpdateICEInfo(peerconnection.ICEInfo{}))
	assert.Equal(t, dtlssrtp.RoleClient, p.eng.Session().Role())
}

func TestEngineRequiresRemote(t *testing.T) {
	p := newPeer(t, peerconnection.Config{}, WithRole(dtlssrtp.RoleClient))

	assert.ErrorIs(t, p.eng.NewConnection(context.Background()), errNoRemote)
	assert.ErrorIs(t, p.eng.SendVideo(peerconnection.Frame{Payload: []byte{1}}), errNoRemote)
	assert.Equal(t, dtlssrtp.WrongState, dtlssrtp.CodeOf(p.eng.SendAudio(peerconnection.Frame{})))
}

func TestEngineDropsUnexpectedDatagrams(t *testing.T) {
	p := newPeer(t, peerconnection.Config{})

	sender := listen(t)
	defer func() { _ = sender.Close() }()

	for _, datagram := range [][]byte{
		{0x00, 0x01, 0x00, 0x00},         // STUN
		{0x45, 0x00},                     // TURN channel
		{0xff},                           // unknown
		{0x80, 0x60, 0x00, 0x01, 0, 0, 0}, // RTP before keys exist
	} {
		_, err := sender.WriteTo(datagram, p.eng.LocalAddr())
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool {
		stats := p.eng.Stats()

		return stats.DatagramsDropped == 3 && stats.BadPackets == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEngineClose(t *testing.T) {
	p := newPeer(t, peerconnection.Config{})
	p.runMainLoop(t)

	require.NoError(t, p.eng.Close())
	require.NoError(t, p.eng.Close())

	assert.ErrorIs(t, p.eng.NewConnection(context.Background()), errEngineClosed)
	assert.ErrorIs(t, p.eng.UpdateICEInfo(peerconnection.ICEInfo{}), errEngineClosed)
	assert.ErrorIs(t, p.eng.SendVideo(peerconnection.Frame{}), errEngineClosed)
	assert.ErrorIs(t, p.eng.SendData(0, nil), errEngineClosed)
	assert.ErrorIs(t, p.eng.Disconnect(), errEngineClosed)
	assert.Equal(t, dtlssrtp.StateNone, p.eng.Session().State())
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, &peerconnection.Config{})
	assert.ErrorIs(t, err, errNilConn)

	conn := listen(t)
	_, err = New(conn, nil)
	assert.ErrorIs(t, err, peerconnection.ErrInvalidArgument)
	_, _, err = conn.ReadFrom(make([]byte, 1))
	assert.ErrorIs(t, err, net.ErrClosed)

	conn = listen(t)
	_, err = New(conn, &peerconnection.Config{}, WithSessionOptions(dtlssrtp.WithMTU(1)))
	assert.Error(t, err)
	_, _, err = conn.ReadFrom(make([]byte, 1))
	assert.ErrorIs(t, err, net.ErrClosed)
}

func TestOpsThroughHandle(t *testing.T) {
	lim := test.TimeOut(time.Second * 30)
	defer lim.Stop()

	provider, err := identity.NewProvider()
	require.NoError(t, err)

	h, err := peerconnection.Open(&peerconnection.Config{ICERecvTimeout: 50 * time.Millisecond},
		NewOps(listen(t), WithSessionOptions(dtlssrtp.WithIdentityProvider(provider))))
	require.NoError(t, err)

	caps := h.Capabilities()
	assert.True(t, caps.Has(peerconnection.CapNewConnection|peerconnection.CapSendVideo|peerconnection.CapClose))

	state, err := h.Query(peerconnection.QueryState)
	require.NoError(t, err)
	assert.Equal(t, dtlssrtp.StateInit, state)

	fp, err := h.Query(peerconnection.QueryLocalFingerprint)
	require.NoError(t, err)
	identityNow, err := provider.Ensure()
	require.NoError(t, err)
	assert.Equal(t, identityNow.Fingerprint(), fp)

	require.NoError(t, h.CreateDataChannel(peerconnection.DataChannelConfig{ID: 1}))
	require.NoError(t, h.Close())
	assert.ErrorIs(t, h.SendData(1, nil), peerconnection.ErrWrongState)
}

func TestOpsRejectForeignImpl(t *testing.T) {
	ops := NewOps(nil)

	assert.ErrorIs(t, ops.MainLoop(struct{}{}), errWrongImpl)
	_, err := ops.Query("not an engine", peerconnection.QueryState)
	assert.ErrorIs(t, err, errWrongImpl)
}
