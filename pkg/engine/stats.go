// SPDX-FileCopyrightText: 2026 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package engine

import "sync/atomic"

// Stats is a snapshot of the engine counters, returned for QueryStats.
type Stats struct {
	PacketsSent      uint64
	PacketsReceived  uint64
	BadPackets       uint64
	DatagramsDropped uint64
	DataSent         uint64
	DataReceived     uint64
}

type counters struct {
	packetsSent      atomic.Uint64
	packetsReceived  atomic.Uint64
	badPackets       atomic.Uint64
	datagramsDropped atomic.Uint64
	dataSent         atomic.Uint64
	dataReceived     atomic.Uint64
}

// Stats returns the current counters.
func (e *Engine) Stats() Stats {
	return Stats{
		PacketsSent:      e.stats.packetsSent.Load(),
		PacketsReceived:  e.stats.packetsReceived.Load(),
		BadPackets:       e.stats.badPackets.Load(),
		DatagramsDropped: e.stats.datagramsDropped.Load(),
		DataSent:         e.stats.dataSent.Load(),
		DataReceived:     e.stats.dataReceived.Load(),
	}
}
