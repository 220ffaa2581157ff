// SPDX-FileCopyrightText: 2026 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package dtlssrtp

// Role is the DTLS role of a session.
type Role int

// Roles.
const (
	RoleClient Role = iota + 1
	RoleServer
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	default:
		return "unknown"
	}
}

func (r Role) valid() bool {
	return r == RoleClient || r == RoleServer
}

// State is the lifecycle state of a session.
type State int

// Lifecycle states.
//
//	StateInit -> StateHandshaking -> StateConnected
//	StateConnected -> StateInit (Reset)
//	any -> StateNone (Close)
const (
	StateNone State = iota
	StateInit
	StateHandshaking
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateInit:
		return "init"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}
