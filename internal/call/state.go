// Package call implements the call state machine: one serialized event loop
// owning call state, the peer session, timers, and teardown. Signaling,
// negotiation, and capture are reached only through the interfaces in
// deps.go, so the machine is independent of the concrete stacks behind them.
package call

import "time"

// State is the call lifecycle state. At most one call exists per machine.
type State int

const (
	StateIdle State = iota
	StateOutgoing
	StateIncoming
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOutgoing:
		return "outgoing"
	case StateIncoming:
		return "incoming"
	case StateConnected:
		return "connected"
	}
	return "unknown"
}

// Type distinguishes voice-only from video calls.
type Type string

const (
	TypeVoice Type = "voice"
	TypeVideo Type = "video"
)

// PeerInfo identifies the remote party of a call.
type PeerInfo struct {
	ID       string
	Username string
	Avatar   string
}

// Info is the metadata of the current call. It exists from initiation or
// offer receipt until the terminal transition.
type Info struct {
	Peer PeerInfo
	Type Type
}

// ConnState is the subset of negotiation-engine connection states the
// machine reacts to. Disconnected and Failed are fatal to the call.
type ConnState int

const (
	ConnConnected ConnState = iota
	ConnDisconnected
	ConnFailed
)

func (c ConnState) String() string {
	switch c {
	case ConnConnected:
		return "connected"
	case ConnDisconnected:
		return "disconnected"
	case ConnFailed:
		return "failed"
	}
	return "unknown"
}

// ReportType classifies how a call ended.
type ReportType string

const (
	// ReportMissed — the call ended before both sides connected.
	ReportMissed ReportType = "missed"
	// ReportEnded — the call connected and then ended.
	ReportEnded ReportType = "ended"
)

// Report is the end-of-call notification, emitted exactly once per session
// on the first terminal transition.
type Report struct {
	Type         ReportType
	CallType     Type
	Duration     time.Duration // zero unless the call connected
	PeerID       string
	PeerUsername string
}

// Snapshot is a read-only view of the machine state for status displays.
type Snapshot struct {
	State         State
	Info          *Info
	Duration      time.Duration
	Muted         bool
	CameraOn      bool
	ScreenSharing bool
}
