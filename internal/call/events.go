package call

import (
	"github.com/veska-im/callkit/internal/media"
	"github.com/veska-im/callkit/internal/signaling"
)

// Every input to the machine — inbound signaling, user actions, timer
// firings, async media completions, engine notifications — is one of these
// events, delivered into a single serialized dispatch loop. Events produced
// on behalf of a session carry the SessionId captured when the work started;
// the loop discards them when the id no longer matches.

type event interface{ isEvent() }

// signalEvent is an inbound envelope from the signaling transport.
type signalEvent struct {
	env signaling.Envelope
}

// userAction is a UI/CLI-initiated operation awaiting a result.
type userAction struct {
	kind  actionKind
	peer  PeerInfo
	ctype Type
	reply chan error
}

type actionKind int

const (
	actionCall actionKind = iota
	actionAccept
	actionReject
	actionHangup
	actionToggleMute
	actionToggleCamera
	actionToggleScreen
)

// mediaReadyEvent completes an asynchronous acquisition started for the
// session identified by sid.
type mediaReadyEvent struct {
	sid     uint64
	purpose mediaPurpose
	audio   media.Track
	video   media.Track
	err     error
}

type mediaPurpose int

const (
	purposeStart   mediaPurpose = iota // outgoing call setup
	purposeAccept                      // incoming call acceptance
	purposeCamera                      // camera toggled on mid-call
	purposeScreen                      // screen share toggled on mid-call
	purposeRestore                     // camera restore after screen share end
)

// ringTimeoutEvent fires when the callee did not answer in time.
type ringTimeoutEvent struct {
	sid uint64
}

// tickEvent drives the 1 Hz call duration counter.
type tickEvent struct {
	sid uint64
}

// connStateEvent is a connection-state notification from the session engine.
type connStateEvent struct {
	sid   uint64
	state ConnState
}

// candidateEvent is a locally gathered ICE candidate to forward to the peer.
type candidateEvent struct {
	sid       uint64
	candidate string
}

// trackEndedEvent reports a local track stopped outside our control,
// e.g. an OS-level "stop sharing" action.
type trackEndedEvent struct {
	sid  uint64
	kind media.Kind
}

// snapshotRequest is a read-only state query.
type snapshotRequest struct {
	reply chan Snapshot
}

func (signalEvent) isEvent() {}

func (userAction) isEvent() {}

func (mediaReadyEvent) isEvent() {}

func (ringTimeoutEvent) isEvent() {}

func (tickEvent) isEvent() {}

func (connStateEvent) isEvent() {}

func (candidateEvent) isEvent() {}

func (trackEndedEvent) isEvent() {}

func (snapshotRequest) isEvent() {}
