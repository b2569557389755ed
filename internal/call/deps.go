package call

import (
	"github.com/veska-im/callkit/internal/media"
	"github.com/veska-im/callkit/internal/signaling"
)

// Signaler sends envelopes to a target peer. Implemented by signaling.Client;
// delivery is best-effort and never retried here.
type Signaler interface {
	Send(env signaling.Envelope) error
}

// Session is the machine's view of one negotiation-engine instance.
// Exactly one Session exists per SessionId; ownership is exclusive to the
// machine, which calls every method from its event loop.
//
// SetRemoteOffer and SetRemoteAnswer flush any ICE candidates buffered by
// AddRemoteCandidate, in arrival order.
type Session interface {
	CreateOffer() (sdp string, err error)
	CreateAnswer() (sdp string, err error)
	SetRemoteOffer(sdp string) error
	SetRemoteAnswer(sdp string) error
	AddRemoteCandidate(candidate string) error

	AttachAudio(t media.Track) error
	AttachVideo(t media.Track) error
	ReplaceVideo(t media.Track) error
	DetachVideo() error
	SetAudioEnabled(enabled bool) error

	// OnLocalCandidate registers the callback for locally gathered ICE
	// candidates. Must be registered before CreateOffer/CreateAnswer.
	OnLocalCandidate(fn func(candidate string))
	// OnStateChange registers the connection-state callback. The machine
	// treats disconnected/failed as fatal to the call.
	OnStateChange(fn func(ConnState))

	Close() error
}

// SessionFactory creates the Session for a new call attempt.
type SessionFactory func() (Session, error)

// Media acquires local capture tracks. Implemented by media.Devices.
type Media interface {
	Microphone() (media.Track, error)
	Camera() (media.Track, error)
	Screen() (media.Track, error)
}
