// Package media acquires local capture tracks (microphone, camera, screen)
// for call sessions. Capture is platform-dependent: on Linux it uses
// pion/mediadevices drivers (V4L2, malgo, X11); elsewhere acquisition returns
// ErrUnavailable and calls proceed receive-only.
package media

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

// ErrUnavailable reports that the requested capture device cannot be opened
// on this platform or is denied/busy. Recoverable at the call level: the
// machine cancels or rejects the call, it never retries automatically.
var ErrUnavailable = errors.New("media device unavailable")

// Kind distinguishes the capture source a track came from.
type Kind string

const (
	KindMicrophone Kind = "microphone"
	KindCamera     Kind = "camera"
	KindScreen     Kind = "screen"
)

// Track is one live local capture track. Stop releases the device and is
// required on every call exit path. OnEnded fires when the source stops
// outside our control (e.g. the OS ends a screen share).
type Track interface {
	Kind() Kind
	// Local returns the track to hand to the negotiation engine.
	// Nil only in test fakes.
	Local() webrtc.TrackLocal
	OnEnded(fn func())
	Stop() error
}

// Preferences are the persisted device/volume settings consulted at
// acquisition time. This package only reads them.
type Preferences struct {
	AudioInputID  string
	AudioOutputID string
	VideoInputID  string
	InputVolume   int // percent, 0–200
	OutputVolume  int // percent, 0–200
}

// ClampVolume bounds a volume preference to the supported 0–200% range,
// defaulting to 100 when unset.
func ClampVolume(v int) int {
	switch {
	case v == 0:
		return 100
	case v < 0:
		return 0
	case v > 200:
		return 200
	}
	return v
}
