//go:build !linux || !cgo

package media

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// Devices on non-Linux platforms cannot capture: the mediadevices drivers
// used here (V4L2, malgo, X11) are Linux-only. Calls still negotiate with
// default codecs and run receive-only.
type Devices struct {
	prefs Preferences
	api   *webrtc.API
}

// New builds a WebRTC API with default codecs; capture is unavailable.
func New(prefs Preferences) (*Devices, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	prefs.InputVolume = ClampVolume(prefs.InputVolume)
	prefs.OutputVolume = ClampVolume(prefs.OutputVolume)

	return &Devices{
		prefs: prefs,
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(registry),
		),
	}, nil
}

// API returns the WebRTC API to build PeerConnections from.
func (d *Devices) API() *webrtc.API {
	return d.api
}

// Preferences returns the clamped device/volume settings in effect.
func (d *Devices) Preferences() Preferences {
	return d.prefs
}

// Microphone is unavailable on this platform.
func (d *Devices) Microphone() (Track, error) {
	return nil, fmt.Errorf("%w: no capture drivers on this platform", ErrUnavailable)
}

// Camera is unavailable on this platform.
func (d *Devices) Camera() (Track, error) {
	return nil, fmt.Errorf("%w: no capture drivers on this platform", ErrUnavailable)
}

// Screen is unavailable on this platform.
func (d *Devices) Screen() (Track, error) {
	return nil, fmt.Errorf("%w: no capture drivers on this platform", ErrUnavailable)
}
