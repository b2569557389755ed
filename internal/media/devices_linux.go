//go:build linux && cgo

package media

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/veska-im/callkit/internal/util"
)

// Devices acquires capture tracks through pion/mediadevices. The codec
// selector that encodes captured frames must also populate the media engine
// the PeerConnection is built from, so Devices owns both.
type Devices struct {
	prefs    Preferences
	selector *mediadevices.CodecSelector
	api      *webrtc.API
}

// New builds the VP8+Opus codec selector and the WebRTC API sharing it.
func New(prefs Preferences) (*Devices, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("init VP8 encoder: %w", err)
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("init Opus encoder: %w", err)
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	selector.Populate(mediaEngine)

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	prefs.InputVolume = ClampVolume(prefs.InputVolume)
	prefs.OutputVolume = ClampVolume(prefs.OutputVolume)

	return &Devices{
		prefs:    prefs,
		selector: selector,
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(registry),
		),
	}, nil
}

// API returns the WebRTC API whose media engine matches captured tracks.
func (d *Devices) API() *webrtc.API {
	return d.api
}

// Preferences returns the clamped device/volume settings in effect.
func (d *Devices) Preferences() Preferences {
	return d.prefs
}

// Microphone opens the default audio input device.
func (d *Devices) Microphone() (Track, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Codec: d.selector,
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			if d.prefs.AudioInputID != "" {
				c.DeviceID = prop.String(d.prefs.AudioInputID)
			}
		},
	})
	if err != nil {
		util.LogWarning("microphone capture failed: %v", err)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return firstTrack(stream, KindMicrophone)
}

// Camera opens the default video input device. MJPEG is excluded — some
// cameras expose an MJPEG node producing malformed frames that poison the
// VP8 encoder. Resolution is capped to keep encoding latency down.
func (d *Devices) Camera() (Track, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Codec: d.selector,
		Video: func(c *mediadevices.MediaTrackConstraints) {
			if d.prefs.VideoInputID != "" {
				c.DeviceID = prop.String(d.prefs.VideoInputID)
			}
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		},
	})
	if err != nil {
		util.LogWarning("camera capture failed: %v", err)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return firstTrack(stream, KindCamera)
}

// Screen opens a display capture track.
func (d *Devices) Screen() (Track, error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: d.selector,
		Video: func(_ *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		util.LogWarning("screen capture failed: %v", err)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return firstTrack(stream, KindScreen)
}

// firstTrack wraps the first track of a captured stream, closing any extras.
func firstTrack(stream mediadevices.MediaStream, kind Kind) (Track, error) {
	tracks := stream.GetTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: capture produced no tracks", ErrUnavailable)
	}
	for _, extra := range tracks[1:] {
		extra.Close()
	}
	util.LogDebug("%s track captured: %s", kind, tracks[0].ID())
	return &deviceTrack{kind: kind, track: tracks[0]}, nil
}

// deviceTrack adapts a mediadevices track to the Track interface.
type deviceTrack struct {
	kind  Kind
	track mediadevices.Track
}

func (t *deviceTrack) Kind() Kind { return t.kind }

func (t *deviceTrack) Local() webrtc.TrackLocal { return t.track }

func (t *deviceTrack) OnEnded(fn func()) {
	t.track.OnEnded(func(err error) {
		if err != nil {
			util.LogDebug("%s track ended: %v", t.kind, err)
		}
		fn()
	})
}

func (t *deviceTrack) Stop() error { return t.track.Close() }
