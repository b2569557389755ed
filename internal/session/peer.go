// Package session wraps one pion PeerConnection as the negotiation engine of
// a single call attempt. It owns the local description workflow, the sender
// set for attached tracks, and buffering of early inbound ICE candidates.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/veska-im/callkit/internal/call"
	"github.com/veska-im/callkit/internal/media"
	"github.com/veska-im/callkit/internal/util"
)

// Compile-time interface check.
var _ call.Session = (*Peer)(nil)

// STUN servers for ICE candidate gathering. No TURN — peers without a direct
// path fail the call rather than relaying media.
var stunServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Peer is one call session over a pion PeerConnection.
// Created when a call enters Outgoing or an inbound offer is accepted for
// processing; closed exactly once on the terminal transition.
type Peer struct {
	pc *webrtc.PeerConnection

	buffer candidateBuffer

	mu          sync.Mutex
	closed      bool
	audioSender *webrtc.RTPSender
	audioLocal  webrtc.TrackLocal
	videoSender *webrtc.RTPSender
}

// New creates a Peer from the given API (whose media engine must match the
// capture codecs) configured with Google STUN servers.
func New(api *webrtc.API) (*Peer, error) {
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: stunServers},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	return &Peer{pc: pc}, nil
}

// ---------------------------------------------------------------------------
// Negotiation
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer and applies it as the local description.
func (p *Peer) CreateOffer() (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local offer: %w", err)
	}
	return offer.SDP, nil
}

// CreateAnswer generates an SDP answer and applies it as the local description.
func (p *Peer) CreateAnswer() (string, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local answer: %w", err)
	}
	return answer.SDP, nil
}

// SetRemoteOffer applies the remote offer and flushes buffered candidates.
func (p *Peer) SetRemoteOffer(sdp string) error {
	return p.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp})
}

// SetRemoteAnswer applies the remote answer and flushes buffered candidates.
func (p *Peer) SetRemoteAnswer(sdp string) error {
	return p.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

func (p *Peer) setRemote(desc webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}

	// All candidates held before the remote description apply now, in
	// arrival order, before any candidate that arrives later.
	held := p.buffer.Flush()
	if len(held) > 0 {
		util.LogDebug("applying %d buffered ICE candidates", len(held))
	}
	for _, c := range held {
		if err := p.applyCandidate(c); err != nil {
			util.LogWarning("buffered candidate rejected: %v", err)
		}
	}
	return nil
}

// AddRemoteCandidate applies an inbound ICE candidate, buffering it when no
// remote description has been applied yet.
func (p *Peer) AddRemoteCandidate(candidate string) error {
	if p.buffer.Hold(candidate) {
		return nil
	}
	return p.applyCandidate(candidate)
}

func (p *Peer) applyCandidate(candidate string) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidate), &init); err != nil {
		return fmt.Errorf("parse ICE candidate: %w", err)
	}
	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ICE candidate: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Tracks
// ---------------------------------------------------------------------------

// AttachAudio adds the audio track to the session.
func (p *Peer) AttachAudio(t media.Track) error {
	sender, err := p.pc.AddTrack(t.Local())
	if err != nil {
		return fmt.Errorf("attach audio: %w", err)
	}
	p.mu.Lock()
	p.audioSender = sender
	p.audioLocal = t.Local()
	p.mu.Unlock()
	return nil
}

// AttachVideo adds a video track (camera or screen) to the session.
func (p *Peer) AttachVideo(t media.Track) error {
	sender, err := p.pc.AddTrack(t.Local())
	if err != nil {
		return fmt.Errorf("attach video: %w", err)
	}
	p.mu.Lock()
	p.videoSender = sender
	p.mu.Unlock()
	return nil
}

// ReplaceVideo swaps the video source on the existing sender, or attaches
// the track if no video sender exists yet.
func (p *Peer) ReplaceVideo(t media.Track) error {
	p.mu.Lock()
	sender := p.videoSender
	p.mu.Unlock()

	if sender == nil {
		return p.AttachVideo(t)
	}
	if err := sender.ReplaceTrack(t.Local()); err != nil {
		return fmt.Errorf("replace video: %w", err)
	}
	return nil
}

// DetachVideo removes the video sender from the session.
func (p *Peer) DetachVideo() error {
	p.mu.Lock()
	sender := p.videoSender
	p.videoSender = nil
	p.mu.Unlock()

	if sender == nil {
		return nil
	}
	if err := p.pc.RemoveTrack(sender); err != nil {
		return fmt.Errorf("detach video: %w", err)
	}
	return nil
}

// SetAudioEnabled mutes or unmutes outgoing audio by swapping the sender's
// source track against nil. No renegotiation is required.
func (p *Peer) SetAudioEnabled(enabled bool) error {
	p.mu.Lock()
	sender, local := p.audioSender, p.audioLocal
	p.mu.Unlock()

	if sender == nil {
		return errors.New("no audio sender")
	}
	if enabled {
		return sender.ReplaceTrack(local)
	}
	return sender.ReplaceTrack(nil)
}

// ---------------------------------------------------------------------------
// Notifications and lifecycle
// ---------------------------------------------------------------------------

// OnLocalCandidate forwards locally gathered ICE candidates as JSON-encoded
// ICECandidateInit strings. A nil candidate (end of gathering) is dropped.
func (p *Peer) OnLocalCandidate(fn func(string)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			util.LogWarning("encode ICE candidate: %v", err)
			return
		}
		fn(string(data))
	})
}

// OnStateChange maps pion connection states onto the machine's ConnState.
// Only connected, disconnected, and failed are forwarded; transitions after
// Close are suppressed.
func (p *Peer) OnStateChange(fn func(call.ConnState)) {
	p.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return
		}
		util.LogDebug("peer connection state: %s", state)

		switch state {
		case webrtc.PeerConnectionStateConnected:
			fn(call.ConnConnected)
		case webrtc.PeerConnectionStateDisconnected:
			fn(call.ConnDisconnected)
		case webrtc.PeerConnectionStateFailed:
			fn(call.ConnFailed)
		}
	})
}

// Close shuts the PeerConnection down. Safe to call multiple times.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	return p.pc.Close()
}
