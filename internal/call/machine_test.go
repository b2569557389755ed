package call

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veska-im/callkit/internal/media"
	"github.com/veska-im/callkit/internal/signaling"
)

// Compile-time interface checks.
var (
	_ Signaler    = (*fakeSignaler)(nil)
	_ Session     = (*fakeSession)(nil)
	_ Media       = (*fakeMedia)(nil)
	_ media.Track = (*fakeTrack)(nil)
)

// fakeSignaler records every envelope the machine sends.
type fakeSignaler struct {
	sent chan signaling.Envelope
}

func (f *fakeSignaler) Send(env signaling.Envelope) error {
	f.sent <- env
	return nil
}

// fakeTrack implements media.Track for in-process testing.
type fakeTrack struct {
	kind media.Kind

	mu      sync.Mutex
	stopped bool
	onEnded func()
}

func (f *fakeTrack) Kind() media.Kind { return f.kind }

func (f *fakeTrack) Local() webrtc.TrackLocal { return nil }

func (f *fakeTrack) OnEnded(fn func()) {
	f.mu.Lock()
	f.onEnded = fn
	f.mu.Unlock()
}

func (f *fakeTrack) Stop() error {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTrack) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

func (f *fakeTrack) endNow() {
	f.mu.Lock()
	fn := f.onEnded
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// fakeMedia hands out fakeTracks. When a gate is non-nil, the corresponding
// device blocks until the gate is closed, simulating a slow device prompt.
type fakeMedia struct {
	mu         sync.Mutex
	gate       chan struct{}
	cameraGate chan struct{}
	micErr     error
	acquired   []*fakeTrack
}

func (f *fakeMedia) track(kind media.Kind) *fakeTrack {
	t := &fakeTrack{kind: kind}
	f.mu.Lock()
	f.acquired = append(f.acquired, t)
	f.mu.Unlock()
	return t
}

func (f *fakeMedia) Microphone() (media.Track, error) {
	f.mu.Lock()
	gate := f.gate
	err := f.micErr
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return f.track(media.KindMicrophone), nil
}

func (f *fakeMedia) Camera() (media.Track, error) {
	f.mu.Lock()
	gate := f.cameraGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return f.track(media.KindCamera), nil
}
func (f *fakeMedia) Screen() (media.Track, error) { return f.track(media.KindScreen), nil }

func (f *fakeMedia) tracks() []*fakeTrack {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeTrack(nil), f.acquired...)
}

// fakeSession is a scripted negotiation engine. All methods succeed unless
// a test flips one of the err fields.
type fakeSession struct {
	mu sync.Mutex

	offers        int
	answers       int
	remoteOffers  []string
	remoteAnswers []string
	candidates    []string
	audioEnabled  bool
	videoTrack    media.Track
	closed        bool

	offerErr error

	onCandidate func(string)
	onState     func(ConnState)
}

func (s *fakeSession) CreateOffer() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offerErr != nil {
		return "", s.offerErr
	}
	s.offers++
	return "offer-sdp", nil
}

func (s *fakeSession) CreateAnswer() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers++
	return "answer-sdp", nil
}

func (s *fakeSession) SetRemoteOffer(sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remoteOffers = append(s.remoteOffers, sdp)
	return nil
}

func (s *fakeSession) SetRemoteAnswer(sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remoteAnswers = append(s.remoteAnswers, sdp)
	return nil
}

func (s *fakeSession) AddRemoteCandidate(candidate string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates = append(s.candidates, candidate)
	return nil
}

func (s *fakeSession) AttachAudio(t media.Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audioEnabled = true
	return nil
}

func (s *fakeSession) AttachVideo(t media.Track) error { return s.ReplaceVideo(t) }

func (s *fakeSession) ReplaceVideo(t media.Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.videoTrack = t
	return nil
}

func (s *fakeSession) DetachVideo() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.videoTrack = nil
	return nil
}

func (s *fakeSession) SetAudioEnabled(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audioEnabled = enabled
	return nil
}

func (s *fakeSession) OnLocalCandidate(fn func(string)) {
	s.mu.Lock()
	s.onCandidate = fn
	s.mu.Unlock()
}

func (s *fakeSession) OnStateChange(fn func(ConnState)) {
	s.mu.Lock()
	s.onState = fn
	s.mu.Unlock()
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) fireCandidate(c string) {
	s.mu.Lock()
	fn := s.onCandidate
	s.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (s *fakeSession) fireState(cs ConnState) {
	s.mu.Lock()
	fn := s.onState
	s.mu.Unlock()
	if fn != nil {
		fn(cs)
	}
}

func (s *fakeSession) isAudioEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioEnabled
}

func (s *fakeSession) remoteAnswerList() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.remoteAnswers...)
}

func (s *fakeSession) candidateList() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.candidates...)
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

const testTimeout = 2 * time.Second

type harness struct {
	machine *Machine
	sig     *fakeSignaler
	devices *fakeMedia
	reports chan Report
	in      chan Info

	mu       sync.Mutex
	sessions []*fakeSession
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	if cfg.Self.ID == "" {
		cfg.Self = PeerInfo{ID: "me", Username: "Me"}
	}

	h := &harness{
		sig:     &fakeSignaler{sent: make(chan signaling.Envelope, 64)},
		devices: &fakeMedia{},
		reports: make(chan Report, 8),
		in:      make(chan Info, 8),
	}
	h.machine = NewMachine(cfg, h.sig, func() (Session, error) {
		s := &fakeSession{}
		h.mu.Lock()
		h.sessions = append(h.sessions, s)
		h.mu.Unlock()
		return s, nil
	}, h.devices)

	h.machine.OnEnd(func(r Report) { h.reports <- r })
	h.machine.OnIncoming(func(i Info) { h.in <- i })
	h.machine.Start()
	t.Cleanup(h.machine.Close)
	return h
}

func (h *harness) session(t *testing.T, i int) *fakeSession {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	require.Greater(t, len(h.sessions), i, "session %d not created", i)
	return h.sessions[i]
}

func (h *harness) sessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// expectEnv pulls the next sent envelope and asserts its type.
func (h *harness) expectEnv(t *testing.T, want signaling.MessageType) signaling.Envelope {
	t.Helper()
	select {
	case env := <-h.sig.sent:
		require.Equal(t, want, env.Type)
		return env
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for %s", want)
		return signaling.Envelope{}
	}
}

func (h *harness) expectNoEnv(t *testing.T) {
	t.Helper()
	select {
	case env := <-h.sig.sent:
		t.Fatalf("unexpected envelope %s to %s", env.Type, env.To)
	case <-time.After(150 * time.Millisecond):
	}
}

func (h *harness) expectReport(t *testing.T, want ReportType) Report {
	t.Helper()
	select {
	case r := <-h.reports:
		require.Equal(t, want, r.Type)
		return r
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for %s report", want)
		return Report{}
	}
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if h.machine.Snapshot().State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state never reached %s (now %s)", want, h.machine.Snapshot().State)
}

func envelopeFrom(t *testing.T, mt signaling.MessageType, from, callID string, payload any) signaling.Envelope {
	t.Helper()
	env, err := signaling.NewEnvelope(mt, "me", callID, payload)
	require.NoError(t, err)
	env.From = from
	return env
}

// deliverOffer injects an inbound offer and returns its call id.
func (h *harness) deliverOffer(t *testing.T, from, callID string, ctype Type) {
	t.Helper()
	h.machine.HandleSignal(envelopeFrom(t, signaling.MsgOffer, from, callID, signaling.OfferPayload{
		SDP:      "remote-offer-sdp",
		CallType: string(ctype),
		Caller:   signaling.CallerInfo{ID: from, Username: from},
	}))
}

// startConnectedCall drives the machine to Connected as the caller and
// returns the offer envelope's call id.
func (h *harness) startConnectedCall(t *testing.T, ctype Type) string {
	t.Helper()
	require.NoError(t, h.machine.CallPeer(PeerInfo{ID: "bob", Username: "Bob"}, ctype))
	offer := h.expectEnv(t, signaling.MsgOffer)

	h.machine.HandleSignal(envelopeFrom(t, signaling.MsgAnswer, "bob", offer.CallID,
		signaling.AnswerPayload{SDP: "remote-answer-sdp"}))
	h.waitState(t, StateConnected)
	return offer.CallID
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestOutgoingCallSendsOffer(t *testing.T) {
	h := newHarness(t, Config{})

	require.NoError(t, h.machine.CallPeer(PeerInfo{ID: "bob", Username: "Bob"}, TypeVoice))

	env := h.expectEnv(t, signaling.MsgOffer)
	assert.Equal(t, "bob", env.To)
	assert.NotEmpty(t, env.CallID)

	var offer signaling.OfferPayload
	require.NoError(t, env.DecodePayload(&offer))
	assert.Equal(t, "offer-sdp", offer.SDP)
	assert.Equal(t, string(TypeVoice), offer.CallType)
	assert.Equal(t, "me", offer.Caller.ID)

	assert.Equal(t, StateOutgoing, h.machine.Snapshot().State)
}

func TestCallWhileActiveRejected(t *testing.T) {
	h := newHarness(t, Config{})

	require.NoError(t, h.machine.CallPeer(PeerInfo{ID: "bob"}, TypeVoice))
	h.expectEnv(t, signaling.MsgOffer)

	err := h.machine.CallPeer(PeerInfo{ID: "carol"}, TypeVoice)
	assert.ErrorIs(t, err, ErrCallActive)
}

func TestBusyWhileInCall(t *testing.T) {
	h := newHarness(t, Config{})

	require.NoError(t, h.machine.CallPeer(PeerInfo{ID: "bob"}, TypeVoice))
	h.expectEnv(t, signaling.MsgOffer)
	baseline := h.sessionCount()
	tracksBefore := len(h.devices.tracks())

	h.deliverOffer(t, "carol", "carol-call", TypeVoice)

	busy := h.expectEnv(t, signaling.MsgBusy)
	assert.Equal(t, "carol", busy.To)
	assert.Equal(t, "carol-call", busy.CallID)

	// The busy reply allocates nothing: no session, no capture, no state
	// change for the active call.
	assert.Equal(t, baseline, h.sessionCount())
	assert.Equal(t, tracksBefore, len(h.devices.tracks()))
	assert.Equal(t, StateOutgoing, h.machine.Snapshot().State)
}

func TestDuplicateOfferIgnored(t *testing.T) {
	h := newHarness(t, Config{})

	h.deliverOffer(t, "bob", "call-1", TypeVoice)
	<-h.in
	h.waitState(t, StateIncoming)

	// Relay redelivery of the same offer draws no busy reply.
	h.deliverOffer(t, "bob", "call-1", TypeVoice)
	h.expectNoEnv(t)
	assert.Equal(t, StateIncoming, h.machine.Snapshot().State)
}

func TestRingTimeoutEndsUnansweredCall(t *testing.T) {
	h := newHarness(t, Config{RingTimeout: 50 * time.Millisecond})

	require.NoError(t, h.machine.CallPeer(PeerInfo{ID: "bob", Username: "Bob"}, TypeVoice))
	h.expectEnv(t, signaling.MsgOffer)

	h.expectEnv(t, signaling.MsgHangup)
	r := h.expectReport(t, ReportMissed)
	assert.Equal(t, "bob", r.PeerID)
	assert.Zero(t, r.Duration)
	h.waitState(t, StateIdle)
}

func TestAnswerConnectsThenRemoteHangup(t *testing.T) {
	h := newHarness(t, Config{})

	callID := h.startConnectedCall(t, TypeVoice)
	sess := h.session(t, 0)
	assert.Equal(t, []string{"remote-answer-sdp"}, sess.remoteAnswerList())

	h.machine.HandleSignal(envelopeFrom(t, signaling.MsgHangup, "bob", callID, nil))

	r := h.expectReport(t, ReportEnded)
	assert.Equal(t, "bob", r.PeerID)
	h.waitState(t, StateIdle)

	for _, track := range h.devices.tracks() {
		assert.True(t, track.isStopped())
	}
}

func TestStaleAnswerIgnored(t *testing.T) {
	h := newHarness(t, Config{})

	require.NoError(t, h.machine.CallPeer(PeerInfo{ID: "bob"}, TypeVoice))
	h.expectEnv(t, signaling.MsgOffer)

	// Answer from the wrong peer must not connect the call.
	h.machine.HandleSignal(envelopeFrom(t, signaling.MsgAnswer, "carol", "other-call",
		signaling.AnswerPayload{SDP: "sdp"}))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateOutgoing, h.machine.Snapshot().State)
	assert.Empty(t, h.session(t, 0).remoteAnswerList())
}

func TestIncomingAcceptFlow(t *testing.T) {
	h := newHarness(t, Config{})

	h.deliverOffer(t, "alice", "call-7", TypeVoice)

	info := <-h.in
	assert.Equal(t, "alice", info.Peer.ID)
	h.waitState(t, StateIncoming)

	require.NoError(t, h.machine.Accept())
	answer := h.expectEnv(t, signaling.MsgAnswer)
	assert.Equal(t, "alice", answer.To)
	assert.Equal(t, "call-7", answer.CallID)
	h.waitState(t, StateConnected)

	require.NoError(t, h.machine.Hangup())
	h.expectEnv(t, signaling.MsgHangup)
	h.expectReport(t, ReportEnded)
	h.waitState(t, StateIdle)
}

func TestIncomingReject(t *testing.T) {
	h := newHarness(t, Config{})

	h.deliverOffer(t, "alice", "call-8", TypeVoice)
	<-h.in

	require.NoError(t, h.machine.Reject())
	rej := h.expectEnv(t, signaling.MsgReject)
	assert.Equal(t, "alice", rej.To)

	h.expectReport(t, ReportMissed)
	h.waitState(t, StateIdle)
}

func TestAcceptWithoutIncomingFails(t *testing.T) {
	h := newHarness(t, Config{})
	assert.ErrorIs(t, h.machine.Accept(), ErrNoIncomingCall)
	assert.ErrorIs(t, h.machine.Reject(), ErrNoIncomingCall)
	assert.ErrorIs(t, h.machine.Hangup(), ErrNoActiveCall)
	assert.ErrorIs(t, h.machine.ToggleMute(), ErrNotConnected)
}

func TestMediaFailureOnAcceptRejectsCall(t *testing.T) {
	h := newHarness(t, Config{})
	h.devices.micErr = errors.New("device denied")

	h.deliverOffer(t, "alice", "call-9", TypeVoice)
	<-h.in

	require.NoError(t, h.machine.Accept())
	h.expectEnv(t, signaling.MsgReject)
	h.expectReport(t, ReportMissed)
	h.waitState(t, StateIdle)
}

func TestRacingHangupsReportOnce(t *testing.T) {
	h := newHarness(t, Config{})

	callID := h.startConnectedCall(t, TypeVoice)

	require.NoError(t, h.machine.Hangup())
	h.machine.HandleSignal(envelopeFrom(t, signaling.MsgHangup, "bob", callID, nil))

	h.expectEnv(t, signaling.MsgHangup)
	h.expectReport(t, ReportEnded)
	h.waitState(t, StateIdle)

	select {
	case r := <-h.reports:
		t.Fatalf("second report emitted: %s", r.Type)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestConnectionFailureEndsCall(t *testing.T) {
	h := newHarness(t, Config{})

	h.startConnectedCall(t, TypeVoice)
	h.session(t, 0).fireState(ConnFailed)

	h.expectEnv(t, signaling.MsgHangup)
	h.expectReport(t, ReportEnded)
	h.waitState(t, StateIdle)
}

func TestBusySignalEndsOutgoing(t *testing.T) {
	h := newHarness(t, Config{})

	require.NoError(t, h.machine.CallPeer(PeerInfo{ID: "bob"}, TypeVoice))
	offer := h.expectEnv(t, signaling.MsgOffer)

	h.machine.HandleSignal(envelopeFrom(t, signaling.MsgBusy, "bob", offer.CallID, nil))
	h.expectReport(t, ReportMissed)
	h.waitState(t, StateIdle)
}

func TestStaleMediaStoppedAfterHangup(t *testing.T) {
	h := newHarness(t, Config{})
	gate := make(chan struct{})
	h.devices.gate = gate

	require.NoError(t, h.machine.CallPeer(PeerInfo{ID: "bob"}, TypeVoice))
	// Hangup before the device prompt resolves.
	require.NoError(t, h.machine.Hangup())
	h.expectEnv(t, signaling.MsgHangup)
	h.waitState(t, StateIdle)

	close(gate)

	// The late-arriving track belongs to a dead session: it must be
	// stopped and no offer sent.
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		tracks := h.devices.tracks()
		if len(tracks) == 1 && tracks[0].isStopped() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	tracks := h.devices.tracks()
	require.Len(t, tracks, 1)
	assert.True(t, tracks[0].isStopped())
	h.expectNoEnv(t)
}

func TestLocalCandidatesForwarded(t *testing.T) {
	h := newHarness(t, Config{})

	h.startConnectedCall(t, TypeVoice)
	h.session(t, 0).fireCandidate(`{"candidate":"candidate:1"}`)

	env := h.expectEnv(t, signaling.MsgCandidate)
	assert.Equal(t, "bob", env.To)

	var p signaling.CandidatePayload
	require.NoError(t, env.DecodePayload(&p))
	assert.Equal(t, `{"candidate":"candidate:1"}`, p.Candidate)
}

func TestRemoteCandidateDelivered(t *testing.T) {
	h := newHarness(t, Config{})

	callID := h.startConnectedCall(t, TypeVoice)
	h.machine.HandleSignal(envelopeFrom(t, signaling.MsgCandidate, "bob", callID,
		signaling.CandidatePayload{Candidate: `{"candidate":"candidate:2"}`}))

	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if len(h.session(t, 0).candidateList()) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("candidate never reached the session")
}

func TestMuteTogglesWithoutSignaling(t *testing.T) {
	h := newHarness(t, Config{})

	h.startConnectedCall(t, TypeVoice)
	sess := h.session(t, 0)
	require.True(t, sess.isAudioEnabled())

	require.NoError(t, h.machine.ToggleMute())
	assert.False(t, sess.isAudioEnabled())
	assert.True(t, h.machine.Snapshot().Muted)
	h.expectNoEnv(t)

	require.NoError(t, h.machine.ToggleMute())
	assert.True(t, sess.isAudioEnabled())
	assert.False(t, h.machine.Snapshot().Muted)
}

func TestRenegotiationsSerialized(t *testing.T) {
	h := newHarness(t, Config{})

	callID := h.startConnectedCall(t, TypeVoice)

	// Camera on: first renegotiation goes out immediately.
	require.NoError(t, h.machine.ToggleCamera())
	first := h.expectEnv(t, signaling.MsgRenegotiate)

	// Screen share while the first round trip is in flight: queued.
	require.NoError(t, h.machine.ToggleScreenShare())
	h.expectNoEnv(t)

	// Completing the first round releases the second.
	h.machine.HandleSignal(envelopeFrom(t, signaling.MsgRenegotiateAnswer, "bob", callID,
		signaling.RenegotiatePayload{SDP: "reneg-answer-1"}))
	second := h.expectEnv(t, signaling.MsgRenegotiate)

	assert.NotEqual(t, first.Payload, nil)
	assert.NotEqual(t, second.Payload, nil)
	assert.Contains(t, h.session(t, 0).remoteAnswerList(), "reneg-answer-1")

	snap := h.machine.Snapshot()
	assert.True(t, snap.ScreenSharing)
}

func TestCameraToggleBlockedDuringScreenShare(t *testing.T) {
	h := newHarness(t, Config{})

	callID := h.startConnectedCall(t, TypeVoice)

	require.NoError(t, h.machine.ToggleScreenShare())
	h.expectEnv(t, signaling.MsgRenegotiate)
	h.machine.HandleSignal(envelopeFrom(t, signaling.MsgRenegotiateAnswer, "bob", callID,
		signaling.RenegotiatePayload{SDP: "reneg-answer"}))

	err := h.machine.ToggleCamera()
	assert.ErrorIs(t, err, ErrScreenShareActive)
}

func TestCameraToggleOffWhilePending(t *testing.T) {
	h := newHarness(t, Config{})

	h.startConnectedCall(t, TypeVoice)
	gate := make(chan struct{})
	h.devices.cameraGate = gate

	require.NoError(t, h.machine.ToggleCamera())
	assert.True(t, h.machine.Snapshot().CameraOn)

	// Toggled back off before the device opened.
	require.NoError(t, h.machine.ToggleCamera())
	assert.False(t, h.machine.Snapshot().CameraOn)

	close(gate)

	// The track resolves for a toggle that has since been reversed: it must
	// be stopped, never attached, and no renegotiation goes out.
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		stopped := 0
		for _, track := range h.devices.tracks() {
			if track.Kind() == media.KindCamera && track.isStopped() {
				stopped++
			}
		}
		if stopped == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.expectNoEnv(t)
	assert.False(t, h.machine.Snapshot().CameraOn)
}

func TestRapidCameraTogglesNeverLeakTracks(t *testing.T) {
	h := newHarness(t, Config{})

	callID := h.startConnectedCall(t, TypeVoice)
	gate := make(chan struct{})
	h.devices.cameraGate = gate

	// On, off, on again — all before the first acquisition resolves.
	require.NoError(t, h.machine.ToggleCamera())
	require.NoError(t, h.machine.ToggleCamera())
	require.NoError(t, h.machine.ToggleCamera())

	close(gate)

	// Answer renegotiation rounds until the machine settles.
	for {
		var env signaling.Envelope
		select {
		case env = <-h.sig.sent:
		case <-time.After(300 * time.Millisecond):
			env = signaling.Envelope{}
		}
		if env.Type == "" {
			break
		}
		require.Equal(t, signaling.MsgRenegotiate, env.Type)
		h.machine.HandleSignal(envelopeFrom(t, signaling.MsgRenegotiateAnswer, "bob", callID,
			signaling.RenegotiatePayload{SDP: "reneg-answer"}))
	}

	assert.True(t, h.machine.Snapshot().CameraOn)

	require.NoError(t, h.machine.Hangup())
	h.expectEnv(t, signaling.MsgHangup)
	h.expectReport(t, ReportEnded)
	h.waitState(t, StateIdle)

	// Both acquisitions resolved; exactly one track stayed live and both
	// must be stopped after teardown.
	cameras := 0
	for _, track := range h.devices.tracks() {
		assert.True(t, track.isStopped(), "%s track leaked", track.Kind())
		if track.Kind() == media.KindCamera {
			cameras++
		}
	}
	assert.Equal(t, 2, cameras)
}

func TestRemoteRenegotiationAnswered(t *testing.T) {
	h := newHarness(t, Config{})

	callID := h.startConnectedCall(t, TypeVoice)
	h.machine.HandleSignal(envelopeFrom(t, signaling.MsgRenegotiate, "bob", callID,
		signaling.RenegotiatePayload{SDP: "remote-reneg-offer"}))

	env := h.expectEnv(t, signaling.MsgRenegotiateAnswer)
	var p signaling.RenegotiatePayload
	require.NoError(t, env.DecodePayload(&p))
	assert.Equal(t, "answer-sdp", p.SDP)
}

func TestScreenShareEndedExternallyRestoresCamera(t *testing.T) {
	h := newHarness(t, Config{})

	callID := h.startConnectedCall(t, TypeVideo)
	require.True(t, h.machine.Snapshot().CameraOn)

	require.NoError(t, h.machine.ToggleScreenShare())
	h.expectEnv(t, signaling.MsgRenegotiate)
	h.machine.HandleSignal(envelopeFrom(t, signaling.MsgRenegotiateAnswer, "bob", callID,
		signaling.RenegotiatePayload{SDP: "reneg-answer-1"}))

	var screen *fakeTrack
	deadline := time.Now().Add(testTimeout)
	for screen == nil && time.Now().Before(deadline) {
		for _, track := range h.devices.tracks() {
			if track.Kind() == media.KindScreen {
				screen = track
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.NotNil(t, screen, "screen track never acquired")

	// OS-level "stop sharing": the share ends and the camera comes back
	// via one more renegotiation.
	screen.endNow()
	h.expectEnv(t, signaling.MsgRenegotiate)
	h.machine.HandleSignal(envelopeFrom(t, signaling.MsgRenegotiateAnswer, "bob", callID,
		signaling.RenegotiatePayload{SDP: "reneg-answer-2"}))

	deadline = time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		snap := h.machine.Snapshot()
		if !snap.ScreenSharing && snap.CameraOn {
			assert.True(t, screen.isStopped())
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("camera never restored after screen share ended")
}

func TestVideoCallAttachesCamera(t *testing.T) {
	h := newHarness(t, Config{})

	h.startConnectedCall(t, TypeVideo)

	snap := h.machine.Snapshot()
	assert.True(t, snap.CameraOn)

	kinds := map[media.Kind]int{}
	for _, track := range h.devices.tracks() {
		kinds[track.Kind()]++
	}
	assert.Equal(t, 1, kinds[media.KindMicrophone])
	assert.Equal(t, 1, kinds[media.KindCamera])
}

func TestClosedMachineRejectsActions(t *testing.T) {
	h := newHarness(t, Config{})
	h.machine.Close()
	assert.ErrorIs(t, h.machine.CallPeer(PeerInfo{ID: "bob"}, TypeVoice), ErrClosed)
	assert.Equal(t, StateIdle, h.machine.Snapshot().State)
}
