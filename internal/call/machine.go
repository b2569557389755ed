package call

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veska-im/callkit/internal/media"
	"github.com/veska-im/callkit/internal/signaling"
	"github.com/veska-im/callkit/internal/util"
)

// DefaultRingTimeout is the caller-side no-answer timeout.
const DefaultRingTimeout = 180 * time.Second

var (
	ErrClosed            = errors.New("call machine closed")
	ErrCallActive        = errors.New("a call is already active")
	ErrNoIncomingCall    = errors.New("no incoming call")
	ErrNoActiveCall      = errors.New("no active call")
	ErrNotConnected      = errors.New("call is not connected")
	ErrScreenShareActive = errors.New("camera cannot be toggled while screen sharing")
)

// Config parameterizes a Machine.
type Config struct {
	Self        PeerInfo
	RingTimeout time.Duration // 0 means DefaultRingTimeout
}

// Machine is the call state machine. One instance exists per process; it
// owns the current call's state, session, tracks, and timers exclusively.
//
// All mutation happens on the run loop goroutine: exported operations post
// an event and wait for the loop's reply, so no two transitions ever execute
// concurrently. Racing local and remote hangups therefore resolve to a
// single teardown, never two.
type Machine struct {
	cfg     Config
	sig     Signaler
	factory SessionFactory
	devices Media

	events  chan event
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once

	// Callbacks; set before Start. Invoked on their own goroutines so they
	// may call back into the machine.
	onIncoming func(Info)
	onState    func(State)
	onEnd      func(Report)
	onDuration func(time.Duration)

	// Everything below is owned by the run loop.
	state       State
	info        *Info
	sid         uint64
	sess        Session
	callID      string
	mic         media.Track
	camera      media.Track
	screen      media.Track
	muted       bool
	cameraOn    bool
	screenShare bool
	signaled    bool // an offer for this session was sent or received
	reported    bool
	ringTimer   *time.Timer
	stopTicker  func()
	connectedAt time.Time
	reneg       renegotiator
}

// NewMachine wires a machine to its collaborators. Call Start to begin
// processing events.
func NewMachine(cfg Config, sig Signaler, factory SessionFactory, devices Media) *Machine {
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = DefaultRingTimeout
	}
	return &Machine{
		cfg:     cfg,
		sig:     sig,
		factory: factory,
		devices: devices,
		events:  make(chan event, 128),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		state:   StateIdle,
	}
}

// OnIncoming registers the incoming-call notification callback.
func (m *Machine) OnIncoming(fn func(Info)) { m.onIncoming = fn }

// OnStateChange registers the state transition callback.
func (m *Machine) OnStateChange(fn func(State)) { m.onState = fn }

// OnEnd registers the end-of-call report callback, fired exactly once per
// call on its first terminal transition.
func (m *Machine) OnEnd(fn func(Report)) { m.onEnd = fn }

// OnDuration registers the 1 Hz duration callback for connected calls.
func (m *Machine) OnDuration(fn func(time.Duration)) { m.onDuration = fn }

// Start launches the dispatch loop.
func (m *Machine) Start() {
	go m.run()
}

// Close stops the machine, hanging up any active call first.
// Safe to call multiple times.
func (m *Machine) Close() {
	m.once.Do(func() { close(m.done) })
	<-m.stopped
}

// HandleSignal delivers one inbound signaling envelope. It never blocks the
// transport for long and never fails: messages that are not meaningful in
// the current state are ignored inside the loop.
func (m *Machine) HandleSignal(env signaling.Envelope) {
	m.post(signalEvent{env: env})
}

// CallPeer starts an outgoing call. Only valid in Idle.
func (m *Machine) CallPeer(peer PeerInfo, ctype Type) error {
	return m.do(userAction{kind: actionCall, peer: peer, ctype: ctype})
}

// Accept answers the current incoming call.
func (m *Machine) Accept() error { return m.do(userAction{kind: actionAccept}) }

// Reject declines the current incoming call.
func (m *Machine) Reject() error { return m.do(userAction{kind: actionReject}) }

// Hangup ends the current call in any non-idle state.
func (m *Machine) Hangup() error { return m.do(userAction{kind: actionHangup}) }

// ToggleMute flips local audio muting. Local-only: no signaling message.
func (m *Machine) ToggleMute() error { return m.do(userAction{kind: actionToggleMute}) }

// ToggleCamera flips the local camera and renegotiates the track change.
func (m *Machine) ToggleCamera() error { return m.do(userAction{kind: actionToggleCamera}) }

// ToggleScreenShare flips screen sharing and renegotiates the track change.
func (m *Machine) ToggleScreenShare() error { return m.do(userAction{kind: actionToggleScreen}) }

// Snapshot returns a consistent view of the current call state.
func (m *Machine) Snapshot() Snapshot {
	req := snapshotRequest{reply: make(chan Snapshot, 1)}
	select {
	case m.events <- req:
	case <-m.done:
		return Snapshot{State: StateIdle}
	}
	select {
	case s := <-req.reply:
		return s
	case <-m.stopped:
		return Snapshot{State: StateIdle}
	}
}

// ---------------------------------------------------------------------------
// Event loop
// ---------------------------------------------------------------------------

func (m *Machine) post(ev event) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

func (m *Machine) do(a userAction) error {
	a.reply = make(chan error, 1)
	select {
	case m.events <- a:
	case <-m.done:
		return ErrClosed
	}
	select {
	case err := <-a.reply:
		return err
	case <-m.stopped:
		return ErrClosed
	}
}

func (m *Machine) run() {
	defer close(m.stopped)
	for {
		select {
		case <-m.done:
			if m.state != StateIdle {
				m.sendToPeer(signaling.MsgHangup, nil)
			}
			m.teardown()
			return
		case ev := <-m.events:
			m.dispatch(ev)
		}
	}
}

func (m *Machine) dispatch(ev event) {
	switch e := ev.(type) {
	case signalEvent:
		m.handleSignal(e.env)
	case userAction:
		e.reply <- m.handleAction(e)
	case mediaReadyEvent:
		m.handleMediaReady(e)
	case ringTimeoutEvent:
		m.handleRingTimeout(e.sid)
	case tickEvent:
		m.handleTick(e.sid)
	case connStateEvent:
		m.handleConnState(e)
	case candidateEvent:
		m.handleLocalCandidate(e)
	case trackEndedEvent:
		m.handleTrackEnded(e)
	case snapshotRequest:
		e.reply <- m.takeSnapshot()
	}
}

func (m *Machine) takeSnapshot() Snapshot {
	s := Snapshot{
		State:         m.state,
		Muted:         m.muted,
		CameraOn:      m.cameraOn,
		ScreenSharing: m.screenShare,
	}
	if m.info != nil {
		info := *m.info
		s.Info = &info
	}
	if !m.connectedAt.IsZero() {
		s.Duration = time.Since(m.connectedAt)
	}
	return s
}

func (m *Machine) setState(s State) {
	if m.state == s {
		return
	}
	util.LogInfo("call state: %s → %s", m.state, s)
	m.state = s
	if m.onState != nil {
		go m.onState(s)
	}
}

// ---------------------------------------------------------------------------
// User actions
// ---------------------------------------------------------------------------

func (m *Machine) handleAction(a userAction) error {
	switch a.kind {
	case actionCall:
		return m.startOutgoing(a.peer, a.ctype)
	case actionAccept:
		return m.acceptIncoming()
	case actionReject:
		return m.rejectIncoming()
	case actionHangup:
		return m.localHangup()
	case actionToggleMute:
		return m.toggleMute()
	case actionToggleCamera:
		return m.toggleCamera()
	case actionToggleScreen:
		return m.toggleScreen()
	}
	return nil
}

// startOutgoing: Idle → Outgoing. Mints a new SessionId, creates the
// session, and kicks off async media acquisition; the offer is built and
// sent when acquisition completes.
func (m *Machine) startOutgoing(peer PeerInfo, ctype Type) error {
	if m.state != StateIdle {
		return ErrCallActive
	}

	if err := m.newSession(); err != nil {
		return err
	}
	m.callID = uuid.NewString()
	m.info = &Info{Peer: peer, Type: ctype}
	m.setState(StateOutgoing)
	util.Stats.AddPlaced()

	sid := m.sid
	go m.acquireCallMedia(sid, purposeStart, ctype)
	return nil
}

// acceptIncoming: Incoming → Connected (via async media acquisition).
// A denied device converges on the reject path.
func (m *Machine) acceptIncoming() error {
	if m.state != StateIncoming {
		return ErrNoIncomingCall
	}
	sid := m.sid
	go m.acquireCallMedia(sid, purposeAccept, m.info.Type)
	return nil
}

func (m *Machine) rejectIncoming() error {
	if m.state != StateIncoming {
		return ErrNoIncomingCall
	}
	m.sendToPeer(signaling.MsgReject, nil)
	m.teardown()
	return nil
}

func (m *Machine) localHangup() error {
	if m.state == StateIdle {
		return ErrNoActiveCall
	}
	m.sendToPeer(signaling.MsgHangup, nil)
	m.teardown()
	return nil
}

func (m *Machine) toggleMute() error {
	if m.state != StateConnected {
		return ErrNotConnected
	}
	next := !m.muted
	if err := m.sess.SetAudioEnabled(!next); err != nil {
		return err
	}
	m.muted = next
	util.LogInfo("audio muted: %v", m.muted)
	return nil
}

func (m *Machine) toggleCamera() error {
	if m.state != StateConnected {
		return ErrNotConnected
	}
	if m.screenShare {
		return ErrScreenShareActive
	}

	if m.cameraOn {
		// Off. A still-pending acquisition sees the cleared flag on
		// completion and discards its track.
		m.cameraOn = false
		if m.camera == nil {
			return nil
		}
		track := m.camera
		m.camera = nil
		if err := track.Stop(); err != nil {
			util.LogDebug("camera stop: %v", err)
		}
		m.renegotiate(func() error { return m.sess.DetachVideo() })
		return nil
	}

	// The flag flips at toggle time, not at acquisition completion, so a
	// second toggle while the device is still opening reads as "off".
	m.cameraOn = true
	sid := m.sid
	go m.acquireVideo(sid, purposeCamera)
	return nil
}

func (m *Machine) toggleScreen() error {
	if m.state != StateConnected {
		return ErrNotConnected
	}

	if m.screenShare {
		m.stopScreenShare()
		return nil
	}

	sid := m.sid
	go m.acquireVideo(sid, purposeScreen)
	return nil
}

// stopScreenShare ends the share and issues exactly one renegotiation:
// restoring the camera if it was active before the share, otherwise
// removing the video sender.
func (m *Machine) stopScreenShare() {
	m.screenShare = false
	if m.screen != nil {
		track := m.screen
		m.screen = nil
		if err := track.Stop(); err != nil {
			util.LogDebug("screen stop: %v", err)
		}
	}

	if m.cameraOn {
		// Best-effort restore: re-acquire the camera rather than reusing a
		// possibly stale sender reference.
		sid := m.sid
		go m.acquireVideo(sid, purposeRestore)
		return
	}
	m.renegotiate(func() error { return m.sess.DetachVideo() })
}

// ---------------------------------------------------------------------------
// Media acquisition (async, SessionId-tagged)
// ---------------------------------------------------------------------------

// acquireCallMedia obtains the microphone and, for video calls, the camera.
// Runs off-loop; the result re-enters the loop as a mediaReadyEvent carrying
// the SessionId captured here.
func (m *Machine) acquireCallMedia(sid uint64, purpose mediaPurpose, ctype Type) {
	audio, err := m.devices.Microphone()
	var video media.Track
	if err == nil && ctype == TypeVideo {
		video, err = m.devices.Camera()
		if err != nil {
			audio.Stop()
			audio = nil
		}
	}
	m.post(mediaReadyEvent{sid: sid, purpose: purpose, audio: audio, video: video, err: err})
}

// acquireVideo obtains a camera or screen track for a mid-call track change.
func (m *Machine) acquireVideo(sid uint64, purpose mediaPurpose) {
	var (
		track media.Track
		err   error
	)
	if purpose == purposeScreen {
		track, err = m.devices.Screen()
	} else {
		track, err = m.devices.Camera()
	}
	m.post(mediaReadyEvent{sid: sid, purpose: purpose, video: track, err: err})
}

func (m *Machine) handleMediaReady(e mediaReadyEvent) {
	if e.sid != m.sid {
		// The session this acquisition was started for is gone. Discard.
		util.LogDebug("discarding media for superseded session %d", e.sid)
		stopTracks(e.audio, e.video)
		return
	}

	switch e.purpose {
	case purposeStart:
		m.finishOutgoingSetup(e)
	case purposeAccept:
		m.finishAccept(e)
	case purposeCamera:
		m.finishCameraOn(e)
	case purposeScreen:
		m.finishScreenOn(e)
	case purposeRestore:
		m.finishRestore(e)
	}
}

// finishOutgoingSetup attaches local media, sends the offer, and arms the
// ring timer. Any failure here returns the machine to Idle.
func (m *Machine) finishOutgoingSetup(e mediaReadyEvent) {
	if m.state != StateOutgoing {
		stopTracks(e.audio, e.video)
		return
	}
	if e.err != nil {
		util.LogError("call setup failed: %v", e.err)
		m.teardown()
		return
	}

	if err := m.attachCallMedia(e); err != nil {
		util.LogError("attach media: %v", err)
		m.teardown()
		return
	}

	offer, err := m.sess.CreateOffer()
	if err != nil {
		util.LogError("create offer: %v", err)
		m.teardown()
		return
	}

	m.sendToPeer(signaling.MsgOffer, signaling.OfferPayload{
		SDP:      offer,
		CallType: string(m.info.Type),
		Caller: signaling.CallerInfo{
			ID:       m.cfg.Self.ID,
			Username: m.cfg.Self.Username,
			Avatar:   m.cfg.Self.Avatar,
		},
	})
	m.signaled = true

	sid := m.sid
	m.ringTimer = time.AfterFunc(m.cfg.RingTimeout, func() {
		m.post(ringTimeoutEvent{sid: sid})
	})
}

// finishAccept attaches local media, answers, and connects. A denied device
// converges on the reject path, exactly like a user reject.
func (m *Machine) finishAccept(e mediaReadyEvent) {
	if m.state != StateIncoming {
		stopTracks(e.audio, e.video)
		return
	}
	if e.err != nil {
		util.LogWarning("media unavailable, rejecting call: %v", e.err)
		m.sendToPeer(signaling.MsgReject, nil)
		m.teardown()
		return
	}

	if err := m.attachCallMedia(e); err != nil {
		util.LogError("attach media: %v", err)
		m.sendToPeer(signaling.MsgReject, nil)
		m.teardown()
		return
	}

	answer, err := m.sess.CreateAnswer()
	if err != nil {
		util.LogError("create answer: %v", err)
		m.sendToPeer(signaling.MsgReject, nil)
		m.teardown()
		return
	}

	m.sendToPeer(signaling.MsgAnswer, signaling.AnswerPayload{SDP: answer})
	m.connect()
}

func (m *Machine) attachCallMedia(e mediaReadyEvent) error {
	if err := m.sess.AttachAudio(e.audio); err != nil {
		stopTracks(e.audio, e.video)
		return err
	}
	m.mic = e.audio
	if e.video != nil {
		if err := m.sess.AttachVideo(e.video); err != nil {
			stopTracks(e.video)
			return err
		}
		m.camera = e.video
		m.cameraOn = true
	}
	return nil
}

func (m *Machine) finishCameraOn(e mediaReadyEvent) {
	if m.state != StateConnected || m.screenShare || !m.cameraOn {
		stopTracks(e.video)
		return
	}
	if e.err != nil {
		util.LogWarning("camera toggle failed: %v", e.err)
		m.cameraOn = false
		return
	}
	// Rapid toggles can leave two acquisitions in flight; only the latest
	// completion stays live.
	if m.camera != nil {
		stopTracks(m.camera)
	}
	m.camera = e.video
	m.renegotiate(func() error { return m.sess.ReplaceVideo(e.video) })
}

func (m *Machine) finishScreenOn(e mediaReadyEvent) {
	if m.state != StateConnected {
		stopTracks(e.video)
		return
	}
	if e.err != nil {
		util.LogWarning("screen share failed: %v", e.err)
		return
	}

	// Free the camera device while sharing; cameraOn stays set so the
	// camera is restored when the share ends.
	if m.camera != nil {
		if err := m.camera.Stop(); err != nil {
			util.LogDebug("camera stop: %v", err)
		}
		m.camera = nil
	}

	m.screen = e.video
	m.screenShare = true

	sid := m.sid
	e.video.OnEnded(func() {
		m.post(trackEndedEvent{sid: sid, kind: media.KindScreen})
	})

	m.renegotiate(func() error { return m.sess.ReplaceVideo(e.video) })
}

func (m *Machine) finishRestore(e mediaReadyEvent) {
	if m.state != StateConnected || m.screenShare {
		stopTracks(e.video)
		return
	}
	if !m.cameraOn {
		// Camera toggled off while the restore was pending: drop the track
		// and remove the stale video sender.
		stopTracks(e.video)
		m.renegotiate(func() error { return m.sess.DetachVideo() })
		return
	}
	if e.err != nil {
		// Best-effort: the camera could not be restored, drop the sender.
		util.LogWarning("camera restore failed: %v", e.err)
		m.cameraOn = false
		m.renegotiate(func() error { return m.sess.DetachVideo() })
		return
	}
	if m.camera != nil {
		stopTracks(m.camera)
	}
	m.camera = e.video
	m.renegotiate(func() error { return m.sess.ReplaceVideo(e.video) })
}

// ---------------------------------------------------------------------------
// Inbound signaling
// ---------------------------------------------------------------------------

func (m *Machine) handleSignal(env signaling.Envelope) {
	switch env.Type {
	case signaling.MsgOffer:
		m.handleOffer(env)
	case signaling.MsgAnswer:
		m.handleAnswer(env)
	case signaling.MsgCandidate:
		m.handleCandidate(env)
	case signaling.MsgHangup, signaling.MsgReject:
		m.handleRemoteEnd(env)
	case signaling.MsgBusy:
		m.handleBusy(env)
	case signaling.MsgRenegotiate:
		m.handleRenegotiate(env)
	case signaling.MsgRenegotiateAnswer:
		m.handleRenegotiateAnswer(env)
	default:
		util.LogDebug("ignoring signaling message %s from %s", env.Type, env.From)
	}
}

// handleOffer: Idle → Incoming. Any other state replies Busy before any
// session or media resource is touched. Redelivered offers for the current
// call are ignored.
func (m *Machine) handleOffer(env signaling.Envelope) {
	if m.state == StateIncoming && m.info != nil &&
		env.From == m.info.Peer.ID && env.CallID == m.callID {
		util.LogDebug("duplicate offer from %s ignored", env.From)
		return
	}
	if m.state != StateIdle {
		util.LogInfo("busy: declining offer from %s", env.From)
		m.send(signaling.MsgBusy, env.From, env.CallID, nil)
		return
	}

	var offer signaling.OfferPayload
	if err := env.DecodePayload(&offer); err != nil {
		util.LogWarning("malformed offer from %s: %v", env.From, err)
		return
	}

	if err := m.newSession(); err != nil {
		util.LogError("session for incoming call: %v", err)
		return
	}
	m.callID = env.CallID
	m.info = &Info{
		Peer: PeerInfo{ID: env.From, Username: offer.Caller.Username, Avatar: offer.Caller.Avatar},
		Type: Type(offer.CallType),
	}

	if err := m.sess.SetRemoteOffer(offer.SDP); err != nil {
		util.LogError("apply remote offer: %v", err)
		m.teardown()
		return
	}
	m.signaled = true
	m.setState(StateIncoming)
	util.Stats.AddReceived()

	if m.onIncoming != nil {
		info := *m.info
		go m.onIncoming(info)
	}
}

// handleAnswer: Outgoing → Connected. Answers for a superseded call attempt
// (wrong peer, wrong call id, or wrong state) are ignored.
func (m *Machine) handleAnswer(env signaling.Envelope) {
	if m.state != StateOutgoing || !m.fromPeer(env) || env.CallID != m.callID {
		util.LogDebug("stale answer from %s ignored", env.From)
		return
	}

	var answer signaling.AnswerPayload
	if err := env.DecodePayload(&answer); err != nil {
		util.LogWarning("malformed answer from %s: %v", env.From, err)
		return
	}

	if err := m.sess.SetRemoteAnswer(answer.SDP); err != nil {
		util.LogError("apply remote answer: %v", err)
		m.sendToPeer(signaling.MsgHangup, nil)
		m.teardown()
		return
	}

	if m.ringTimer != nil {
		m.ringTimer.Stop()
		m.ringTimer = nil
	}
	m.connect()
}

func (m *Machine) handleCandidate(env signaling.Envelope) {
	if m.state == StateIdle || !m.fromPeer(env) {
		util.LogDebug("candidate from %s ignored", env.From)
		return
	}
	var p signaling.CandidatePayload
	if err := env.DecodePayload(&p); err != nil {
		util.LogWarning("malformed candidate from %s: %v", env.From, err)
		return
	}
	if err := m.sess.AddRemoteCandidate(p.Candidate); err != nil {
		util.LogWarning("remote candidate rejected: %v", err)
	}
}

// handleRemoteEnd covers hangup and reject: the far side ended the call.
func (m *Machine) handleRemoteEnd(env signaling.Envelope) {
	if m.state == StateIdle || !m.fromPeer(env) {
		util.LogDebug("%s from %s ignored", env.Type, env.From)
		return
	}
	util.LogInfo("call ended by %s (%s)", env.From, env.Type)
	m.teardown()
}

func (m *Machine) handleBusy(env signaling.Envelope) {
	if m.state != StateOutgoing || !m.fromPeer(env) {
		util.LogDebug("busy from %s ignored", env.From)
		return
	}
	util.LogInfo("%s is busy", env.From)
	m.teardown()
}

// handleRenegotiate answers a remote track-change offer mid-call.
func (m *Machine) handleRenegotiate(env signaling.Envelope) {
	if m.state != StateConnected || !m.fromPeer(env) {
		util.LogDebug("renegotiate from %s ignored", env.From)
		return
	}
	var p signaling.RenegotiatePayload
	if err := env.DecodePayload(&p); err != nil {
		util.LogWarning("malformed renegotiate from %s: %v", env.From, err)
		return
	}

	// A failed renegotiation aborts only the track change; the call stays up.
	if err := m.sess.SetRemoteOffer(p.SDP); err != nil {
		util.LogWarning("remote renegotiation failed: %v", err)
		return
	}
	answer, err := m.sess.CreateAnswer()
	if err != nil {
		util.LogWarning("renegotiation answer failed: %v", err)
		return
	}
	m.sendToPeer(signaling.MsgRenegotiateAnswer, signaling.RenegotiatePayload{SDP: answer})
}

func (m *Machine) handleRenegotiateAnswer(env signaling.Envelope) {
	if m.state != StateConnected || !m.fromPeer(env) {
		util.LogDebug("renegotiate-answer from %s ignored", env.From)
		return
	}
	var p signaling.RenegotiatePayload
	if err := env.DecodePayload(&p); err != nil {
		util.LogWarning("malformed renegotiate-answer from %s: %v", env.From, err)
		return
	}
	m.completeRenegotiation(p.SDP)
}

// ---------------------------------------------------------------------------
// Timer, engine, and track events
// ---------------------------------------------------------------------------

func (m *Machine) handleRingTimeout(sid uint64) {
	if sid != m.sid || m.state != StateOutgoing {
		return
	}
	util.LogInfo("no answer from %s", m.info.Peer.ID)
	m.sendToPeer(signaling.MsgHangup, nil)
	m.teardown()
}

func (m *Machine) handleTick(sid uint64) {
	if sid != m.sid || m.state != StateConnected {
		return
	}
	if m.onDuration != nil {
		d := time.Since(m.connectedAt)
		go m.onDuration(d)
	}
}

// handleConnState reacts to engine connectivity reports. Disconnected and
// failed are fatal to the call and handled like a local hangup: the far
// side is notified and everything is released.
func (m *Machine) handleConnState(e connStateEvent) {
	if e.sid != m.sid || m.state == StateIdle {
		return
	}
	switch e.state {
	case ConnConnected:
		util.LogDebug("media path connected")
	case ConnDisconnected, ConnFailed:
		util.LogWarning("connection %s, ending call", e.state)
		m.sendToPeer(signaling.MsgHangup, nil)
		m.teardown()
	}
}

func (m *Machine) handleLocalCandidate(e candidateEvent) {
	if e.sid != m.sid || m.state == StateIdle {
		return
	}
	m.sendToPeer(signaling.MsgCandidate, signaling.CandidatePayload{Candidate: e.candidate})
}

// handleTrackEnded reacts to a capture source stopping outside our control.
// For a screen share this is the OS-level "stop sharing" action.
func (m *Machine) handleTrackEnded(e trackEndedEvent) {
	if e.sid != m.sid || m.state != StateConnected {
		return
	}
	if e.kind == media.KindScreen && m.screenShare {
		util.LogInfo("screen share ended externally")
		m.stopScreenShare()
	}
}

// ---------------------------------------------------------------------------
// Session plumbing
// ---------------------------------------------------------------------------

// newSession mints the next SessionId and creates its session. Callbacks are
// tagged with the id so late notifications from a superseded session are
// provably ignorable.
func (m *Machine) newSession() error {
	sess, err := m.factory()
	if err != nil {
		return err
	}
	m.sid++
	m.sess = sess
	m.signaled = false
	m.reported = false
	m.reneg.reset()

	sid := m.sid
	sess.OnLocalCandidate(func(candidate string) {
		m.post(candidateEvent{sid: sid, candidate: candidate})
	})
	sess.OnStateChange(func(state ConnState) {
		m.post(connStateEvent{sid: sid, state: state})
	})
	return nil
}

// connect enters Connected and starts the 1 Hz duration counter.
func (m *Machine) connect() {
	m.connectedAt = time.Now()
	m.setState(StateConnected)

	sid := m.sid
	stop := make(chan struct{})
	m.stopTicker = func() { close(stop) }
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.post(tickEvent{sid: sid})
			case <-stop:
				return
			}
		}
	}()
}

// sendToPeer addresses a message to the current call's peer.
func (m *Machine) sendToPeer(t signaling.MessageType, payload any) {
	if m.info == nil {
		return
	}
	m.send(t, m.info.Peer.ID, m.callID, payload)
}

func (m *Machine) send(t signaling.MessageType, to, callID string, payload any) {
	env, err := signaling.NewEnvelope(t, to, callID, payload)
	if err != nil {
		util.LogError("build %s: %v", t, err)
		return
	}
	if err := m.sig.Send(env); err != nil {
		util.LogWarning("send %s to %s: %v", t, to, err)
	}
}

func (m *Machine) fromPeer(env signaling.Envelope) bool {
	return m.info != nil && env.From == m.info.Peer.ID
}

func stopTracks(tracks ...media.Track) {
	for _, t := range tracks {
		if t != nil {
			if err := t.Stop(); err != nil {
				util.LogDebug("stop track: %v", err)
			}
		}
	}
}
