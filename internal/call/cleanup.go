package call

import (
	"time"

	"github.com/veska-im/callkit/internal/util"
)

// teardown releases every resource of the current call and returns the
// machine to Idle. It is idempotent: all paths that end a call (local
// hangup, remote hangup or reject, busy, ring timeout, connection failure,
// machine shutdown) converge here, and overlapping ends — the classic racing
// local and remote hangup — perform the cleanup once.
func (m *Machine) teardown() {
	if m.state == StateIdle && m.sess == nil {
		return
	}

	if m.ringTimer != nil {
		m.ringTimer.Stop()
		m.ringTimer = nil
	}
	if m.stopTicker != nil {
		m.stopTicker()
		m.stopTicker = nil
	}

	stopTracks(m.mic, m.camera, m.screen)
	m.mic, m.camera, m.screen = nil, nil, nil

	if m.sess != nil {
		if err := m.sess.Close(); err != nil {
			util.LogDebug("session close: %v", err)
		}
		m.sess = nil
	}
	m.reneg.reset()

	m.report()

	m.info = nil
	m.callID = ""
	m.muted = false
	m.cameraOn = false
	m.screenShare = false
	m.signaled = false
	m.connectedAt = time.Time{}
	m.setState(StateIdle)
}

// report emits the end-of-call report, at most once per call. Calls torn
// down before any offer was exchanged produce no report.
func (m *Machine) report() {
	if m.reported || !m.signaled || m.info == nil {
		return
	}
	m.reported = true

	r := Report{
		CallType:     m.info.Type,
		PeerID:       m.info.Peer.ID,
		PeerUsername: m.info.Peer.Username,
	}
	if m.connectedAt.IsZero() {
		r.Type = ReportMissed
		util.Stats.AddMissed()
	} else {
		r.Type = ReportEnded
		r.Duration = time.Since(m.connectedAt)
		util.Stats.AddEnded()
	}

	util.LogInfo("call report: %s peer=%s duration=%s", r.Type, r.PeerID, r.Duration)
	if m.onEnd != nil {
		go m.onEnd(r)
	}
}
