package call

import (
	"github.com/veska-im/callkit/internal/signaling"
	"github.com/veska-im/callkit/internal/util"
)

// renegotiator serializes mid-call track renegotiations: at most one
// offer/answer round trip is in flight, later requests queue and run in
// arrival order once the in-flight round completes. Exactly as many
// renegotiations are performed as were requested.
//
// Only the machine's run loop touches it, so it needs no locking.
type renegotiator struct {
	inFlight bool
	queue    []func() error
}

func (r *renegotiator) reset() {
	r.inFlight = false
	r.queue = nil
}

// renegotiate applies a local track mutation and sends the resulting offer,
// or queues the mutation if a round trip is already in flight.
func (m *Machine) renegotiate(mutate func() error) {
	if m.reneg.inFlight {
		m.reneg.queue = append(m.reneg.queue, mutate)
		return
	}
	m.runRenegotiation(mutate)
}

func (m *Machine) runRenegotiation(mutate func() error) {
	if err := mutate(); err != nil {
		util.LogWarning("track change failed: %v", err)
		m.renegNext()
		return
	}

	offer, err := m.sess.CreateOffer()
	if err != nil {
		util.LogWarning("renegotiation offer failed: %v", err)
		m.renegNext()
		return
	}

	m.reneg.inFlight = true
	m.sendToPeer(signaling.MsgRenegotiate, signaling.RenegotiatePayload{SDP: offer})
}

// completeRenegotiation applies the remote answer to the in-flight round
// and starts the next queued round, if any. A failed answer aborts only the
// track change; the call stays connected.
func (m *Machine) completeRenegotiation(sdp string) {
	if !m.reneg.inFlight {
		util.LogDebug("unexpected renegotiation answer ignored")
		return
	}
	m.reneg.inFlight = false

	if err := m.sess.SetRemoteAnswer(sdp); err != nil {
		util.LogWarning("renegotiation answer rejected: %v", err)
	}
	m.renegNext()
}

func (m *Machine) renegNext() {
	if m.reneg.inFlight || len(m.reneg.queue) == 0 {
		return
	}
	next := m.reneg.queue[0]
	m.reneg.queue = m.reneg.queue[1:]
	m.runRenegotiation(next)
}
