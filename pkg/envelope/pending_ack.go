package envelope

import (
	"sync"
	"time"
)

// PendingAckStatus is the lifecycle of one requires_ack=true send.
type PendingAckStatus int

const (
	AckPending PendingAckStatus = iota
	AckAcked
	AckResent
	AckDeliveryFailed
)

// pendingAck tracks one outstanding acknowledgement.
type pendingAck struct {
	messageID string
	deadline  time.Time
	resent    bool
	resend    func() error
	onFailed  func(messageID string)
}

// PendingAckTable implements spec §4.4's ACK contract: after publish with
// requires_ack=true, the sender retains message_id with a deadline;
// missing ACK triggers one configurable resend, then delivery_failed.
type PendingAckTable struct {
	mu      sync.Mutex
	pending map[string]*pendingAck
}

// NewPendingAckTable constructs an empty table.
func NewPendingAckTable() *PendingAckTable {
	return &PendingAckTable{pending: map[string]*pendingAck{}}
}

// Track registers messageID as awaiting an Acknowledgement by deadline.
// resend is invoked once if the deadline passes unacknowledged; onFailed
// fires if the resend also goes unacknowledged.
func (t *PendingAckTable) Track(messageID string, deadline time.Time, resend func() error, onFailed func(messageID string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[messageID] = &pendingAck{messageID: messageID, deadline: deadline, resend: resend, onFailed: onFailed}
}

// Ack clears messageID on receipt of its Acknowledgement. Returns false
// if messageID was not (or no longer) pending.
func (t *PendingAckTable) Ack(messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[messageID]; !ok {
		return false
	}
	delete(t.pending, messageID)
	return true
}

// Sweep examines every pending entry against now: a first-pass expiry
// triggers one resend with a fresh deadline; a second-pass expiry (one
// that was already resent) fires onFailed and forgets the entry.
func (t *PendingAckTable) Sweep(now time.Time, resendWindow time.Duration) {
	t.mu.Lock()
	var toResend, toFail []*pendingAck
	for id, p := range t.pending {
		if now.Before(p.deadline) {
			continue
		}
		if !p.resent {
			p.resent = true
			p.deadline = now.Add(resendWindow)
			toResend = append(toResend, p)
		} else {
			toFail = append(toFail, p)
			delete(t.pending, id)
		}
	}
	t.mu.Unlock()

	for _, p := range toResend {
		if p.resend != nil {
			_ = p.resend()
		}
	}
	for _, p := range toFail {
		if p.onFailed != nil {
			p.onFailed(p.messageID)
		}
	}
}

// Len reports the number of outstanding acknowledgements, surfaced by
// the admin status endpoint's hsp.pending_acks.
func (t *PendingAckTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
