// Package dispatch fans side-effect descriptors out to external collaborators
// (mail delivery, the access gate, the license mailer). Publishing happens
// after the owning transition has committed and is never awaited: a slow or
// failed consumer must not roll back a committed case transition.
package dispatch

import (
	"context"
	"sync"
	"time"

	"linkbio.org/internal/obs"
)

// Effect kinds emitted by the enforcement engine.
const (
	KindBanIssued        = "ban_issued"
	KindShadowBan        = "shadow_ban"
	KindBanReversed      = "ban_reversed"
	KindAppealDecided    = "appeal_decided"
	KindWarningSent      = "warning_sent"
	KindLicenseCreated   = "license_created"
	KindLicenseSuspended = "license_suspended"
	KindLinkConfirmed    = "link_confirmed"
	KindAlertTriaged     = "alert_triaged"
)

// Effect describes one action to be performed by an external collaborator.
type Effect struct {
	Kind       string            `json:"kind"`
	CaseID     string            `json:"case_id"`
	SubjectID  string            `json:"subject_id,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Dispatcher fan-outs effects to all active subscribers.
type Dispatcher struct {
	mu   sync.RWMutex
	subs map[int]chan Effect
	next int
}

// New initialises an empty dispatcher.
func New() *Dispatcher {
	return &Dispatcher{subs: make(map[int]chan Effect)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// effects. The channel is closed when the provided context ends.
func (d *Dispatcher) Subscribe(ctx context.Context) <-chan Effect {
	ch := make(chan Effect, 64)

	d.mu.Lock()
	id := d.next
	d.next++
	d.subs[id] = ch
	d.mu.Unlock()

	go func() {
		<-ctx.Done()
		d.mu.Lock()
		delete(d.subs, id)
		close(ch)
		d.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the effect to all subscribers without blocking.
func (d *Dispatcher) Publish(e Effect) {
	obs.ObserveEffect(e.Kind)
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, ch := range d.subs {
		select {
		case ch <- e:
		default:
			// Drop when subscriber is slow; delivery is at-least-once via the
			// consumer's own retry, never a transaction participant.
		}
	}
}
