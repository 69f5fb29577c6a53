// Package call relays WebRTC signaling between two authenticated peers:
// offers, answers, ICE candidates, and hangups. The relay never inspects
// SDP or candidate contents beyond size checks; media always flows
// peer-to-peer (or through TURN), never through this server.
//
// An offer to an offline callee is held as a pending offer for a short
// window so a push-woken device can still pick the call up. At most one
// pending offer is kept per callee; a newer call replaces the older one.
package call

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/whisper-relay/protocol"
)

const (
	// OfferTTL is how long an undelivered offer stays claimable. Longer
	// than this and the caller has given up anyway.
	OfferTTL = 60 * time.Second

	// SweepInterval is how often expired pending offers are dropped.
	SweepInterval = 10 * time.Second
)

// ErrInvalidCallID indicates a call id that is not a UUID.
var ErrInvalidCallID = errors.New("call id must be a UUID")

// ValidateCallID checks the client-chosen call id.
func ValidateCallID(callID string) error {
	if _, err := uuid.Parse(callID); err != nil {
		return ErrInvalidCallID
	}
	return nil
}

// PendingOffer is an offer waiting for its callee to connect.
type PendingOffer struct {
	Callee    string
	Offer     protocol.IncomingCallPayload
	ExpiresAt time.Time
}

// OfferStore holds at most one pending offer per callee.
type OfferStore struct {
	mu     sync.Mutex
	offers map[string]*PendingOffer
	now    func() time.Time
}

// NewOfferStore creates an empty pending-offer store.
func NewOfferStore() *OfferStore {
	return &OfferStore{
		offers: make(map[string]*PendingOffer),
		now:    time.Now,
	}
}

// SetClock overrides the time source for tests.
func (o *OfferStore) SetClock(now func() time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = now
}

// Put stores the offer for the callee, replacing any previous one.
func (o *OfferStore) Put(callee string, offer protocol.IncomingCallPayload) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.offers[callee] = &PendingOffer{
		Callee:    callee,
		Offer:     offer,
		ExpiresAt: o.now().Add(OfferTTL),
	}
}

// Take removes and returns the callee's pending offer, if one is still
// live. Delivered at most once.
func (o *OfferStore) Take(callee string) (protocol.IncomingCallPayload, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.offers[callee]
	if !ok {
		return protocol.IncomingCallPayload{}, false
	}
	delete(o.offers, callee)
	if o.now().After(p.ExpiresAt) {
		return protocol.IncomingCallPayload{}, false
	}
	return p.Offer, true
}

// Cancel drops a pending offer, but only if it belongs to the given call.
// A hangup for call A must not kill a newer pending call B.
func (o *OfferStore) Cancel(callee, callID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.offers[callee]
	if !ok || p.Offer.CallID != callID {
		return false
	}
	delete(o.offers, callee)
	return true
}

// CancelAllFrom drops every pending offer originated by the given caller.
// Used when the caller's socket disconnects mid-ring.
func (o *OfferStore) CancelAllFrom(caller string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var callees []string
	for callee, p := range o.offers {
		if p.Offer.FromWhisperID == caller {
			delete(o.offers, callee)
			callees = append(callees, callee)
		}
	}
	return callees
}

// Len reports the number of live pending offers.
func (o *OfferStore) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.offers)
}

// Sweep drops expired offers. Returns the number removed.
func (o *OfferStore) Sweep() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.now()
	removed := 0
	for callee, p := range o.offers {
		if now.After(p.ExpiresAt) {
			delete(o.offers, callee)
			removed++
		}
	}
	return removed
}

// Run sweeps periodically until stop closes.
func (o *OfferStore) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if n := o.Sweep(); n > 0 {
				logrus.WithField("expired", n).Debug("Swept pending call offers")
			}
		}
	}
}
