// Package delivery defines the per-message delivery lifecycle and the
// single place where status transitions are validated. Both the
// reconciler and the outbound queue go through this package; nothing
// else mutates delivery state.
package delivery

import (
	"fmt"
	"slices"
)

// Status is the observable lifecycle stage of a message from the
// sender's perspective.
type Status string

const (
	Sending   Status = "sending"
	Sent      Status = "sent"
	Delivered Status = "delivered"
	Read      Status = "read"
	Failed    Status = "failed"
)

// SyncState tracks whether a local row matches the remote store.
type SyncState string

const (
	Pending    SyncState = "pending"
	Synced     SyncState = "synced"
	SyncFailed SyncState = "failed"
)

// rank orders the forward path sending → sent → delivered → read.
// Failed sits outside the forward path and is handled explicitly.
var rank = map[Status]int{
	Sending:   0,
	Sent:      1,
	Delivered: 2,
	Read:      3,
}

// validTransitions defines allowed status transitions.
// failed → sending exists only for the manual-retry path.
var validTransitions = map[Status][]Status{
	Sending:   {Sent, Failed},
	Sent:      {Delivered, Read},
	Delivered: {Read},
	Read:      {},
	Failed:    {Sending},
}

// Valid reports whether s is a known delivery status.
func Valid(s Status) bool {
	_, ok := rank[s]
	return ok || s == Failed
}

// CanTransition reports whether from → to is an allowed transition.
func CanTransition(from, to Status) bool {
	return slices.Contains(validTransitions[from], to)
}

// Transition validates from → to and returns the new status.
func Transition(from, to Status) (Status, error) {
	if !CanTransition(from, to) {
		return from, fmt.Errorf("invalid delivery transition from %s to %s", from, to)
	}
	return to, nil
}

// Merge resolves a locally known status against a status reported by a
// remote record. It is monotonic: a stale remote event can never move a
// message backward (a replayed "delivered" does not undo "read").
// Failed is local-only knowledge; a remote confirmation of any forward
// status overrides it, since the remote having the message means the
// send in fact succeeded.
func Merge(current, incoming Status) Status {
	ci, cok := rank[current]
	ii, iok := rank[incoming]
	switch {
	case !iok:
		// Incoming failed (or unknown): remote records never carry
		// failed, so keep what we know.
		return current
	case !cok:
		// Current is failed; remote confirmation wins.
		return incoming
	case ii > ci:
		return incoming
	default:
		return current
	}
}
