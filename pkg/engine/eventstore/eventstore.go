// Package eventstore keeps the session-lifetime audit journal of applied
// order transitions and the record of orphan venue events.
package eventstore

import (
	"github.com/quantrail/brokerd/pkg/engine/model"
	"github.com/quantrail/brokerd/pkg/venue"
)

// EventStore records applied transitions and orphan venue events.
type EventStore interface {
	// Append records one journal entry for an applied transition.
	Append(ev *model.OrderEvent)

	// Events returns the journal entries for one order, oldest first.
	Events(orderID string) []*model.OrderEvent

	// RecordOrphan keeps an event whose venue order id resolved to nothing,
	// and marks its venue/symbol dirty for full-snapshot reconciliation.
	RecordOrphan(ev venue.Event)

	// Orphans returns the retained orphan events, oldest first.
	Orphans() []venue.Event

	// DirtyVenueSymbols reports which symbols of a venue have seen orphan
	// events since the last ClearDirty. An orphan without a symbol dirties
	// the whole venue, reported as the empty-string key.
	DirtyVenueSymbols(venueName string) map[string]bool

	// ClearDirty resets the dirty marks for a venue after a full-snapshot
	// refresh has absorbed them.
	ClearDirty(venueName string)
}
