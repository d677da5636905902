// Package reliability classifies events by how much their loss would cost.
// Transports use the classification to decide whether a failed send is
// retried or dropped.
package reliability

import (
	"github.com/ahrav/issue-reindex/internal/domain/events"
	"github.com/ahrav/issue-reindex/internal/domain/reindex"
)

// IsCriticalEvent reports whether an event must not be lost.
//
// Critical events are not superseded by later messages: a lost replication
// request leaves a peer index stale, and a lost finish event leaves observers
// waiting on a task that already ended.
func IsCriticalEvent(eventType events.EventType) bool {
	switch eventType {
	case reindex.EventTypeProjectReindexReplicated,
		reindex.EventTypeProjectReindexFinished:
		return true

	case reindex.EventTypeProjectReindexStarted,
		reindex.EventTypeProjectReindexProgressed:
		return false

	default:
		return false
	}
}
