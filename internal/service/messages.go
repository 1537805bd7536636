// Package service implements the admission-control state machine: the
// dequeue service, the check-in expiry service and the seat expiry service.
// Each service is a small struct wrapping the Party Store, the Job Bus and
// the Pub/Sub Bus as collaborators; publishes always happen after the store
// step that precedes them, so a failed run never broadcasts state it did
// not commit.
package service

import "time"

// DequeueMessage is published on the dequeued-channel after a dequeue run
// admits one or more parties.  Its JSON shape is the wire contract the
// event stream bridge decodes.
type DequeueMessage struct {
	PartyIDs             []string  `json:"partyIDs"`
	CheckingInExpiration time.Time `json:"checkingInExpiration"`
}

// QueuePositionsMessage is published on the queue-positions-channel after
// every dequeue run, win or no-op, and is also the shape cached under
// pubsub.CacheKeyQueuePositions.
type QueuePositionsMessage struct {
	QueuedParties []QueuedPartyPosition `json:"queuedParties"`
}

// QueuedPartyPosition pairs an external party identifier with its 1-based
// queue row.
type QueuedPartyPosition struct {
	PartyID string `json:"partyID"`
	Row     int    `json:"row"`
}

// CheckinExpiredMessage is published on the checking-in-expired-channel
// after the check-in expiry service purges overdue parties.
type CheckinExpiredMessage struct {
	PartyIDs []string `json:"partyIDs"`
}
