package model

import "time"

// Status values a Party may hold.  Transitions are queued -> checking-in,
// checking-in -> seated, and any state -> deleted.  These are the only
// admission-control states; there is no "cancelled" or "no-show" status
// distinct from deletion.
const (
	StatusQueued     = "queued"
	StatusCheckingIn = "checking-in"
	StatusSeated     = "seated"
)

// Party is the single persistent entity in the waitlist.  It corresponds to
// a row in the parties table.
//
// Fields:
//
//	ID                 – opaque internal primary key (UUID).
//	PartyID            – short external identifier, 10 URL-safe characters.
//	Name               – 1..MAX_PARTY_NAME_LENGTH printable characters.
//	Size               – party size in [1, MAX_SEATS]; never mutated after insert.
//	QueuedAt           – insertion moment; used as the primary queue-order key.
//	Status             – one of StatusQueued, StatusCheckingIn, StatusSeated.
//	CheckinExpiration  – non-nil only while Status == StatusCheckingIn.
//	SeatExpiration     – non-nil only while Status == StatusSeated.
type Party struct {
	ID                string     // parties.id, a UUID string
	PartyID           string     // parties.party_id
	Name              string     // parties.name
	Size              int        // parties.size
	QueuedAt          time.Time  // parties.queued_at
	Status            string     // parties.status
	CheckinExpiration *time.Time // parties.checkin_expiration (nullable)
	SeatExpiration    *time.Time // parties.seat_expiration (nullable)
}

// QueuePosition pairs a party's external identifier with its 1-based row
// number under the canonical queue ordering (queued_at, party_id ascending).
type QueuePosition struct {
	PartyID string `json:"partyID"`
	Row     int    `json:"row"`
}
