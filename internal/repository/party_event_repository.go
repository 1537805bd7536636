package repository

import (
	"context"
	"database/sql"

	"github.com/iliyamo/waitlist-coordinator/internal/clock"
)

// PartyEventRepo appends an operational audit trail of status transitions
// and deletions, giving operators a record of what happened to a party
// without changing admission semantics.
type PartyEventRepo struct {
	db  *sql.DB
	clk clock.Clock
}

// NewPartyEventRepo returns a PartyEventRepo bound to db.
func NewPartyEventRepo(db *sql.DB, clk clock.Clock) *PartyEventRepo {
	return &PartyEventRepo{db: db, clk: clk}
}

// Record appends one event row for partyID.  Event is a short verb such as
// "queued", "checking-in", "seated", "checkin-expired", "seat-expired" or
// "left".  Record never participates in the caller's transaction; losing an
// audit line is not a correctness concern the way losing a status transition
// would be, so it is fired with its own short-lived statement after the
// owning transaction commits.
func (r *PartyEventRepo) Record(ctx context.Context, partyID, event string) error {
	const q = `INSERT INTO party_events (party_id, event, at) VALUES (?, ?, ?)`
	_, err := r.db.ExecContext(ctx, q, partyID, event, r.clk.Now())
	return err
}

// RecordMany appends one row per partyID, all tagged with the same event.
func (r *PartyEventRepo) RecordMany(ctx context.Context, partyIDs []string, event string) error {
	for _, pid := range partyIDs {
		if err := r.Record(ctx, pid, event); err != nil {
			return err
		}
	}
	return nil
}
