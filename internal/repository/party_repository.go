package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iliyamo/waitlist-coordinator/internal/clock"
	"github.com/iliyamo/waitlist-coordinator/internal/idgen"
	"github.com/iliyamo/waitlist-coordinator/internal/model"
)

// PartyRepo is the Party Store.  Create runs its insert and its ranking
// query in one explicit transaction (BeginTx at the call site, a committed
// flag, a deferred rollback); every other method issues its statements
// directly on the pool.  DeleteCheckinExpired and RemoveExpiredSeats select
// the matching ids and then delete with the same predicate as two separate
// statements, not inside one transaction.
//
// Not-found and the create, delete and check-in failures are reported as the
// typed sentinel errors from errors.go (wrapping the driver error where there
// is one), so services and handlers can branch on error kind instead of
// message text.  Failures of the read-side queries are returned as the
// driver's own errors.
//
// maxSeats, serviceTimeSeconds and checkinExpirySeconds are the venue-wide
// constants drawn from the environment; they are injected once at
// construction rather than re-read per call.
type PartyRepo struct {
	db  *sql.DB
	clk clock.Clock

	maxSeats             int
	serviceTimeSeconds   int
	checkinExpirySeconds int
}

// NewPartyRepo returns a PartyRepo bound to db, using clk as its sole source
// of "now".
func NewPartyRepo(db *sql.DB, clk clock.Clock, maxSeats, serviceTimeSeconds, checkinExpirySeconds int) *PartyRepo {
	return &PartyRepo{
		db:                   db,
		clk:                  clk,
		maxSeats:             maxSeats,
		serviceTimeSeconds:   serviceTimeSeconds,
		checkinExpirySeconds: checkinExpirySeconds,
	}
}

// DB exposes the underlying pool for callers that need to compose a party
// operation with another write in the same transaction.
func (r *PartyRepo) DB() *sql.DB { return r.db }

// GetByPartyID returns the party with the given external identifier, or
// ErrPartyNotFound when no such row exists.
func (r *PartyRepo) GetByPartyID(ctx context.Context, partyID string) (*model.Party, error) {
	const q = `SELECT id, party_id, name, size, queued_at, status, checkin_expiration, seat_expiration
	           FROM parties WHERE party_id = ?`
	p, err := scanParty(r.db.QueryRowContext(ctx, q, partyID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPartyNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Create inserts a new queued party and returns its freshly generated
// external identifier and its 1-based position among queued parties,
// computed in the same transaction as the insert.
func (r *PartyRepo) Create(ctx context.Context, name string, size int) (partyID string, position int, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrPartyCouldNotBeCreated, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	now := r.clk.Now()
	const insert = `INSERT INTO parties (id, party_id, name, size, queued_at, status) VALUES (?, ?, ?, ?, ?, ?)`

	const maxAttempts = 5
	for attempt := 0; attempt < maxAttempts; attempt++ {
		pid := ""
		pid, err = idgen.NewPartyID()
		if err != nil {
			return "", 0, fmt.Errorf("%w: %v", ErrPartyCouldNotBeCreated, err)
		}
		_, execErr := tx.ExecContext(ctx, insert, idgen.NewID(), pid, name, size, now, model.StatusQueued)
		if execErr == nil {
			partyID = pid
			err = nil
			break
		}
		if isDuplicateKeyErr(execErr) {
			err = execErr
			continue
		}
		return "", 0, fmt.Errorf("%w: %v", ErrPartyCouldNotBeCreated, execErr)
	}
	if partyID == "" {
		return "", 0, ErrPartyCouldNotBeCreated
	}

	const positionQ = `SELECT row_num FROM (
	    SELECT party_id, ROW_NUMBER() OVER (ORDER BY queued_at, party_id) AS row_num
	    FROM parties WHERE status = ?
	) ranked WHERE party_id = ?`
	if scanErr := tx.QueryRowContext(ctx, positionQ, model.StatusQueued, partyID).Scan(&position); scanErr != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrPartyCouldNotBeCreated, scanErr)
	}

	if err = tx.Commit(); err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrPartyCouldNotBeCreated, err)
	}
	committed = true
	return partyID, position, nil
}

// DeleteByPartyID removes the row with the given identifier.  It is
// idempotent per identifier: deleting a missing row returns ErrPartyNotFound,
// deleting an existing one returns nil.
func (r *PartyRepo) DeleteByPartyID(ctx context.Context, partyID string) error {
	const q = `DELETE FROM parties WHERE party_id = ?`
	res, err := r.db.ExecContext(ctx, q, partyID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPartyCouldNotBeDeleted, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPartyCouldNotBeDeleted, err)
	}
	if n == 0 {
		return ErrPartyNotFound
	}
	return nil
}

// AvailableSeats returns MAX_SEATS minus the occupied seat count: seated
// rows not yet expired, plus all checking-in rows (which hold their seats
// during the grace window).
func (r *PartyRepo) AvailableSeats(ctx context.Context) (int, error) {
	const q = `SELECT COALESCE(SUM(size), 0) FROM parties
	           WHERE (status = ? AND seat_expiration > ?) OR status = ?`
	var occupied int
	now := r.clk.Now()
	if err := r.db.QueryRowContext(ctx, q, model.StatusSeated, now, model.StatusCheckingIn).Scan(&occupied); err != nil {
		return 0, err
	}
	available := r.maxSeats - occupied
	if available < 0 {
		available = 0
	}
	return available, nil
}

// CurrentQueuePositions returns every queued party's row number under the
// canonical ordering (queued_at, party_id ascending).
func (r *PartyRepo) CurrentQueuePositions(ctx context.Context) ([]model.QueuePosition, error) {
	const q = `SELECT party_id, ROW_NUMBER() OVER (ORDER BY queued_at, party_id) AS row_num
	           FROM parties WHERE status = ? ORDER BY queued_at, party_id`
	rows, err := r.db.QueryContext(ctx, q, model.StatusQueued)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	positions := make([]model.QueuePosition, 0)
	for rows.Next() {
		var qp model.QueuePosition
		if err := rows.Scan(&qp.PartyID, &qp.Row); err != nil {
			return nil, err
		}
		positions = append(positions, qp)
	}
	return positions, rows.Err()
}

// PartiesToDequeue selects the longest FIFO prefix of the queue whose
// cumulative size is within available.  A running-sum window means a large
// head-of-queue party that does not fit blocks smaller parties behind it;
// the queue never skips.
func (r *PartyRepo) PartiesToDequeue(ctx context.Context, available int) ([]string, error) {
	if available <= 0 {
		return []string{}, nil
	}
	const q = `SELECT party_id FROM (
	    SELECT party_id, SUM(size) OVER (ORDER BY queued_at, party_id) AS running_total
	    FROM parties WHERE status = ?
	) ranked WHERE running_total <= ? ORDER BY running_total`
	rows, err := r.db.QueryContext(ctx, q, model.StatusQueued, available)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var pid string
		if err := rows.Scan(&pid); err != nil {
			return nil, err
		}
		ids = append(ids, pid)
	}
	return ids, rows.Err()
}

// SetCheckingIn atomically flips the given parties to checking-in and
// returns the shared expiration they were all given.  If none of the ids
// match an existing row, it returns a zero time and no error.
func (r *PartyRepo) SetCheckingIn(ctx context.Context, partyIDs []string) (time.Time, error) {
	if len(partyIDs) == 0 {
		return time.Time{}, nil
	}
	expiration := r.clk.Now().Add(time.Duration(r.checkinExpirySeconds) * time.Second)

	placeholders := make([]string, len(partyIDs))
	args := make([]any, 0, len(partyIDs)+2)
	args = append(args, model.StatusCheckingIn, expiration)
	for i, pid := range partyIDs {
		placeholders[i] = "?"
		args = append(args, pid)
	}
	q := `UPDATE parties SET status = ?, checkin_expiration = ? WHERE party_id IN (` +
		strings.Join(placeholders, ",") + `)`
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return time.Time{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return time.Time{}, err
	}
	if n == 0 {
		return time.Time{}, nil
	}
	return expiration, nil
}

// DeleteCheckinExpired removes checking-in rows whose grace window has
// elapsed and returns the identifiers removed.
func (r *PartyRepo) DeleteCheckinExpired(ctx context.Context) ([]string, error) {
	now := r.clk.Now()
	const selectQ = `SELECT party_id FROM parties WHERE status = ? AND checkin_expiration < ?`
	rows, err := r.db.QueryContext(ctx, selectQ, model.StatusCheckingIn, now)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0)
	for rows.Next() {
		var pid string
		if err := rows.Scan(&pid); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, pid)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()
	if len(ids) == 0 {
		return ids, nil
	}
	const delQ = `DELETE FROM parties WHERE status = ? AND checkin_expiration < ?`
	if _, err := r.db.ExecContext(ctx, delQ, model.StatusCheckingIn, now); err != nil {
		return nil, err
	}
	return ids, nil
}

// SetSeated transitions a party to seated and returns its seat expiration,
// but only if the row's current status is checking-in; otherwise it returns
// ErrPartyNotFound, guarding against early or late check-in attempts racing
// the check-in-expiry worker.
func (r *PartyRepo) SetSeated(ctx context.Context, partyID string, size int) (time.Time, error) {
	expiration := r.clk.Now().Add(time.Duration(r.serviceTimeSeconds*size) * time.Second)
	const q = `UPDATE parties SET status = ?, seat_expiration = ?, checkin_expiration = NULL
	           WHERE party_id = ? AND status = ?`
	res, err := r.db.ExecContext(ctx, q, model.StatusSeated, expiration, partyID, model.StatusCheckingIn)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrPartyCouldNotCheckIn, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrPartyCouldNotCheckIn, err)
	}
	if n == 0 {
		return time.Time{}, ErrPartyNotFound
	}
	return expiration, nil
}

// RemoveExpiredSeats deletes seated rows whose service interval has elapsed
// and returns the identifiers removed.
func (r *PartyRepo) RemoveExpiredSeats(ctx context.Context) ([]string, error) {
	now := r.clk.Now()
	const selectQ = `SELECT party_id FROM parties WHERE status = ? AND seat_expiration < ?`
	rows, err := r.db.QueryContext(ctx, selectQ, model.StatusSeated, now)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0)
	for rows.Next() {
		var pid string
		if err := rows.Scan(&pid); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, pid)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()
	if len(ids) == 0 {
		return ids, nil
	}
	const delQ = `DELETE FROM parties WHERE status = ? AND seat_expiration < ?`
	if _, err := r.db.ExecContext(ctx, delQ, model.StatusSeated, now); err != nil {
		return nil, err
	}
	return ids, nil
}

// ListAll returns every party, optionally filtered by status.  Read-only;
// used by the test suite and kept for a future operator status surface.
func (r *PartyRepo) ListAll(ctx context.Context, status string) ([]model.Party, error) {
	q := `SELECT id, party_id, name, size, queued_at, status, checkin_expiration, seat_expiration FROM parties`
	args := []any{}
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY queued_at, party_id`
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	parties := make([]model.Party, 0)
	for rows.Next() {
		p, err := scanPartyRows(rows)
		if err != nil {
			return nil, err
		}
		parties = append(parties, *p)
	}
	return parties, rows.Err()
}

// rowScanner abstracts over *sql.Row and *sql.Rows so scanParty can be
// shared by single-row and multi-row callers.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanParty(rs rowScanner) (*model.Party, error) {
	var p model.Party
	var checkinExp, seatExp sql.NullTime
	if err := rs.Scan(&p.ID, &p.PartyID, &p.Name, &p.Size, &p.QueuedAt, &p.Status, &checkinExp, &seatExp); err != nil {
		return nil, err
	}
	if checkinExp.Valid {
		p.CheckinExpiration = &checkinExp.Time
	}
	if seatExp.Valid {
		p.SeatExpiration = &seatExp.Time
	}
	return &p, nil
}

func scanPartyRows(rows *sql.Rows) (*model.Party, error) {
	return scanParty(rows)
}

// isDuplicateKeyErr reports whether err looks like a MySQL unique-constraint
// violation on party_id, the only case Create retries with a fresh id.
func isDuplicateKeyErr(err error) bool {
	return strings.Contains(err.Error(), "Duplicate entry")
}
