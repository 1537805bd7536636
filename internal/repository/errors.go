// Package repository defines error types that are reused across the party
// store and its callers.  These sentinel values let higher layers (services,
// workers, API handlers) distinguish failure scenarios by kind rather than
// by message text.
package repository

import "errors"

// ErrPartyNotFound is returned when an operation addresses a party_id that
// does not exist (or no longer does).  It is the one error kind that also
// mutates client state at the handler layer: receiving it clears the
// caller's session so the client can recover by rejoining.
var ErrPartyNotFound = errors.New("party not found")

// ErrPartyCouldNotBeCreated wraps unexpected failures from create().
var ErrPartyCouldNotBeCreated = errors.New("party could not be created")

// ErrPartyCouldNotBeDeleted wraps unexpected failures from delete_by_party_id().
var ErrPartyCouldNotBeDeleted = errors.New("party could not be deleted")

// ErrPartyCouldNotCheckIn wraps unexpected failures from set_seated() that
// are not the NOT_FOUND precondition failure (which is reported as
// ErrPartyNotFound so the check-in race with the expiry worker resolves the
// same way a missing party would).
var ErrPartyCouldNotCheckIn = errors.New("party could not check in")

// ErrPartyCouldNotSetSeated names the set_seated error kind but is not
// returned by PartyRepo: SetSeated reports a failed checking-in precondition
// as ErrPartyNotFound and a failed update as ErrPartyCouldNotCheckIn.
var ErrPartyCouldNotSetSeated = errors.New("party could not be set seated")
