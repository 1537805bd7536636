package service

import (
	"context"

	"github.com/iliyamo/waitlist-coordinator/internal/jobbus"
	"github.com/iliyamo/waitlist-coordinator/internal/logging"
)

// SeatExpiryService removes seated parties whose service interval has
// elapsed and re-triggers a dequeue run.  No broadcast is made; seated
// clients' SSE streams have already closed on seating.
type SeatExpiryService struct {
	Store  PartyStore
	Jobs   JobEnqueuer
	Events EventRecorder
	Log    *logging.Logger
}

// NewSeatExpiryService wires a SeatExpiryService from its collaborators.
func NewSeatExpiryService(store PartyStore, jobs JobEnqueuer, events EventRecorder) *SeatExpiryService {
	return &SeatExpiryService{Store: store, Jobs: jobs, Events: events, Log: logging.New("seat-expiry-service")}
}

// Run executes one seat-expiry pass.
func (s *SeatExpiryService) Run(ctx context.Context) error {
	ids, err := s.Store.RemoveExpiredSeats(ctx)
	if err != nil {
		s.Log.Error("remove_expired_seats failed: %v", err)
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	if s.Events != nil {
		if err := s.Events.RecordMany(ctx, ids, "seat-expired"); err != nil {
			s.Log.Warn("audit record failed: %v", err)
		}
	}
	if err := s.Jobs.Enqueue(ctx, jobbus.QueueDequeue, nil, 0); err != nil {
		s.Log.Error("enqueue dequeue failed: %v", err)
		return err
	}
	return nil
}
