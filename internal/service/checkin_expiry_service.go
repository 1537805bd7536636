package service

import (
	"context"
	"encoding/json"

	"github.com/iliyamo/waitlist-coordinator/internal/jobbus"
	"github.com/iliyamo/waitlist-coordinator/internal/logging"
	"github.com/iliyamo/waitlist-coordinator/internal/pubsub"
)

// CheckinExpiryService purges checking-in parties whose grace window has
// elapsed, broadcasts the purge, and re-triggers a dequeue run since
// capacity just freed up.
type CheckinExpiryService struct {
	Store  PartyStore
	Jobs   JobEnqueuer
	PubSub Publisher
	Events EventRecorder
	Log    *logging.Logger
}

// NewCheckinExpiryService wires a CheckinExpiryService from its collaborators.
func NewCheckinExpiryService(store PartyStore, jobs JobEnqueuer, ps Publisher, events EventRecorder) *CheckinExpiryService {
	return &CheckinExpiryService{Store: store, Jobs: jobs, PubSub: ps, Events: events, Log: logging.New("checkin-expiry-service")}
}

// Run executes one check-in-expiry pass.  An empty result is a no-op: no
// broadcast, no new job.
func (s *CheckinExpiryService) Run(ctx context.Context) error {
	ids, err := s.Store.DeleteCheckinExpired(ctx)
	if err != nil {
		s.Log.Error("delete_checkin_expired failed: %v", err)
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	if s.Events != nil {
		if err := s.Events.RecordMany(ctx, ids, "checkin-expired"); err != nil {
			s.Log.Warn("audit record failed: %v", err)
		}
	}

	payload, err := json.Marshal(CheckinExpiredMessage{PartyIDs: ids})
	if err != nil {
		return err
	}
	if err := s.PubSub.Publish(ctx, pubsub.ChannelCheckingInExpired, payload); err != nil {
		s.Log.Error("publish checkin-expired message failed: %v", err)
		return err
	}
	if err := s.Jobs.Enqueue(ctx, jobbus.QueueDequeue, nil, 0); err != nil {
		s.Log.Error("enqueue dequeue failed: %v", err)
		return err
	}
	return nil
}
