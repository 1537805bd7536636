package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/iliyamo/waitlist-coordinator/internal/clock"
	"github.com/iliyamo/waitlist-coordinator/internal/jobbus"
	"github.com/iliyamo/waitlist-coordinator/internal/logging"
	"github.com/iliyamo/waitlist-coordinator/internal/model"
	"github.com/iliyamo/waitlist-coordinator/internal/pubsub"
)

// PartyStore is the subset of the Party Store the admission-control
// services depend on.  It is satisfied by *repository.PartyRepo; tests
// satisfy it with an in-memory fake so scenario tests run without a live
// MySQL.
type PartyStore interface {
	AvailableSeats(ctx context.Context) (int, error)
	CurrentQueuePositions(ctx context.Context) ([]model.QueuePosition, error)
	PartiesToDequeue(ctx context.Context, available int) ([]string, error)
	SetCheckingIn(ctx context.Context, partyIDs []string) (time.Time, error)
	DeleteCheckinExpired(ctx context.Context) ([]string, error)
	RemoveExpiredSeats(ctx context.Context) ([]string, error)
}

// JobEnqueuer is the subset of the Job Bus the services depend on.  It is
// satisfied by *jobbus.Bus.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, queue string, payload []byte, delay time.Duration) error
}

// Publisher is the subset of the Pub/Sub Bus the services depend on.  It is
// satisfied by *pubsub.Bus.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	CacheSet(ctx context.Context, key string, payload []byte) error
}

// EventRecorder appends audit rows for status transitions.  It is satisfied
// by *repository.PartyEventRepo.  Losing an audit line is tolerable in a way
// losing a transition is not, so recording failures are logged and
// swallowed rather than aborting the run.
type EventRecorder interface {
	RecordMany(ctx context.Context, partyIDs []string, event string) error
}

// DequeueService runs admission passes.  It has no input of its own; the
// triggering job's payload is ignored, since every invocation re-derives
// everything it needs from the store.
type DequeueService struct {
	Store  PartyStore
	Jobs   JobEnqueuer
	PubSub Publisher
	Events EventRecorder
	Clk    clock.Clock
	Log    *logging.Logger
}

// NewDequeueService wires a DequeueService from its collaborators.
func NewDequeueService(store PartyStore, jobs JobEnqueuer, ps Publisher, events EventRecorder, clk clock.Clock) *DequeueService {
	return &DequeueService{Store: store, Jobs: jobs, PubSub: ps, Events: events, Clk: clk, Log: logging.New("dequeue-service")}
}

// Run executes one dequeue pass: admit as many head-of-queue parties as fit,
// schedule their check-in expiry, broadcast the admission and always refresh
// the queue-positions snapshot, whether or not anyone was admitted.
func (s *DequeueService) Run(ctx context.Context) error {
	available, err := s.Store.AvailableSeats(ctx)
	if err != nil {
		s.Log.Error("available_seats failed: %v", err)
		return err
	}

	if available > 0 {
		if err := s.admit(ctx, available); err != nil {
			return err
		}
	}

	return s.publishQueuePositions(ctx)
}

func (s *DequeueService) admit(ctx context.Context, available int) error {
	ids, err := s.Store.PartiesToDequeue(ctx, available)
	if err != nil {
		s.Log.Error("parties_to_dequeue failed: %v", err)
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	expiration, err := s.Store.SetCheckingIn(ctx, ids)
	if err != nil {
		s.Log.Error("set_checking_in failed: %v", err)
		return err
	}
	if expiration.IsZero() {
		// Every id we just selected was already mutated out from under us
		// (e.g. deleted between the two reads); nothing to schedule or
		// broadcast this run.
		return nil
	}

	if s.Events != nil {
		if err := s.Events.RecordMany(ctx, ids, "checking-in"); err != nil {
			s.Log.Warn("audit record failed: %v", err)
		}
	}

	delay := expiration.Sub(s.Clk.Now())
	if err := s.Jobs.Enqueue(ctx, jobbus.QueueCheckinExpired, nil, maxDuration(delay, 0)); err != nil {
		s.Log.Error("enqueue checkin-expired failed: %v", err)
		return err
	}

	payload, err := json.Marshal(DequeueMessage{PartyIDs: ids, CheckingInExpiration: expiration})
	if err != nil {
		return err
	}
	if err := s.PubSub.Publish(ctx, pubsub.ChannelDequeued, payload); err != nil {
		s.Log.Error("publish dequeue message failed: %v", err)
		return err
	}
	return nil
}

func (s *DequeueService) publishQueuePositions(ctx context.Context) error {
	positions, err := s.Store.CurrentQueuePositions(ctx)
	if err != nil {
		s.Log.Error("current_queue_positions failed: %v", err)
		return err
	}

	msg := QueuePositionsMessage{QueuedParties: make([]QueuedPartyPosition, len(positions))}
	for i, p := range positions {
		msg.QueuedParties[i] = QueuedPartyPosition{PartyID: p.PartyID, Row: p.Row}
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	if err := s.PubSub.CacheSet(ctx, pubsub.CacheKeyQueuePositions, payload); err != nil {
		s.Log.Error("cache queue-positions failed: %v", err)
		return err
	}
	if err := s.PubSub.Publish(ctx, pubsub.ChannelQueuePositions, payload); err != nil {
		s.Log.Error("publish queue-positions failed: %v", err)
		return err
	}
	return nil
}

func maxDuration(d, floor time.Duration) time.Duration {
	if d < floor {
		return floor
	}
	return d
}
