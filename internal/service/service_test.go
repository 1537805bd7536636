package service

import (
	"context"
	"encoding/json"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/iliyamo/waitlist-coordinator/internal/clock"
	"github.com/iliyamo/waitlist-coordinator/internal/jobbus"
	"github.com/iliyamo/waitlist-coordinator/internal/model"
	"github.com/iliyamo/waitlist-coordinator/internal/pubsub"
)

var t0 = time.Date(2024, 6, 1, 18, 0, 0, 0, time.UTC)

// memStore is an in-memory PartyStore with the same semantics as the SQL
// store, so the end-to-end scenarios run against real admission arithmetic
// without a database.
type memStore struct {
	mu       sync.Mutex
	clk      *clock.Fake
	maxSeats int

	checkinExpirySeconds int

	parties []*model.Party
}

func newMemStore(clk *clock.Fake) *memStore {
	return &memStore{clk: clk, maxSeats: 10, checkinExpirySeconds: 60}
}

func (m *memStore) add(p model.Party) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := p
	m.parties = append(m.parties, &cp)
}

func (m *memStore) get(pid string) *model.Party {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.parties {
		if p.PartyID == pid {
			return p
		}
	}
	return nil
}

func (m *memStore) queuedInOrder() []*model.Party {
	queued := make([]*model.Party, 0)
	for _, p := range m.parties {
		if p.Status == model.StatusQueued {
			queued = append(queued, p)
		}
	}
	sort.Slice(queued, func(i, j int) bool {
		if !queued[i].QueuedAt.Equal(queued[j].QueuedAt) {
			return queued[i].QueuedAt.Before(queued[j].QueuedAt)
		}
		return queued[i].PartyID < queued[j].PartyID
	})
	return queued
}

func (m *memStore) AvailableSeats(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clk.Now()
	occupied := 0
	for _, p := range m.parties {
		switch {
		case p.Status == model.StatusSeated && p.SeatExpiration != nil && p.SeatExpiration.After(now):
			occupied += p.Size
		case p.Status == model.StatusCheckingIn:
			occupied += p.Size
		}
	}
	available := m.maxSeats - occupied
	if available < 0 {
		available = 0
	}
	return available, nil
}

func (m *memStore) CurrentQueuePositions(ctx context.Context) ([]model.QueuePosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	positions := make([]model.QueuePosition, 0)
	for i, p := range m.queuedInOrder() {
		positions = append(positions, model.QueuePosition{PartyID: p.PartyID, Row: i + 1})
	}
	return positions, nil
}

func (m *memStore) PartiesToDequeue(ctx context.Context, available int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0)
	total := 0
	for _, p := range m.queuedInOrder() {
		total += p.Size
		if total > available {
			break
		}
		ids = append(ids, p.PartyID)
	}
	return ids, nil
}

func (m *memStore) SetCheckingIn(ctx context.Context, partyIDs []string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(partyIDs) == 0 {
		return time.Time{}, nil
	}
	exp := m.clk.Now().Add(time.Duration(m.checkinExpirySeconds) * time.Second)
	matched := false
	for _, pid := range partyIDs {
		for _, p := range m.parties {
			if p.PartyID == pid {
				e := exp
				p.Status = model.StatusCheckingIn
				p.CheckinExpiration = &e
				matched = true
			}
		}
	}
	if !matched {
		return time.Time{}, nil
	}
	return exp, nil
}

func (m *memStore) DeleteCheckinExpired(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clk.Now()
	ids := make([]string, 0)
	kept := m.parties[:0]
	for _, p := range m.parties {
		if p.Status == model.StatusCheckingIn && p.CheckinExpiration != nil && p.CheckinExpiration.Before(now) {
			ids = append(ids, p.PartyID)
			continue
		}
		kept = append(kept, p)
	}
	m.parties = kept
	return ids, nil
}

func (m *memStore) RemoveExpiredSeats(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clk.Now()
	ids := make([]string, 0)
	kept := m.parties[:0]
	for _, p := range m.parties {
		if p.Status == model.StatusSeated && p.SeatExpiration != nil && p.SeatExpiration.Before(now) {
			ids = append(ids, p.PartyID)
			continue
		}
		kept = append(kept, p)
	}
	m.parties = kept
	return ids, nil
}

type enqueuedJob struct {
	Queue string
	Delay time.Duration
}

type fakeJobs struct {
	mu   sync.Mutex
	jobs []enqueuedJob
}

func (f *fakeJobs) Enqueue(ctx context.Context, queue string, payload []byte, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, enqueuedJob{Queue: queue, Delay: delay})
	return nil
}

func (f *fakeJobs) byQueue(queue string) []enqueuedJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]enqueuedJob, 0)
	for _, j := range f.jobs {
		if j.Queue == queue {
			out = append(out, j)
		}
	}
	return out
}

type published struct {
	Channel string
	Payload []byte
}

type fakePub struct {
	mu       sync.Mutex
	messages []published
	cache    map[string][]byte
}

func newFakePub() *fakePub {
	return &fakePub{cache: map[string][]byte{}}
}

func (f *fakePub) Publish(ctx context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, published{Channel: channel, Payload: payload})
	return nil
}

func (f *fakePub) CacheSet(ctx context.Context, key string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cache[key] = payload
	return nil
}

func (f *fakePub) onChannel(channel string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]published, 0)
	for _, m := range f.messages {
		if m.Channel == channel {
			out = append(out, m)
		}
	}
	return out
}

func queuedParty(pid string, size int, at time.Time) model.Party {
	return model.Party{ID: "id-" + pid, PartyID: pid, Name: pid, Size: size, QueuedAt: at, Status: model.StatusQueued}
}

func fixture(t *testing.T) (*memStore, *fakeJobs, *fakePub, *clock.Fake, *DequeueService) {
	t.Helper()
	clk := clock.NewFake(t0)
	store := newMemStore(clk)
	jobs := &fakeJobs{}
	pub := newFakePub()
	return store, jobs, pub, clk, NewDequeueService(store, jobs, pub, nil, clk)
}

func TestDequeueSingleAdmit(t *testing.T) {
	store, jobs, pub, _, dequeue := fixture(t)
	store.add(queuedParty("A", 2, t0))

	if err := dequeue.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := store.get("A").Status; got != model.StatusCheckingIn {
		t.Fatalf("expected A checking-in, got %q", got)
	}

	msgs := pub.onChannel(pubsub.ChannelDequeued)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 dequeue broadcast, got %d", len(msgs))
	}
	var dm DequeueMessage
	if err := json.Unmarshal(msgs[0].Payload, &dm); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(dm.PartyIDs, []string{"A"}) {
		t.Fatalf("unexpected admitted ids: %v", dm.PartyIDs)
	}
	if want := t0.Add(60 * time.Second); !dm.CheckingInExpiration.Equal(want) {
		t.Fatalf("expected expiration %v, got %v", want, dm.CheckingInExpiration)
	}

	qmsgs := pub.onChannel(pubsub.ChannelQueuePositions)
	if len(qmsgs) != 1 {
		t.Fatalf("expected 1 queue-positions broadcast, got %d", len(qmsgs))
	}
	var qm QueuePositionsMessage
	if err := json.Unmarshal(qmsgs[0].Payload, &qm); err != nil {
		t.Fatal(err)
	}
	if len(qm.QueuedParties) != 0 {
		t.Fatalf("expected empty queue, got %v", qm.QueuedParties)
	}

	expiry := jobs.byQueue(jobbus.QueueCheckinExpired)
	if len(expiry) != 1 {
		t.Fatalf("expected 1 checkin-expired job, got %d", len(expiry))
	}
	if expiry[0].Delay != 60*time.Second {
		t.Fatalf("expected ~60s delay, got %v", expiry[0].Delay)
	}
}

func TestDequeuePartialAdmitFIFOBound(t *testing.T) {
	store, _, pub, _, dequeue := fixture(t)
	store.add(queuedParty("P1", 8, t0))
	store.add(queuedParty("P2", 2, t0.Add(time.Second)))
	store.add(queuedParty("P3", 2, t0.Add(2*time.Second)))

	if err := dequeue.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var dm DequeueMessage
	msgs := pub.onChannel(pubsub.ChannelDequeued)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 dequeue broadcast, got %d", len(msgs))
	}
	if err := json.Unmarshal(msgs[0].Payload, &dm); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(dm.PartyIDs, []string{"P1", "P2"}) {
		t.Fatalf("expected P1+P2 admitted, got %v", dm.PartyIDs)
	}
	if got := store.get("P3").Status; got != model.StatusQueued {
		t.Fatalf("expected P3 still queued, got %q", got)
	}
}

func TestDequeueHeadOfQueueBlocks(t *testing.T) {
	// Available is 1; the head party of 2 does not fit, and the size-1
	// party behind it must not be admitted over its head.
	store, jobs, pub, _, dequeue := fixture(t)
	seatExp := t0.Add(time.Hour)
	store.add(model.Party{ID: "id-S", PartyID: "S", Name: "S", Size: 9, QueuedAt: t0.Add(-time.Minute), Status: model.StatusSeated, SeatExpiration: &seatExp})
	store.add(queuedParty("P1", 2, t0))
	store.add(queuedParty("P2", 1, t0.Add(time.Second)))

	if err := dequeue.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if msgs := pub.onChannel(pubsub.ChannelDequeued); len(msgs) != 0 {
		t.Fatalf("expected dequeue channel silent, got %d messages", len(msgs))
	}
	if got := store.get("P2").Status; got != model.StatusQueued {
		t.Fatalf("expected P2 still queued, got %q", got)
	}
	if got := jobs.byQueue(jobbus.QueueCheckinExpired); len(got) != 0 {
		t.Fatalf("expected no expiry job, got %d", len(got))
	}
}

func TestDequeueNoCapacity(t *testing.T) {
	store, _, pub, _, dequeue := fixture(t)
	seatExp := t0.Add(time.Hour)
	store.add(model.Party{ID: "id-S", PartyID: "S", Name: "S", Size: 10, QueuedAt: t0.Add(-time.Minute), Status: model.StatusSeated, SeatExpiration: &seatExp})
	store.add(queuedParty("Q", 1, t0))

	if err := dequeue.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if msgs := pub.onChannel(pubsub.ChannelDequeued); len(msgs) != 0 {
		t.Fatalf("expected dequeue channel silent, got %d messages", len(msgs))
	}

	qmsgs := pub.onChannel(pubsub.ChannelQueuePositions)
	if len(qmsgs) != 1 {
		t.Fatalf("expected 1 queue-positions broadcast, got %d", len(qmsgs))
	}
	var qm QueuePositionsMessage
	if err := json.Unmarshal(qmsgs[0].Payload, &qm); err != nil {
		t.Fatal(err)
	}
	want := []QueuedPartyPosition{{PartyID: "Q", Row: 1}}
	if !reflect.DeepEqual(qm.QueuedParties, want) {
		t.Fatalf("expected %v, got %v", want, qm.QueuedParties)
	}
	if got := store.get("Q").Status; got != model.StatusQueued {
		t.Fatalf("expected Q still queued, got %q", got)
	}
}

func TestDequeueSecondRunIsIdempotent(t *testing.T) {
	store, _, pub, _, dequeue := fixture(t)
	seatExp := t0.Add(time.Hour)
	store.add(model.Party{ID: "id-S", PartyID: "S", Name: "S", Size: 10, QueuedAt: t0.Add(-time.Minute), Status: model.StatusSeated, SeatExpiration: &seatExp})
	store.add(queuedParty("Q", 1, t0))

	if err := dequeue.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := dequeue.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	qmsgs := pub.onChannel(pubsub.ChannelQueuePositions)
	if len(qmsgs) != 2 {
		t.Fatalf("expected 2 queue-positions broadcasts, got %d", len(qmsgs))
	}
	if string(qmsgs[0].Payload) != string(qmsgs[1].Payload) {
		t.Fatalf("expected identical snapshots, got %s then %s", qmsgs[0].Payload, qmsgs[1].Payload)
	}
	if msgs := pub.onChannel(pubsub.ChannelDequeued); len(msgs) != 0 {
		t.Fatalf("expected no admissions, got %d", len(msgs))
	}
}

func TestDequeueCachesSnapshot(t *testing.T) {
	store, _, pub, _, dequeue := fixture(t)
	seatExp := t0.Add(time.Hour)
	store.add(model.Party{ID: "id-S", PartyID: "S", Name: "S", Size: 10, QueuedAt: t0.Add(-time.Minute), Status: model.StatusSeated, SeatExpiration: &seatExp})
	store.add(queuedParty("Q", 1, t0))

	if err := dequeue.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	cached, ok := pub.cache[pubsub.CacheKeyQueuePositions]
	if !ok {
		t.Fatal("expected cached snapshot")
	}
	qmsgs := pub.onChannel(pubsub.ChannelQueuePositions)
	if string(cached) != string(qmsgs[0].Payload) {
		t.Fatalf("cache and broadcast diverge: %s vs %s", cached, qmsgs[0].Payload)
	}
}

func TestCheckinExpiryPurgesAndRetriggers(t *testing.T) {
	store, jobs, pub, clk, dequeue := fixture(t)
	store.add(queuedParty("A", 2, t0))
	if err := dequeue.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	clk.Advance(61 * time.Second)
	expiry := NewCheckinExpiryService(store, jobs, pub, nil)
	if err := expiry.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if store.get("A") != nil {
		t.Fatal("expected A purged")
	}
	msgs := pub.onChannel(pubsub.ChannelCheckingInExpired)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 checkin-expired broadcast, got %d", len(msgs))
	}
	var cm CheckinExpiredMessage
	if err := json.Unmarshal(msgs[0].Payload, &cm); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(cm.PartyIDs, []string{"A"}) {
		t.Fatalf("unexpected purged ids: %v", cm.PartyIDs)
	}
	if got := jobs.byQueue(jobbus.QueueDequeue); len(got) != 1 {
		t.Fatalf("expected a dequeue job, got %d", len(got))
	}
}

func TestCheckinExpiryNothingDueIsNoOp(t *testing.T) {
	store, jobs, pub, _, _ := fixture(t)
	store.add(queuedParty("A", 2, t0))

	expiry := NewCheckinExpiryService(store, jobs, pub, nil)
	if err := expiry.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pub.messages) != 0 {
		t.Fatalf("expected no broadcasts, got %d", len(pub.messages))
	}
	if len(jobs.jobs) != 0 {
		t.Fatalf("expected no jobs, got %d", len(jobs.jobs))
	}
}

func TestSeatExpiryRemovesAndRetriggers(t *testing.T) {
	store, jobs, pub, clk, _ := fixture(t)
	seatExp := t0.Add(30 * time.Second)
	store.add(model.Party{ID: "id-A", PartyID: "A", Name: "A", Size: 2, QueuedAt: t0.Add(-time.Minute), Status: model.StatusSeated, SeatExpiration: &seatExp})

	clk.Advance(31 * time.Second)
	seat := NewSeatExpiryService(store, jobs, nil)
	if err := seat.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if store.get("A") != nil {
		t.Fatal("expected A removed")
	}
	if got := jobs.byQueue(jobbus.QueueDequeue); len(got) != 1 {
		t.Fatalf("expected a dequeue job, got %d", len(got))
	}
	if len(pub.messages) != 0 {
		t.Fatalf("expected no broadcasts from seat expiry, got %d", len(pub.messages))
	}
}

func TestLeaveQueueCascade(t *testing.T) {
	// P1 of 6 and P2 of 4 with 0 free seats after a full table: P1 leaves,
	// the next dequeue run admits P2.
	store, _, pub, _, dequeue := fixture(t)
	seatExp := t0.Add(time.Hour)
	store.add(model.Party{ID: "id-S", PartyID: "S", Name: "S", Size: 10, QueuedAt: t0.Add(-time.Minute), Status: model.StatusSeated, SeatExpiration: &seatExp})
	store.add(queuedParty("P1", 6, t0))
	store.add(queuedParty("P2", 4, t0.Add(time.Second)))

	if err := dequeue.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if msgs := pub.onChannel(pubsub.ChannelDequeued); len(msgs) != 0 {
		t.Fatalf("expected no admissions with a full table, got %d", len(msgs))
	}

	// The seated party leaves and P1 leaves; the API would enqueue a
	// dequeue job for each, and the worker runs the service again.
	store.mu.Lock()
	kept := store.parties[:0]
	for _, p := range store.parties {
		if p.PartyID != "S" && p.PartyID != "P1" {
			kept = append(kept, p)
		}
	}
	store.parties = kept
	store.mu.Unlock()

	if err := dequeue.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	msgs := pub.onChannel(pubsub.ChannelDequeued)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 admission broadcast, got %d", len(msgs))
	}
	var dm DequeueMessage
	if err := json.Unmarshal(msgs[0].Payload, &dm); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(dm.PartyIDs, []string{"P2"}) {
		t.Fatalf("expected P2 admitted, got %v", dm.PartyIDs)
	}
}
