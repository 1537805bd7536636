// Package sse implements the event stream bridge: one instance per open
// client connection, subscribed to the pub/sub bus on that client's behalf
// and forwarding only the messages that concern its party as SSE frames.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/iliyamo/waitlist-coordinator/internal/logging"
	"github.com/iliyamo/waitlist-coordinator/internal/model"
	"github.com/iliyamo/waitlist-coordinator/internal/pubsub"
	"github.com/iliyamo/waitlist-coordinator/internal/service"
)

// Status values carried in the "status" field of every SSE frame.
// StatusUnqueuedClient is part of the wire vocabulary clients accept but is
// not emitted by the bridge; a client absent from a queue-positions snapshot
// is logged and ignored instead.
const (
	StatusCanDequeue           = "CAN_DEQUEUE"
	StatusQueuePositionUpdate  = "QUEUE_POSITION_UPDATE"
	StatusUnqueuedClient       = "UNQUEUED_CLIENT"
	StatusCheckinWindowExpired = "CHECKIN_WINDOW_EXPIRED"
)

// CacheReader is the command-side pub/sub handle the bridge uses for its
// initial catch-up read.  It is satisfied by *pubsub.Bus.
type CacheReader interface {
	CacheGet(ctx context.Context, key string) ([]byte, bool, error)
}

// Subscriber hands out subscriber-side connections.  It is satisfied by
// *pubsub.Bus; the two interfaces are kept separate because commands must
// never be issued on a subscribed connection.
type Subscriber interface {
	Subscribe(ctx context.Context, channels ...string) pubsub.Subscription
}

type canDequeueFrame struct {
	Status               string `json:"status"`
	CheckingInExpiration string `json:"checkingInExpiration"`
}

type positionFrame struct {
	Status   string `json:"status"`
	Position int    `json:"position"`
}

type statusFrame struct {
	Status string `json:"status"`
}

// Bridge fans pub/sub traffic out to one connected client.  A fresh Bridge
// is built per request; it holds no state beyond its collaborators.
type Bridge struct {
	Commands CacheReader
	Subs     Subscriber
	Log      *logging.Logger
}

// NewBridge wires a Bridge from its two pub/sub handles.
func NewBridge(commands CacheReader, subs Subscriber) *Bridge {
	return &Bridge{Commands: commands, Subs: subs, Log: logging.New("sse-bridge")}
}

// Serve streams events for party until the client disconnects (ctx is
// cancelled), a terminal event is delivered, or the subscriber connection
// drops.  The subscriber handle is released on every exit path.
func (b *Bridge) Serve(ctx context.Context, w http.ResponseWriter, party *model.Party) error {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sub := b.Subs.Subscribe(ctx, pubsub.ChannelDequeued, pubsub.ChannelCheckingInExpired, pubsub.ChannelQueuePositions)
	defer func() { _ = sub.Close() }()

	pid := party.PartyID

	// Initial catch-up: a party already in its grace window gets its
	// admission frame immediately, since the broadcast that announced it
	// predates this connection.  Everyone else gets the latest cached
	// queue-positions snapshot, if one exists.
	if party.Status == model.StatusCheckingIn && party.CheckinExpiration != nil {
		if err := writeFrame(w, canDequeueFrame{
			Status:               StatusCanDequeue,
			CheckingInExpiration: party.CheckinExpiration.Format(timeFormat),
		}); err != nil {
			return err
		}
		if err := sub.Unsubscribe(ctx, pubsub.ChannelDequeued, pubsub.ChannelQueuePositions); err != nil {
			b.Log.Warn("unsubscribe after catch-up failed for party %s: %v", pid, err)
		}
	} else {
		payload, ok, err := b.Commands.CacheGet(ctx, pubsub.CacheKeyQueuePositions)
		if err != nil {
			b.Log.Warn("queue-positions cache read failed for party %s: %v", pid, err)
		} else if ok {
			if err := b.emitPosition(w, pid, payload); err != nil {
				return err
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.Channel():
			if !ok {
				return nil
			}
			switch msg.Channel {
			case pubsub.ChannelDequeued:
				var m service.DequeueMessage
				if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
					b.Log.Warn("bad dequeue message: %v", err)
					continue
				}
				if !contains(m.PartyIDs, pid) {
					continue
				}
				if err := writeFrame(w, canDequeueFrame{
					Status:               StatusCanDequeue,
					CheckingInExpiration: m.CheckingInExpiration.Format(timeFormat),
				}); err != nil {
					return err
				}
				if err := sub.Unsubscribe(ctx, pubsub.ChannelDequeued, pubsub.ChannelQueuePositions); err != nil {
					b.Log.Warn("unsubscribe after admission failed for party %s: %v", pid, err)
				}

			case pubsub.ChannelQueuePositions:
				if err := b.emitPosition(w, pid, []byte(msg.Payload)); err != nil {
					return err
				}

			case pubsub.ChannelCheckingInExpired:
				var m service.CheckinExpiredMessage
				if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
					b.Log.Warn("bad checkin-expired message: %v", err)
					continue
				}
				if !contains(m.PartyIDs, pid) {
					continue
				}
				if err := writeFrame(w, statusFrame{Status: StatusCheckinWindowExpired}); err != nil {
					return err
				}
				return nil
			}
		}
	}
}

// emitPosition decodes a queue-positions snapshot and writes the client's
// row, if the client appears in it.
func (b *Bridge) emitPosition(w http.ResponseWriter, pid string, payload []byte) error {
	var m service.QueuePositionsMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		b.Log.Warn("bad queue-positions message: %v", err)
		return nil
	}
	for _, p := range m.QueuedParties {
		if p.PartyID == pid {
			return writeFrame(w, positionFrame{Status: StatusQueuePositionUpdate, Position: p.Row})
		}
	}
	b.Log.Info("party %s absent from queue-positions snapshot; ignoring", pid)
	return nil
}

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// writeFrame emits one SSE frame, "data: <json>" followed by a blank line,
// and flushes so the client sees it immediately.
func writeFrame(w http.ResponseWriter, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

func contains(ids []string, pid string) bool {
	for _, id := range ids {
		if id == pid {
			return true
		}
	}
	return false
}
