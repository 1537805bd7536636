package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/waitlist-coordinator/internal/clock"
	"github.com/iliyamo/waitlist-coordinator/internal/jobbus"
	"github.com/iliyamo/waitlist-coordinator/internal/logging"
	"github.com/iliyamo/waitlist-coordinator/internal/model"
	"github.com/iliyamo/waitlist-coordinator/internal/repository"
	"github.com/iliyamo/waitlist-coordinator/internal/session"
)

// PartyStore is the store subset the party handlers need.  It is satisfied
// by *repository.PartyRepo and by the in-memory fake the handler tests use.
type PartyStore interface {
	GetByPartyID(ctx context.Context, partyID string) (*model.Party, error)
	Create(ctx context.Context, name string, size int) (partyID string, position int, err error)
	DeleteByPartyID(ctx context.Context, partyID string) error
	SetSeated(ctx context.Context, partyID string, size int) (time.Time, error)
}

// JobEnqueuer is satisfied by *jobbus.Bus.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, queue string, payload []byte, delay time.Duration) error
}

// EventRecorder is satisfied by *repository.PartyEventRepo.
type EventRecorder interface {
	Record(ctx context.Context, partyID, event string) error
}

// Sessions is the cookie-session surface the handlers drive.  It is
// satisfied by *session.Manager.
type Sessions interface {
	Load(c echo.Context) (*session.Data, string, error)
	Save(c echo.Context, sid string, data *session.Data) (string, error)
	Clear(ctx context.Context, c echo.Context, sid string) error
}

// EventStreamer is satisfied by *sse.Bridge.
type EventStreamer interface {
	Serve(ctx context.Context, w http.ResponseWriter, party *model.Party) error
}

// PartyHandler implements the session-bound party API: join the waitlist,
// observe status, check in, leave, and stream admission events.
type PartyHandler struct {
	Store    PartyStore
	Jobs     JobEnqueuer
	Events   EventRecorder
	Sessions Sessions
	Stream   EventStreamer
	Clk      clock.Clock

	MaxSeats           int
	MaxPartyNameLength int

	Log *logging.Logger
}

// NewPartyHandler constructs a PartyHandler.  All dependencies except
// Events must be non-nil.
func NewPartyHandler(store PartyStore, jobs JobEnqueuer, events EventRecorder, sessions Sessions, stream EventStreamer, clk clock.Clock, maxSeats, maxPartyNameLength int) *PartyHandler {
	if store == nil || jobs == nil || sessions == nil || stream == nil || clk == nil {
		panic("nil dependency passed to NewPartyHandler")
	}
	return &PartyHandler{
		Store:              store,
		Jobs:               jobs,
		Events:             events,
		Sessions:           sessions,
		Stream:             stream,
		Clk:                clk,
		MaxSeats:           maxSeats,
		MaxPartyNameLength: maxPartyNameLength,
		Log:                logging.New("party-handler"),
	}
}

// Root handles GET / by redirecting to the join form.
func (h *PartyHandler) Root(c echo.Context) error {
	return c.Redirect(http.StatusFound, "/party/new")
}

// NewPartyForm handles GET /party/new, serving the join form.
func (h *PartyHandler) NewPartyForm(c echo.Context) error {
	return c.HTML(http.StatusOK, renderNewPartyPage(h.MaxSeats, h.MaxPartyNameLength))
}

// CreateParty handles POST /party.  It validates the submitted name and
// size, inserts the party as queued, seeds the session, and triggers a
// dequeue run so a party joining an under-capacity venue is admitted
// without waiting for some other event to fire.
func (h *PartyHandler) CreateParty(c echo.Context) error {
	data, sid, err := h.loadSession(c)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "session error"})
	}
	if data.PartyID != "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "a party is already registered for this session"})
	}

	var body struct {
		Name string `json:"name" form:"name"`
		Size int    `json:"size" form:"size"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	name := strings.TrimSpace(body.Name)
	if !validPartyName(name, h.MaxPartyNameLength) {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "name must be 1-" + strconv.Itoa(h.MaxPartyNameLength) + " printable characters"})
	}
	if body.Size < 1 || body.Size > h.MaxSeats {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "size must be between 1 and " + strconv.Itoa(h.MaxSeats)})
	}

	ctx := c.Request().Context()
	partyID, position, err := h.Store.Create(ctx, name, body.Size)
	if err != nil {
		h.Log.Error("create party failed: %v", err)
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "party could not be created"})
	}
	h.record(ctx, partyID, "queued")

	if _, err := h.Sessions.Save(c, sid, &session.Data{
		PartyID:              partyID,
		PartySize:            body.Size,
		InitialQueuePosition: position,
	}); err != nil {
		h.Log.Error("session save failed for party %s: %v", partyID, err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "session error"})
	}

	// A failed trigger is logged, not surfaced: the party row is already
	// committed, and the next dequeue run from any source picks it up.
	if err := h.Jobs.Enqueue(ctx, jobbus.QueueDequeue, nil, 0); err != nil {
		h.Log.Error("enqueue dequeue failed after create of party %s: %v", partyID, err)
	}

	return c.JSON(http.StatusCreated, echo.Map{"partyID": partyID, "positionInQueue": position})
}

// PartyStatus handles GET /party, the status page for the session's party.
// A session with no party redirects back to the join form.
func (h *PartyHandler) PartyStatus(c echo.Context) error {
	data, sid, err := h.loadSession(c)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "session error"})
	}
	if data.PartyID == "" {
		return c.Redirect(http.StatusFound, "/party/new")
	}

	ctx := c.Request().Context()
	party, err := h.Store.GetByPartyID(ctx, data.PartyID)
	if errors.Is(err, repository.ErrPartyNotFound) {
		_ = h.Sessions.Clear(ctx, c, sid)
		return c.Redirect(http.StatusFound, "/party/new")
	}
	if err != nil {
		h.Log.Error("get party %s failed: %v", data.PartyID, err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
	}

	return c.HTML(http.StatusOK, renderPartyStatusPage(party, data.InitialQueuePosition))
}

// DeleteParty handles DELETE /party: the client leaves the queue.  The
// freed capacity triggers a fresh dequeue run.
func (h *PartyHandler) DeleteParty(c echo.Context) error {
	data, sid, err := h.loadSession(c)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "session error"})
	}
	if data.PartyID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "no party registered for this session"})
	}

	ctx := c.Request().Context()
	if err := h.Store.DeleteByPartyID(ctx, data.PartyID); err != nil {
		if errors.Is(err, repository.ErrPartyNotFound) {
			_ = h.Sessions.Clear(ctx, c, sid)
		}
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "party could not be deleted"})
	}
	h.record(ctx, data.PartyID, "left")

	if err := h.Sessions.Clear(ctx, c, sid); err != nil {
		h.Log.Error("session clear failed for party %s: %v", data.PartyID, err)
	}
	if err := h.Jobs.Enqueue(ctx, jobbus.QueueDequeue, nil, 0); err != nil {
		h.Log.Error("enqueue dequeue failed after delete of party %s: %v", data.PartyID, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// CheckIn handles PATCH /party/check-in.  The store only seats a party that
// is currently checking in, so a stale or premature attempt resolves to
// not-found rather than a double seating.
func (h *PartyHandler) CheckIn(c echo.Context) error {
	data, sid, err := h.loadSession(c)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "session error"})
	}
	if data.PartyID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "no party registered for this session"})
	}

	ctx := c.Request().Context()
	seatExpiration, err := h.Store.SetSeated(ctx, data.PartyID, data.PartySize)
	if err != nil {
		if errors.Is(err, repository.ErrPartyNotFound) {
			_ = h.Sessions.Clear(ctx, c, sid)
		}
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "party could not check in"})
	}
	h.record(ctx, data.PartyID, "seated")

	delay := seatExpiration.Sub(h.Clk.Now())
	if delay < 0 {
		delay = 0
	}
	if err := h.Jobs.Enqueue(ctx, jobbus.QueueSeatExpired, nil, delay); err != nil {
		h.Log.Error("enqueue seat-expired failed for party %s: %v", data.PartyID, err)
	}

	data.Status = model.StatusSeated
	data.SeatExpiresAt = &seatExpiration
	if _, err := h.Sessions.Save(c, sid, data); err != nil {
		h.Log.Error("session save failed for party %s: %v", data.PartyID, err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "session error"})
	}

	return c.JSON(http.StatusOK, echo.Map{"message": "checked in"})
}

// PartyEvents handles GET /party/events, handing the connection to the
// event stream bridge.  The party must exist: a dangling session gets a
// 404 and is cleared so the client can rejoin.
func (h *PartyHandler) PartyEvents(c echo.Context) error {
	data, sid, err := h.loadSession(c)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "session error"})
	}
	if data.PartyID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "no party registered for this session"})
	}

	ctx := c.Request().Context()
	party, err := h.Store.GetByPartyID(ctx, data.PartyID)
	if errors.Is(err, repository.ErrPartyNotFound) {
		_ = h.Sessions.Clear(ctx, c, sid)
		return c.JSON(http.StatusNotFound, echo.Map{"error": "party not found"})
	}
	if err != nil {
		h.Log.Error("get party %s failed: %v", data.PartyID, err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
	}

	return h.Stream.Serve(ctx, c.Response(), party)
}

// loadSession reads the request's session and applies the pre-step every
// handler shares: a seated party whose service interval has elapsed is
// logged out, so its next request starts from a clean slate.
func (h *PartyHandler) loadSession(c echo.Context) (*session.Data, string, error) {
	data, sid, err := h.Sessions.Load(c)
	if err != nil {
		return nil, "", err
	}
	if data.Status == model.StatusSeated && data.SeatExpiresAt != nil && !data.SeatExpiresAt.After(h.Clk.Now()) {
		if err := h.Sessions.Clear(c.Request().Context(), c, sid); err != nil {
			return nil, "", err
		}
		return &session.Data{}, "", nil
	}
	return data, sid, nil
}

// record appends an audit event, logging rather than failing the request
// when the audit write itself fails.
func (h *PartyHandler) record(ctx context.Context, partyID, event string) {
	if h.Events == nil {
		return
	}
	if err := h.Events.Record(ctx, partyID, event); err != nil {
		h.Log.Warn("audit record failed for party %s: %v", partyID, err)
	}
}

// validPartyName reports whether name is 1..max printable characters.
func validPartyName(name string, max int) bool {
	n := utf8.RuneCountInString(name)
	if n < 1 || n > max {
		return false
	}
	for _, r := range name {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}
