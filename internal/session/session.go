// Package session implements the cookie-bound session the party API reads
// and writes.  It follows two patterns already present in this project:
// HS256 token issuance (repurposed here to sign the session cookie itself
// instead of a bearer access token), and internal/middleware/cache.go's
// JSON-encode-to-Redis idiom (repurposed to hold the session's mutable
// fields instead of a cached HTTP response).
//
// The cookie never carries session data directly, only a signed, opaque
// session id.  The session's fields (partyID, partySize, status,
// initialQueuePosition, seatExpiresAt) live in Redis, so a forged or replayed
// cookie with no matching Redis entry resolves to an empty session rather
// than to stale or attacker-controlled party state.
package session

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
)

const cookieName = "waitlist_session"
const redisKeyPrefix = "session:"

// Data holds the fields a session may carry.  All fields are optional; a
// client with no active party has a zero Data.
type Data struct {
	PartyID              string     `json:"partyID,omitempty"`
	PartySize            int        `json:"partySize,omitempty"`
	Status               string     `json:"status,omitempty"`
	InitialQueuePosition int        `json:"initialQueuePosition,omitempty"`
	SeatExpiresAt        *time.Time `json:"seatExpiresAt,omitempty"`
}

// Manager issues, loads, saves and clears sessions.
type Manager struct {
	rdb    *redis.Client
	secret string
	maxAge time.Duration
	secure bool
}

// NewManager returns a Manager.  nodeEnv controls whether the cookie is
// marked Secure; production deployments always serve over TLS.
func NewManager(rdb *redis.Client, secret string, maxAgeSeconds int, nodeEnv string) *Manager {
	return &Manager{
		rdb:    rdb,
		secret: secret,
		maxAge: time.Duration(maxAgeSeconds) * time.Second,
		secure: nodeEnv == "production",
	}
}

// Load reads the session tied to the request's cookie.  A missing or
// invalid cookie returns an empty Data and an empty session id rather than
// an error; a validly signed cookie with no matching (or an unreadable)
// Redis entry returns an empty Data together with that cookie's session id.
// Callers treat an empty Data as a normal, unauthenticated state.
func (m *Manager) Load(c echo.Context) (*Data, string, error) {
	cookie, err := c.Cookie(cookieName)
	if err != nil || cookie.Value == "" {
		return &Data{}, "", nil
	}
	sid, ok := m.verify(cookie.Value)
	if !ok {
		return &Data{}, "", nil
	}

	raw, err := m.rdb.Get(c.Request().Context(), redisKeyPrefix+sid).Bytes()
	if err == redis.Nil {
		return &Data{}, sid, nil
	}
	if err != nil {
		return nil, "", err
	}

	var d Data
	if err := json.Unmarshal(raw, &d); err != nil {
		return &Data{}, sid, nil
	}
	return &d, sid, nil
}

// Save persists data under sid (minting a fresh sid and cookie if sid is
// empty) and refreshes the cookie's expiry.
func (m *Manager) Save(c echo.Context, sid string, data *Data) (string, error) {
	if sid == "" {
		sid = uuid.NewString()
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	if err := m.rdb.Set(c.Request().Context(), redisKeyPrefix+sid, payload, m.maxAge).Err(); err != nil {
		return "", err
	}

	token, err := m.sign(sid)
	if err != nil {
		return "", err
	}
	c.SetCookie(&http.Cookie{
		Name:     cookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(m.maxAge / time.Second),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return sid, nil
}

// Clear deletes the session's Redis entry and expires its cookie.
func (m *Manager) Clear(ctx context.Context, c echo.Context, sid string) error {
	if sid != "" {
		if err := m.rdb.Del(ctx, redisKeyPrefix+sid).Err(); err != nil {
			return err
		}
	}
	c.SetCookie(&http.Cookie{
		Name:     cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

func (m *Manager) sign(sid string) (string, error) {
	claims := jwt.MapClaims{
		"sid": sid,
		"exp": time.Now().UTC().Add(m.maxAge).Unix(),
		"iat": time.Now().UTC().Unix(),
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString([]byte(m.secret))
}

func (m *Manager) verify(raw string) (string, bool) {
	tok, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(m.secret), nil
	})
	if err != nil || !tok.Valid {
		return "", false
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return "", false
	}
	sid, ok := claims["sid"].(string)
	if !ok || sid == "" {
		return "", false
	}
	return sid, true
}
