// Package router defines how HTTP routes are registered for the API.
package router

import (
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/waitlist-coordinator/internal/config"
	"github.com/iliyamo/waitlist-coordinator/internal/handler"
	"github.com/iliyamo/waitlist-coordinator/internal/middleware"
)

// RegisterRoutes registers the ambient routes that need no session.  At the
// moment that is only the health check used by load balancers.
func RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", handler.Health)
}

// RegisterParty registers the session-bound party API.  The join form is a
// static page shared by everyone, so it sits behind the response cache; the
// mutation endpoints sit behind the rate limiter.  The status page and the
// event stream are per-session and must never be cached.
func RegisterParty(e *echo.Echo, p *handler.PartyHandler, rdb *redis.Client) {
	cache := middleware.NewRedisCache(config.LoadCacheConfig(), rdb)
	limit := middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb)

	e.GET("/", p.Root)
	e.GET("/party/new", p.NewPartyForm, cache)
	e.POST("/party", p.CreateParty, limit)
	e.GET("/party", p.PartyStatus)
	e.DELETE("/party", p.DeleteParty)
	e.PATCH("/party/check-in", p.CheckIn, limit)
	e.GET("/party/events", p.PartyEvents)
}
