package main

import (
	"log"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/waitlist-coordinator/internal/clock"
	"github.com/iliyamo/waitlist-coordinator/internal/config"
	"github.com/iliyamo/waitlist-coordinator/internal/database"
	"github.com/iliyamo/waitlist-coordinator/internal/handler"
	"github.com/iliyamo/waitlist-coordinator/internal/jobbus"
	"github.com/iliyamo/waitlist-coordinator/internal/pubsub"
	"github.com/iliyamo/waitlist-coordinator/internal/repository"
	"github.com/iliyamo/waitlist-coordinator/internal/router"
	"github.com/iliyamo/waitlist-coordinator/internal/session"
	"github.com/iliyamo/waitlist-coordinator/internal/sse"
)

func main() {
	cfg := config.Load()

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()

	// Sessions, pub/sub fan-out and the queue-positions cache all live in
	// Redis, so unlike the optional middleware concerns the API cannot
	// degrade without it.
	rdb := config.NewRedisClient()
	if rdb == nil {
		log.Fatal("redis unavailable")
	}
	defer rdb.Close()

	clk := clock.New()
	store := repository.NewPartyRepo(db, clk, cfg.MaxSeats, cfg.ServiceTimeSeconds, cfg.CheckinExpirySeconds)
	events := repository.NewPartyEventRepo(db, clk)
	jobs := jobbus.New(cfg.RabbitURL)
	bus := pubsub.New(rdb)
	sessions := session.NewManager(rdb, cfg.SessionKey, cfg.CookieMaxAgeSeconds, cfg.NodeEnv)
	bridge := sse.NewBridge(bus, bus)

	party := handler.NewPartyHandler(store, jobs, events, sessions, bridge, clk, cfg.MaxSeats, cfg.MaxPartyNameLength)

	e := echo.New()
	e.HideBanner = true
	router.RegisterRoutes(e)
	router.RegisterParty(e, party, rdb)

	addr := ":" + cfg.Port
	log.Printf("listening on %s (env=%s)", addr, cfg.Env)
	if err := e.Start(addr); err != nil {
		log.Fatal(err)
	}
}
