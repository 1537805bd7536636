// The worker binary binds one queue to its service.  Run exactly one
// process per queue: admission correctness rests on jobs within a queue
// executing one at a time.
//
//	worker -queue dequeue
//	worker -queue checkin-expired
//	worker -queue seat-expired
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/iliyamo/waitlist-coordinator/internal/clock"
	"github.com/iliyamo/waitlist-coordinator/internal/config"
	"github.com/iliyamo/waitlist-coordinator/internal/database"
	"github.com/iliyamo/waitlist-coordinator/internal/jobbus"
	"github.com/iliyamo/waitlist-coordinator/internal/pubsub"
	"github.com/iliyamo/waitlist-coordinator/internal/repository"
	"github.com/iliyamo/waitlist-coordinator/internal/service"
)

func main() {
	queue := flag.String("queue", "", "queue to serve: dequeue | checkin-expired | seat-expired")
	flag.Parse()

	cfg := config.Load()

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()

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

	var handle func(ctx context.Context) error
	switch *queue {
	case jobbus.QueueDequeue:
		handle = service.NewDequeueService(store, jobs, bus, events, clk).Run
	case jobbus.QueueCheckinExpired:
		handle = service.NewCheckinExpiryService(store, jobs, bus, events).Run
	case jobbus.QueueSeatExpired:
		handle = service.NewSeatExpiryService(store, jobs, events).Run
	default:
		log.Fatalf("unknown queue %q", *queue)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("worker for queue %q starting", *queue)
	if err := jobs.Worker(ctx, *queue, handle); err != nil && ctx.Err() == nil {
		log.Fatalf("worker for queue %q stopped: %v", *queue, err)
	}
	log.Printf("worker for queue %q shut down", *queue)
}
