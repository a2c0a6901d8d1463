package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/driftlabs/driftsync"
)

// Embeds the engine in a courier-tracking app: submits an order status
// mutation (queued if offline), watches the reconciled order, and streams
// geofence and ETA updates for one courier.
func main() {
	cfg, err := driftsync.LoadConfig("../../config.example.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	engine, err := driftsync.New(cfg)
	if err != nil {
		log.Fatalf("build engine: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := engine.Start(ctx); err != nil {
		log.Fatalf("start engine: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := engine.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}()

	unsubOrder := engine.SubscribeEntity("order-1042", func(e driftsync.Entity) {
		log.Printf("order-1042 reconciled: status=%v version=%d pending=%d",
			e.Value["status"], e.ServerVersion, e.PendingLocal)
	})
	defer unsubOrder()

	unsubGeo := engine.SubscribeGeofence("courier-7", func(ev driftsync.GeofenceEvent) {
		log.Printf("courier-7 %s zone=%s", ev.Type, ev.Zone)
	})
	defer unsubGeo()

	dest := driftsync.LatLng{Lat: 41.7151, Lng: 44.8271}
	engine.SetDestination("courier-7", &dest)
	unsubETA := engine.SubscribeETA("courier-7", func(est driftsync.ETAEstimate) {
		log.Printf("courier-7 eta %.1f min (±%.0f)", est.Minutes, est.WindowMinutes)
	})
	defer unsubETA()

	// Works connected or not. Offline, the mutation waits in the durable
	// queue and flushes in order after reconnect.
	seq, err := engine.SubmitMutation("order-1042", map[string]any{"status": "picked_up"})
	if err != nil {
		log.Fatalf("submit mutation: %v", err)
	}
	log.Printf("mutation %d accepted, queue depth %d", seq, engine.QueueDepth())

	<-ctx.Done()
}
