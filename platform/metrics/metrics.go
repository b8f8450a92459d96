// Package metrics registers the prometheus collectors shared by the binaries.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MessagesCached = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventgen",
		Name:      "messages_cached_total",
		Help:      "Messages appended to the topic cache.",
	}, []string{"topic"})

	CacheCollisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventgen",
		Name:      "cache_id_collisions_total",
		Help:      "Cache appends that needed a higher dedup sequence.",
	}, []string{"topic"})

	MessagesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventgen",
		Name:      "messages_skipped_total",
		Help:      "Upstream messages acknowledged without caching, by reason.",
	}, []string{"topic", "reason"})

	TriggerEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventgen",
		Name:      "trigger_evaluations_total",
		Help:      "Trigger evaluations by outcome.",
	}, []string{"outcome"})

	EventsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventgen",
		Name:      "events_created_total",
		Help:      "Domain events created by source.",
	}, []string{"source"})

	ScriptedEventsScheduled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "automation",
		Name:      "scripted_events_scheduled_total",
		Help:      "Scripted event messages published, by delivery mode.",
	}, []string{"mode"})

	ScheduledCancellations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "automation",
		Name:      "scheduled_cancellations_total",
		Help:      "Scheduled messages cancelled by cancel-all.",
	})

	DomainStoreLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "eventgen",
		Name:      "domain_store_request_seconds",
		Help:      "Latency of domain store requests.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "status"})
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve runs a standalone /metrics listener until ctx ends.
func Serve(ctx context.Context, addr string) error {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
