package main

import (
	"context"
	"log"
	"time"

	"gtfsrt-ingestor/internal/ingest"
	"gtfsrt-ingestor/internal/metrics"
	"gtfsrt-ingestor/internal/notify"
	"gtfsrt-ingestor/internal/publisher"
)

// wrapPublisherMetrics adapts our Collector to the PublisherMetrics interface.
func wrapPublisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return &pubMetrics{c: c}
}

type pubMetrics struct{ c *metrics.Collector }

func (p *pubMetrics) NATSPublishedInc()              { p.c.NATSPublished.Inc() }
func (p *pubMetrics) NATSPublishErrInc()             { p.c.NATSPublishErrs.Inc() }
func (p *pubMetrics) PublishObserve(d time.Duration) { p.c.PublishDuration.Observe(d.Seconds()) }
func (p *pubMetrics) NATSSetConnected(connected bool) {
	if connected {
		p.c.NATSConnected.Set(1)
	} else {
		p.c.NATSConnected.Set(0)
	}
}

func wrapCycleObserver(c *metrics.Collector) ingest.CycleObserver {
	if c == nil {
		return nil
	}
	return &cycleObserver{c: c}
}

type cycleObserver struct{ c *metrics.Collector }

func (o *cycleObserver) ObserveCycle(outcome ingest.CycleOutcome, d time.Duration) {
	o.c.Cycles.WithLabelValues(string(outcome)).Inc()
	o.c.CycleDuration.Observe(d.Seconds())
	if outcome == ingest.OutcomeStored {
		o.c.LastSnapshotUnix.SetToCurrentTime()
	}
}

func (o *cycleObserver) ObserveRows(table string, count int) {
	o.c.RowsWritten.WithLabelValues(table).Add(float64(count))
}

// fetchOutcomes fans fetch results out to the failure tracker and, when
// metrics are enabled, the per-URL counters.
type fetchOutcomes struct {
	tracker *notify.FailureTracker
	col     *metrics.Collector
}

func (f *fetchOutcomes) RecordFailure(ctx context.Context, url string, err error) {
	f.tracker.RecordFailure(ctx, url, err)
	if f.col != nil {
		f.col.FetchFailures.WithLabelValues(url).Inc()
		f.col.FailureStreak.WithLabelValues(url).Set(float64(f.tracker.ConsecutiveFailures(url)))
	}
}

func (f *fetchOutcomes) RecordSuccess(url string) {
	f.tracker.RecordSuccess(url)
	if f.col != nil {
		f.col.FailureStreak.WithLabelValues(url).Set(0)
	}
}

func wrapEvents(pub *publisher.NATSPublisher) ingest.EventPublisher {
	if pub == nil {
		return nil
	}
	return &natsEvents{pub: pub}
}

type natsEvents struct{ pub *publisher.NATSPublisher }

func (e *natsEvents) SnapshotStored(result ingest.CycleResult) {
	msg := publisher.SnapshotMessage{
		SnapshotID: result.SnapshotID.String(),
		PolledAt:   result.PolledAt,
		Vehicles:   result.Vehicles.Generic,
		Rail:       result.Vehicles.Rail,
		DelayRows:  result.DelayRows,
		AlertRows:  result.AlertRows,
	}
	if err := e.pub.PublishSnapshot(msg); err != nil {
		log.Printf("nats snapshot publish: %v", err)
	}
}

func (e *natsEvents) RailPositions(rail []ingest.RailVehicle) {
	for _, v := range rail {
		msg := publisher.PositionMessage{
			VehicleKey: v.VehicleKey,
			Label:      deref(v.VehicleLabel),
			TripID:     deref(v.TripID),
			RouteID:    deref(v.RouteID),
			StopID:     deref(v.CurrentStopID),
			NextStopID: deref(v.NextStopID),
			Status:     deref(v.Status),
			Lat:        v.Latitude,
			Lon:        v.Longitude,
			DelaySecs:  v.ArrivalDelaySeconds,
			PolledAt:   v.PolledAt,
		}
		route := deref(v.RouteID)
		if route == "" {
			route = "unknown"
		}
		if err := e.pub.PublishPosition(route, v.VehicleKey, msg); err != nil {
			log.Printf("nats position publish: %v", err)
		}
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
