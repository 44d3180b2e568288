package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mirrorops/vodsync/internal/progress"
)

// PrometheusSink exports pipeline progress metrics. It owns all collectors
// for runs, per-site item outcomes, downloaded bytes, and commits.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	items        *prometheus.CounterVec
	itemBytes    *prometheus.CounterVec
	itemDuration *prometheus.HistogramVec

	commits         prometheus.Counter
	entriesCommitted prometheus.Counter
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vodsync_runs_started_total",
			Help: "Total supervisor stints started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vodsync_runs_completed_total",
			Help: "Total stints completed partitioned by result.",
		}, []string{"result"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vodsync_run_duration_seconds",
			Help:    "Wall time per completed stint.",
			Buckets: []float64{60, 300, 900, 1800, 3600, 7200, 14400, 21600},
		}, []string{"result"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vodsync_items_total",
			Help: "Item completions partitioned by site and outcome.",
		}, []string{"site", "outcome"}),
		itemBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vodsync_item_bytes_total",
			Help: "Artifact bytes downloaded per site.",
		}, []string{"site"}),
		itemDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vodsync_item_duration_seconds",
			Help:    "Item processing duration partitioned by site and outcome.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"site", "outcome"}),
		commits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vodsync_commits_total",
			Help: "Durable commits of the record store to the remote.",
		}),
		entriesCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vodsync_entries_committed_total",
			Help: "Record entries published across all commits.",
		}),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runDuration,
		s.items,
		s.itemBytes,
		s.itemDuration,
		s.commits,
		s.entriesCommitted,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors using the provided batch. It is safe for
// concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
	case progress.StageRunDone:
		s.runsCompleted.WithLabelValues("success").Inc()
		s.observeRun(evt, "success")
	case progress.StageRunError:
		s.runsCompleted.WithLabelValues("error").Inc()
		s.observeRun(evt, "error")
	case progress.StageItemDone:
		s.handleItem(evt)
	case progress.StageCommit:
		s.commits.Inc()
		if evt.Bytes > 0 {
			s.entriesCommitted.Add(float64(evt.Bytes))
		}
	}
}

func (s *PrometheusSink) observeRun(evt progress.Event, label string) {
	if evt.Dur > 0 {
		s.runDuration.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) handleItem(evt progress.Event) {
	site := evt.Site
	if site == "" {
		site = "unknown"
	}
	outcome := string(evt.Outcome)
	if outcome == "" {
		outcome = string(progress.OutcomeSkipped)
	}
	s.items.WithLabelValues(site, outcome).Inc()
	if evt.Outcome == progress.OutcomeDone && evt.Bytes > 0 {
		s.itemBytes.WithLabelValues(site).Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.itemDuration.WithLabelValues(site, outcome).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
