// Package metrics exports job and process counters to Prometheus.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/buncis/solid-queue/internal/domain"
	"github.com/buncis/solid-queue/internal/eventbus"
	logx "github.com/buncis/solid-queue/pkg/logx"
)

// PrometheusSink implements the worker and dispatcher observers.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	log logx.Logger

	JobsFinished  *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	releaseErrors prometheus.Counter
	promoted      prometheus.Counter

	respawns *prometheus.CounterVec
	pruned   prometheus.Counter
	failed   prometheus.Counter
	state    *prometheus.GaugeVec
}

func NewPrometheusSink(reg prometheus.Registerer, log logx.Logger) *PrometheusSink {
	s := &PrometheusSink{log: log.Component("metrics")}
	s.initJobMetrics(reg)
	s.initProcessMetrics(reg)
	return s
}

func (s *PrometheusSink) initJobMetrics(reg prometheus.Registerer) {
	s.JobsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "solid_queue_jobs_finished_total",
		Help: "Jobs executed by workers in this process, by queue and outcome.",
	}, []string{"queue", "outcome"})
	s.jobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "solid_queue_job_duration_seconds",
		Help:    "Job execution time in seconds.",
		Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 30, 120, 600},
	}, []string{"queue"})
	s.releaseErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "solid_queue_release_errors_total",
		Help: "Claims that could not be released after execution.",
	})
	s.promoted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "solid_queue_promoted_total",
		Help: "Scheduled executions promoted to ready.",
	})

	s.register(reg, s.JobsFinished, "solid_queue_jobs_finished_total")
	s.register(reg, s.jobDuration, "solid_queue_job_duration_seconds")
	s.register(reg, s.releaseErrors, "solid_queue_release_errors_total")
	s.register(reg, s.promoted, "solid_queue_promoted_total")
}

func (s *PrometheusSink) initProcessMetrics(reg prometheus.Registerer) {
	s.respawns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "solid_queue_child_respawns_total",
		Help: "Children respawned after an unexpected exit, by kind.",
	}, []string{"kind"})
	s.pruned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "solid_queue_pruned_processes_total",
		Help: "Process rows pruned by the reaper.",
	})
	s.failed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "solid_queue_reaped_claims_total",
		Help: "Claimed executions failed because their owner died.",
	})
	s.state = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "solid_queue_supervisor_state",
		Help: "1 for the supervisor's current lifecycle state.",
	}, []string{"state"})

	s.register(reg, s.respawns, "solid_queue_child_respawns_total")
	s.register(reg, s.pruned, "solid_queue_pruned_processes_total")
	s.register(reg, s.failed, "solid_queue_reaped_claims_total")
	s.register(reg, s.state, "solid_queue_supervisor_state")
}

func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if reg == nil {
		return
	}
	if err := reg.Register(c); err != nil {
		s.log.Warn("failed to register collector", logx.String("name", name), logx.Err(err))
	}
}

func (s *PrometheusSink) JobFinished(o domain.Outcome) {
	s.JobsFinished.WithLabelValues(o.Queue, o.Label()).Inc()
	s.jobDuration.WithLabelValues(o.Queue).Observe(o.Duration.Seconds())
	if o.ReleaseError != "" {
		s.releaseErrors.Inc()
	}
}

func (s *PrometheusSink) Promoted(n int) {
	if n > 0 {
		s.promoted.Add(float64(n))
	}
}

// Watch folds supervisor events into the process metrics until ctx is done
// or the bus subscription closes.
func (s *PrometheusSink) Watch(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(32)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			s.observe(ev)
		}
	}
}

func (s *PrometheusSink) observe(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.ChildRespawned:
		if d, ok := ev.Data.(eventbus.ChildData); ok {
			s.respawns.WithLabelValues(d.Kind).Inc()
		}
	case eventbus.ReaperPruned:
		if d, ok := ev.Data.(eventbus.ReapData); ok {
			s.pruned.Add(float64(len(d.Pruned)))
			s.failed.Add(float64(d.FailedClaims))
		}
	case eventbus.SupervisorState:
		if d, ok := ev.Data.(eventbus.StateData); ok {
			if d.From != "" {
				s.state.WithLabelValues(d.From).Set(0)
			}
			s.state.WithLabelValues(d.To).Set(1)
		}
	}
}
