package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

var (
	// ActiveJobs is the number of jobs currently running.
	ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "autofix",
		Subsystem: "scheduler",
		Name:      "active_jobs",
		Help:      "Remediation jobs currently running.",
	})

	// QueuedJobs is the number of jobs waiting for a free slot.
	QueuedJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "autofix",
		Subsystem: "scheduler",
		Name:      "queued_jobs",
		Help:      "Remediation jobs waiting for capacity.",
	})
)

// initMetrics initializes OpenTelemetry instruments.
func (s *Scheduler) initMetrics() {
	var err error

	s.submitCounter, err = s.meter.Int64Counter(
		"autofix.scheduler.submissions_total",
		metric.WithDescription("Submissions by admission decision"),
		metric.WithUnit("{submission}"),
	)
	if err != nil {
		s.logger.Warn("failed to create submission counter", zap.Error(err))
	}

	s.outcomeCounter, err = s.meter.Int64Counter(
		"autofix.scheduler.jobs_total",
		metric.WithDescription("Completed jobs by outcome"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		s.logger.Warn("failed to create job counter", zap.Error(err))
	}

	s.jobDuration, err = s.meter.Float64Histogram(
		"autofix.scheduler.job_duration",
		metric.WithDescription("Job duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		s.logger.Warn("failed to create job duration histogram", zap.Error(err))
	}
}
