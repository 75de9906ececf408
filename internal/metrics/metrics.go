// Package metrics counts pipeline events for one run and optionally pushes
// them to a Prometheus Pushgateway when the run ends.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.uber.org/zap"
)

// Metrics holds the run's collectors on a private registry. It satisfies
// pairing.Observer.
type Metrics struct {
	registry *prometheus.Registry

	threatsFetched   prometheus.Counter
	ticketsCreated   prometheus.Counter
	linksWritten     prometheus.Counter
	companyDefaulted *prometheus.CounterVec
	pipelineFailures *prometheus.CounterVec
	lastRun          prometheus.Gauge
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		threatsFetched: f.NewCounter(prometheus.CounterOpts{
			Name: "threatlink_threats_fetched_total",
			Help: "Unlinked threats returned by SentinelOne",
		}),
		ticketsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "threatlink_tickets_created_total",
			Help: "ConnectWise tickets created",
		}),
		linksWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "threatlink_links_written_total",
			Help: "Ticket ids written back to threats",
		}),
		companyDefaulted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "threatlink_company_defaulted_total",
			Help: "Tickets filed under the catch-all company, by reason",
		}, []string{"reason"}),
		pipelineFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "threatlink_pipeline_failures_total",
			Help: "Threat pipelines that stopped on an error, by stage",
		}, []string{"stage"}),
		lastRun: f.NewGauge(prometheus.GaugeOpts{
			Name: "threatlink_last_run_timestamp_seconds",
			Help: "Unix time the last run finished",
		}),
	}
}

// Registry exposes the collectors, e.g. for a gatherer in tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ThreatsFetched adds n to the fetched counter.
func (m *Metrics) ThreatsFetched(n int) { m.threatsFetched.Add(float64(n)) }

// CompanyDefaulted counts a catch-all fallback under its reason.
func (m *Metrics) CompanyDefaulted(reason string) {
	m.companyDefaulted.WithLabelValues(reason).Inc()
}

// TicketCreated counts a created ticket.
func (m *Metrics) TicketCreated() { m.ticketsCreated.Inc() }

// LinkWritten counts a ticket id written back to its threat.
func (m *Metrics) LinkWritten() { m.linksWritten.Inc() }

// PipelineFailed counts a threat pipeline that stopped at stage.
func (m *Metrics) PipelineFailed(stage string) {
	m.pipelineFailures.WithLabelValues(stage).Inc()
}

// MarkRun stamps the last-run gauge.
func (m *Metrics) MarkRun(t time.Time) {
	m.lastRun.Set(float64(t.Unix()))
}

// Push sends the registry to the Pushgateway at url under job. An empty url
// is a no-op. Failures are logged and returned; callers treat them as soft.
func (m *Metrics) Push(ctx context.Context, url, job string, logger *zap.Logger) error {
	if url == "" {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	err := push.New(url, job).Gatherer(m.registry).PushContext(ctx)
	if err != nil {
		logger.Warn("failed to push metrics", zap.String("pushgateway", url), zap.Error(err))
		return err
	}
	logger.Debug("metrics pushed", zap.String("pushgateway", url), zap.String("job", job))
	return nil
}
