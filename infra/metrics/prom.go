package metrics

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kilianp07/vpp/core/events"
	coremetrics "github.com/kilianp07/vpp/core/metrics"
)

// PromSink exposes lifecycle events as Prometheus metrics.
type PromSink struct {
	samples      prometheus.Counter
	actual       *prometheus.GaugeVec
	deviation    *prometheus.GaugeVec
	transitions  *prometheus.CounterVec
	commands     *prometheus.CounterVec
	fallbacks    *prometheus.CounterVec
	compensation *prometheus.CounterVec
	performance  prometheus.Histogram
}

// NewPromSink registers the sink collectors on the default registerer.
func NewPromSink() (*PromSink, error) {
	return NewPromSinkWithRegistry(prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer. Collectors
// already registered by an earlier sink are reused.
func NewPromSinkWithRegistry(reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PromSink{}
	var err error
	if s.samples, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vpp_participation_samples_total",
		Help: "Metrics samples recorded for active participations",
	})); err != nil {
		return nil, err
	}
	if s.actual, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vpp_site_actual_capacity_kw",
		Help: "Last measured flexibility delivered by a site",
	}, []string{"site_id"})); err != nil {
		return nil, err
	}
	if s.deviation, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vpp_site_deviation_percent",
		Help: "Last measured deviation from target of a site",
	}, []string{"site_id"})); err != nil {
		return nil, err
	}
	if s.transitions, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vpp_status_transitions_total",
		Help: "Committed status transitions by entity and target status",
	}, []string{"entity", "to"})); err != nil {
		return nil, err
	}
	if s.commands, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vpp_command_events_total",
		Help: "Device command attempts observed on the event bus",
	}, []string{"action", "acknowledged"})); err != nil {
		return nil, err
	}
	if s.fallbacks, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vpp_fallbacks_total",
		Help: "Fallback activations by reason",
	}, []string{"reason"})); err != nil {
		return nil, err
	}
	if s.compensation, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vpp_compensation_total",
		Help: "Compensation granted at settlement",
	}, []string{"currency"})); err != nil {
		return nil, err
	}
	if s.performance, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "vpp_settlement_performance_ratio",
		Help:    "Performance ratio of settled participations",
		Buckets: []float64{0.25, 0.5, 0.75, 0.9, 1, 1.1, 1.25, 1.5},
	})); err != nil {
		return nil, err
	}
	return s, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func siteLabel(id int64) string { return strconv.FormatInt(id, 10) }

func (s *PromSink) RecordSample(ev events.Sample) error {
	s.samples.Inc()
	site := siteLabel(ev.SiteID)
	s.actual.WithLabelValues(site).Set(ev.Metrics.Aggregate.ActualCapacityKW)
	s.deviation.WithLabelValues(site).Set(ev.Metrics.Aggregate.DeviationPercentage)
	return nil
}

func (s *PromSink) RecordTransition(ev events.Transition) error {
	s.transitions.WithLabelValues(ev.Entity, ev.To).Inc()
	return nil
}

func (s *PromSink) RecordCommand(ev events.Command) error {
	s.commands.WithLabelValues(ev.Action, strconv.FormatBool(ev.Err == nil)).Inc()
	return nil
}

func (s *PromSink) RecordFallback(ev events.Fallback) error {
	s.fallbacks.WithLabelValues(ev.Reason).Inc()
	return nil
}

func (s *PromSink) RecordSettlement(ev events.Settlement) error {
	s.compensation.WithLabelValues(ev.Currency).Add(ev.Compensation)
	s.performance.Observe(ev.Performance)
	return nil
}

var (
	_ coremetrics.TransitionRecorder = (*PromSink)(nil)
	_ coremetrics.CommandRecorder    = (*PromSink)(nil)
	_ coremetrics.FallbackRecorder   = (*PromSink)(nil)
	_ coremetrics.SettlementRecorder = (*PromSink)(nil)
)
