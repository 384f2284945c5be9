package inbound

import "github.com/prometheus/client_golang/prometheus"

var messagesTotal *prometheus.CounterVec

func newCollectors() *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpp_inbound_messages_total",
			Help: "Inbound bus messages handled, by kind and outcome",
		},
		[]string{"kind", "result"},
	)
}

func init() {
	messagesTotal = newCollectors()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers the adapter collectors on reg.
// If reg is nil, prometheus.DefaultRegisterer is used.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(messagesTotal)
}

// ResetMetrics recreates the collectors and registers them on reg if not nil.
func ResetMetrics(reg prometheus.Registerer) {
	messagesTotal = newCollectors()
	if reg != nil {
		MustRegisterMetrics(reg)
	}
}
