package execution

import "github.com/prometheus/client_golang/prometheus"

var (
	commandsTotal  *prometheus.CounterVec
	publishLatency *prometheus.HistogramVec
)

func newCollectors() (*prometheus.CounterVec, *prometheus.HistogramVec) {
	cmds := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpp_device_commands_total",
			Help: "Device commands published, by action and outcome",
		},
		[]string{"action", "result"},
	)
	lat := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vpp_device_command_publish_seconds",
			Help:    "Time spent publishing a device command",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)
	return cmds, lat
}

func init() {
	commandsTotal, publishLatency = newCollectors()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers the executor collectors on reg.
// If reg is nil, prometheus.DefaultRegisterer is used.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(commandsTotal, publishLatency)
}

// ResetMetrics recreates the collectors and registers them on reg if not nil.
func ResetMetrics(reg prometheus.Registerer) {
	commandsTotal, publishLatency = newCollectors()
	if reg != nil {
		MustRegisterMetrics(reg)
	}
}
