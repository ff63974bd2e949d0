package changes

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	events     *prometheus.CounterVec
	batches    prometheus.Counter
	deliveries prometheus.Counter
}

func newMetrics(registerer prometheus.Registerer) *metrics {
	m := &metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trambar",
			Subsystem: "changes",
			Name:      "events_total",
			Help:      "Row change notifications received, by outcome.",
		}, []string{"result"}),
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trambar",
			Subsystem: "changes",
			Name:      "batches_total",
			Help:      "Batches of row changes published.",
		}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trambar",
			Subsystem: "changes",
			Name:      "deliveries_total",
			Help:      "Change payloads handed to socket subscribers.",
		}),
	}
	if registerer != nil {
		registerer.MustRegister(m.events, m.batches, m.deliveries)
	}
	return m
}
