// Package metrics turns contact engine events into Prometheus series.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/WaterInk0101/proactive-private-chat/internal/contact"
	"github.com/WaterInk0101/proactive-private-chat/internal/eventbus"
	logx "github.com/WaterInk0101/proactive-private-chat/pkg/logx"
)

const namespace = "proactive_chat"

type Metrics struct {
	reg *prometheus.Registry
	log logx.Logger

	Outcomes      *prometheus.CounterVec
	SendDuration  *prometheus.HistogramVec
	Sweeps        prometheus.Counter
	SweepDuration prometheus.Histogram
	SweepLast     *prometheus.GaugeVec
	Unlinked      prometheus.Counter
}

// New registers collectors on a private registry. busDropped, when not nil,
// is exported as a gauge.
func New(log logx.Logger, busDropped func() uint64) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		log: log.With(logx.String("comp", "metrics")),
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "contact_outcomes_total",
			Help:      "Contact attempts by outcome code and trigger.",
		}, []string{"code", "trigger"}),
		SendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_duration_seconds",
			Help:      "Time spent delivering a proactive message, retries included.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"result"}),
		Sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeps_total",
			Help:      "Completed smart sweeps.",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Wall time of a smart sweep.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		SweepLast: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_sweep",
			Help:      "Counts from the most recent sweep.",
		}, []string{"field"}),
		Unlinked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "users_unlinked_total",
			Help:      "Users dropped from the directory after the platform refused delivery.",
		}),
	}
	m.reg.MustRegister(
		m.Outcomes, m.SendDuration, m.Sweeps, m.SweepDuration, m.SweepLast, m.Unlinked,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if busDropped != nil {
		m.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eventbus_dropped_total",
			Help:      "Events dropped because a subscriber was slow.",
		}, func() float64 { return float64(busDropped()) }))
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Run consumes bus events until ctx ends or the subscription closes.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	events, unsubscribe := bus.Subscribe(256)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			m.Observe(ev)
		}
	}
}

// Observe records one event.
func (m *Metrics) Observe(ev eventbus.Event) {
	switch data := ev.Data.(type) {
	case contact.Result:
		trigger := "sweep"
		if data.Manual {
			trigger = "manual"
		}
		m.Outcomes.WithLabelValues(string(data.Code), trigger).Inc()
		switch data.Code {
		case contact.CodeSent:
			m.SendDuration.WithLabelValues("ok").Observe(data.Took.Seconds())
		case contact.CodeSendFailure:
			m.SendDuration.WithLabelValues("error").Observe(data.Took.Seconds())
		}
	case contact.SweepReport:
		m.Sweeps.Inc()
		m.SweepDuration.Observe(data.Took.Seconds())
		m.SweepLast.WithLabelValues("candidates").Set(float64(data.Candidates))
		m.SweepLast.WithLabelValues("sent").Set(float64(data.Counts[contact.CodeSent]))
		m.SweepLast.WithLabelValues("failed").Set(float64(data.Counts[contact.CodeSendFailure]))
	default:
		if ev.Type == eventbus.TopicUserUnlinked {
			m.Unlinked.Inc()
			return
		}
		m.log.Trace("unhandled event", logx.String("type", ev.Type))
	}
}
