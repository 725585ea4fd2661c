/*
Package metrics exposes coupon engine outcomes as Prometheus counters.

PURPOSE:
  Collector implements coupon.Observer. Pass it to the engine with
  coupon.WithObserver and mount Handler() on /metrics.

SERIES:
  coupon_decisions_total{op, outcome}   outcome is "allowed" or the reason
  coupon_retries_total{op}              transient storage retries
  coupon_http_requests_total{route, code}
*/
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/coupon-quota/coupon"
)

const namespace = "coupon"

// Collector owns a private registry so tests and multiple engines never collide.
type Collector struct {
	registry  *prometheus.Registry
	decisions *prometheus.CounterVec
	retries   *prometheus.CounterVec
	requests  *prometheus.CounterVec
}

var _ coupon.Observer = (*Collector)(nil)

func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Eligibility and redemption outcomes.",
		}, []string{"op", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retries after transient storage failures.",
		}, []string{"op"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
	}
	c.registry.MustRegister(c.decisions, c.retries, c.requests)
	return c
}

func (c *Collector) ObserveDecision(op string, d coupon.Decision) {
	c.decisions.WithLabelValues(op, Outcome(d)).Inc()
}

func (c *Collector) ObserveRetry(op string, _ error) {
	c.retries.WithLabelValues(op).Inc()
}

func (c *Collector) ObserveRequest(route string, status int) {
	c.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

// Outcome is the label value recorded for d.
func Outcome(d coupon.Decision) string {
	if d.Allowed {
		return "allowed"
	}
	return string(d.Reason)
}

func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Decisions returns the counter for tests.
func (c *Collector) Decisions() *prometheus.CounterVec { return c.decisions }

func (c *Collector) Retries() *prometheus.CounterVec { return c.retries }

func (c *Collector) Requests() *prometheus.CounterVec { return c.requests }
