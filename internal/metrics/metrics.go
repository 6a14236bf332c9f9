// Package metrics exposes engine and feed activity to Prometheus.
//
//	perpbot_ticks_total{symbol}
//	perpbot_bars_total{symbol}
//	perpbot_positions_total{strategy,event}   opened|closed|unopened
//	perpbot_closes_total{strategy,result}     profit|loss
//	perpbot_realized_net_usd{strategy}
//	perpbot_last_price{symbol}
//	perpbot_engine_errors_total{strategy}
//	perpbot_http_requests_total{route,code}
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry. A nil *Metrics is valid and records nothing.
type Metrics struct {
	reg *prometheus.Registry

	ticks     *prometheus.CounterVec
	bars      *prometheus.CounterVec
	positions *prometheus.CounterVec
	closes    *prometheus.CounterVec
	net       *prometheus.GaugeVec
	lastPrice *prometheus.GaugeVec
	errors    *prometheus.CounterVec
	requests  *prometheus.CounterVec
}

// New registers every collector plus the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perpbot_ticks_total",
			Help: "Trades received from the market stream.",
		}, []string{"symbol"}),
		bars: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perpbot_bars_total",
			Help: "Completed bars.",
		}, []string{"symbol"}),
		positions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perpbot_positions_total",
			Help: "Position lifecycle events.",
		}, []string{"strategy", "event"}),
		closes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perpbot_closes_total",
			Help: "Closed positions by outcome.",
		}, []string{"strategy", "result"}),
		net: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpbot_realized_net_usd",
			Help: "Realized net result since start.",
		}, []string{"strategy"}),
		lastPrice: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpbot_last_price",
			Help: "Last traded price.",
		}, []string{"symbol"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perpbot_engine_errors_total",
			Help: "Errors reported by the engine.",
		}, []string{"strategy"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perpbot_http_requests_total",
			Help: "Control API requests.",
		}, []string{"route", "code"}),
	}
	m.reg.MustRegister(
		m.ticks, m.bars, m.positions, m.closes, m.net, m.lastPrice, m.errors, m.requests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the text exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) Tick(symbol string, price float64) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(symbol).Inc()
	m.lastPrice.WithLabelValues(symbol).Set(price)
}

func (m *Metrics) Bar(symbol string) {
	if m == nil {
		return
	}
	m.bars.WithLabelValues(symbol).Inc()
}

func (m *Metrics) Opened(strategy string) {
	if m == nil {
		return
	}
	m.positions.WithLabelValues(strategy, "opened").Inc()
}

func (m *Metrics) Unopened(strategy string) {
	if m == nil {
		return
	}
	m.positions.WithLabelValues(strategy, "unopened").Inc()
}

// Closed counts a close and adds net to the realized total.
func (m *Metrics) Closed(strategy string, net float64) {
	if m == nil {
		return
	}
	m.positions.WithLabelValues(strategy, "closed").Inc()
	result := "loss"
	if net >= 0 {
		result = "profit"
	}
	m.closes.WithLabelValues(strategy, result).Inc()
	m.net.WithLabelValues(strategy).Add(net)
}

func (m *Metrics) EngineError(strategy string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(strategy).Inc()
}

func (m *Metrics) Request(route string, code int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}
