package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// CheckoutSubmissionsTotal counts order submissions by outcome.
	CheckoutSubmissionsTotal *prometheus.CounterVec
	// CheckoutSubmitLatency records end-to-end submission latency in milliseconds.
	CheckoutSubmitLatency *prometheus.HistogramVec
	// CheckoutTransitionsTotal counts wizard step transitions.
	CheckoutTransitionsTotal *prometheus.CounterVec
	// OrderAPIRequestsTotal counts calls to the remote order API by operation and outcome.
	OrderAPIRequestsTotal *prometheus.CounterVec
	// CompensationsTotal counts compensation task outcomes.
	CompensationsTotal *prometheus.CounterVec
	// CatalogLookupsTotal counts member/product lookups by source.
	CatalogLookupsTotal *prometheus.CounterVec
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		CheckoutSubmissionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkout_submissions_total",
			Help:      "Count of order submissions by outcome.",
		}, []string{"result"})
		CheckoutSubmitLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "checkout_submit_duration_ms",
			Help:      "Order submission latency in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 20000},
		}, []string{"result"})
		CheckoutTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkout_transitions_total",
			Help:      "Count of checkout wizard transitions.",
		}, []string{"from", "to", "result"})
		OrderAPIRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_api_requests_total",
			Help:      "Count of remote order API calls by operation and outcome.",
		}, []string{"operation", "result"})
		CompensationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensations_total",
			Help:      "Count of compensation outcomes for partially created orders.",
		}, []string{"result"})
		CatalogLookupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catalog_lookups_total",
			Help:      "Count of member and product lookups by kind and source.",
		}, []string{"kind", "source"})

		collectors := []struct {
			c     prometheus.Collector
			reuse func(prometheus.Collector)
		}{
			{CheckoutSubmissionsTotal, func(e prometheus.Collector) { reuseCounterVec(e, &CheckoutSubmissionsTotal) }},
			{CheckoutSubmitLatency, func(e prometheus.Collector) {
				if v, ok := e.(*prometheus.HistogramVec); ok {
					CheckoutSubmitLatency = v
				}
			}},
			{CheckoutTransitionsTotal, func(e prometheus.Collector) { reuseCounterVec(e, &CheckoutTransitionsTotal) }},
			{OrderAPIRequestsTotal, func(e prometheus.Collector) { reuseCounterVec(e, &OrderAPIRequestsTotal) }},
			{CompensationsTotal, func(e prometheus.Collector) { reuseCounterVec(e, &CompensationsTotal) }},
			{CatalogLookupsTotal, func(e prometheus.Collector) { reuseCounterVec(e, &CatalogLookupsTotal) }},
		}
		for _, item := range collectors {
			mustRegisterCollector(reg, item.c, item.reuse)
		}
	})
}

// Inc increments vec with labels when the collector is registered.
func Inc(vec *prometheus.CounterVec, labels ...string) {
	if vec == nil {
		return
	}
	vec.WithLabelValues(labels...).Inc()
}

func reuseCounterVec(existing prometheus.Collector, dst **prometheus.CounterVec) {
	if v, ok := existing.(*prometheus.CounterVec); ok {
		*dst = v
	}
}

func mustRegisterCollector(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if reuse != nil {
				reuse(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register domain metric: %w", err))
	}
}
