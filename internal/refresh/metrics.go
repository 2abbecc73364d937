package refresh

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/yourorg/realm-aggregator/internal/model"
	"github.com/yourorg/realm-aggregator/internal/validation"
)

// Metrics are the Prometheus collectors of the refresh loop
type Metrics struct {
	duration     *prometheus.HistogramVec
	failures     *prometheus.CounterVec
	missing      *prometheus.GaugeVec
	tvl          *prometheus.GaugeVec
	totalSupply  *prometheus.GaugeVec
	totalBorrow  *prometheus.GaugeVec
	breakerTrips *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "realm_refresh_duration_seconds",
				Help:    "Duration of a realm refresh",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"realm"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realm_refresh_failures_total",
				Help: "Failed realm refreshes by stage",
			},
			[]string{"realm", "stage"},
		),
		missing: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "realm_batch_missing_results",
				Help: "Missing results in the last batch by property",
			},
			[]string{"realm", "property"},
		),
		tvl: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "realm_total_value_locked",
				Help: "Total value locked of the last published summary",
			},
			[]string{"realm"},
		),
		totalSupply: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "realm_total_supply",
				Help: "Total supply of the last published summary",
			},
			[]string{"realm"},
		),
		totalBorrow: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "realm_total_borrow",
				Help: "Total borrow of the last published summary",
			},
			[]string{"realm"},
		),
		breakerTrips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realm_circuit_breaker_trips_total",
				Help: "Circuit breaker trips",
			},
			[]string{"realm"},
		),
	}

	reg.MustRegister(
		m.duration,
		m.failures,
		m.missing,
		m.tvl,
		m.totalSupply,
		m.totalBorrow,
		m.breakerTrips,
	)
	return m
}

func (m *Metrics) observeBatch(realmID string, report validation.BatchReport, properties []string) {
	for _, prop := range properties {
		m.missing.WithLabelValues(realmID, prop).Set(float64(report.MissingByProperty[prop]))
	}
}

func (m *Metrics) observeSummary(s *model.Summary) {
	m.tvl.WithLabelValues(s.RealmID).Set(toFloat(s.TotalValueLocked))
	m.totalSupply.WithLabelValues(s.RealmID).Set(toFloat(s.TotalSupply))
	m.totalBorrow.WithLabelValues(s.RealmID).Set(toFloat(s.TotalBorrow))
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
