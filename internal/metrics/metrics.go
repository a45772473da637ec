package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "wallet_session"

// Registry holds the engine's collectors. A nil *Registry is valid and
// records nothing.
type Registry struct {
	epochs           prometheus.Counter
	subscriptions    prometheus.Gauge
	reconciliations  *prometheus.CounterVec
	metadataFailures *prometheus.CounterVec
	gasPrice         prometheus.Gauge
	oracleFetches    *prometheus.CounterVec
	readinessChecks  *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		epochs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "epochs_total",
			Help:      "Token ledger epochs started.",
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_subscriptions",
			Help:      "Token event subscriptions currently held.",
		}),
		reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliations_total",
			Help:      "Token balance reconciliations by outcome.",
		}, []string{"outcome"}),
		metadataFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metadata_failures_total",
			Help:      "Token metadata reads that failed, by field.",
		}, []string{"field"}),
		gasPrice: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gas_price_gwei",
			Help:      "Current recommended gas price.",
		}),
		oracleFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gas_oracle_fetches_total",
			Help:      "Gas oracle fetches by oracle and outcome.",
		}, []string{"oracle", "outcome"}),
		readinessChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readiness_checks_total",
			Help:      "Wallet readiness checks by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(
			r.epochs,
			r.subscriptions,
			r.reconciliations,
			r.metadataFailures,
			r.gasPrice,
			r.oracleFetches,
			r.readinessChecks,
		)
	}
	return r
}

func (r *Registry) EpochStarted() {
	if r == nil {
		return
	}
	r.epochs.Inc()
}

func (r *Registry) SubscriptionsAdded(n int) {
	if r == nil {
		return
	}
	r.subscriptions.Add(float64(n))
}

func (r *Registry) SubscriptionsReleased(n int) {
	if r == nil {
		return
	}
	r.subscriptions.Sub(float64(n))
}

// Reconciled records a reconciliation outcome: applied, stale or failed.
func (r *Registry) Reconciled(outcome string) {
	if r == nil {
		return
	}
	r.reconciliations.WithLabelValues(outcome).Inc()
}

func (r *Registry) MetadataFailed(field string) {
	if r == nil {
		return
	}
	r.metadataFailures.WithLabelValues(field).Inc()
}

func (r *Registry) GasPrice(gwei float64) {
	if r == nil {
		return
	}
	r.gasPrice.Set(gwei)
}

func (r *Registry) OracleFetched(oracle string, ok bool) {
	if r == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	r.oracleFetches.WithLabelValues(oracle, outcome).Inc()
}

func (r *Registry) ReadinessChecked(ready bool) {
	if r == nil {
		return
	}
	result := "not_ready"
	if ready {
		result = "ready"
	}
	r.readinessChecks.WithLabelValues(result).Inc()
}
