package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

const pushJobName = "fartnode_distributor"

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fartnode_distributor_build_info",
			Help: "Build information of the rewards distributor",
		},
		[]string{"version", "commit", "date"},
	)

	EpochRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fartnode_distributor_epoch_runs_total",
			Help: "Total number of epoch runs by outcome and the stage they ended at",
		},
		[]string{"outcome", "stage"},
	)

	EpochDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fartnode_distributor_epoch_duration_seconds",
			Help:    "Duration of epoch runs",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17 minutes
		},
	)

	DistributedLamportsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fartnode_distributor_distributed_lamports_total",
			Help: "Lamports paid out to holders in confirmed batches",
		},
	)

	ClaimedLamportsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fartnode_distributor_claimed_lamports_total",
			Help: "Lamports gained by the creator from fee claims",
		},
	)

	ReserveBalanceLamports = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fartnode_distributor_reserve_balance_lamports",
			Help: "Reserve balance observed by the last epoch run",
		},
	)

	EligibleHolders = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fartnode_distributor_eligible_holders",
			Help: "Eligible holders in the last epoch run",
		},
	)

	BatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fartnode_distributor_batches_total",
			Help: "Distribution batches by terminal status",
		},
		[]string{"status"},
	)

	RPCRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fartnode_distributor_rpc_requests_total",
			Help: "Ledger RPC requests by method and status",
		},
		[]string{"method", "status"},
	)
)

// Push sends everything in the default registry to a Prometheus
// Pushgateway. The distributor is a one-shot job, so this is how its
// metrics outlive the process.
func Push(ctx context.Context, url string) error {
	err := push.New(url, pushJobName).
		Gatherer(prometheus.DefaultGatherer).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to push metrics: %w", err)
	}
	return nil
}
