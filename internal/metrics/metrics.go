package metrics

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"lottery/internal/failure"
	"lottery/pkg/models"
)

// Metrics holds all Prometheus metrics for the lottery client. It implements
// the observer interfaces of the throttle, read provider, wallet connector,
// gateway and session.
type Metrics struct {
	// Throttle metrics
	ThrottleWait  prometheus.Histogram
	ThrottleDepth prometheus.Gauge

	// RPC metrics
	RPCRequests *prometheus.CounterVec

	// Wallet metrics
	WalletConnected prometheus.Gauge
	WalletEvents    *prometheus.CounterVec

	// Lottery metrics
	Purchases      *prometheus.CounterVec
	Refreshes      *prometheus.CounterVec
	LotteryActive  prometheus.Gauge
	LotteryTickets prometheus.Gauge
	LotteryPoolWei prometheus.Gauge
	LastStatusSeen prometheus.Gauge

	gatherer prometheus.Gatherer
	server   *http.Server
}

// New creates the metrics and registers them with reg. A nil reg uses the
// default registry.
func New(reg prometheus.Registerer) *Metrics {
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	m := &Metrics{
		ThrottleWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "lottery_throttle_wait_seconds",
				Help:    "Time a read call spent queued before dispatch",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
			},
		),
		ThrottleDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "lottery_throttle_queue_depth",
				Help: "Read calls waiting in the throttle queue",
			},
		),
		RPCRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lottery_rpc_requests_total",
				Help: "RPC attempts by method and result",
			},
			[]string{"method", "result"},
		),
		WalletConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "lottery_wallet_connected",
				Help: "Wallet connection status (1=connected, 0=disconnected)",
			},
		),
		WalletEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lottery_wallet_events_total",
				Help: "Wallet notifications received by event",
			},
			[]string{"event"},
		),
		Purchases: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lottery_purchases_total",
				Help: "Ticket purchase attempts by outcome",
			},
			[]string{"outcome"},
		),
		Refreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lottery_post_purchase_refreshes_total",
				Help: "Post-purchase refreshes by outcome",
			},
			[]string{"outcome"},
		),
		LotteryActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "lottery_active",
				Help: "Whether the lottery accepts purchases (1=active)",
			},
		),
		LotteryTickets: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "lottery_total_tickets",
				Help: "Total tickets sold in the current round",
			},
		),
		LotteryPoolWei: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "lottery_pool_wei",
				Help: "Prize pool in smallest units",
			},
		),
		LastStatusSeen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "lottery_last_status_timestamp_seconds",
				Help: "Unix time of the last successful status read",
			},
		),
		gatherer: gatherer,
	}

	reg.MustRegister(
		m.ThrottleWait,
		m.ThrottleDepth,
		m.RPCRequests,
		m.WalletConnected,
		m.WalletEvents,
		m.Purchases,
		m.Refreshes,
		m.LotteryActive,
		m.LotteryTickets,
		m.LotteryPoolWei,
		m.LastStatusSeen,
	)

	return m
}

// StartServer starts the HTTP server for Prometheus metrics.
func (m *Metrics) StartServer(port int, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	m.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		log.Info().Int("port", port).Str("path", path).Msg("Starting metrics server")
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Metrics server error")
		}
	}()

	return nil
}

// Shutdown gracefully stops the metrics server.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server != nil {
		return m.server.Shutdown(ctx)
	}
	return nil
}

func (m *Metrics) ObserveThrottleDispatch(wait time.Duration, depth int) {
	m.ThrottleWait.Observe(wait.Seconds())
	m.ThrottleDepth.Set(float64(depth))
}

// ObserveRPCRequest counts one attempt. Errors are labelled by failure kind
// so the label set stays small.
func (m *Metrics) ObserveRPCRequest(method string, err error) {
	result := "ok"
	if err != nil {
		result = string(failure.Classify(err).Kind)
	}
	m.RPCRequests.WithLabelValues(method, result).Inc()
}

func (m *Metrics) SetWalletConnected(connected bool) {
	if connected {
		m.WalletConnected.Set(1)
	} else {
		m.WalletConnected.Set(0)
	}
}

func (m *Metrics) ObserveWalletEvent(event string) {
	m.WalletEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObservePurchase(outcome string) {
	m.Purchases.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveRefresh(outcome string) {
	m.Refreshes.WithLabelValues(outcome).Inc()
}

// SetLotteryStatus records the latest status read.
func (m *Metrics) SetLotteryStatus(status models.LotteryStatus) {
	if status.IsActive {
		m.LotteryActive.Set(1)
	} else {
		m.LotteryActive.Set(0)
	}
	m.LotteryTickets.Set(float64(status.TotalTickets))
	if status.PoolWei != nil {
		pool, _ := new(big.Float).SetInt(status.PoolWei).Float64()
		m.LotteryPoolWei.Set(pool)
	}
	m.LastStatusSeen.Set(float64(time.Now().Unix()))
}
