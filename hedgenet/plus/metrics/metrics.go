// Package metrics exposes training and trading statistics to Prometheus:
//
//	hedgenet_train_steps_total           optimizer steps taken
//	hedgenet_objective{objective}        last objective value observed in training
//	hedgenet_non_finite_objective_total  training steps whose objective was NaN or Inf
//	hedgenet_cum_log_reward              cumulative log reward of the last trade pass
//	hedgenet_sharpe_ratio                Sharpe ratio of the last trade pass
//	hedgenet_sortino_ratio               Sortino ratio of the last trade pass
//	hedgenet_portfolio_weight{asset}     last position of the last trade pass
//	hedgenet_temperature                 softmax temperature in use
//	hedgenet_keep_prob                   dropout keep probability in use
package metrics

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	steps        prometheus.Counter
	objective    *prometheus.GaugeVec
	nonFinite    prometheus.Counter
	cumLogReward prometheus.Gauge
	sharpe       prometheus.Gauge
	sortino      prometheus.Gauge
	weights      *prometheus.GaugeVec
	temperature  prometheus.Gauge
	keepProb     prometheus.Gauge
}

// New creates the collectors and registers them with reg, the default
// registerer when reg is nil.
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		steps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hedgenet_train_steps_total",
			Help: "Optimizer steps taken",
		}),
		objective: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hedgenet_objective",
			Help: "Last objective value observed in training",
		}, []string{"objective"}),
		nonFinite: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hedgenet_non_finite_objective_total",
			Help: "Training steps whose objective was NaN or infinite",
		}),
		cumLogReward: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hedgenet_cum_log_reward",
			Help: "Cumulative log reward of the last trade pass",
		}),
		sharpe: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hedgenet_sharpe_ratio",
			Help: "Sharpe ratio of the last trade pass",
		}),
		sortino: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hedgenet_sortino_ratio",
			Help: "Sortino ratio of the last trade pass",
		}),
		weights: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hedgenet_portfolio_weight",
			Help: "Last position of the last trade pass, cash is the last asset",
		}, []string{"asset"}),
		temperature: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hedgenet_temperature",
			Help: "Softmax temperature in use",
		}),
		keepProb: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hedgenet_keep_prob",
			Help: "Dropout keep probability in use",
		}),
	}

	for _, collector := range []prometheus.Collector{
		c.steps, c.objective, c.nonFinite, c.cumLogReward, c.sharpe,
		c.sortino, c.weights, c.temperature, c.keepProb,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collector) ObserveTrain(objective string, value float64) {
	c.steps.Inc()
	if math.IsNaN(value) || math.IsInf(value, 0) {
		c.nonFinite.Inc()
		return
	}
	c.objective.WithLabelValues(objective).Set(value)
}

// ObserveTrade records the statistics of a trade pass and its last position.
func (c *Collector) ObserveTrade(cumLogReward, sharpe, sortino float64, weights []float64) {
	c.cumLogReward.Set(cumLogReward)
	c.sharpe.Set(sharpe)
	c.sortino.Set(sortino)
	for i, w := range weights {
		c.weights.WithLabelValues(strconv.Itoa(i)).Set(w)
	}
}

func (c *Collector) ObserveSchedule(temperature, keepProb float64) {
	c.temperature.Set(temperature)
	c.keepProb.Set(keepProb)
}

// Serve exposes /metrics and /healthz on addr until ctx is done.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
