// Package metrics содержит prometheus-метрики актора стейкинга.
package metrics

import (
	"math/big"
	"net/http"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stakevault"

// Outcome — результат обработки сообщения.
type Outcome string

const (
	Success Outcome = "success"
	Error   Outcome = "error"
	Busy    Outcome = "busy"
)

func (o Outcome) String() string {
	return string(o)
}

var (
	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_total",
		Help:      "Number of processed actor messages by method and outcome.",
	}, []string{"method", "outcome"})

	messageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "message_duration_seconds",
		Help:      "Wall time of actor messages including suspensions.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5},
	}, []string{"method"})

	suspensionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "suspensions_total",
		Help:      "Number of external calls awaited by actor messages.",
	}, []string{"method"})

	payoutTransferred = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payout_transferred_tokens_total",
		Help:      "Tokens transferred to accounts by payouts, in smallest units.",
	})

	payoutDeferred = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payout_deferred_tokens_total",
		Help:      "Tokens deferred into reward debt because the actor was insolvent.",
	})
)

// ObserveMessage учитывает завершённое сообщение.
func ObserveMessage(method string, outcome Outcome, d time.Duration) {
	messagesTotal.WithLabelValues(method, outcome.String()).Inc()
	messageDuration.WithLabelValues(method).Observe(d.Seconds())
}

// ObserveSuspension учитывает одну точку приостановки.
func ObserveSuspension(method string) {
	suspensionsTotal.WithLabelValues(method).Inc()
}

// ObservePayout учитывает выплаченную и отложенную части выплаты.
func ObservePayout(transferred, deferred uint256.Int) {
	payoutTransferred.Add(toFloat(transferred))
	payoutDeferred.Add(toFloat(deferred))
}

func toFloat(v uint256.Int) float64 {
	f, _ := new(big.Float).SetInt(v.ToBig()).Float64()
	return f
}

// Handler возвращает HTTP-обработчик для экспорта метрик.
func Handler() http.Handler {
	return promhttp.Handler()
}
