package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	ChatCalls      *prometheus.CounterVec
	ChatDuration   *prometheus.HistogramVec
	ParseDegraded  *prometheus.CounterVec
	ChoiceOutcomes *prometheus.CounterVec
	AsyncTasks     *prometheus.CounterVec
	ConfigReloads  *prometheus.CounterVec
	BudgetRejected prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			ChatCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "llmbridge",
				Name:      "chat_calls_total",
				Help:      "Chat calls by provider and outcome",
			}, []string{"provider", "outcome"}),
			ChatDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "llmbridge",
				Name:      "chat_duration_seconds",
				Help:      "Provider round-trip latency",
				Buckets:   prometheus.DefBuckets,
			}, []string{"provider"}),
			ParseDegraded: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "llmbridge",
				Name:      "parse_degraded_total",
				Help:      "Replies whose envelope could not be parsed and fell back to raw text",
			}, []string{"provider"}),
			ChoiceOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "llmbridge",
				Name:      "choice_resolutions_total",
				Help:      "Constrained choice resolutions by match strategy",
			}, []string{"match"}),
			AsyncTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "llmbridge",
				Name:      "async_tasks_total",
				Help:      "Deferred tasks by final state",
			}, []string{"state"}),
			ConfigReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "llmbridge",
				Name:      "config_reloads_total",
				Help:      "Config file loads by result",
			}, []string{"result"}),
			BudgetRejected: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "llmbridge",
				Name:      "budget_rejected_total",
				Help:      "Chat calls refused by the hourly agent budget",
			}),
		}
		prometheus.MustRegister(
			global.ChatCalls,
			global.ChatDuration,
			global.ParseDegraded,
			global.ChoiceOutcomes,
			global.AsyncTasks,
			global.ConfigReloads,
			global.BudgetRejected,
		)
	})
	return global
}
