package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tasksCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engage_tasks_created_total",
			Help: "Total number of tasks created",
		},
		[]string{"type"},
	)

	tasksClaimed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engage_tasks_claimed_total",
			Help: "Total number of tasks claimed by agents",
		},
		[]string{"type"},
	)

	tasksFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engage_tasks_finished_total",
			Help: "Total number of tasks reaching a terminal state or requeued",
		},
		[]string{"type", "status"},
	)

	routingDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engage_routing_decisions_total",
			Help: "Routing decisions made for generated replies",
		},
		[]string{"decision"},
	)

	publishAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engage_publish_attempts_total",
			Help: "Publish attempts by platform and outcome",
		},
		[]string{"platform", "outcome"},
	)

	workerCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engage_worker_cycles_total",
			Help: "Worker loop cycles by outcome",
		},
		[]string{"platform", "worker", "outcome"},
	)

	judgeFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engage_judge_failures_total",
			Help: "AI judge calls that fell back to the default score",
		},
	)
)

func init() {
	prometheus.MustRegister(
		tasksCreated,
		tasksClaimed,
		tasksFinished,
		routingDecisions,
		publishAttempts,
		workerCycles,
		judgeFailures,
	)
}

func TaskCreated(taskType string) {
	tasksCreated.WithLabelValues(taskType).Inc()
}

func TaskClaimed(taskType string) {
	tasksClaimed.WithLabelValues(taskType).Inc()
}

func TaskFinished(taskType, status string) {
	tasksFinished.WithLabelValues(taskType, status).Inc()
}

func RoutingDecision(decision string) {
	routingDecisions.WithLabelValues(decision).Inc()
}

func PublishAttempt(platform, outcome string) {
	publishAttempts.WithLabelValues(platform, outcome).Inc()
}

func WorkerCycle(platform, worker, outcome string) {
	workerCycles.WithLabelValues(platform, worker, outcome).Inc()
}

func JudgeFailure() {
	judgeFailures.Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
