// Package metrics records deployment run metrics. A deployment run is a short-lived
// process, so metrics are pushed to a Prometheus Pushgateway instead of being scraped.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

const (
	namespace = "deployment"
	subsystem = "stack"

	labelStage  = "stage"
	labelResult = "result"
	labelGate   = "gate"

	ResultSuccess = "success"
	ResultWarning = "warning"
	ResultFailed  = "failed"
)

// Registry holds every metric of this package.
var Registry = prometheus.NewRegistry()

func counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      name,
		Help:      help,
		Namespace: namespace,
		Subsystem: subsystem,
	}, labels)
}

var (
	deployResult = counterVec("deploy_result", "number of deployment runs by result", labelResult)

	stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:      "stage_duration_seconds",
		Help:      "time spent in each pipeline stage",
		Namespace: namespace,
		Subsystem: subsystem,
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	}, []string{labelStage, labelResult})

	healthAttempts = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name:      "health_attempts",
		Help:      "number of probe attempts used by the last health gate run",
		Namespace: namespace,
		Subsystem: subsystem,
	}, []string{labelGate})
)

func init() {
	Registry.MustRegister(deployResult)
	Registry.MustRegister(stageDuration)
	Registry.MustRegister(healthAttempts)
}

func DeployResult(result string) {
	deployResult.With(prometheus.Labels{labelResult: result}).Inc()
}

func StageDuration(stage, result string, duration time.Duration) {
	stageDuration.With(prometheus.Labels{
		labelStage:  stage,
		labelResult: result,
	}).Observe(duration.Seconds())
}

func HealthAttempts(gate string, attempts int) {
	healthAttempts.With(prometheus.Labels{labelGate: gate}).Set(float64(attempts))
}

// Push sends the registry to a Pushgateway, grouped by instance.
func Push(ctx context.Context, url, job, instance string) error {
	pusher := push.New(url, job).Gatherer(Registry)
	if len(instance) > 0 {
		pusher = pusher.Grouping("instance", instance)
	}
	return pusher.AddContext(ctx)
}
