package metrics_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kangbeef/deploy/pkg/metrics"
)

func TestPush(t *testing.T) {
	metrics.DeployResult(metrics.ResultSuccess)
	metrics.StageDuration("WAIT_DB_HEALTHY", metrics.ResultSuccess, 4*time.Second)
	metrics.HealthAttempts("database", 3)

	var path string
	var body []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	err := metrics.Push(context.Background(), server.URL, "deploy", "203.0.113.10")
	require.NoError(t, err)
	assert.Equal(t, "/metrics/job/deploy/instance/203.0.113.10", path)
	assert.NotEmpty(t, body)
}

func TestPushFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	assert.Error(t, metrics.Push(context.Background(), server.URL, "deploy", ""))
}

func TestRegistry(t *testing.T) {
	metrics.DeployResult(metrics.ResultFailed)
	count, err := testutil.GatherAndCount(metrics.Registry, "deployment_stack_deploy_result")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, count, 1)
}
