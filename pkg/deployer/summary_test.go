package deployer_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kangbeef/deploy/pkg/deployer"
	"github.com/kangbeef/deploy/pkg/deployerr"
)

func TestStepSummarySuccess(t *testing.T) {
	f := newFixture(t)
	out, err := f.run()
	require.NoError(t, err)

	buf := &bytes.Buffer{}
	require.NoError(t, deployer.StepSummary(buf, out))
	summary := buf.String()
	assert.Contains(t, summary, "* Image: `ghcr.io/kangbeef/store:42`")
	assert.Contains(t, summary, "* Build: 42")
	assert.Contains(t, summary, "Final status: *DONE*")
	assert.Contains(t, summary, "ghcr.io/kangbeef/store:41")
}

func TestStepSummaryFailure(t *testing.T) {
	f := newFixture(t)
	f.migrator.migrateErr = deployerr.Errorf(deployerr.MigrationFailure, "php artisan migrate: exit status 1")
	out, err := f.run()
	require.Error(t, err)

	buf := &bytes.Buffer{}
	require.NoError(t, deployer.StepSummary(buf, out))
	summary := buf.String()
	assert.Contains(t, summary, "Final status: *FAILED* in stage `RUN_MIGRATIONS`")
	assert.Contains(t, summary, "MigrationFailure")
	assert.Contains(t, summary, "Roll back with:")
}

func TestWriteStepSummary(t *testing.T) {
	f := newFixture(t)
	out, err := f.run()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "summary.md")
	t.Setenv("GITHUB_STEP_SUMMARY", path)
	require.NoError(t, deployer.WriteStepSummary(out))
	require.NoError(t, deployer.WriteStepSummary(out))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, bytes.Count(data, []byte("## 🚀 Stack deployment")))
}

func TestWriteStepSummaryDisabled(t *testing.T) {
	t.Setenv("GITHUB_STEP_SUMMARY", "")
	assert.NoError(t, deployer.WriteStepSummary(&deployer.Outcome{}))
}

func TestLogSummary(t *testing.T) {
	f := newFixture(t)
	f.gate.fail["final"] = deployerr.Errorf(deployerr.HealthCheckTimeout, "not healthy")
	out, err := f.run()
	require.Error(t, err)

	assert.NotPanics(t, func() {
		deployer.LogSummary(out)
	})
}
