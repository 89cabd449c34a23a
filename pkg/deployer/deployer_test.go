package deployer_test

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kangbeef/deploy/pkg/backup"
	"github.com/kangbeef/deploy/pkg/deployer"
	"github.com/kangbeef/deploy/pkg/deployerr"
	"github.com/kangbeef/deploy/pkg/health"
	"github.com/kangbeef/deploy/pkg/redact"
	"github.com/kangbeef/deploy/pkg/release"
	"github.com/kangbeef/deploy/pkg/remote"
	"github.com/kangbeef/deploy/pkg/resolver"
	"github.com/kangbeef/deploy/pkg/rollback"
	"github.com/kangbeef/deploy/pkg/stack"
)

var candidate = release.Candidate{
	Registry:    "ghcr.io/kangbeef",
	Name:        "store",
	BuildNumber: 42,
}

const reference = "ghcr.io/kangbeef/store:42"

// recorder keeps the order in which collaborators are called.
type recorder struct {
	events []string
}

func (r *recorder) add(format string, args ...any) {
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recorder) index(event string) int {
	for i, e := range r.events {
		if e == event {
			return i
		}
	}
	return -1
}

func (r *recorder) has(prefix string) bool {
	for _, e := range r.events {
		if strings.HasPrefix(e, prefix) {
			return true
		}
	}
	return false
}

type fakeBuilder struct {
	rec *recorder
	err error
}

func (f *fakeBuilder) Build(ctx context.Context) error {
	f.rec.add("build")
	return f.err
}

type fakeResolver struct {
	rec *recorder
	err error
}

func (f *fakeResolver) Resolve(ctx context.Context) (*resolver.Resolved, error) {
	f.rec.add("resolve")
	if f.err != nil {
		return nil, f.err
	}
	return &resolver.Resolved{
		Candidate: candidate,
		Reference: reference,
		Platform:  "linux/arm64",
		HostArch:  "aarch64",
		ImageArch: "arm64",
	}, nil
}

type fakeStack struct {
	rec      *recorder
	image    string
	platform string
	startErr error
	running  map[string]bool
	logs     string
	logsErr  error
}

func (f *fakeStack) StopAll(ctx context.Context) error {
	f.rec.add("stop")
	return nil
}

func (f *fakeStack) Start(ctx context.Context, services ...string) error {
	f.rec.add("start:%s", strings.Join(services, ","))
	if f.startErr != nil {
		return f.startErr
	}
	for _, service := range services {
		f.running[service] = true
	}
	return nil
}

func (f *fakeStack) Running(ctx context.Context) (map[string]bool, error) {
	f.rec.add("running")
	return f.running, nil
}

func (f *fakeStack) Logs(ctx context.Context, tail int, services ...string) (string, error) {
	f.rec.add("logs:%d:%s", tail, strings.Join(services, ","))
	return f.logs, f.logsErr
}

type fakeGate struct {
	rec  *recorder
	fail map[string]error
}

func (f *fakeGate) Wait(ctx context.Context, name string, checker health.Checker) (health.Report, error) {
	f.rec.add("gate:%s", name)
	err := f.fail[name]
	return health.Report{Name: name, Attempts: 1, MaxAttempts: 1, Passed: err == nil}, err
}

type fakeBackup struct {
	rec *recorder
	err error
}

func (f *fakeBackup) Backup(ctx context.Context, databaseRunning bool) (*backup.Artifact, error) {
	f.rec.add("backup:%t", databaseRunning)
	if f.err != nil {
		return nil, f.err
	}
	return &backup.Artifact{Path: "/srv/store/backups/db-42.sql.gz", Compressed: true}, nil
}

type fakeMigrator struct {
	rec        *recorder
	migrateErr error
	cacheErr   error
}

func (f *fakeMigrator) Migrate(ctx context.Context) error {
	f.rec.add("migrate")
	return f.migrateErr
}

func (f *fakeMigrator) RebuildCaches(ctx context.Context) error {
	f.rec.add("caches")
	return f.cacheErr
}

type fakeRollback struct {
	rec *recorder
	err error
}

func (f *fakeRollback) Rollback(ctx context.Context, advice rollback.Advice, hostArch string) error {
	f.rec.add("rollback:%s:%s", advice.Reference, hostArch)
	return f.err
}

type fixture struct {
	rec        *recorder
	resolver   *fakeResolver
	stack      *fakeStack
	gate       *fakeGate
	backup     *fakeBackup
	migrator   *fakeMigrator
	dbChecker  health.Checker
	components deployer.Components
	options    deployer.Options
}

func newFixture(t *testing.T) *fixture {
	rec := &recorder{}
	f := &fixture{
		rec:      rec,
		resolver: &fakeResolver{rec: rec},
		stack:    &fakeStack{rec: rec, running: map[string]bool{}},
		gate:     &fakeGate{rec: rec, fail: map[string]error{}},
		backup:   &fakeBackup{rec: rec},
		migrator: &fakeMigrator{rec: rec},
	}

	advisor, err := rollback.NewAdvisor(rollback.Target{
		Host:       "203.0.113.10",
		User:       "deploy",
		DeployPath: "/srv/store",
		Services:   stack.DefaultServices().AppTier(),
	}, "")
	require.NoError(t, err)

	f.components = deployer.Components{
		Resolver: f.resolver,
		ReleaseFor: func(ref, platform string) (deployer.Release, error) {
			f.stack.image = ref
			f.stack.platform = platform
			return deployer.Release{
				Stack:           f.stack,
				DatabaseChecker: f.dbChecker,
				Backup:          f.backup,
				Migrator:        f.migrator,
			}, nil
		},
		DatabaseGate: f.gate,
		AppGate:      f.gate,
		Advisor:      advisor,
	}
	f.options = deployer.Options{
		Candidate:   candidate,
		Environment: "production",
		Services:    stack.DefaultServices(),
	}
	return f
}

func (f *fixture) run() (*deployer.Outcome, error) {
	return deployer.New(f.components, f.options).Run(context.Background())
}

func stages(out *deployer.Outcome) []deployer.Stage {
	result := make([]deployer.Stage, 0, len(out.Transitions))
	for _, tr := range out.Transitions {
		result = append(result, tr.To)
	}
	return result
}

func TestRunSuccess(t *testing.T) {
	f := newFixture(t)

	out, err := f.run()
	require.NoError(t, err)
	assert.True(t, out.Succeeded())
	assert.Equal(t, deployer.StageDone, out.Stage)
	assert.Empty(t, out.FailedStage)
	assert.Equal(t, reference, f.stack.image)
	assert.Equal(t, "/srv/store/backups/db-42.sql.gz", out.Backup.Path)
	assert.NotEmpty(t, out.RunID)

	assert.Equal(t, []string{
		"resolve",
		"stop",
		"start:db",
		"gate:database",
		"start:redis,app,queue,scheduler",
		"gate:application",
		"running",
		"backup:true",
		"migrate",
		"caches",
		"gate:final",
	}, f.rec.events)

	assert.Equal(t, []deployer.Stage{
		deployer.StageResolve,
		deployer.StageStartDB,
		deployer.StageWaitDB,
		deployer.StageStartApp,
		deployer.StageWaitApp,
		deployer.StageBackup,
		deployer.StageMigrate,
		deployer.StageFinalHealth,
		deployer.StageCleanup,
		deployer.StageDone,
	}, stages(out))
}

func TestSuccessfulRunAdvisesPreviousBuild(t *testing.T) {
	f := newFixture(t)

	out, err := f.run()
	require.NoError(t, err)
	assert.True(t, out.Advice.Available)
	assert.Equal(t, 41, out.Advice.Previous.BuildNumber)
	assert.Contains(t, out.Advice.Command, "ghcr.io/kangbeef/store:41")
}

func TestArchitectureMismatchNeverStartsAppTier(t *testing.T) {
	for _, force := range []bool{false, true} {
		t.Run(fmt.Sprintf("force=%t", force), func(t *testing.T) {
			f := newFixture(t)
			f.options.Force = force
			f.resolver.err = deployerr.Errorf(deployerr.ArchitectureMismatch, "image is built for amd64 but the host reports arm64")

			out, err := f.run()
			require.Error(t, err)
			assert.Equal(t, deployerr.ArchitectureMismatch, deployerr.KindOf(err))
			assert.Equal(t, deployerr.ExitArchitectureMismatch, deployerr.ErrorExitCode(err))
			assert.Equal(t, deployer.StageFailed, out.Stage)
			assert.Equal(t, deployer.StageResolve, out.FailedStage)
			assert.Equal(t, []string{"resolve"}, f.rec.events)
			assert.False(t, f.rec.has("start:"))
		})
	}
}

func TestDatabaseGateExhaustionNeverMigrates(t *testing.T) {
	f := newFixture(t)

	slept := time.Duration(0)
	f.components.DatabaseGate = &health.Gate{
		Interval:    health.DefaultInterval,
		MaxAttempts: health.DefaultDatabaseAttempts,
		Sleep: func(ctx context.Context, d time.Duration) error {
			slept += d
			return nil
		},
	}
	f.dbChecker = unhealthy{}

	out, err := f.run()
	require.Error(t, err)
	assert.Equal(t, deployerr.HealthCheckTimeout, deployerr.KindOf(err))
	assert.Equal(t, deployer.StageWaitDB, out.FailedStage)
	assert.Equal(t, 58*time.Second, slept)
	require.Len(t, out.Reports, 1)
	assert.Equal(t, 30, out.Reports[0].Attempts)
	assert.False(t, out.Reports[0].Passed)

	assert.False(t, f.rec.has("start:redis"))
	assert.False(t, f.rec.has("migrate"))
	assert.False(t, f.rec.has("backup"))
}

type unhealthy struct{}

func (unhealthy) Check(ctx context.Context) health.Result {
	return health.Result{Message: "mysqld is not answering"}
}

func (unhealthy) String() string {
	return "unhealthy"
}

func TestAppTierStartsOnlyAfterDatabaseGate(t *testing.T) {
	f := newFixture(t)

	_, err := f.run()
	require.NoError(t, err)
	gate := f.rec.index("gate:database")
	start := f.rec.index("start:redis,app,queue,scheduler")
	require.NotEqual(t, -1, gate)
	assert.Greater(t, start, gate)
	assert.Greater(t, f.rec.index("migrate"), f.rec.index("gate:application"))
	assert.Greater(t, f.rec.index("gate:final"), f.rec.index("migrate"))
}

func TestForceContinuesPastHealthCheckTimeout(t *testing.T) {
	f := newFixture(t)
	f.options.Force = true
	f.gate.fail["application"] = deployerr.Errorf(deployerr.HealthCheckTimeout, "application: not healthy after 60 attempts")

	out, err := f.run()
	require.NoError(t, err)
	assert.Equal(t, deployer.StageDone, out.Stage)
	assert.True(t, f.rec.has("migrate"))
	require.Len(t, out.Warnings, 1)
	assert.Contains(t, out.Warnings[0], string(deployer.StageWaitApp))
}

func TestHealthCheckTimeoutIsFatalWithoutForce(t *testing.T) {
	f := newFixture(t)
	f.gate.fail["application"] = deployerr.Errorf(deployerr.HealthCheckTimeout, "application: not healthy after 60 attempts")

	out, err := f.run()
	require.Error(t, err)
	assert.Equal(t, deployer.StageWaitApp, out.FailedStage)
	assert.Equal(t, deployerr.ExitHealthCheckTimeout, deployerr.ErrorExitCode(err))
	assert.False(t, f.rec.has("backup"))
	assert.False(t, f.rec.has("migrate"))
}

func TestMigrationFailure(t *testing.T) {
	f := newFixture(t)
	f.migrator.migrateErr = deployerr.Errorf(deployerr.MigrationFailure, "php artisan migrate: exit status 1")

	out, err := f.run()
	require.Error(t, err)
	assert.Equal(t, deployerr.MigrationFailure, deployerr.KindOf(err))
	assert.Equal(t, deployer.StageMigrate, out.FailedStage)
	assert.False(t, f.rec.has("caches"))
	assert.False(t, f.rec.has("gate:final"))
}

func TestForcedMigrationFailure(t *testing.T) {
	f := newFixture(t)
	f.options.Force = true
	f.migrator.migrateErr = deployerr.Errorf(deployerr.MigrationFailure, "php artisan migrate: exit status 1")

	out, err := f.run()
	require.NoError(t, err)
	assert.Equal(t, deployer.StageDone, out.Stage)
	assert.True(t, f.rec.has("caches"))
	assert.True(t, f.rec.has("gate:final"))
	assert.Len(t, out.Warnings, 1)
}

func TestBackupFailureDoesNotChangeOutcome(t *testing.T) {
	f := newFixture(t)
	f.backup.err = deployerr.Errorf(deployerr.BackupFailure, "database credentials missing from .env: DB_PASSWORD")

	out, err := f.run()
	require.NoError(t, err)
	assert.Equal(t, deployer.StageDone, out.Stage)
	assert.Nil(t, out.Backup)
	assert.True(t, f.rec.has("migrate"))
	require.Len(t, out.Warnings, 1)
	assert.Contains(t, out.Warnings[0], "DB_PASSWORD")
}

func TestBackupTransportErrorIsFatal(t *testing.T) {
	f := newFixture(t)
	f.backup.err = deployerr.Errorf(deployerr.TransportError, "connection lost")

	out, err := f.run()
	require.Error(t, err)
	assert.Equal(t, deployer.StageBackup, out.FailedStage)
	assert.False(t, f.rec.has("migrate"))
}

func TestCacheRebuildFailureIsWarning(t *testing.T) {
	f := newFixture(t)
	f.migrator.cacheErr = deployerr.Errorf(deployerr.CacheRebuildFailure, "php artisan route:cache: exit status 1")

	out, err := f.run()
	require.NoError(t, err)
	assert.True(t, out.Succeeded())
	assert.Len(t, out.Warnings, 1)
}

func TestStackFailureIsFatal(t *testing.T) {
	f := newFixture(t)
	f.stack.startErr = deployerr.Errorf(deployerr.TransportError, "ssh: unexpected EOF")
	f.options.Force = true

	out, err := f.run()
	require.Error(t, err)
	assert.Equal(t, deployer.StageStartDB, out.FailedStage)
	assert.Equal(t, deployerr.ExitTransportError, deployerr.ErrorExitCode(err))
}

func TestAutomaticRollback(t *testing.T) {
	f := newFixture(t)
	rb := &fakeRollback{rec: f.rec}
	f.components.AutoRollback = rb
	f.gate.fail["application"] = deployerr.Errorf(deployerr.HealthCheckTimeout, "not healthy")

	out, err := f.run()
	require.Error(t, err)
	assert.True(t, out.RolledBack)
	assert.Equal(t, "rollback:ghcr.io/kangbeef/store:41:aarch64", f.rec.events[len(f.rec.events)-1])
}

func TestNoAutomaticRollbackBeforeAppTier(t *testing.T) {
	f := newFixture(t)
	f.components.AutoRollback = &fakeRollback{rec: f.rec}
	f.gate.fail["database"] = deployerr.Errorf(deployerr.HealthCheckTimeout, "not healthy")

	out, err := f.run()
	require.Error(t, err)
	assert.False(t, out.RolledBack)
	assert.False(t, f.rec.has("rollback"))
}

func TestBuildStage(t *testing.T) {
	f := newFixture(t)
	f.components.Builder = &fakeBuilder{rec: f.rec}

	out, err := f.run()
	require.NoError(t, err)
	assert.Equal(t, "build", f.rec.events[0])
	assert.Equal(t, deployer.StageBuild, out.Transitions[0].To)
}

func TestBuildFailure(t *testing.T) {
	f := newFixture(t)
	f.components.Builder = &fakeBuilder{rec: f.rec, err: deployerr.Errorf(deployerr.BuildFailure, "exit status 1")}

	out, err := f.run()
	require.Error(t, err)
	assert.Equal(t, deployer.StageBuild, out.FailedStage)
	assert.Equal(t, deployerr.ExitBuildFailure, deployerr.ErrorExitCode(err))
	assert.False(t, f.rec.has("resolve"))
}

func TestCleanupFailureIsWarning(t *testing.T) {
	f := newFixture(t)
	exec := remote.NewMockExecutor(t)
	exec.On("Run", mock.Anything, remote.Containing("docker image prune --force")).
		Return(remote.Failed(1, "permission denied"), nil).Once()
	f.components.Exec = exec

	out, err := f.run()
	require.NoError(t, err)
	assert.True(t, out.Succeeded())
	require.Len(t, out.Warnings, 1)
	assert.Contains(t, out.Warnings[0], "CLEANUP")
}

func TestCancelledContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := deployer.New(f.components, f.options).Run(ctx)
	require.Error(t, err)
	assert.Equal(t, deployerr.Timeout, deployerr.KindOf(err))
	assert.Equal(t, deployer.StageResolve, out.FailedStage)
	assert.Empty(t, f.rec.events)
}

func TestFailureCollectsLogsOfFailedWave(t *testing.T) {
	f := newFixture(t)
	f.stack.logs = "app-1  | SQLSTATE[HY000] [2002] Connection refused"
	f.gate.fail["application"] = deployerr.Errorf(deployerr.HealthCheckTimeout, "not healthy")

	out, err := f.run()
	require.Error(t, err)
	assert.Contains(t, f.rec.events, "logs:50:redis,app,queue,scheduler")
	assert.Equal(t, f.stack.logs, out.Logs)
}

func TestDatabaseFailureCollectsDatabaseLogs(t *testing.T) {
	f := newFixture(t)
	f.stack.logs = "db-1  | [ERROR] InnoDB: Unable to lock ./ibdata1"
	f.gate.fail["database"] = deployerr.Errorf(deployerr.HealthCheckTimeout, "not healthy")

	out, err := f.run()
	require.Error(t, err)
	assert.Contains(t, f.rec.events, "logs:50:db")
	assert.Equal(t, f.stack.logs, out.Logs)
}

func TestLogCollectionFailureKeepsError(t *testing.T) {
	f := newFixture(t)
	f.stack.logsErr = deployerr.Errorf(deployerr.TransportError, "ssh: unexpected EOF")
	f.migrator.migrateErr = deployerr.Errorf(deployerr.MigrationFailure, "php artisan migrate: exit status 1")

	out, err := f.run()
	require.Error(t, err)
	assert.Equal(t, deployerr.MigrationFailure, deployerr.KindOf(err))
	assert.Equal(t, deployer.StageMigrate, out.FailedStage)
	assert.Empty(t, out.Logs)
}

func TestNoLogsWithoutStartedServices(t *testing.T) {
	f := newFixture(t)
	f.resolver.err = deployerr.Errorf(deployerr.CommandFailure, "pull: exit status 1")

	out, err := f.run()
	require.Error(t, err)
	assert.False(t, f.rec.has("logs"))
	assert.Empty(t, out.Logs)
}

func TestOutcomeIsRedacted(t *testing.T) {
	f := newFixture(t)
	f.components.Redactor = redact.New("hunter2")
	f.stack.logs = "app-1  | connecting with password hunter2"
	f.backup.err = deployerr.Errorf(deployerr.BackupFailure, "mysqldump: access denied for hunter2")
	f.migrator.migrateErr = deployerr.Errorf(deployerr.MigrationFailure, "SQLSTATE[28000]: password hunter2 rejected")

	out, err := f.run()
	require.Error(t, err)
	require.Len(t, out.Warnings, 1)
	assert.NotContains(t, out.Warnings[0], "hunter2")
	assert.NotContains(t, out.Failure, "hunter2")
	assert.Contains(t, out.Failure, "MigrationFailure")
	assert.NotContains(t, out.Logs, "hunter2")

	buf := &bytes.Buffer{}
	require.NoError(t, deployer.StepSummary(buf, out))
	assert.NotContains(t, buf.String(), "hunter2")
	assert.Contains(t, buf.String(), "Last service logs")
}
