// Package deployer runs the deployment pipeline: it resolves the release image,
// restarts the stack in waves behind health gates, backs up the database, migrates
// it, and reports how to roll back.
package deployer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/kangbeef/deploy/pkg/backup"
	"github.com/kangbeef/deploy/pkg/deployerr"
	"github.com/kangbeef/deploy/pkg/health"
	"github.com/kangbeef/deploy/pkg/metrics"
	"github.com/kangbeef/deploy/pkg/redact"
	"github.com/kangbeef/deploy/pkg/release"
	"github.com/kangbeef/deploy/pkg/remote"
	"github.com/kangbeef/deploy/pkg/resolver"
	"github.com/kangbeef/deploy/pkg/rollback"
	"github.com/kangbeef/deploy/pkg/stack"
	"github.com/kangbeef/deploy/pkg/telemetry"
)

// FailureLogLines is how many lines of each service's output a failed run keeps.
const FailureLogLines = 50

const logsTimeout = 30 * time.Second

type Builder interface {
	Build(ctx context.Context) error
}

type Resolver interface {
	Resolve(ctx context.Context) (*resolver.Resolved, error)
}

type Stack interface {
	StopAll(ctx context.Context) error
	Start(ctx context.Context, services ...string) error
	Running(ctx context.Context) (map[string]bool, error)
	Logs(ctx context.Context, tail int, services ...string) (string, error)
}

type Gate interface {
	Wait(ctx context.Context, name string, checker health.Checker) (health.Report, error)
}

type Backup interface {
	Backup(ctx context.Context, databaseRunning bool) (*backup.Artifact, error)
}

type Migrator interface {
	Migrate(ctx context.Context) error
	RebuildCaches(ctx context.Context) error
}

type Rollback interface {
	Rollback(ctx context.Context, advice rollback.Advice, hostArch string) error
}

// Release holds the collaborators that run compose against the resolved image.
type Release struct {
	Stack           Stack
	DatabaseChecker health.Checker
	Backup          Backup
	Migrator        Migrator
}

// Components are the collaborators of a run. Builder, PublicChecker, AutoRollback,
// Exec and Redactor may be nil.
type Components struct {
	Builder  Builder
	Resolver Resolver
	// ReleaseFor is called once the image is resolved. Everything it returns
	// passes the reference and platform to compose.
	ReleaseFor    func(reference, platform string) (Release, error)
	DatabaseGate  Gate
	AppGate       Gate
	AppChecker    health.Checker
	PublicChecker health.Checker
	Advisor       *rollback.Advisor
	AutoRollback  Rollback
	// Exec runs cleanup commands on the host.
	Exec remote.Executor
	// Redactor masks secrets in the warnings, failure and logs of the outcome.
	Redactor *redact.Redactor
}

type Options struct {
	Candidate   release.Candidate
	Environment string
	Services    stack.Services
	Force       bool
}

// Outcome describes a finished run, successful or not.
type Outcome struct {
	RunID       string             `json:"runID"`
	Environment string             `json:"environment"`
	Candidate   release.Candidate  `json:"candidate"`
	Resolved    *resolver.Resolved `json:"resolved,omitempty"`
	Stage       Stage              `json:"stage"`
	FailedStage Stage              `json:"failedStage,omitempty"`
	Transitions []Transition       `json:"transitions"`
	Reports     []health.Report    `json:"healthReports,omitempty"`
	Backup      *backup.Artifact   `json:"backup,omitempty"`
	Warnings    []string           `json:"warnings,omitempty"`
	Failure     string             `json:"failure,omitempty"`
	Logs        string             `json:"logs,omitempty"`
	Advice      rollback.Advice    `json:"rollback"`
	RolledBack  bool               `json:"rolledBack"`
	Started     time.Time          `json:"started"`
	Finished    time.Time          `json:"finished"`
	Err         error              `json:"-"`
}

func (o *Outcome) Succeeded() bool {
	return o.Stage == StageDone
}

type Deployer struct {
	components Components
	options    Options
	now        func() time.Time
	newID      func() string
}

func New(components Components, options Options) *Deployer {
	return &Deployer{
		components: components,
		options:    options,
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// WithClock replaces the clock used for timestamps and stage durations.
func (d *Deployer) WithClock(now func() time.Time) *Deployer {
	d.now = now
	return d
}

// Run executes the pipeline once. The returned outcome is never nil. The error is
// the fatal error that ended the run, carrying the stage it happened in.
func (d *Deployer) Run(ctx context.Context) (*Outcome, error) {
	out := &Outcome{
		RunID:       d.newID(),
		Environment: d.options.Environment,
		Candidate:   d.options.Candidate,
		Started:     d.now(),
	}

	ctx, span := telemetry.Tracer().Start(ctx, "Deploy "+d.options.Candidate.Reference())
	machine := NewMachine(d.now)

	if d.components.Advisor != nil {
		advice, err := d.components.Advisor.Advise(d.options.Candidate)
		if err != nil {
			log.Warnf("Unable to compute rollback command: %s", err)
		}
		out.Advice = advice
	}

	var rel Release
	err := d.run(ctx, machine, out, &rel)
	if err != nil {
		out.FailedStage = Stage(deployerr.StageOf(err))
		out.Err = err
		out.Failure = d.components.Redactor.Redact(err.Error())
		if terr := machine.Transition(StageFailed); terr != nil {
			log.Errorf("BUG: %s", terr)
		}
		d.collectLogs(ctx, out, rel.Stack)
		d.autoRollback(ctx, out)
		metrics.DeployResult(metrics.ResultFailed)
	} else {
		metrics.DeployResult(metrics.ResultSuccess)
	}

	out.Stage = machine.Current()
	out.Transitions = machine.History()
	out.Finished = d.now()
	telemetry.End(span, err)

	return out, err
}

func (d *Deployer) run(ctx context.Context, m *Machine, out *Outcome, rel *Release) error {
	services := d.options.Services
	waves := services.Waves()

	if d.components.Builder != nil {
		err := d.stage(ctx, m, out, StageBuild, func(ctx context.Context) error {
			return d.components.Builder.Build(ctx)
		})
		if err != nil {
			return err
		}
	}

	err := d.stage(ctx, m, out, StageResolve, func(ctx context.Context) error {
		resolved, err := d.components.Resolver.Resolve(ctx)
		if err != nil {
			return err
		}
		out.Resolved = resolved
		*rel, err = d.components.ReleaseFor(resolved.Reference, resolved.Platform)
		return err
	})
	if err != nil {
		return err
	}
	st := rel.Stack

	err = d.stage(ctx, m, out, StageStartDB, func(ctx context.Context) error {
		if err := st.StopAll(ctx); err != nil {
			return err
		}
		return st.Start(ctx, waves[0]...)
	})
	if err != nil {
		return err
	}

	err = d.stage(ctx, m, out, StageWaitDB, func(ctx context.Context) error {
		return d.gate(ctx, out, d.components.DatabaseGate, "database", rel.DatabaseChecker)
	})
	if err != nil {
		return err
	}

	err = d.stage(ctx, m, out, StageStartApp, func(ctx context.Context) error {
		return st.Start(ctx, waves[1]...)
	})
	if err != nil {
		return err
	}

	err = d.stage(ctx, m, out, StageWaitApp, func(ctx context.Context) error {
		return d.gate(ctx, out, d.components.AppGate, "application", d.components.AppChecker)
	})
	if err != nil {
		return err
	}

	err = d.stage(ctx, m, out, StageBackup, func(ctx context.Context) error {
		running, err := st.Running(ctx)
		if err != nil {
			if deployerr.KindOf(err) == deployerr.TransportError {
				return err
			}
			return deployerr.Wrap(deployerr.BackupFailure, err)
		}
		artifact, err := rel.Backup.Backup(ctx, running[services.Database])
		out.Backup = artifact
		return err
	})
	if err != nil {
		return err
	}

	err = d.stage(ctx, m, out, StageMigrate, func(ctx context.Context) error {
		if err := rel.Migrator.Migrate(ctx); err != nil {
			if err = d.tolerate(out, StageMigrate, err); err != nil {
				return err
			}
		}
		return rel.Migrator.RebuildCaches(ctx)
	})
	if err != nil {
		return err
	}

	err = d.stage(ctx, m, out, StageFinalHealth, func(ctx context.Context) error {
		err := d.gate(ctx, out, d.components.AppGate, "final", d.components.AppChecker)
		if err != nil {
			return err
		}
		if d.components.PublicChecker != nil {
			return d.gate(ctx, out, d.components.AppGate, "public", d.components.PublicChecker)
		}
		return nil
	})
	if err != nil {
		return err
	}

	err = d.stage(ctx, m, out, StageCleanup, func(ctx context.Context) error {
		d.cleanup(ctx, out)
		return nil
	})
	if err != nil {
		return err
	}

	if err := m.Transition(StageDone); err != nil {
		return deployerr.WithStage(string(StageDone), deployerr.Wrap(deployerr.InternalError, err))
	}
	return nil
}

// stage runs fn as the given pipeline stage. Errors that are non-fatal, or that the
// force flag overrides, are recorded as warnings and the pipeline continues.
func (d *Deployer) stage(ctx context.Context, m *Machine, out *Outcome, stage Stage, fn func(ctx context.Context) error) error {
	if err := m.Transition(stage); err != nil {
		return deployerr.WithStage(string(stage), deployerr.Wrap(deployerr.InternalError, err))
	}
	if err := ctx.Err(); err != nil {
		return deployerr.WithStage(string(stage), deployerr.Errorf(deployerr.Timeout, "deployment aborted: %w", err))
	}

	ctx, span := telemetry.Stage(ctx, string(stage))
	started := d.now()
	log.Infof("==> %s", stage)

	err := d.tolerate(out, stage, fn(ctx))

	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultFailed
	}
	metrics.StageDuration(string(stage), result, d.now().Sub(started))
	telemetry.End(span, err)

	if err != nil {
		return deployerr.WithStage(string(stage), err)
	}
	return nil
}

func (d *Deployer) tolerate(out *Outcome, stage Stage, err error) error {
	if err == nil {
		return nil
	}
	kind := deployerr.KindOf(err)
	switch {
	case !kind.Fatal():
		log.Warnf("%s: %s", stage, err)
	case kind.Overridable() && d.options.Force:
		log.Warnf("%s: %s", stage, err)
		log.Warnf("Continuing because --force is set")
	default:
		return err
	}
	d.warn(out, stage, err)
	return nil
}

func (d *Deployer) warn(out *Outcome, stage Stage, err error) {
	out.Warnings = append(out.Warnings, d.components.Redactor.Redact(fmt.Sprintf("%s: %s", stage, err)))
}

func (d *Deployer) gate(ctx context.Context, out *Outcome, gate Gate, name string, checker health.Checker) error {
	report, err := gate.Wait(ctx, name, checker)
	out.Reports = append(out.Reports, report)
	metrics.HealthAttempts(name, report.Attempts)
	return err
}

func (d *Deployer) cleanup(ctx context.Context, out *Outcome) {
	if d.components.Exec == nil {
		return
	}
	res, err := d.components.Exec.Run(ctx, remote.Cmd("docker", "image", "prune", "--force"))
	if err == nil && !res.Success() {
		err = remote.Failure("prune images", res)
	}
	if err != nil {
		log.Warnf("Cleanup failed: %s", err)
		d.warn(out, StageCleanup, err)
		return
	}
	log.Infof("Removed dangling images")
}

// collectLogs keeps the last lines of output of the services started by the wave
// the run failed in. Failing to collect them is only logged.
func (d *Deployer) collectLogs(ctx context.Context, out *Outcome, st Stack) {
	if st == nil || !out.FailedStage.After(StageStartDB) {
		return
	}
	waves := d.options.Services.Waves()
	services := waves[0]
	if out.FailedStage.After(StageStartApp) {
		services = waves[1]
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), logsTimeout)
	defer cancel()

	logs, err := st.Logs(ctx, FailureLogLines, services...)
	if err != nil {
		log.Warnf("Unable to collect service logs: %s", err)
		return
	}
	out.Logs = d.components.Redactor.Redact(logs)
}

// autoRollback restores the previous release when enabled and the failure left the
// application tier in an unknown state.
func (d *Deployer) autoRollback(ctx context.Context, out *Outcome) {
	if d.components.AutoRollback == nil || !out.Advice.Available || out.Resolved == nil {
		return
	}
	if !out.FailedStage.After(StageStartApp) {
		return
	}

	// The run may have failed because its context expired; the rollback gets its own budget.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Minute)
	defer cancel()

	err := d.components.AutoRollback.Rollback(ctx, out.Advice, out.Resolved.HostArch)
	if err != nil {
		log.Errorf("Automatic rollback failed: %s", err)
		return
	}
	out.RolledBack = true
}
