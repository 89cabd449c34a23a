package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kangbeef/deploy/pkg/deployer"
	"github.com/kangbeef/deploy/pkg/deployerr"
	"github.com/kangbeef/deploy/pkg/metrics"
	"github.com/kangbeef/deploy/pkg/redact"
	"github.com/kangbeef/deploy/pkg/remote"
	"github.com/kangbeef/deploy/pkg/telemetry"
	"github.com/kangbeef/deploy/pkg/version"
)

func main() {
	fs, err := run()
	if err == nil {
		return
	}
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	code := deployerr.ErrorExitCode(err)
	if code == deployerr.ExitInvocationFailure && fs != nil {
		fs.Usage()
	}
	log.Errorf("fatal: %s", err)
	os.Exit(int(code))
}

func run() (*flag.FlagSet, error) {
	// Configuration and context
	cfg, v, fs, err := deployer.LoadConfig(os.Args[1:])
	if err != nil {
		return fs, err
	}

	// Logging
	redactor := redact.New()
	err = deployer.SetupLogging(*cfg, os.Stderr, redactor)
	if err != nil {
		return fs, err
	}

	err = cfg.Validate()
	if err != nil {
		return fs, err
	}

	// Welcome
	log.Infof("Stack deploy %s", version.Version())
	if ts := version.BuildTime(); !ts.IsZero() {
		log.Infof("This version was built %s", ts.Local())
	}
	for _, line := range deployer.FormatConfig(v) {
		log.Debug(line)
	}

	if cfg.DryRun {
		plan, err := deployer.DryRunPlan(cfg)
		if err != nil {
			return fs, err
		}
		data, err := plan.YAML()
		if err != nil {
			return fs, deployerr.Wrap(deployerr.InternalError, err)
		}
		fmt.Print(string(data))
		return fs, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	// Tracing
	tp, err := telemetry.New(ctx, deployer.DefaultOtelServiceName, cfg.OpenTelemetryCollectorURL,
		attribute.String("deploy.environment", cfg.Environment),
		attribute.String("deploy.host", cfg.Host),
	)
	if err != nil {
		return fs, deployerr.Wrap(deployerr.InvocationFailure, fmt.Errorf("set up tracing: %w", err))
	}
	defer func() {
		err := tp.Shutdown(context.Background())
		if err != nil {
			log.Warnf("Flush traces: %s", err)
		}
	}()

	// Remote host
	sshConfig, err := cfg.SSHConfig()
	if err != nil {
		return fs, err
	}
	redactor.Add(cfg.RegistryPassword, cfg.SSHKeyPassphrase)
	exec, err := remote.NewSSHExecutor(sshConfig, redactor)
	if err != nil {
		return fs, err
	}
	defer func() {
		err := exec.Close()
		if err != nil {
			log.Debugf("Close ssh connection: %s", err)
		}
	}()

	d, err := deployer.Setup(cfg, exec, &remote.LocalExecutor{Redactor: redactor}, redactor)
	if err != nil {
		return fs, err
	}

	log.Infof("Deploying %s to %s@%s:%s", cfg.Candidate().Reference(), cfg.User, cfg.Host, cfg.DeployPath)

	out, err := d.Run(ctx)

	deployer.LogSummary(out)
	if serr := deployer.WriteStepSummary(out); serr != nil {
		log.Warnf("Write step summary: %s", serr)
	}
	if len(cfg.PushgatewayURL) > 0 {
		perr := metrics.Push(context.Background(), cfg.PushgatewayURL, "stack-deploy", cfg.Environment)
		if perr != nil {
			log.Warnf("Push metrics: %s", perr)
		}
	}

	return nil, err
}
