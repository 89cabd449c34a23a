package deployer

import (
	"os"

	"github.com/kangbeef/deploy/pkg/backup"
	"github.com/kangbeef/deploy/pkg/builder"
	"github.com/kangbeef/deploy/pkg/deployerr"
	"github.com/kangbeef/deploy/pkg/health"
	"github.com/kangbeef/deploy/pkg/migrate"
	"github.com/kangbeef/deploy/pkg/redact"
	"github.com/kangbeef/deploy/pkg/remote"
	"github.com/kangbeef/deploy/pkg/resolver"
	"github.com/kangbeef/deploy/pkg/rollback"
	"github.com/kangbeef/deploy/pkg/stack"
)

// SSHConfig returns the connection settings for the deployment host.
func (cfg *Config) SSHConfig() (remote.SSHConfig, error) {
	key := []byte(cfg.SSHKey)
	if len(key) == 0 && len(cfg.SSHKeyFile) > 0 {
		var err error
		key, err = os.ReadFile(cfg.SSHKeyFile)
		if err != nil {
			return remote.SSHConfig{}, deployerr.Errorf(deployerr.InvocationFailure, "read ssh key: %s", err)
		}
	}
	return remote.SSHConfig{
		Host:                  cfg.Host,
		Port:                  cfg.Port,
		User:                  cfg.User,
		PrivateKey:            key,
		Passphrase:            []byte(cfg.SSHKeyPassphrase),
		KnownHostsFile:        cfg.KnownHosts,
		InsecureIgnoreHostKey: cfg.InsecureIgnoreHostKey,
	}, nil
}

// NewAdvisor returns the rollback advisor for the configured target.
func (cfg *Config) NewAdvisor() (*rollback.Advisor, error) {
	target := cfg.Target()
	return rollback.NewAdvisor(rollback.Target{
		Host:       target.Host,
		Port:       target.Port,
		User:       target.User,
		DeployPath: target.DeployPath,
		Services:   cfg.Services().AppTier(),
	}, cfg.RollbackTemplate)
}

// Setup wires a deployer for cfg. Remote commands go through exec; the optional
// image build runs through local.
func Setup(cfg *Config, exec, local remote.Executor, redactor *redact.Redactor) (*Deployer, error) {
	target := cfg.Target()
	candidate := cfg.Candidate()
	services := cfg.Services()

	redactor.Add(cfg.RegistryPassword, cfg.SSHKeyPassphrase, cfg.SSHKey)

	compose := stack.Compose{
		Dir:     target.DeployPath,
		File:    target.ComposeFile,
		Project: cfg.ComposeProject,
	}

	res := resolver.New(exec, resolver.Config{
		Candidate:        candidate,
		RegistryUser:     cfg.RegistryUser,
		RegistryPassword: cfg.RegistryPassword,
		Force:            cfg.Force,
	})

	controller := stack.New(exec, stack.Config{
		Compose:         compose,
		ShutdownTimeout: cfg.ShutdownTimeout,
	})

	advisor, err := cfg.NewAdvisor()
	if err != nil {
		return nil, err
	}

	components := Components{
		Resolver: res,
		ReleaseFor: func(reference, platform string) (Release, error) {
			st := controller.WithImage(reference, platform)
			compose := st.Compose()
			dbChecker, err := health.NewDatabaseChecker(exec, compose, services.Database, cfg.DatabaseDriver)
			if err != nil {
				return Release{}, deployerr.Wrap(deployerr.InvocationFailure, err)
			}
			return Release{
				Stack:           st,
				DatabaseChecker: dbChecker,
				Backup: backup.New(exec, backup.Config{
					Compose:    compose,
					Service:    services.Database,
					EnvFile:    target.EnvFile,
					BackupPath: target.BackupPath,
					Label:      candidate.Tag(),
				}, redactor),
				Migrator: migrate.New(exec, migrate.Config{
					Compose: compose,
					Service: services.App,
				}),
			}, nil
		},
		DatabaseGate: health.NewGate(cfg.HealthInterval, cfg.DatabaseHealthAttempts),
		AppGate:      health.NewGate(cfg.HealthInterval, cfg.AppHealthAttempts),
		AppChecker:   health.NewAppChecker(exec, cfg.AppPort, cfg.AppHealthPath, DefaultProbeTimeout),
		Advisor:      advisor,
		Exec:         exec,
		Redactor:     redactor,
	}

	if len(cfg.PublicURL) > 0 {
		components.PublicChecker = health.NewHTTPChecker(cfg.PublicURL)
	}

	if cfg.Build {
		buildArgs, err := cfg.BuildArgMap()
		if err != nil {
			return nil, err
		}
		platform := candidate.Platform
		if len(platform) == 0 {
			return nil, deployerr.Errorf(deployerr.InvocationFailure, "platform is required when building")
		}
		components.Builder = builder.New(local, builder.Config{
			Context:       cfg.BuildContext,
			Dockerfile:    cfg.Dockerfile,
			Reference:     candidate.Reference(),
			Platform:      platform,
			BuildArgs:     buildArgs,
			Push:          true,
			Timeout:       cfg.BuildTimeout,
			Retries:       cfg.BuildRetries,
			RetryInterval: builder.DefaultRetryInterval,
		})
	}

	if cfg.AutoRollback {
		components.AutoRollback = &rollback.Automatic{
			Images:   res,
			Stack:    controller,
			Services: services.AppTier(),
		}
	}

	return New(components, Options{
		Candidate:   candidate,
		Environment: cfg.Environment,
		Services:    services,
		Force:       cfg.Force,
	}), nil
}

// DryRunPlan returns the plan of cfg including the rollback command.
func DryRunPlan(cfg *Config) (Plan, error) {
	plan := NewPlan(cfg)
	advisor, err := cfg.NewAdvisor()
	if err != nil {
		return plan, err
	}
	advice, err := advisor.Advise(cfg.Candidate())
	if err != nil {
		return plan, err
	}
	plan.Rollback = advice.String()
	return plan, nil
}
