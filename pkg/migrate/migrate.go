// Package migrate applies schema migrations and rebuilds framework caches in the
// application container.
package migrate

import (
	"context"
	"strings"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/kangbeef/deploy/pkg/deployerr"
	"github.com/kangbeef/deploy/pkg/remote"
	"github.com/kangbeef/deploy/pkg/stack"
)

// DefaultCaches are the artisan cache commands run after a successful migration.
var DefaultCaches = []string{"config:cache", "route:cache", "view:cache"}

type Config struct {
	Compose stack.Compose
	Service string
	// Caches overrides DefaultCaches when non-nil.
	Caches []string
}

type Runner struct {
	exec   remote.Executor
	config Config
}

func New(exec remote.Executor, cfg Config) *Runner {
	if cfg.Caches == nil {
		cfg.Caches = DefaultCaches
	}
	return &Runner{
		exec:   exec,
		config: cfg,
	}
}

func (r *Runner) artisan(args ...string) remote.Command {
	return r.config.Compose.Exec(r.config.Service, append([]string{"php", "artisan"}, args...)...)
}

// Migrate applies pending migrations. A non-zero exit is a MigrationFailure.
func (r *Runner) Migrate(ctx context.Context) error {
	log.Infof("Running database migrations in %q...", r.config.Service)

	res, err := r.exec.Run(ctx, r.artisan("migrate", "--force", "--no-interaction"))
	if err != nil {
		return err
	}
	if !res.Success() {
		return deployerr.Errorf(deployerr.MigrationFailure, "php artisan migrate: exit status %d: %s", res.ExitCode, res.Message())
	}

	if out := res.Output(); len(out) > 0 {
		for _, line := range strings.Split(out, "\n") {
			log.Info(strings.TrimSpace(line))
		}
	}
	log.Infof("Migrations applied")
	return nil
}

// RebuildCaches runs every cache command even if some fail. The failures are
// returned together as a single CacheRebuildFailure. Transport errors stop the
// rebuild and are returned as they are.
func (r *Runner) RebuildCaches(ctx context.Context) error {
	var result *multierror.Error

	for _, cache := range r.config.Caches {
		log.Debugf("php artisan %s", cache)
		res, err := r.exec.Run(ctx, r.artisan(cache))
		if err != nil {
			return err
		}
		if !res.Success() {
			log.Warnf("php artisan %s failed: %s", cache, res.Message())
			result = multierror.Append(result, remote.Failure("php artisan "+cache, res))
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		return deployerr.Wrap(deployerr.CacheRebuildFailure, err)
	}

	log.Infof("Framework caches rebuilt")
	return nil
}
