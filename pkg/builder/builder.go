// Package builder builds and pushes the release image before it is rolled out.
package builder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kangbeef/deploy/pkg/deployerr"
	"github.com/kangbeef/deploy/pkg/health"
	"github.com/kangbeef/deploy/pkg/keepalive"
	"github.com/kangbeef/deploy/pkg/remote"
)

const (
	DefaultTimeout       = 45 * time.Minute
	DefaultRetries       = 2
	DefaultRetryInterval = 30 * time.Second
)

type Config struct {
	Context    string
	Dockerfile string
	Reference  string
	Platform   string
	BuildArgs  map[string]string
	Push       bool
	// Timeout bounds a single attempt.
	Timeout           time.Duration
	Retries           int
	RetryInterval     time.Duration
	HeartbeatInterval time.Duration
}

type Builder struct {
	exec   remote.Executor
	config Config
	Sleep  func(ctx context.Context, d time.Duration) error
}

func New(exec remote.Executor, cfg Config) *Builder {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if len(cfg.Context) == 0 {
		cfg.Context = "."
	}
	return &Builder{
		exec:   exec,
		config: cfg,
		Sleep:  health.Sleep,
	}
}

// Command returns the buildx invocation for the configured image.
func (b *Builder) Command() remote.Command {
	args := []string{"docker", "buildx", "build"}
	if len(b.config.Platform) > 0 {
		args = append(args, "--platform", b.config.Platform)
	}
	args = append(args, "--tag", b.config.Reference)
	if len(b.config.Dockerfile) > 0 {
		args = append(args, "--file", b.config.Dockerfile)
	}

	keys := make([]string, 0, len(b.config.BuildArgs))
	for k := range b.config.BuildArgs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--build-arg", k+"="+b.config.BuildArgs[k])
	}

	if b.config.Push {
		args = append(args, "--push")
	}
	return remote.Cmd(append(args, b.config.Context)...)
}

// Build runs up to 1+Retries attempts. Exhausting them, or running out of the
// overall deadline, is a BuildFailure.
func (b *Builder) Build(ctx context.Context) error {
	attempts := b.config.Retries + 1
	cmd := b.Command()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		log.Infof("Building %s for %s (attempt %d/%d)...", b.config.Reference, b.config.Platform, attempt, attempts)

		lastErr = b.attempt(ctx, cmd)
		if lastErr == nil {
			log.Infof("Image %s built", b.config.Reference)
			return nil
		}
		if ctx.Err() != nil {
			break
		}
		if attempt == attempts {
			break
		}

		log.Warnf("%s (retrying in %s...)", lastErr, b.config.RetryInterval)
		if err := b.Sleep(ctx, b.config.RetryInterval); err != nil {
			break
		}
	}

	return deployerr.Errorf(deployerr.BuildFailure, "build %s: %w", b.config.Reference, lastErr)
}

func (b *Builder) attempt(ctx context.Context, cmd remote.Command) error {
	ctx, cancel := context.WithTimeout(ctx, b.config.Timeout)
	defer cancel()

	stop := keepalive.Start(ctx, b.config.HeartbeatInterval, func(elapsed time.Duration) {
		log.Infof("Still building %s (%s elapsed)", b.config.Reference, elapsed)
	})
	defer stop()

	res, err := b.exec.Run(ctx, cmd)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("attempt timed out after %s", b.config.Timeout)
		}
		return err
	}
	if !res.Success() {
		return fmt.Errorf("exit status %d: %s", res.ExitCode, res.Message())
	}
	return nil
}
