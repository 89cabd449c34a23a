// Package stack starts and stops the services of the deployed stack.
package stack

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kangbeef/deploy/pkg/remote"
)

const (
	DefaultShutdownTimeout = 30 * time.Second

	// Environment variables through which the compose definition picks up the release.
	ImageEnv    = "APP_IMAGE"
	PlatformEnv = "DOCKER_DEFAULT_PLATFORM"
)

// Services names the stack's services and the order they are started in.
type Services struct {
	Database  string `json:"database"`
	Cache     string `json:"cache"`
	App       string `json:"app"`
	Queue     string `json:"queue"`
	Scheduler string `json:"scheduler"`
}

func DefaultServices() Services {
	return Services{
		Database:  "db",
		Cache:     "redis",
		App:       "app",
		Queue:     "queue",
		Scheduler: "scheduler",
	}
}

// Waves returns the start order: the database alone, then everything else.
func (s Services) Waves() [][]string {
	return [][]string{
		nonEmpty(s.Database),
		nonEmpty(s.Cache, s.App, s.Queue, s.Scheduler),
	}
}

// AppTier returns the services that run the application image.
func (s Services) AppTier() []string {
	return nonEmpty(s.App, s.Queue, s.Scheduler)
}

func nonEmpty(names ...string) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		if len(name) > 0 {
			out = append(out, name)
		}
	}
	return out
}

type Config struct {
	Compose         Compose
	ShutdownTimeout time.Duration
}

type Controller struct {
	exec   remote.Executor
	config Config
}

func New(exec remote.Executor, cfg Config) *Controller {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	return &Controller{
		exec:   exec,
		config: cfg,
	}
}

// WithImage returns a controller that starts services from the given image.
func (c *Controller) WithImage(reference, platform string) *Controller {
	env := map[string]string{ImageEnv: reference}
	if len(platform) > 0 {
		env[PlatformEnv] = platform
	}
	cfg := c.config
	cfg.Compose = cfg.Compose.WithEnv(env)
	return &Controller{exec: c.exec, config: cfg}
}

func (c *Controller) Compose() Compose {
	return c.config.Compose
}

// StopAll gracefully stops the whole stack. A stack that is already stopped is not an error.
func (c *Controller) StopAll(ctx context.Context) error {
	timeout := strconv.Itoa(int(c.config.ShutdownTimeout.Round(time.Second).Seconds()))
	log.Infof("Stopping running stack (shutdown timeout %ss)...", timeout)

	res, err := c.exec.Run(ctx, c.config.Compose.Command("down", "--timeout", timeout, "--remove-orphans"))
	if err != nil {
		return err
	}
	if !res.Success() {
		if alreadyStopped(res.Message()) {
			log.Infof("Stack was not running")
			return nil
		}
		return remote.Failure("stop stack", res)
	}

	return nil
}

// Start brings up services. Starting a service that already runs the requested
// configuration is a no-op. Services that exit right away are reported but not
// treated as errors; the health gate is responsible for that.
func (c *Controller) Start(ctx context.Context, services ...string) error {
	if len(services) == 0 {
		return nil
	}

	log.Infof("Starting services: %s", strings.Join(services, ", "))

	args := append([]string{"up", "--detach", "--no-build"}, services...)
	res, err := c.exec.Run(ctx, c.config.Compose.Command(args...))
	if err != nil {
		return err
	}
	if !res.Success() {
		return remote.Failure("start "+strings.Join(services, ", "), res)
	}

	running, err := c.Running(ctx)
	if err != nil {
		return err
	}
	for _, service := range services {
		if !running[service] {
			log.Warnf("Service %q is not running after start; it may have exited immediately", service)
		}
	}

	return nil
}

// Running returns the set of services currently in the running state.
func (c *Controller) Running(ctx context.Context) (map[string]bool, error) {
	res, err := remote.Require(ctx, c.exec, c.config.Compose.Command("ps", "--services", "--status", "running"), "list running services")
	if err != nil {
		return nil, err
	}

	running := make(map[string]bool)
	for _, service := range strings.Fields(res.Stdout) {
		running[service] = true
	}
	return running, nil
}

// Logs returns the last tail lines of output of services, or of the whole stack
// when none are named.
func (c *Controller) Logs(ctx context.Context, tail int, services ...string) (string, error) {
	args := append([]string{"logs", "--no-color", "--tail", strconv.Itoa(tail)}, services...)
	res, err := remote.Require(ctx, c.exec, c.config.Compose.Command(args...), "collect service logs")
	if err != nil {
		return "", err
	}
	return strings.TrimRight(res.Stdout, "\n"), nil
}

// Names returns the sorted names of a service set.
func Names(set map[string]bool) []string {
	names := make([]string, 0, len(set))
	for name, ok := range set {
		if ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func alreadyStopped(msg string) bool {
	msg = strings.ToLower(msg)
	for _, s := range []string{"no such", "not found", "no resource found", "not running"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
