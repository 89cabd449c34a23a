package stack

import (
	"github.com/kangbeef/deploy/pkg/remote"
)

// Compose builds docker compose invocations against the stack definition in the
// deployment directory.
type Compose struct {
	Dir     string
	File    string
	Project string
	Env     map[string]string
}

func (c Compose) Command(args ...string) remote.Command {
	argv := []string{"docker", "compose"}
	if len(c.File) > 0 {
		argv = append(argv, "--file", c.File)
	}
	if len(c.Project) > 0 {
		argv = append(argv, "--project-name", c.Project)
	}
	argv = append(argv, args...)

	cmd := remote.Cmd(argv...).In(c.Dir)
	if len(c.Env) > 0 {
		cmd = cmd.WithEnv(c.Env)
	}
	return cmd
}

// Exec runs a command inside a running service container without a TTY.
func (c Compose) Exec(service string, args ...string) remote.Command {
	return c.Command(append([]string{"exec", "-T", service}, args...)...)
}

// Script renders a compose invocation as a shell fragment, for use in pipelines.
func (c Compose) Script(args ...string) (string, error) {
	argv := []string{"docker", "compose"}
	if len(c.File) > 0 {
		argv = append(argv, "--file", c.File)
	}
	if len(c.Project) > 0 {
		argv = append(argv, "--project-name", c.Project)
	}
	return remote.QuoteAll(append(argv, args...)...)
}

func (c Compose) WithEnv(env map[string]string) Compose {
	merged := make(map[string]string, len(c.Env)+len(env))
	for k, v := range c.Env {
		merged[k] = v
	}
	for k, v := range env {
		merged[k] = v
	}
	c.Env = merged
	return c
}
