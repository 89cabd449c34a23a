package remote

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// Command is a single remote invocation. All inputs are passed explicitly,
// either as arguments or as environment, so that nothing depends on the state
// of the remote login shell.
type Command struct {
	// Args is an argv vector. Every element is quoted when rendered.
	Args []string
	// Script is used verbatim instead of Args. Callers must quote its parts with Quote.
	Script string
	Env    map[string]string
	Dir    string
	Stdin  io.Reader
}

func Cmd(args ...string) Command {
	return Command{Args: args}
}

func Shell(script string) Command {
	return Command{Script: script}
}

func (c Command) In(dir string) Command {
	c.Dir = dir
	return c
}

func (c Command) WithEnv(env map[string]string) Command {
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

func (c Command) WithStdin(r io.Reader) Command {
	c.Stdin = r
	return c
}

// Render produces the shell line sent to the remote host.
func (c Command) Render() (string, error) {
	parts := make([]string, 0, 3)

	if len(c.Dir) > 0 {
		dir, err := Quote(c.Dir)
		if err != nil {
			return "", err
		}
		parts = append(parts, "cd "+dir)
	}

	if len(c.Env) > 0 {
		keys := make([]string, 0, len(c.Env))
		for key := range c.Env {
			if !validEnvName(key) {
				return "", fmt.Errorf("invalid environment variable name %q", key)
			}
			keys = append(keys, key)
		}
		sort.Strings(keys)

		assignments := make([]string, 0, len(keys))
		for _, key := range keys {
			value, err := Quote(c.Env[key])
			if err != nil {
				return "", fmt.Errorf("environment variable %s: %w", key, err)
			}
			assignments = append(assignments, key+"="+value)
		}
		parts = append(parts, "export "+strings.Join(assignments, " "))
	}

	body := c.Script
	if len(body) == 0 {
		if len(c.Args) == 0 {
			return "", fmt.Errorf("empty command")
		}
		quoted, err := QuoteAll(c.Args...)
		if err != nil {
			return "", err
		}
		body = quoted
	}
	parts = append(parts, body)

	return strings.Join(parts, " && "), nil
}

// Quote returns s quoted for a POSIX-like shell. Plain words are returned unchanged.
func Quote(s string) (string, error) {
	return syntax.Quote(s, syntax.LangBash)
}

func QuoteAll(args ...string) (string, error) {
	quoted := make([]string, len(args))
	for i, arg := range args {
		q, err := Quote(arg)
		if err != nil {
			return "", fmt.Errorf("argument %d: %w", i, err)
		}
		quoted[i] = q
	}
	return strings.Join(quoted, " "), nil
}

func validEnvName(name string) bool {
	if len(name) == 0 {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
