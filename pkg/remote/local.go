package remote

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kangbeef/deploy/pkg/deployerr"
	"github.com/kangbeef/deploy/pkg/redact"
)

// LocalExecutor runs commands on the machine running the deployment, e.g. image builds.
type LocalExecutor struct {
	Redactor *redact.Redactor
}

func (e *LocalExecutor) Run(ctx context.Context, cmd Command) (Result, error) {
	line, err := cmd.Render()
	if err != nil {
		return Result{}, deployerr.Errorf(deployerr.InternalError, "render command: %w", err)
	}
	display := e.Redactor.Redact(line)

	log.Debugf("[local] $ %s", display)

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	c := exec.CommandContext(ctx, "sh", "-c", line)
	c.Stdout = stdout
	c.Stderr = stderr
	c.Stdin = cmd.Stdin
	c.WaitDelay = 2 * time.Second

	err = c.Run()

	res := Result{
		Stdout: stdout.String(),
		Stderr: e.Redactor.Redact(stderr.String()),
	}

	if ctx.Err() != nil {
		return res, contextError(ctx, display)
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return res, nil
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	default:
		return res, transportError("%s: %s", display, err)
	}
}
