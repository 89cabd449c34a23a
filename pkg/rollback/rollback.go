// Package rollback tells the operator how to return to the previous release,
// and optionally does it.
package rollback

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/aymerick/raymond"
	"github.com/docker/docker/api/types/image"
	log "github.com/sirupsen/logrus"

	"github.com/kangbeef/deploy/pkg/deployerr"
	"github.com/kangbeef/deploy/pkg/release"
	"github.com/kangbeef/deploy/pkg/stack"
)

// DefaultTemplate renders a manual recovery command. Values are inserted unescaped.
const DefaultTemplate = `ssh -p {{{port}}} {{{user}}}@{{{host}}} "cd {{{deployPath}}} && ` +
	`APP_IMAGE={{{previous}}} docker compose up --detach --no-build {{{services}}}"`

// Target carries the values available to the template.
type Target struct {
	Host       string
	Port       int
	User       string
	DeployPath string
	Services   []string
}

type Advice struct {
	Available bool              `json:"available"`
	Previous  release.Candidate `json:"previous"`
	Reference string            `json:"reference,omitempty"`
	Command   string            `json:"command,omitempty"`
}

func (a Advice) String() string {
	if !a.Available {
		return "no previous release to roll back to"
	}
	return a.Command
}

type Advisor struct {
	target   Target
	template *raymond.Template
}

// NewAdvisor parses the command template. An empty source selects DefaultTemplate.
func NewAdvisor(target Target, source string) (*Advisor, error) {
	if len(strings.TrimSpace(source)) == 0 {
		source = DefaultTemplate
	}
	template, err := raymond.Parse(source)
	if err != nil {
		return nil, deployerr.Errorf(deployerr.InvocationFailure, "parse rollback template: %s", err)
	}
	return &Advisor{
		target:   target,
		template: template,
	}, nil
}

// Advise computes the previous release of current and the command that restores it.
func (a *Advisor) Advise(current release.Candidate) (Advice, error) {
	previous, ok := current.Previous()
	if !ok {
		return Advice{}, nil
	}

	port := a.target.Port
	if port == 0 {
		port = 22
	}

	ctx := map[string]interface{}{
		"host":          a.target.Host,
		"port":          strconv.Itoa(port),
		"user":          a.target.User,
		"deployPath":    a.target.DeployPath,
		"services":      strings.Join(a.target.Services, " "),
		"previous":      previous.Reference(),
		"previousBuild": strconv.Itoa(previous.BuildNumber),
		"current":       current.Reference(),
		"build":         strconv.Itoa(current.BuildNumber),
		"platform":      previous.Platform,
	}

	command, err := a.template.Exec(ctx)
	if err != nil {
		return Advice{}, fmt.Errorf("execute rollback template: %s", err)
	}

	return Advice{
		Available: true,
		Previous:  previous,
		Reference: previous.Reference(),
		Command:   strings.TrimSpace(command),
	}, nil
}

// Images pulls and inspects images on the deployment host.
type Images interface {
	Pull(ctx context.Context, ref, platform string) error
	Inspect(ctx context.Context, ref string) (*image.InspectResponse, bool, error)
}

// Automatic restarts the application tier with the previous release.
type Automatic struct {
	Images   Images
	Stack    *stack.Controller
	Services []string
}

// Rollback pulls the previous image for the host's platform and starts the
// application tier from it. An image whose architecture differs from hostArch is
// never started. The database is not touched; migrations that already ran are kept.
func (r *Automatic) Rollback(ctx context.Context, advice Advice, hostArch string) error {
	if !advice.Available {
		return deployerr.Errorf(deployerr.CommandFailure, "no previous release to roll back to")
	}
	if len(hostArch) == 0 {
		return deployerr.Errorf(deployerr.CommandFailure, "host architecture is unknown; not rolling back to %s", advice.Reference)
	}

	platform := release.Platform(hostArch)
	log.Warnf("Rolling back application tier to %s (%s)...", advice.Reference, platform)

	if err := r.Images.Pull(ctx, advice.Reference, platform); err != nil {
		return fmt.Errorf("pull previous release: %w", err)
	}

	pulled, found, err := r.Images.Inspect(ctx, advice.Reference)
	if err != nil {
		return fmt.Errorf("inspect previous release: %w", err)
	}
	if !found {
		return deployerr.Errorf(deployerr.CommandFailure, "image %s not present after pull", advice.Reference)
	}
	if !release.SameArch(pulled.Architecture, hostArch) {
		return deployerr.Errorf(deployerr.ArchitectureMismatch,
			"previous release %s is built for %q but the host reports %q",
			advice.Reference, pulled.Architecture, hostArch,
		)
	}

	err = r.Stack.WithImage(advice.Reference, platform).Start(ctx, r.Services...)
	if err != nil {
		return fmt.Errorf("start previous release: %w", err)
	}

	log.Warnf("Application tier is running %s", advice.Reference)
	return nil
}
