// Package resolver turns a release candidate into a verified image on the deployment host.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/image"
	log "github.com/sirupsen/logrus"

	"github.com/kangbeef/deploy/pkg/deployerr"
	"github.com/kangbeef/deploy/pkg/release"
	"github.com/kangbeef/deploy/pkg/remote"
)

type Config struct {
	Candidate        release.Candidate
	RegistryUser     string
	RegistryPassword string
	Force            bool
}

// Resolved is the outcome of a successful verification. Later stages trust it
// and do not verify the architecture again.
type Resolved struct {
	Candidate release.Candidate `json:"candidate"`
	Reference string            `json:"reference"`
	Platform  string            `json:"platform"`
	HostArch  string            `json:"hostArch"`
	ImageArch string            `json:"imageArch"`
	ImageID   string            `json:"imageID"`
	Repulled  bool              `json:"repulled"`
}

type Resolver struct {
	exec   remote.Executor
	config Config
}

func New(exec remote.Executor, cfg Config) *Resolver {
	return &Resolver{
		exec:   exec,
		config: cfg,
	}
}

func (r *Resolver) Resolve(ctx context.Context) (*Resolved, error) {
	ref := r.config.Candidate.Reference()

	hostArch, err := r.HostArch(ctx)
	if err != nil {
		return nil, err
	}

	platform := r.config.Candidate.Platform
	if len(platform) == 0 {
		platform = release.Platform(hostArch)
	} else if !release.SameArch(release.PlatformArch(platform), hostArch) {
		log.Warnf("Requested platform %s does not match host architecture %s", platform, hostArch)
	}

	log.Infof("Host architecture is %s; deploying %s for %s", hostArch, ref, platform)

	err = r.login(ctx)
	if err != nil {
		return nil, err
	}

	existing, found, err := r.Inspect(ctx, ref)
	if err != nil {
		return nil, err
	}
	if found && !release.SameArch(existing.Architecture, hostArch) {
		log.Warnf("Local image %s has architecture %s; removing it before pulling", ref, existing.Architecture)
		r.Purge(ctx, ref)
	}

	err = r.Pull(ctx, ref, platform)
	if err != nil {
		return nil, err
	}

	pulled, err := r.mustInspect(ctx, ref)
	if err != nil {
		return nil, err
	}

	resolved := &Resolved{
		Candidate: r.config.Candidate,
		Reference: ref,
		Platform:  platform,
		HostArch:  hostArch,
		ImageArch: release.NormalizeArch(pulled.Architecture),
		ImageID:   pulled.ID,
	}

	if release.SameArch(pulled.Architecture, hostArch) {
		log.Infof("Image architecture %s matches host architecture %s", resolved.ImageArch, hostArch)
		return resolved, nil
	}

	// One more attempt, explicitly constrained to the host's platform.
	explicit := release.Platform(hostArch)
	log.Warnf("Image architecture %s does not match host architecture %s; re-pulling with --platform %s", pulled.Architecture, hostArch, explicit)
	r.Purge(ctx, ref)

	err = r.Pull(ctx, ref, explicit)
	if err != nil {
		return nil, err
	}

	pulled, err = r.mustInspect(ctx, ref)
	if err != nil {
		return nil, err
	}

	resolved.Platform = explicit
	resolved.ImageArch = release.NormalizeArch(pulled.Architecture)
	resolved.ImageID = pulled.ID
	resolved.Repulled = true

	if release.SameArch(pulled.Architecture, hostArch) {
		log.Infof("Image architecture %s matches host architecture %s after re-pull", resolved.ImageArch, hostArch)
		return resolved, nil
	}

	if r.config.Force {
		log.Errorf("!!! Force flag does NOT apply to architecture mismatches: starting %s would fail with an exec format error !!!", ref)
	}

	return nil, deployerr.Errorf(deployerr.ArchitectureMismatch,
		"image %s is built for %q but the host reports %q",
		ref, pulled.Architecture, hostArch,
	)
}

// HostArch returns the normalized architecture reported by the host kernel.
func (r *Resolver) HostArch(ctx context.Context) (string, error) {
	res, err := remote.Require(ctx, r.exec, remote.Cmd("uname", "-m"), "detect host architecture")
	if err != nil {
		return "", err
	}
	arch := release.NormalizeArch(res.Output())
	if len(arch) == 0 {
		return "", deployerr.Errorf(deployerr.CommandFailure, "host reported an empty architecture")
	}
	return arch, nil
}

func (r *Resolver) login(ctx context.Context) error {
	if len(r.config.RegistryUser) == 0 || len(r.config.RegistryPassword) == 0 {
		return nil
	}

	args := []string{"docker", "login", "--username", r.config.RegistryUser, "--password-stdin"}
	if len(r.config.Candidate.Registry) > 0 {
		args = append(args, registryHost(r.config.Candidate.Registry))
	}

	cmd := remote.Cmd(args...).WithStdin(strings.NewReader(r.config.RegistryPassword))
	_, err := remote.Require(ctx, r.exec, cmd, "log in to registry")
	if err != nil {
		return err
	}

	log.Infof("Logged in to registry %s", r.config.Candidate.Registry)
	return nil
}

func (r *Resolver) Pull(ctx context.Context, ref, platform string) error {
	log.Infof("Pulling %s (%s)...", ref, platform)
	_, err := remote.Require(ctx, r.exec, remote.Cmd("docker", "pull", "--platform", platform, ref), "pull "+ref)
	return err
}

// Inspect returns the local image metadata for ref. found is false when the image is not present.
func (r *Resolver) Inspect(ctx context.Context, ref string) (*image.InspectResponse, bool, error) {
	res, err := r.exec.Run(ctx, remote.Cmd("docker", "image", "inspect", ref))
	if err != nil {
		return nil, false, err
	}
	if !res.Success() {
		if strings.Contains(strings.ToLower(res.Message()), "no such image") {
			return nil, false, nil
		}
		return nil, false, deployerr.Errorf(deployerr.CommandFailure, "inspect %s: %s", ref, res.Message())
	}

	inspected := make([]image.InspectResponse, 0, 1)
	err = json.Unmarshal([]byte(res.Stdout), &inspected)
	if err != nil {
		return nil, false, deployerr.Errorf(deployerr.CommandFailure, "decode image inspect output for %s: %w", ref, err)
	}
	if len(inspected) == 0 {
		return nil, false, nil
	}

	return &inspected[0], true, nil
}

func (r *Resolver) mustInspect(ctx context.Context, ref string) (*image.InspectResponse, error) {
	inspected, found, err := r.Inspect(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, deployerr.Errorf(deployerr.CommandFailure, "image %s not present after pull", ref)
	}
	return inspected, nil
}

// Purge removes containers created from ref and the local image itself, so that
// the runtime cannot pick up a cached image of the wrong architecture.
// Failures are logged and otherwise ignored.
func (r *Resolver) Purge(ctx context.Context, ref string) {
	res, err := r.exec.Run(ctx, remote.Cmd("docker", "ps", "--all", "--quiet", "--filter", "ancestor="+ref))
	if err == nil && res.Success() {
		ids := strings.Fields(res.Stdout)
		if len(ids) > 0 {
			log.Infof("Removing %d container(s) created from %s", len(ids), ref)
			rm, err := r.exec.Run(ctx, remote.Cmd(append([]string{"docker", "rm", "--force"}, ids...)...))
			if err != nil || !rm.Success() {
				log.Warnf("Unable to remove containers of %s: %s", ref, describe(rm, err))
			}
		}
	}

	rmi, err := r.exec.Run(ctx, remote.Cmd("docker", "image", "rm", "--force", ref))
	if err != nil || !rmi.Success() {
		log.Warnf("Unable to remove local image %s: %s", ref, describe(rmi, err))
	}
}

func describe(res remote.Result, err error) string {
	if err != nil {
		return err.Error()
	}
	return fmt.Sprintf("exit status %d: %s", res.ExitCode, res.Message())
}

// registryHost strips any path component, leaving what docker login expects.
func registryHost(registry string) string {
	registry = strings.TrimPrefix(registry, "https://")
	registry = strings.TrimPrefix(registry, "http://")
	host, _, _ := strings.Cut(registry, "/")
	return host
}
