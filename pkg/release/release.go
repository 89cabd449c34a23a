// Package release describes the image being rolled out.
package release

import (
	"fmt"
	"strconv"
	"strings"
)

// Candidate is created once per run from build outputs and is read-only afterwards.
type Candidate struct {
	Registry    string `json:"registry"`
	Name        string `json:"name"`
	BuildNumber int    `json:"build"`
	Suffix      string `json:"suffix,omitempty"`
	Platform    string `json:"platform,omitempty"`
}

func (c Candidate) Validate() error {
	if len(c.Name) == 0 {
		return fmt.Errorf("image name is required")
	}
	if c.BuildNumber < 1 {
		return fmt.Errorf("build number must be a positive integer, got %d", c.BuildNumber)
	}
	if strings.ContainsAny(c.Name, ": ") {
		return fmt.Errorf("image name %q must not contain a tag", c.Name)
	}
	return nil
}

func (c Candidate) Tag() string {
	return tag(c.BuildNumber, c.Suffix)
}

// Reference returns the fully qualified image reference, registry/name:tag.
func (c Candidate) Reference() string {
	return reference(c.Registry, c.Name, c.Tag())
}

// Repository returns the reference without tag.
func (c Candidate) Repository() string {
	if len(c.Registry) == 0 {
		return c.Name
	}
	return strings.TrimSuffix(c.Registry, "/") + "/" + c.Name
}

// Previous returns the candidate built immediately before this one.
// There is no previous release for the first build.
func (c Candidate) Previous() (Candidate, bool) {
	if c.BuildNumber <= 1 {
		return Candidate{}, false
	}
	prev := c
	prev.BuildNumber--
	return prev, true
}

func tag(build int, suffix string) string {
	t := strconv.Itoa(build)
	suffix = strings.TrimLeft(suffix, "-")
	if len(suffix) > 0 {
		t += "-" + suffix
	}
	return t
}

func reference(registry, name, tag string) string {
	repo := name
	if len(registry) > 0 {
		repo = strings.TrimSuffix(registry, "/") + "/" + name
	}
	return repo + ":" + tag
}
