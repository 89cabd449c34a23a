// Package version holds build information injected at link time:
//
//	go build -ldflags "-X github.com/kangbeef/deploy/pkg/version.version=1.2.3 -X github.com/kangbeef/deploy/pkg/version.buildTime=..."
package version

import (
	"time"
)

var (
	version   = "dev"
	buildTime = ""
)

func Version() string {
	return version
}

// BuildTime returns the link time, or the zero time if it was not set or is malformed.
func BuildTime() time.Time {
	t, err := time.Parse(time.RFC3339, buildTime)
	if err != nil {
		return time.Time{}
	}
	return t
}
