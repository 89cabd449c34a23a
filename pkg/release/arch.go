package release

import (
	"strings"
)

var archAliases = map[string]string{
	"aarch64": "arm64",
	"arm64":   "arm64",
	"arm64v8": "arm64",
	"x86_64":  "amd64",
	"x86-64":  "amd64",
	"amd64":   "amd64",
	"armv7l":  "arm",
	"armhf":   "arm",
	"arm":     "arm",
	"i386":    "386",
	"i686":    "386",
	"386":     "386",
}

// NormalizeArch maps kernel and image architecture names onto the names used by
// container platforms, so that e.g. "aarch64" and "ARM64" compare equal.
// Unknown names are lower-cased and returned as-is.
func NormalizeArch(arch string) string {
	arch = strings.ToLower(strings.TrimSpace(arch))
	if normalized, ok := archAliases[arch]; ok {
		return normalized
	}
	return arch
}

func SameArch(a, b string) bool {
	a, b = NormalizeArch(a), NormalizeArch(b)
	return len(a) > 0 && a == b
}

// Platform returns the linux platform string for a host architecture.
func Platform(hostArch string) string {
	return "linux/" + NormalizeArch(hostArch)
}

// PlatformArch extracts the architecture from a platform string such as linux/arm64/v8.
func PlatformArch(platform string) string {
	parts := strings.Split(platform, "/")
	if len(parts) < 2 {
		return NormalizeArch(platform)
	}
	return NormalizeArch(parts[1])
}
