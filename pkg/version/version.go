// Package version resolves the version string reported by the binary.
package version

import (
	"runtime/debug"
	"strings"
)

const devVersion = "0.1.0-dev"

// Version is the version reported by the version subcommand. Release builds
// stamp it via -ldflags "-X github.com/aapdo/gpu-monitor/pkg/version.Version=<v>";
// otherwise it is resolved from module or VCS build metadata.
var Version = devVersion

var buildInfo = debug.ReadBuildInfo

func init() {
	Version = resolve(Version)
}

// resolve prefers, in order: an explicit ldflags override, the module version
// recorded by the toolchain, a VCS revision, and finally the dev marker.
func resolve(current string) string {
	if current != "" && current != devVersion {
		return current
	}

	info, ok := buildInfo()
	if !ok || info == nil {
		return current
	}

	if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
		return v
	}

	var revision string
	dirty := false
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = strings.TrimSpace(setting.Value)
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	if revision == "" {
		return current
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	if dirty {
		revision += "-dirty"
	}
	return "devel+" + revision
}
