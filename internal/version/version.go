// Package version reports build information for the accelerator binary.
//
// Version, Commit and BuildTime are set with ldflags:
//
//	go build -ldflags "-X github.com/rickgao/accelerator/internal/version.Version=1.0.0 \
//	                   -X github.com/rickgao/accelerator/internal/version.Commit=$(git rev-parse --short HEAD) \
//	                   -X github.com/rickgao/accelerator/internal/version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
//
// When Commit is not set, the VCS revision embedded by the Go toolchain is used.
package version

import (
	"runtime"
	"runtime/debug"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Info is a snapshot of the build metadata.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

// Get returns the build metadata, falling back to embedded VCS settings.
func Get() Info {
	info := Info{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		info = fromBuildInfo(info, bi.Settings)
	}
	return info
}

func fromBuildInfo(info Info, settings []debug.BuildSetting) Info {
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "unknown" && s.Value != "" {
				info.Commit = s.Value
				if len(info.Commit) > 7 {
					info.Commit = info.Commit[:7]
				}
			}
		case "vcs.time":
			if info.BuildTime == "unknown" && s.Value != "" {
				info.BuildTime = s.Value
			}
		}
	}
	return info
}

// String formats i as "1.0.0 (abc1234) built 2024-01-15T10:00:00Z go1.24.7".
func (i Info) String() string {
	return i.Version + " (" + i.Commit + ") built " + i.BuildTime + " " + i.GoVersion
}

// String returns the formatted build metadata.
func String() string {
	return Get().String()
}
