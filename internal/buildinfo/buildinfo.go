// Package buildinfo holds version and build metadata stamped at compile time via ldflags.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
)

// Name is the product name reported to MCP servers and in User-Agent.
const Name = "toolbridge"

// These variables are set at build time via -ldflags, for example
//
//	-X github.com/nugget/toolbridge/internal/buildinfo.Version=v0.3.0
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Details is the build metadata reported by the version command.
type Details struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

var fillOnce sync.Once

// fillFromModule backfills unset ldflags values from the module build
// info, which `go install` populates with the module version and VCS
// stamps.
func fillFromModule() {
	fillOnce.Do(func() {
		bi, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		if Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			Version = bi.Main.Version
		}
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if GitCommit == "unknown" && len(s.Value) >= 12 {
					GitCommit = s.Value[:12]
				}
			case "vcs.time":
				if BuildTime == "unknown" {
					BuildTime = s.Value
				}
			}
		}
	})
}

// Info returns the build metadata of the running binary.
func Info() Details {
	fillFromModule()
	return Details{
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}

// String returns a one-line summary for logging.
func String() string {
	d := Info()
	return fmt.Sprintf("%s %s (%s) built %s", Name, d.Version, d.GitCommit, d.BuildTime)
}

// UserAgent returns the User-Agent header value for outbound HTTP.
func UserAgent() string {
	fillFromModule()
	return fmt.Sprintf("%s/%s (%s/%s)", Name, Version, runtime.GOOS, runtime.GOARCH)
}

// ClientInfo is the clientInfo object sent in the MCP initialize request.
func ClientInfo() map[string]any {
	fillFromModule()
	return map[string]any{
		"name":    Name,
		"version": Version,
	}
}
