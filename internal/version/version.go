// Package version reports the reportsync build version. Sessions record it
// and the CLI prints it.
package version

import (
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/mod/semver"
)

const (
	defaultModule  = "pkt.systems/reportsync"
	unknownVersion = "v0.0.0-unknown"
)

// buildVersion is set via -ldflags "-X pkt.systems/reportsync/internal/version.buildVersion=...".
var buildVersion = ""

var readBuildInfo = sync.OnceValues(debug.ReadBuildInfo)

// Current returns the linker-provided version, the module version from
// build info, a pseudo-version derived from VCS stamps, or a placeholder,
// in that order.
func Current() string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return v
	}
	info, ok := readBuildInfo()
	if !ok {
		return unknownVersion
	}
	if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
		return v
	}
	if v := vcsStamp(info.Settings).pseudo(); v != "" {
		return v
	}
	return unknownVersion
}

// Short returns Current limited to max runes. When truncation is needed and
// the version is valid semver, the prerelease and build suffixes are
// dropped first.
func Short(max int) string {
	v := Current()
	if max <= 0 || len([]rune(v)) <= max {
		return v
	}
	if semver.IsValid(v) {
		if core := strings.TrimSuffix(v, semver.Build(v)); semver.Prerelease(core) != "" {
			core = strings.TrimSuffix(core, semver.Prerelease(core))
			if len(core) <= max {
				return core
			}
		}
	}
	return string([]rune(v)[:max])
}

// Module returns the main module path.
func Module() string {
	if info, ok := readBuildInfo(); ok {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			return path
		}
	}
	return defaultModule
}

type vcsInfo struct {
	revision string
	time     time.Time
	modified bool
}

func vcsStamp(settings []debug.BuildSetting) vcsInfo {
	var out vcsInfo
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			out.revision = s.Value
		case "vcs.time":
			out.time, _ = time.Parse(time.RFC3339, s.Value)
		case "vcs.modified":
			out.modified = s.Value == "true"
		}
	}
	return out
}

// pseudo formats a Go pseudo-version, or "" without a revision and time.
func (v vcsInfo) pseudo() string {
	if v.revision == "" || v.time.IsZero() {
		return ""
	}
	rev := v.revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	out := "v0.0.0-" + v.time.UTC().Format("20060102150405") + "-" + rev
	if v.modified {
		out += "+dirty"
	}
	return out
}
