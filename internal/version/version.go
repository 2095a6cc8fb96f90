// Package version reports the postbox build version.
package version

import (
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

const (
	fallbackModule  = "pkt.systems/postbox"
	fallbackVersion = "v0.0.0-unknown"
)

// buildVersion is stamped by
// -ldflags "-X pkt.systems/postbox/internal/version.buildVersion=v1.2.3".
var buildVersion string

var readBuildInfo = sync.OnceValues(debug.ReadBuildInfo)

// Current returns the linker stamp when set. Otherwise it uses the main
// module version, and for development builds a pseudo-version made from the
// VCS revision and commit time.
func Current() string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return v
	}
	info, ok := readBuildInfo()
	if !ok {
		return fallbackVersion
	}
	if v := info.Main.Version; v != "" && v != "(devel)" {
		return v
	}
	if v := pseudoFromBuildInfo(info); v != "" {
		return v
	}
	return fallbackVersion
}

// Module returns the main module path recorded in the binary.
func Module() string {
	if info, ok := readBuildInfo(); ok && info.Main.Path != "" {
		return info.Main.Path
	}
	return fallbackModule
}

// String is the "module version" line printed by `postbox version`.
func String() string {
	return Module() + " " + Current()
}

func pseudoFromBuildInfo(info *debug.BuildInfo) string {
	if info == nil {
		return ""
	}
	vcs := make(map[string]string, len(info.Settings))
	for _, s := range info.Settings {
		if strings.HasPrefix(s.Key, "vcs.") {
			vcs[s.Key] = s.Value
		}
	}
	rev, stamp := vcs["vcs.revision"], vcs["vcs.time"]
	if rev == "" || stamp == "" {
		return ""
	}
	committed, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return ""
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	var b strings.Builder
	b.WriteString("v0.0.0-")
	b.WriteString(committed.UTC().Format("20060102150405"))
	b.WriteByte('-')
	b.WriteString(rev)
	if vcs["vcs.modified"] == "true" {
		b.WriteString("+dirty")
	}
	return b.String()
}
