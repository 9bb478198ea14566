package version

import (
	"runtime/debug"
	"strings"
)

// Build metadata injected with -ldflags "-X github.com/floegence/wsfetch/internal/version.Version=...".
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

func placeholder(s string) bool {
	switch s {
	case "", "dev", "unknown", "(devel)":
		return true
	}
	return false
}

// String formats a version line from the given values, filling placeholders from
// the module build info when it is available.
func String(version, commit, date string) string {
	v, c, d := strings.TrimSpace(version), strings.TrimSpace(commit), strings.TrimSpace(date)

	if info, ok := debug.ReadBuildInfo(); ok {
		if placeholder(v) && !placeholder(info.Main.Version) {
			v = info.Main.Version
		}
		settings := make(map[string]string, len(info.Settings))
		for _, s := range info.Settings {
			settings[s.Key] = s.Value
		}
		if placeholder(c) && settings["vcs.revision"] != "" {
			c = settings["vcs.revision"]
		}
		if placeholder(d) && settings["vcs.time"] != "" {
			d = settings["vcs.time"]
		}
	}

	if v == "" || v == "(devel)" {
		v = "dev"
	}
	var b strings.Builder
	b.WriteString(v)
	if !placeholder(c) {
		b.WriteString(" (" + c + ")")
	}
	if !placeholder(d) {
		b.WriteString(" " + d)
	}
	return b.String()
}

// Line prefixes the build version with the program name.
func Line(program string) string {
	return program + " " + String(Version, Commit, Date)
}
