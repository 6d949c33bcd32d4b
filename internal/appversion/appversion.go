// Package appversion reports the skein build version.
package appversion

import (
	"runtime/debug"
	"sync"
)

// version is set at build time via -ldflags "-X skein/internal/appversion.version=v1.2.3".
var version = "dev" //nolint:gochecknoglobals // ldflags requires package-level var

var (
	once     sync.Once
	resolved string
)

// String returns the ldflags version. Without one it falls back to the
// module version, then to "dev+<short revision>" for VCS builds.
func String() string {
	once.Do(func() { resolved = resolve(version, debug.ReadBuildInfo) })
	return resolved
}

func resolve(ldflags string, read func() (*debug.BuildInfo, bool)) string {
	if ldflags != "" && ldflags != "dev" {
		return ldflags
	}
	info, ok := read()
	if !ok {
		return "dev"
	}
	if v := info.Main.Version; v != "" && v != "(devel)" {
		return v
	}
	var rev string
	dirty := false
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if rev == "" {
		return "dev"
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if dirty {
		rev += "-dirty"
	}
	return "dev+" + rev
}
