package appversion

import (
	"runtime/debug"
	"testing"
)

func TestStringIsSet(t *testing.T) {
	t.Parallel()
	if String() == "" {
		t.Fatal("String() must not be empty")
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()
	info := func(version string, settings ...debug.BuildSetting) func() (*debug.BuildInfo, bool) {
		return func() (*debug.BuildInfo, bool) {
			return &debug.BuildInfo{Main: debug.Module{Version: version}, Settings: settings}, true
		}
	}
	none := func() (*debug.BuildInfo, bool) { return nil, false }

	tests := []struct {
		name    string
		ldflags string
		read    func() (*debug.BuildInfo, bool)
		want    string
	}{
		{"ldflags wins", "v1.4.0", info("v0.9.0"), "v1.4.0"},
		{"module version", "dev", info("v0.9.0"), "v0.9.0"},
		{"no build info", "dev", none, "dev"},
		{"devel without vcs", "dev", info("(devel)"), "dev"},
		{
			"vcs revision", "dev",
			info("(devel)", debug.BuildSetting{Key: "vcs.revision", Value: "0123456789abcdef"}),
			"dev+0123456789ab",
		},
		{
			"dirty tree", "",
			info("(devel)",
				debug.BuildSetting{Key: "vcs.revision", Value: "abc123"},
				debug.BuildSetting{Key: "vcs.modified", Value: "true"}),
			"dev+abc123-dirty",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := resolve(tt.ldflags, tt.read); got != tt.want {
				t.Errorf("resolve() = %q, want %q", got, tt.want)
			}
		})
	}
}
