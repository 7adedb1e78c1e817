// Package version reports the running build's version, resolved from the
// metadata the Go toolchain embeds in the binary.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strconv"
)

// Info describes the running build.
type Info struct {
	Version string
	Commit  string
}

// hashLen is how much of the commit hash ends up in the version string.
const hashLen = 7

// Get resolves version information from the build metadata. Builds from a
// modified checkout get a "-dirty" suffix.
func Get() Info {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return Info{Version: "(unknown)"}
	}
	return fromBuildInfo(info)
}

func fromBuildInfo(info *debug.BuildInfo) Info {
	v := Info{Version: info.Main.Version}
	if v.Version == "" {
		v.Version = "(devel)"
	}
	modified := false
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			v.Commit = setting.Value
		case "vcs.modified":
			modified, _ = strconv.ParseBool(setting.Value)
		}
	}
	if len(v.Commit) >= hashLen {
		v.Version += "+" + v.Commit[:hashLen]
	}
	if modified {
		v.Version += "-dirty"
	}
	return v
}

// String returns the short version string.
func (v Info) String() string {
	return v.Version
}

// Print writes verbose version output to stdout.
func (v Info) Print() {
	fmt.Println("MoreCompute version:", v.Version)
	if v.Commit != "" {
		fmt.Println("  Commit:", v.Commit)
	}
	fmt.Printf("  Go version: %s (OS: %s, arch: %s)\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
