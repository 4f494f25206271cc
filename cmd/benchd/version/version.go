// Package version provides the build version information.
package version

import "runtime/debug"

// Version defines the version of the benchd server, overridable at link
// time.
var Version string = "dev"

func init() {
	if Version != "dev" {
		return
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		Version = info.Main.Version
	}
}
