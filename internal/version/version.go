// Package version reports the VCS revision the binaries were built from.
package version

import (
	"fmt"
	"runtime/debug"
)

// String returns "<name> version devel <rev>" when the build carries VCS
// information and "<name> version unknown" otherwise.
func String(name string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return name + " version unknown"
	}
	return fromSettings(name, info.Settings)
}

func fromSettings(name string, settings []debug.BuildSetting) string {
	var revision string
	var modified bool

	for _, setting := range settings {
		if setting.Key == "vcs.revision" {
			revision = setting.Value
			if len(revision) > 7 {
				revision = revision[:7]
			}
		}
		if setting.Key == "vcs.modified" {
			modified = setting.Value == "true"
		}
	}

	if revision == "" {
		return name + " version unknown"
	}
	if modified {
		revision += " (modified)"
	}
	return fmt.Sprintf("%s version devel %s", name, revision)
}
