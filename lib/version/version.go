// Copyright 2026 The kbroker Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports the build of the kbroker binary.
//
// Release builds set the variables with -ldflags, for example:
//
//	go build -ldflags "-X github.com/kbroker/kbroker/lib/version.GitCommit=$(git rev-parse --short HEAD)"
//
// Builds without ldflags fall back to the VCS stamp the Go toolchain
// embeds.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

var (
	GitCommit = "unknown"
	GitDirty  = "false"
	BuildTime = "unknown"
	Version   = "0.1.0-dev"
)

// Info returns "version (commit[-dirty], build time)".
func Info() string {
	commit, dirty, built := GitCommit, GitDirty == "true", BuildTime
	if commit == "unknown" {
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs.revision":
					commit = setting.Value[:min(len(setting.Value), 12)]
				case "vcs.modified":
					dirty = setting.Value == "true"
				case "vcs.time":
					built = setting.Value
				}
			}
		}
	}
	suffix := ""
	if dirty {
		suffix = "-dirty"
	}
	return fmt.Sprintf("%s (%s%s, %s)", Version, commit, suffix, built)
}

// Full adds the Go version and platform to Info.
func Full() string {
	return fmt.Sprintf("%s\n  Go: %s\n  Platform: %s/%s",
		Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
