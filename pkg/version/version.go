// Package version identifies the build in logs, health responses, and
// user-agent strings. The commit comes from -ldflags when set (container
// builds without .git), otherwise from the VCS stamp in debug.BuildInfo,
// otherwise "dev".
package version

import "runtime/debug"

// AppName prefixes version strings and identifies the client in protocol
// handshakes.
const AppName = "flock"

// gitCommitOverride is injected at build time:
//
//	go build -ldflags "-X .../pkg/version.gitCommitOverride=$COMMIT"
var gitCommitOverride string

// GitCommit is the short (8 char) commit hash of this build, or "dev".
var GitCommit = resolveCommit()

// Full returns "flock/<commit>".
func Full() string {
	return AppName + "/" + GitCommit
}

func resolveCommit() string {
	if gitCommitOverride != "" {
		return short(gitCommitOverride)
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				return short(s.Value)
			}
		}
	}
	return "dev"
}

func short(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}
