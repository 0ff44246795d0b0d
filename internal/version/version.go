// Package version contains build version information.
package version

import "fmt"

// Set at build time via -ldflags "-X github.com/bissquit/signup-approval/internal/version.Version=...".
var (
	Version   = "0.0.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info is the build description served on /version.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// Get returns the build information of the running binary.
func Get() Info {
	return Info{Version: Version, Commit: GitCommit, BuildDate: BuildDate}
}

func (i Info) String() string {
	return fmt.Sprintf("signup-approval %s (commit %s, built %s)", i.Version, i.Commit, i.BuildDate)
}
