package version

import "fmt"

// Version, GitCommit, and BuildDate are set at build time via ldflags:
//
//	go build -ldflags "-X github.com/archetype-iac/archetyped/pkg/version.Version=v1.0.0 \
//	  -X github.com/archetype-iac/archetyped/pkg/version.GitCommit=abc1234 \
//	  -X github.com/archetype-iac/archetyped/pkg/version.BuildDate=2024-01-01T00:00:00Z"
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info returns a human-readable summary of the build version, commit, and date.
func Info() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, GitCommit, BuildDate)
}
