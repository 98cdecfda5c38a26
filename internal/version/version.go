package version

import "fmt"

var (
	// Version is the current trackfit version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String returns the one-line version banner printed by the tools and
// stored with every fit run.
func String() string {
	return fmt.Sprintf("trackfit %s (%s, built %s)", Version, GitSHA, BuildTime)
}
