package version

import "fmt"

var (
	// Version is the current stormtrack version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String formats the build identity for the version command and log banners.
func String() string {
	return fmt.Sprintf("stormtrack %s (%s, built %s)", Version, GitSHA, BuildTime)
}
