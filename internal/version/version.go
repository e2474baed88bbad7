package version

var (
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String returns the composite version string used in logs and the
// monitor health endpoint.
func String() string {
	return Version + " (" + GitSHA + ", " + BuildTime + ")"
}
