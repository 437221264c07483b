package version

import "fmt"

// Set at build time via -ldflags, e.g.
// go build -ldflags "-X github.com/agwproxy/antigravity-gateway/internal/version.Version=v0.2.0"
var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

// String renders the full version line.
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildTime)
}
