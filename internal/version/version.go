// Package version holds build metadata for the feedd and streamtest
// binaries. Values are injected with ldflags:
//
//	go build -ldflags "-X github.com/rickgao/marketfeed/internal/version.Version=1.0.0 \
//	                   -X github.com/rickgao/marketfeed/internal/version.Commit=$(git rev-parse --short HEAD) \
//	                   -X github.com/rickgao/marketfeed/internal/version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package version

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown" // UTC, RFC 3339
)

// String returns "version (commit) built time".
func String() string {
	return Version + " (" + Commit + ") built " + BuildTime
}
