package buildinfo

import (
	"fmt"

	"github.com/cordum/tradeflow/core/infra/logging"
)

// Set via -ldflags "-X github.com/cordum/tradeflow/core/infra/buildinfo.Version=..."
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info returns a single-line build summary.
func Info() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", Version, Commit, Date)
}

// Log writes the build summary under the service's component prefix.
func Log(service string) {
	logging.Info(service, "build", "version", Version, "commit", Commit, "date", Date)
}
