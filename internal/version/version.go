package version

import (
	"fmt"
	"runtime"
	"time"
)

const Name = "hstroute"

var (
	Version   = "dev"                           // ex: v0.1.0
	Commit    = "none"                          // ex: abcd123
	BuildDate = time.Now().Format(time.RFC3339) // ex: 2025-08-11T18:42:00Z
	GoVersion = runtime.Version()               // go version
)

// String renders the build metadata on one line.
func String() string {
	return fmt.Sprintf("%s %s (commit=%s, built=%s, go=%s)", Name, Version, Commit, BuildDate, GoVersion)
}
