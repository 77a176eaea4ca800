// Package logcollector implements a log relay that receives UDP and TCP log
// traffic from configured sources and forwards it in batches to local folders
// or to an HTTP Event Collector.
package logcollector

import (
	"fmt"
)

// AppName is the binary and command name.
const AppName = "logcollector"

var (
	version string
	build   string
)

// Version returns the application version and build information.
// The version and build values are injected at compile time via ldflags.
func Version() string {
	return fmt.Sprintf("%s (%s)", version, build)
}
