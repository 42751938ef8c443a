package buildinfo

import (
	"fmt"
	"log"
	"time"
)

var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"

	// started is set once at process startup and backs Uptime(), surfaced
	// by Log() and by /healthz's uptime_seconds for triage ("has this worker
	// actually restarted").
	started = time.Now()
)

// Info returns a single-line build summary.
func Info() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", Version, Commit, Date)
}

// Uptime is how long this process has been running.
func Uptime() time.Duration {
	return time.Since(started)
}

// Log writes the build summary with the service name.
func Log(service string) {
	log.Printf("%s %s uptime=%s", service, Info(), Uptime().Round(time.Second))
}
