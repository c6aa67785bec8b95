// Package obslog hands out per-component loggers built on logrus, the same
// logging library the rest of the stack this module grew out of used in the
// majority of its packages.
package obslog

import log "github.com/sirupsen/logrus"

// New returns a logger tagged with the owning component, so log lines from
// the DAP retry loop, the NVMC engine and the BLE state machine can be told
// apart without per-package log prefixes.
func New(component string) *log.Entry {
	return log.WithField("component", component)
}

// SetDebug turns on debug-level logging for the whole process. Exposed for
// cmd/meshflasherd's -debug flag and for tests that want verbose traces.
func SetDebug(on bool) {
	if on {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
}
