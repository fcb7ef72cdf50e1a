package minitls

import (
	"fmt"
	"log"
	"os"
	"strings"
)

// We use this logging interface for protocol tracing during development and
// debugging.  Logging is enabled per-type by setting the MINITLS_LOG
// environment variable to a comma-separated list of type names, or "*" to
// enable everything.  Logs are suppressed entirely otherwise, so the cost in
// the normal case is one map lookup per call.
const (
	logTypeCrypto      = "crypto"
	logTypeHandshake   = "handshake"
	logTypeNegotiation = "negotiation"
	logTypeIO          = "io"
	logTypeFrameReader = "frame"
	logTypeVerbose     = "verbose"
)

var (
	logFunction = log.Printf
	logAll      = false
	logSettings = map[string]bool{}
)

func init() {
	parseLogEnv(os.Environ())
}

func parseLogEnv(env []string) {
	for _, stmt := range env {
		if strings.HasPrefix(stmt, "MINITLS_LOG=") {
			val := strings.SplitAfter(stmt, "=")[1]
			if val == "*" {
				logAll = true
			} else {
				for _, t := range strings.Split(val, ",") {
					logSettings[t] = true
				}
			}
		}
	}
}

func logf(tag string, format string, args ...interface{}) {
	if logAll || logSettings[tag] {
		fullFormat := fmt.Sprintf("[%s] %s", tag, format)
		logFunction(fullFormat, args...)
	}
}
