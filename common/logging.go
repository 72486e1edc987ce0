// Package common provides the logging infrastructure shared by glyphdb's
// server, CLI, and auth packages: a global logrus logger plus an output
// splitter that keeps error-level records on stderr and everything else on
// stdout, so container log collectors can treat the two streams
// differently without parsing log bodies.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stderr or stdout based on
// their level, so orchestration platforms can capture the two separately
// without a log-parsing sidecar.
type OutputSplitter struct{}

// Write implements io.Writer, sending lines containing "level=error" to
// stderr and everything else to stdout.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the process-wide logrus instance. The server and CLI derive
// their service- and request-scoped loggers (ServiceLogger, ContextLogger)
// from this one so format and routing stay consistent.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}
