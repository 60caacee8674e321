// Package common provides the shared logging infrastructure for the vitalbase server.
//
// The logging system is built on logrus for structured logging with custom
// output handling: error-level messages are routed to stderr while all other
// levels go to stdout, so containerized deployments can treat the two streams
// differently.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stdout or stderr based on level.
// Error messages (containing "level=error") go to stderr; everything else to
// stdout. Works with both the text and the JSON formatter output.
type OutputSplitter struct{}

// Write implements io.Writer for the OutputSplitter.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance shared across all server components.
// It is pre-configured with the OutputSplitter; format and level are applied
// from configuration at startup.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}
