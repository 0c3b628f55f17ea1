//go:build filelog
// +build filelog

package build

import "os"

var logf *os.File

// LoggingType is LogTypeStdOut in this build as well; only Write's
// destination (the file swapd.log) differs from the default build.
const LoggingType = LogTypeStdOut

// Write persists the bytes to the process-lifetime log file opened below.
func (w *LogWriter) Write(b []byte) (int, error) {
	return logf.Write(b)
}

func init() {
	var err error
	logf, err = os.Create("swapd.log")
	if err != nil {
		panic(err)
	}
}
