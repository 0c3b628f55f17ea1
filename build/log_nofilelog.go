//go:build !filelog
// +build !filelog

package build

import "os"

// LoggingType is a log type that writes only to stdout. This is the default
// build; compile with the filelog tag to write to the file swapd.log
// instead of stdout.
const LoggingType = LogTypeStdOut

// Write satisfies io.Writer by forwarding to stdout.
func (w *LogWriter) Write(b []byte) (int, error) {
	return os.Stdout.Write(b)
}
