package utils

import "io"

// DrainClose reads at most limit bytes of rc and closes it, ignoring errors.
// Draining lets the transport reuse the connection.
func DrainClose(rc io.ReadCloser, limit int64) {
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	_ = rc.Close()
}
