package watcher

import (
	"errors"
	"fmt"
)

// errStopped is returned by a notifier when the stop signal won the wait.
var errStopped = errors.New("watcher: stop requested")

// WatchOpenError reports that the target directory could not be opened for
// change notification: it is missing, not a directory, or not accessible.
type WatchOpenError struct {
	Path string
	Err  error
}

func (e *WatchOpenError) Error() string {
	return fmt.Sprintf("watcher: cannot watch %q: %v", e.Path, e.Err)
}

func (e *WatchOpenError) Unwrap() error { return e.Err }

// HandleReleaseError reports that releasing the OS watch resources failed
// while stopping a session. It is informational; the session is stopped
// regardless.
type HandleReleaseError struct {
	Path string
	Err  error
}

func (e *HandleReleaseError) Error() string {
	return fmt.Sprintf("watcher: releasing watch on %q: %v", e.Path, e.Err)
}

func (e *HandleReleaseError) Unwrap() error { return e.Err }

// DecodeAnomaly describes one malformed record that a decoder skipped.
type DecodeAnomaly struct {
	// Offset is the byte offset of the record within the batch.
	Offset int
	// Code is the raw action code (FILE_NOTIFY_INFORMATION) or event mask
	// (inotify) of the record.
	Code uint32
	// Wd is the inotify watch descriptor of the record, or -1.
	Wd int32
	// Reason is a short description of what was wrong.
	Reason string
}

func (e *DecodeAnomaly) Error() string {
	return fmt.Sprintf("watcher: record at offset %d (code %#x): %s", e.Offset, e.Code, e.Reason)
}

// Anomalies flattens the error returned by a decoder into its individual
// records. It returns nil for a nil error.
func Anomalies(err error) []*DecodeAnomaly {
	if err == nil {
		return nil
	}
	var out []*DecodeAnomaly
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			out = append(out, Anomalies(e)...)
		}
		return out
	}
	var a *DecodeAnomaly
	if errors.As(err, &a) {
		out = append(out, a)
	}
	return out
}
