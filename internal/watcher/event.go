// Package watcher observes a directory in the background and reports
// discrete change events (added, removed, modified, renamed-from, renamed-to)
// to a caller-supplied handler as they happen.
//
// The package is split in three layers:
//
//   - the decoders (DecodeNotifyInformation, DecodeInotify) turn one raw
//     batch of kernel change records into ordered ChangeEvents. They are pure
//     and compile on every platform.
//   - Session owns one active observation: the OS handle, the background
//     goroutine, and the stop signal used to join it.
//   - Controller holds the configuration and creates and destroys sessions,
//     restarting the watch when the configuration changes.
package watcher

import (
	"fmt"
	"strings"
)

// ActionKind classifies a single change reported for a name inside the
// watched directory.
type ActionKind uint8

const (
	// Added indicates a file or directory was created.
	Added ActionKind = iota + 1
	// Removed indicates a file or directory was deleted.
	Removed
	// Modified indicates content, size, timestamps or attributes changed.
	Modified
	// RenamedFrom carries the old name of a renamed entry.
	RenamedFrom
	// RenamedTo carries the new name of a renamed entry.
	RenamedTo
)

var actionNames = map[ActionKind]string{
	Added:       "added",
	Removed:     "removed",
	Modified:    "modified",
	RenamedFrom: "renamed-from",
	RenamedTo:   "renamed-to",
}

// String returns the lower-case name of the action.
func (a ActionKind) String() string {
	if s, ok := actionNames[a]; ok {
		return s
	}
	return fmt.Sprintf("action(%d)", uint8(a))
}

// Valid reports whether a is one of the defined actions.
func (a ActionKind) Valid() bool {
	_, ok := actionNames[a]
	return ok
}

// ParseActionKind is the inverse of ActionKind.String.
func ParseActionKind(s string) (ActionKind, error) {
	for k, v := range actionNames {
		if v == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("watcher: unknown action %q", s)
}

// ChangeEvent is one decoded change. Name is relative to the watched
// directory and uses '/' as separator.
type ChangeEvent struct {
	Action ActionKind
	Name   string
}

func (e ChangeEvent) String() string {
	return e.Action.String() + " " + e.Name
}

// Handler receives change events. It runs on the session goroutine, so it
// must return promptly: a blocked handler stalls later events and delays
// Stop. A handler must not stop the session that is calling it.
type Handler func(ev ChangeEvent)

// Filter selects the categories of change the OS is asked to report. The bit
// values are the Windows FILE_NOTIFY_CHANGE_* values; other platforms map
// them onto their own event masks.
type Filter uint32

const (
	FilterFileName   Filter = 0x001
	FilterDirName    Filter = 0x002
	FilterAttributes Filter = 0x004
	FilterSize       Filter = 0x008
	FilterLastWrite  Filter = 0x010
	FilterLastAccess Filter = 0x020
	FilterCreation   Filter = 0x040
	FilterSecurity   Filter = 0x100

	// FilterAll is the default: every category except last-access.
	FilterAll = FilterFileName | FilterDirName | FilterAttributes |
		FilterSize | FilterLastWrite | FilterCreation | FilterSecurity
)

var filterNames = []struct {
	name string
	bit  Filter
}{
	{"file_name", FilterFileName},
	{"dir_name", FilterDirName},
	{"attributes", FilterAttributes},
	{"size", FilterSize},
	{"last_write", FilterLastWrite},
	{"last_access", FilterLastAccess},
	{"creation", FilterCreation},
	{"security", FilterSecurity},
}

// ParseFilter builds a Filter from category names as used in configuration
// files. "all" selects FilterAll. An empty list also yields FilterAll.
func ParseFilter(names []string) (Filter, error) {
	if len(names) == 0 {
		return FilterAll, nil
	}
	var f Filter
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n == "all" {
			f |= FilterAll
			continue
		}
		found := false
		for _, fn := range filterNames {
			if fn.name == n {
				f |= fn.bit
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("watcher: unknown filter category %q", n)
		}
	}
	return f, nil
}

// Names returns the category names set in f, in a stable order.
func (f Filter) Names() []string {
	var out []string
	for _, fn := range filterNames {
		if f&fn.bit != 0 {
			out = append(out, fn.name)
		}
	}
	return out
}

func (f Filter) String() string {
	if f == FilterAll {
		return "all"
	}
	return strings.Join(f.Names(), "|")
}

// DefaultBufferSize is the capacity of the per-session notification buffer.
const DefaultBufferSize = 65535

// minBufferSize fits one inotify record with a NAME_MAX name; read(2) on an
// inotify descriptor fails with EINVAL when the next record does not fit.
const minBufferSize = inotifyHeaderSize + 255 + 1

// WatchRequest is the configuration snapshot used by one session. Changing
// any field requires a new session.
type WatchRequest struct {
	// Path is the directory to watch. It must exist and be a directory.
	Path string
	// Recursive includes all subdirectories of Path.
	Recursive bool
	// Filter selects the change categories to observe. Zero means FilterAll.
	Filter Filter
	// BufferSize is the capacity in bytes of the buffer one batch is read
	// into. Zero or negative means DefaultBufferSize.
	BufferSize int
}

// normalized returns a copy of r with defaults applied.
func (r WatchRequest) normalized() WatchRequest {
	if r.Filter == 0 {
		r.Filter = FilterAll
	}
	if r.BufferSize <= 0 {
		r.BufferSize = DefaultBufferSize
	}
	if r.BufferSize < minBufferSize {
		r.BufferSize = minBufferSize
	}
	// Both kernel record layouts are 4-byte aligned.
	r.BufferSize = (r.BufferSize + 3) &^ 3
	return r
}
