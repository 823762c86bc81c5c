//go:build !linux && !windows

package watcher

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// fsnotifyNotifier is the backend for platforms without a native notifier
// in this package (macOS, the BSDs). fsnotify delivers one event at a time;
// wait gathers whatever is already queued into one batch and writes it to
// the session buffer as FILE_NOTIFY_INFORMATION records, so decoding goes
// through the same code path as on Windows.
//
// fsnotify reports a rename as Rename on the old name and Create on the new
// one, so on these platforms RenamedFrom is followed by Added, not
// RenamedTo.
type fsnotifyNotifier struct {
	root      string
	recursive bool
	filter    Filter
	logger    *slog.Logger

	w       *fsnotify.Watcher
	stop    chan struct{}
	pending []ChangeEvent
}

func newNotifier(req WatchRequest, logger *slog.Logger) (notifier, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify: %w", err)
	}
	n := &fsnotifyNotifier{
		root:      req.Path,
		recursive: req.Recursive,
		filter:    req.Filter,
		logger:    logger,
		w:         w,
		stop:      make(chan struct{}),
	}
	if err := w.Add(req.Path); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("fsnotify: add %q: %w", req.Path, err)
	}
	if n.recursive {
		n.addSubtree(req.Path)
	}
	return n, nil
}

func (n *fsnotifyNotifier) addSubtree(base string) {
	_ = filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() && p != base {
				return fs.SkipDir
			}
			return nil
		}
		if !d.IsDir() || p == base {
			return nil
		}
		if err := n.w.Add(p); err != nil {
			n.logger.Debug("fsnotify: skipping sub-directory",
				slog.String("path", p),
				slog.Any("error", err))
			return fs.SkipDir
		}
		return nil
	})
}

func (n *fsnotifyNotifier) wait(buf []byte) (int, error) {
	if len(n.pending) == 0 {
		select {
		case <-n.stop:
			return 0, errStopped
		case err, ok := <-n.w.Errors:
			if !ok {
				return 0, errStopped
			}
			return 0, fmt.Errorf("fsnotify: %w", err)
		case ev, ok := <-n.w.Events:
			if !ok {
				return 0, errStopped
			}
			n.translate(ev)
		}
	drain:
		for {
			select {
			case ev, ok := <-n.w.Events:
				if !ok {
					break drain
				}
				n.translate(ev)
			default:
				break drain
			}
		}
	}

	written, rest := encodeNotifyInformation(buf, n.pending)
	n.pending = rest
	return written, nil
}

// translate appends the ChangeEvents for one fsnotify event to pending.
func (n *fsnotifyNotifier) translate(ev fsnotify.Event) {
	rel, err := filepath.Rel(n.root, ev.Name)
	if err != nil || rel == "." {
		return
	}
	rel = filepath.ToSlash(rel)

	nameBits := FilterFileName | FilterDirName
	if ev.Has(fsnotify.Create) {
		if n.recursive {
			if err := n.w.Add(ev.Name); err == nil {
				n.addSubtree(ev.Name)
			}
		}
		n.push(nameBits, Added, rel)
	}
	if ev.Has(fsnotify.Write) {
		n.push(FilterLastWrite|FilterSize, Modified, rel)
	}
	if ev.Has(fsnotify.Chmod) {
		n.push(FilterAttributes|FilterSecurity, Modified, rel)
	}
	if ev.Has(fsnotify.Remove) {
		n.push(nameBits, Removed, rel)
	}
	if ev.Has(fsnotify.Rename) {
		n.push(nameBits, RenamedFrom, rel)
	}
}

func (n *fsnotifyNotifier) push(categories Filter, action ActionKind, name string) {
	if n.filter&categories == 0 {
		return
	}
	n.pending = append(n.pending, ChangeEvent{Action: action, Name: name})
}

func (n *fsnotifyNotifier) decode(buf []byte, size int) ([]ChangeEvent, error) {
	return DecodeNotifyInformation(buf, size)
}

func (n *fsnotifyNotifier) interrupt() error {
	close(n.stop)
	return nil
}

func (n *fsnotifyNotifier) close() error {
	if err := n.w.Close(); err != nil && !errors.Is(err, fsnotify.ErrClosed) {
		return fmt.Errorf("fsnotify: close: %w", err)
	}
	return nil
}
