//go:build linux

package watcher

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// nameMask is the set of inotify events that report entries appearing in or
// leaving a directory.
const nameMask uint32 = unix.IN_CREATE | unix.IN_DELETE | unix.IN_MOVED_FROM | unix.IN_MOVED_TO

// inotifyMask maps a Filter onto the inotify events that can report those
// changes. inotify cannot tell file-name from dir-name changes at watch
// time, so decode filters those by IN_ISDIR.
func inotifyMask(f Filter, recursive bool) uint32 {
	var m uint32
	if f&(FilterFileName|FilterDirName) != 0 {
		m |= nameMask
	}
	if f&(FilterLastWrite|FilterSize) != 0 {
		m |= unix.IN_MODIFY
	}
	if f&(FilterAttributes|FilterSecurity|FilterCreation|FilterLastAccess) != 0 {
		m |= unix.IN_ATTRIB
	}
	// Sub-directory creation must be seen to extend a recursive watch.
	if recursive {
		m |= nameMask
	}
	return m | unix.IN_ONLYDIR
}

// inotifyNotifier watches one directory, or a directory tree, with a single
// inotify instance. A self-pipe carries the stop signal: interrupt writes a
// byte to it, which wakes the poll(2) in wait.
type inotifyNotifier struct {
	root      string
	recursive bool
	filter    Filter
	mask      uint32
	logger    *slog.Logger

	fd    int
	pipeR int
	pipeW int

	// dirs maps a watch descriptor to the directory it watches, relative to
	// root ("" is root itself). Only the loop goroutine touches it after
	// newNotifier returns.
	dirs map[int32]string
}

func newNotifier(req WatchRequest, logger *slog.Logger) (notifier, error) {
	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("inotify: init: %w", err)
	}

	var pipeFds [2]int
	if err := unix.Pipe2(pipeFds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("inotify: pipe2: %w", err)
	}

	n := &inotifyNotifier{
		root:      req.Path,
		recursive: req.Recursive,
		filter:    req.Filter,
		mask:      inotifyMask(req.Filter, req.Recursive),
		logger:    logger,
		fd:        fd,
		pipeR:     pipeFds[0],
		pipeW:     pipeFds[1],
		dirs:      make(map[int32]string),
	}

	if err := n.addWatch(""); err != nil {
		_ = n.close()
		return nil, err
	}
	if n.recursive {
		n.addSubtree("")
	}
	return n, nil
}

func (n *inotifyNotifier) addWatch(rel string) error {
	wd, err := unix.InotifyAddWatch(n.fd, filepath.Join(n.root, filepath.FromSlash(rel)), n.mask)
	if err != nil {
		return fmt.Errorf("inotify: add watch %q: %w", rel, err)
	}
	n.dirs[int32(wd)] = rel
	return nil
}

// addSubtree adds watches for every directory below rel. Directories that
// vanish or cannot be read while walking are logged and skipped.
func (n *inotifyNotifier) addSubtree(rel string) {
	base := filepath.Join(n.root, filepath.FromSlash(rel))
	_ = filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			n.logger.Debug("inotify: cannot walk directory",
				slog.String("path", p),
				slog.Any("error", err))
			if d != nil && d.IsDir() && p != base {
				return fs.SkipDir
			}
			return nil
		}
		if !d.IsDir() || p == base {
			return nil
		}
		r, err := filepath.Rel(n.root, p)
		if err != nil {
			return nil
		}
		if err := n.addWatch(filepath.ToSlash(r)); err != nil {
			n.logger.Debug("inotify: skipping sub-directory", slog.Any("error", err))
			return fs.SkipDir
		}
		return nil
	})
}

// removeSubtree drops the watches for rel and everything below it.
func (n *inotifyNotifier) removeSubtree(rel string) {
	prefix := rel + "/"
	for wd, dir := range n.dirs {
		if dir == rel || strings.HasPrefix(dir, prefix) {
			// The kernel may already have dropped the watch.
			_, _ = unix.InotifyRmWatch(n.fd, uint32(wd))
			delete(n.dirs, wd)
		}
	}
}

func (n *inotifyNotifier) wait(buf []byte) (int, error) {
	// Timeout -1: a directory that never changes blocks here until Stop.
	pollFds := []unix.PollFd{
		{Fd: int32(n.fd), Events: unix.POLLIN},
		{Fd: int32(n.pipeR), Events: unix.POLLIN},
	}
	if _, err := unix.Poll(pollFds, -1); err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("inotify: poll: %w", err)
	}

	if pollFds[1].Revents != 0 {
		return 0, errStopped
	}
	if pollFds[0].Revents&unix.POLLIN == 0 {
		return 0, nil
	}

	nr, err := unix.Read(n.fd, buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("inotify: read: %w", err)
	}
	return nr, nil
}

func (n *inotifyNotifier) decode(buf []byte, size int) ([]ChangeEvent, error) {
	records, err := DecodeInotify(buf, size)

	for _, a := range Anomalies(err) {
		switch {
		case a.Code&inQOverflow != 0:
			n.logger.Warn("inotify: kernel event queue overflowed; some events were lost",
				slog.String("path", n.root))
		case a.Code&inIgnored != 0:
			if rel, ok := n.dirs[a.Wd]; ok {
				delete(n.dirs, a.Wd)
				if rel == "" {
					n.logger.Warn("inotify: watched directory is gone", slog.String("path", n.root))
				}
			}
		}
	}

	events := make([]ChangeEvent, 0, len(records))
	for _, r := range records {
		dir, ok := n.dirs[r.Wd]
		if !ok {
			continue
		}
		ev := r.Event
		ev.Name = path.Join(dir, ev.Name)

		if n.recursive && r.IsDir {
			switch ev.Action {
			case Added, RenamedTo:
				if err := n.addWatch(ev.Name); err != nil {
					n.logger.Debug("inotify: cannot watch new directory", slog.Any("error", err))
				} else {
					n.addSubtree(ev.Name)
				}
			case RenamedFrom:
				n.removeSubtree(ev.Name)
			}
		}

		if !n.wanted(r) {
			continue
		}
		events = append(events, ev)
	}
	return events, err
}

// wanted applies the parts of the filter that the kernel mask cannot
// express.
func (n *inotifyNotifier) wanted(r InotifyRecord) bool {
	if r.Mask&nameMask == 0 {
		return true
	}
	if r.IsDir {
		return n.filter&FilterDirName != 0
	}
	return n.filter&FilterFileName != 0
}

func (n *inotifyNotifier) interrupt() error {
	if _, err := unix.Write(n.pipeW, []byte{0}); err != nil && !errors.Is(err, unix.EAGAIN) {
		return fmt.Errorf("inotify: signal stop: %w", err)
	}
	return nil
}

func (n *inotifyNotifier) close() error {
	var errs []error
	if err := unix.Close(n.fd); err != nil {
		errs = append(errs, fmt.Errorf("inotify: close: %w", err))
	}
	if err := unix.Close(n.pipeW); err != nil {
		errs = append(errs, fmt.Errorf("inotify: close pipe: %w", err))
	}
	if err := unix.Close(n.pipeR); err != nil {
		errs = append(errs, fmt.Errorf("inotify: close pipe: %w", err))
	}
	return errors.Join(errs...)
}
