//go:build windows

package watcher

import (
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sys/windows"
)

// rdcwNotifier reads batches with overlapped ReadDirectoryChangesW. The
// batch event and the stop event are waited on together, so Stop does not
// depend on a change arriving.
type rdcwNotifier struct {
	root      string
	recursive bool
	filter    uint32
	logger    *slog.Logger

	dir       windows.Handle
	stopEvent windows.Handle
	ov        windows.Overlapped
}

func newNotifier(req WatchRequest, logger *slog.Logger) (notifier, error) {
	p, err := windows.UTF16PtrFromString(req.Path)
	if err != nil {
		return nil, err
	}

	// The share mode must include FILE_SHARE_DELETE, or other processes can
	// no longer rename or move the watched directory.
	dir, err := windows.CreateFile(p,
		windows.FILE_LIST_DIRECTORY,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE|windows.FILE_SHARE_DELETE,
		nil,
		windows.OPEN_EXISTING,
		windows.FILE_FLAG_BACKUP_SEMANTICS|windows.FILE_FLAG_OVERLAPPED,
		0)
	if err != nil {
		return nil, fmt.Errorf("CreateFile: %w", err)
	}

	batchEvent, err := windows.CreateEvent(nil, 0, 0, nil)
	if err != nil {
		_ = windows.CloseHandle(dir)
		return nil, fmt.Errorf("CreateEvent: %w", err)
	}
	// Manual reset: once raised, the stop event stays signalled.
	stopEvent, err := windows.CreateEvent(nil, 1, 0, nil)
	if err != nil {
		_ = windows.CloseHandle(batchEvent)
		_ = windows.CloseHandle(dir)
		return nil, fmt.Errorf("CreateEvent: %w", err)
	}

	n := &rdcwNotifier{
		root:      req.Path,
		recursive: req.Recursive,
		filter:    uint32(req.Filter),
		logger:    logger,
		dir:       dir,
		stopEvent: stopEvent,
	}
	n.ov.HEvent = batchEvent
	return n, nil
}

func (n *rdcwNotifier) wait(buf []byte) (int, error) {
	err := windows.ReadDirectoryChanges(n.dir, &buf[0], uint32(len(buf)), n.recursive, n.filter, nil, &n.ov, 0)
	if err != nil {
		return 0, fmt.Errorf("ReadDirectoryChangesW: %w", err)
	}

	ev, err := windows.WaitForMultipleObjects([]windows.Handle{n.ov.HEvent, n.stopEvent}, false, windows.INFINITE)
	if err != nil {
		n.cancel()
		return 0, fmt.Errorf("WaitForMultipleObjects: %w", err)
	}
	if ev == windows.WAIT_OBJECT_0+1 {
		n.cancel()
		return 0, errStopped
	}

	var got uint32
	if err := windows.GetOverlappedResult(n.dir, &n.ov, &got, false); err != nil {
		return 0, fmt.Errorf("GetOverlappedResult: %w", err)
	}
	// Zero bytes with success means the kernel buffer overflowed and the
	// batch was discarded.
	if got == 0 {
		n.logger.Debug("ReadDirectoryChangesW: empty batch; changes may have been lost",
			slog.String("path", n.root))
	}
	return int(got), nil
}

// cancel aborts the outstanding read and waits for the kernel to release
// the buffer.
func (n *rdcwNotifier) cancel() {
	if err := windows.CancelIoEx(n.dir, &n.ov); err != nil && !errors.Is(err, windows.ERROR_NOT_FOUND) {
		n.logger.Debug("CancelIoEx failed", slog.Any("error", err))
		return
	}
	var got uint32
	_ = windows.GetOverlappedResult(n.dir, &n.ov, &got, true)
}

func (n *rdcwNotifier) decode(buf []byte, size int) ([]ChangeEvent, error) {
	return DecodeNotifyInformation(buf, size)
}

func (n *rdcwNotifier) interrupt() error {
	if err := windows.SetEvent(n.stopEvent); err != nil {
		return fmt.Errorf("SetEvent: %w", err)
	}
	return nil
}

func (n *rdcwNotifier) close() error {
	var errs []error
	if err := windows.CloseHandle(n.dir); err != nil {
		errs = append(errs, fmt.Errorf("CloseHandle(dir): %w", err))
	}
	if err := windows.CloseHandle(n.ov.HEvent); err != nil {
		errs = append(errs, fmt.Errorf("CloseHandle(event): %w", err))
	}
	if err := windows.CloseHandle(n.stopEvent); err != nil {
		errs = append(errs, fmt.Errorf("CloseHandle(event): %w", err))
	}
	return errors.Join(errs...)
}
