package watcher

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"unicode/utf16"
)

// FILE_NOTIFY_INFORMATION action codes (winnt.h).
const (
	fileActionAdded          uint32 = 0x1
	fileActionRemoved        uint32 = 0x2
	fileActionModified       uint32 = 0x3
	fileActionRenamedOldName uint32 = 0x4
	fileActionRenamedNewName uint32 = 0x5
)

var notifyActions = map[uint32]ActionKind{
	fileActionAdded:          Added,
	fileActionRemoved:        Removed,
	fileActionModified:       Modified,
	fileActionRenamedOldName: RenamedFrom,
	fileActionRenamedNewName: RenamedTo,
}

// notifyHeaderSize is the fixed part of a FILE_NOTIFY_INFORMATION record:
// NextEntryOffset, Action and FileNameLength, each a little-endian DWORD.
const notifyHeaderSize = 12

// DecodeNotifyInformation decodes the first n bytes of buf as a chain of
// FILE_NOTIFY_INFORMATION records, the layout ReadDirectoryChangesW fills:
//
//	struct FILE_NOTIFY_INFORMATION {
//	    DWORD NextEntryOffset; // 0 on the last record
//	    DWORD Action;          // FILE_ACTION_*
//	    DWORD FileNameLength;  // in bytes, not characters
//	    WCHAR FileName[];      // UTF-16LE, not NUL-terminated
//	}
//
// Events are returned in record order. Records that cannot be decoded are
// skipped and reported in the returned error as *DecodeAnomaly values; the
// events decoded from the other records are still returned.
func DecodeNotifyInformation(buf []byte, n int) ([]ChangeEvent, error) {
	n = clampValid(buf, n)

	var (
		events []ChangeEvent
		errs   []error
	)
	for offset := 0; ; {
		if offset+notifyHeaderSize > n {
			if offset < n {
				errs = append(errs, &DecodeAnomaly{Offset: offset, Wd: -1, Reason: "truncated record header"})
			}
			break
		}
		next := binary.LittleEndian.Uint32(buf[offset:])
		action := binary.LittleEndian.Uint32(buf[offset+4:])
		rawLen := binary.LittleEndian.Uint32(buf[offset+8:])
		nameStart := offset + notifyHeaderSize

		// Raw DWORDs are compared before conversion: int(uint32) is negative
		// for values >= 1<<31 when int is 32 bits wide.
		switch kind, known := notifyActions[action]; {
		case uint64(rawLen) > uint64(n-nameStart):
			errs = append(errs, &DecodeAnomaly{Offset: offset, Code: action, Wd: -1, Reason: "name runs past end of batch"})
		case rawLen == 0:
			errs = append(errs, &DecodeAnomaly{Offset: offset, Code: action, Wd: -1, Reason: "empty name"})
		case rawLen%2 != 0:
			errs = append(errs, &DecodeAnomaly{Offset: offset, Code: action, Wd: -1, Reason: "odd UTF-16 name length"})
		case !known:
			errs = append(errs, &DecodeAnomaly{Offset: offset, Code: action, Wd: -1, Reason: "unknown action"})
		default:
			events = append(events, ChangeEvent{
				Action: kind,
				Name:   utf16Name(buf[nameStart : nameStart+int(rawLen)]),
			})
		}

		if next == 0 {
			break
		}
		if next < notifyHeaderSize {
			errs = append(errs, &DecodeAnomaly{Offset: offset, Code: action, Wd: -1, Reason: "next offset overlaps record header"})
			break
		}
		if uint64(next) > uint64(n-offset) {
			errs = append(errs, &DecodeAnomaly{Offset: offset, Code: action, Wd: -1, Reason: "next offset past end of batch"})
			break
		}
		offset += int(next)
	}
	return events, errors.Join(errs...)
}

// utf16Name converts a little-endian UTF-16 name into a slash-separated Go
// string. The output is sized from the declared length; unpaired surrogates
// become U+FFFD.
func utf16Name(b []byte) string {
	u := make([]uint16, len(b)/2)
	for i := range u {
		u[i] = binary.LittleEndian.Uint16(b[2*i:])
	}
	return strings.ReplaceAll(string(utf16.Decode(u)), `\`, "/")
}

// Linux inotify event flags (kernel ABI, <sys/inotify.h>). Kept here rather
// than taken from x/sys/unix so the decoder builds on every platform.
const (
	inModify    uint32 = 0x00000002
	inAttrib    uint32 = 0x00000004
	inMovedFrom uint32 = 0x00000040
	inMovedTo   uint32 = 0x00000080
	inCreate    uint32 = 0x00000100
	inDelete    uint32 = 0x00000200
	inQOverflow uint32 = 0x00004000
	inIgnored   uint32 = 0x00008000
	inIsDir     uint32 = 0x40000000
)

// inotifyActions is checked in order; the kernel sets one event bit per
// record, the order only matters for malformed masks.
var inotifyActions = []struct {
	bit  uint32
	kind ActionKind
}{
	{inCreate, Added},
	{inDelete, Removed},
	{inModify, Modified},
	{inAttrib, Modified},
	{inMovedFrom, RenamedFrom},
	{inMovedTo, RenamedTo},
}

// inotifyHeaderSize is sizeof(struct inotify_event) without the name.
const inotifyHeaderSize = 16

// InotifyRecord is one decoded inotify event. Event.Name is relative to the
// directory watched by Wd.
type InotifyRecord struct {
	Wd     int32
	Mask   uint32
	Cookie uint32
	IsDir  bool
	Event  ChangeEvent
}

// DecodeInotify decodes the first n bytes of buf as consecutive inotify
// events as returned by read(2) on an inotify descriptor:
//
//	struct inotify_event {
//	    int32_t  wd;      // watch descriptor
//	    uint32_t mask;    // event mask
//	    uint32_t cookie;  // rename correlation cookie
//	    uint32_t len;     // length of name, NUL padded
//	    char     name[];
//	}
//
// The header is in host byte order. Records whose mask carries no tracked
// event (IN_IGNORED, IN_Q_OVERFLOW, ...) or whose name is empty are skipped
// and reported as *DecodeAnomaly values in the returned error.
func DecodeInotify(buf []byte, n int) ([]InotifyRecord, error) {
	n = clampValid(buf, n)

	var (
		records []InotifyRecord
		errs    []error
	)
	for offset := 0; offset < n; {
		if offset+inotifyHeaderSize > n {
			errs = append(errs, &DecodeAnomaly{Offset: offset, Wd: -1, Reason: "truncated record header"})
			break
		}
		wd := int32(binary.NativeEndian.Uint32(buf[offset:]))
		mask := binary.NativeEndian.Uint32(buf[offset+4:])
		cookie := binary.NativeEndian.Uint32(buf[offset+8:])
		rawLen := binary.NativeEndian.Uint32(buf[offset+12:])
		nameStart := offset + inotifyHeaderSize
		if uint64(rawLen) > uint64(n-nameStart) {
			errs = append(errs, &DecodeAnomaly{Offset: offset, Code: mask, Wd: wd, Reason: "name runs past end of batch"})
			break
		}
		nameLen := int(rawLen)

		name := buf[nameStart : nameStart+nameLen]
		if i := bytes.IndexByte(name, 0); i >= 0 {
			name = name[:i]
		}

		kind := inotifyAction(mask)
		switch {
		case kind == 0:
			errs = append(errs, &DecodeAnomaly{Offset: offset, Code: mask, Wd: wd, Reason: "no tracked event in mask"})
		case len(name) == 0:
			errs = append(errs, &DecodeAnomaly{Offset: offset, Code: mask, Wd: wd, Reason: "empty name"})
		default:
			records = append(records, InotifyRecord{
				Wd:     wd,
				Mask:   mask,
				Cookie: cookie,
				IsDir:  mask&inIsDir != 0,
				Event:  ChangeEvent{Action: kind, Name: string(name)},
			})
		}
		offset = nameStart + nameLen
	}
	return records, errors.Join(errs...)
}

func inotifyAction(mask uint32) ActionKind {
	for _, a := range inotifyActions {
		if mask&a.bit != 0 {
			return a.kind
		}
	}
	return 0
}

func clampValid(buf []byte, n int) int {
	if n > len(buf) {
		return len(buf)
	}
	if n < 0 {
		return 0
	}
	return n
}

// encodeNotifyInformation writes events into buf as a FILE_NOTIFY_INFORMATION
// chain, the inverse of DecodeNotifyInformation. It returns the number of
// bytes written and the events that did not fit. A single event too large
// for buf is dropped so callers always make progress.
func encodeNotifyInformation(buf []byte, events []ChangeEvent) (int, []ChangeEvent) {
	offset, prev := 0, -1
	for i, ev := range events {
		name := utf16.Encode([]rune(ev.Name))
		size := (notifyHeaderSize + 2*len(name) + 3) &^ 3
		if offset+size > len(buf) {
			if offset == 0 {
				return 0, events[i+1:]
			}
			return offset, events[i:]
		}
		if prev >= 0 {
			binary.LittleEndian.PutUint32(buf[prev:], uint32(offset-prev))
		}

		var action uint32
		for code, kind := range notifyActions {
			if kind == ev.Action {
				action = code
				break
			}
		}
		binary.LittleEndian.PutUint32(buf[offset:], 0)
		binary.LittleEndian.PutUint32(buf[offset+4:], action)
		binary.LittleEndian.PutUint32(buf[offset+8:], uint32(2*len(name)))
		for j, u := range name {
			binary.LittleEndian.PutUint16(buf[offset+notifyHeaderSize+2*j:], u)
		}
		prev, offset = offset, offset+size
	}
	return offset, nil
}
