package watcher_test

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tripwire/dirwatch/internal/watcher"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// testLogger discards everything below error+10, keeping test output clean.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 10}))
}

// eventSink is a Handler that forwards events to a buffered channel.
type eventSink struct {
	ch chan watcher.ChangeEvent
}

func newEventSink() *eventSink {
	return &eventSink{ch: make(chan watcher.ChangeEvent, 256)}
}

func (s *eventSink) handle(ev watcher.ChangeEvent) {
	select {
	case s.ch <- ev:
	default:
	}
}

// next reads one event within timeout.
func (s *eventSink) next(timeout time.Duration) (watcher.ChangeEvent, bool) {
	select {
	case ev := <-s.ch:
		return ev, true
	case <-time.After(timeout):
		return watcher.ChangeEvent{}, false
	}
}

// expect reads events until want is seen, skipping unrelated ones, and fails
// the test if it does not arrive within timeout.
func (s *eventSink) expect(t *testing.T, want watcher.ChangeEvent, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		left := time.Until(deadline)
		if left <= 0 {
			t.Fatalf("did not receive %v within %v", want, timeout)
		}
		ev, ok := s.next(left)
		if !ok {
			t.Fatalf("did not receive %v within %v", want, timeout)
		}
		if ev == want {
			return
		}
	}
}

// drain discards events until none arrive for quiet.
func (s *eventSink) drain(quiet time.Duration) {
	for {
		if _, ok := s.next(quiet); !ok {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// StartSession
// ---------------------------------------------------------------------------

func TestStartSession_MissingPath(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "does-not-exist")

	s, err := watcher.StartSession(watcher.WatchRequest{Path: missing}, nil, watcher.WithSessionLogger(testLogger()))
	if s != nil {
		s.Stop()
		t.Fatal("expected nil session for a missing path")
	}

	var openErr *watcher.WatchOpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("err = %v, want *WatchOpenError", err)
	}
	if openErr.Path != missing {
		t.Errorf("WatchOpenError.Path = %q, want %q", openErr.Path, missing)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("err = %v, want it to wrap fs.ErrNotExist", err)
	}
}

func TestStartSession_NotADirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "plain.txt")
	if err := os.WriteFile(file, []byte("x"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := watcher.StartSession(watcher.WatchRequest{Path: file}, nil, watcher.WithSessionLogger(testLogger()))
	var openErr *watcher.WatchOpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("err = %v, want *WatchOpenError", err)
	}
}

func TestStartSession_StartStop(t *testing.T) {
	dir := t.TempDir()
	s, err := watcher.StartSession(watcher.WatchRequest{Path: dir}, nil, watcher.WithSessionLogger(testLogger()))
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if st := s.State(); st != watcher.StateRunning {
		t.Errorf("State = %s, want running", st)
	}

	req := s.Request()
	if req.Filter != watcher.FilterAll {
		t.Errorf("Request().Filter = %s, want all", req.Filter)
	}
	if req.BufferSize != 65536 {
		t.Errorf("Request().BufferSize = %d, want 65535 rounded to 65536", req.BufferSize)
	}

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return within 3 seconds on an idle directory")
	}
	if st := s.State(); st != watcher.StateStopped {
		t.Errorf("State = %s after Stop, want stopped", st)
	}
}

func TestStartSession_StopTwice(t *testing.T) {
	s, err := watcher.StartSession(watcher.WatchRequest{Path: t.TempDir()}, nil, watcher.WithSessionLogger(testLogger()))
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	s.Stop()
	s.Stop() // must not panic or block
}

// TestStartSession_NoEventsAfterStop stops the session before touching the
// directory and verifies the handler is never called.
func TestStartSession_NoEventsAfterStop(t *testing.T) {
	dir := t.TempDir()
	var (
		mu    sync.Mutex
		calls int
	)
	s, err := watcher.StartSession(watcher.WatchRequest{Path: dir}, func(watcher.ChangeEvent) {
		mu.Lock()
		calls++
		mu.Unlock()
	}, watcher.WithSessionLogger(testLogger()))
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	s.Stop()

	for i := 0; i < 5; i++ {
		name := filepath.Join(dir, "f"+string(rune('a'+i)))
		if err := os.WriteFile(name, []byte("data"), 0o600); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("handler called %d times after Stop, want 0", calls)
	}
}
