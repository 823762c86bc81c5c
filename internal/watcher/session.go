package watcher

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// SessionState is the lifecycle position of a Session.
type SessionState int32

const (
	StateCreated SessionState = iota
	StateRunning
	StateStopRequested
	StateStopped
)

func (s SessionState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopRequested:
		return "stop-requested"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// readRetryDelay is how long the loop waits before reissuing a batch request
// that failed. The wait is cut short by Stop.
const readRetryDelay = 100 * time.Millisecond

// notifier is the platform half of a session. Implementations live in
// notify_linux.go, notify_windows.go and notify_other.go.
type notifier interface {
	// wait blocks until either a batch of change records is available or the
	// stop signal raised by interrupt fires. On a batch it fills buf and
	// returns the number of valid bytes, which may be zero. It returns
	// errStopped when the stop signal won.
	wait(buf []byte) (int, error)
	// decode turns the first n bytes of buf into events. Any error only
	// carries skipped records; the events are valid either way.
	decode(buf []byte, n int) ([]ChangeEvent, error)
	// interrupt raises the stop signal. It may be called from any goroutine.
	interrupt() error
	// close releases all OS resources. It is called once, after the loop
	// goroutine has exited.
	close() error
}

// Session is one active observation of a directory: an open OS watch
// handle, the goroutine reading it, and the stop signal used to end it. A
// session is single-use; once stopped it cannot be restarted.
type Session struct {
	req       WatchRequest
	handler   Handler
	logger    *slog.Logger
	onRelease func(error)

	n   notifier
	buf []byte

	state    atomic.Int32
	stopping atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// SessionOption configures optional Session behaviour.
type SessionOption func(*Session)

// WithSessionLogger sets the logger used by the session. The default is
// slog.Default().
func WithSessionLogger(l *slog.Logger) SessionOption {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithReleaseHook sets the function called with a *HandleReleaseError when
// releasing the OS handle fails during Stop. The default logs a warning.
func WithReleaseHook(fn func(error)) SessionOption {
	return func(s *Session) { s.onRelease = fn }
}

// StartSession opens req.Path for change notification and starts the
// background loop that calls h once per event. It returns a
// *WatchOpenError when the directory cannot be watched.
func StartSession(req WatchRequest, h Handler, opts ...SessionOption) (*Session, error) {
	s := newSession(req, h, opts...)

	if err := checkDir(s.req.Path); err != nil {
		s.state.Store(int32(StateStopped))
		return nil, &WatchOpenError{Path: s.req.Path, Err: err}
	}
	n, err := newNotifier(s.req, s.logger)
	if err != nil {
		s.state.Store(int32(StateStopped))
		return nil, &WatchOpenError{Path: s.req.Path, Err: err}
	}

	s.run(n)
	return s, nil
}

func newSession(req WatchRequest, h Handler, opts ...SessionOption) *Session {
	s := &Session{
		req:     req.normalized(),
		handler: h,
		logger:  slog.Default(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.handler == nil {
		s.handler = func(ChangeEvent) {}
	}
	if s.onRelease == nil {
		logger := s.logger
		s.onRelease = func(err error) {
			logger.Warn("watch session: release failed", slog.Any("error", err))
		}
	}
	return s
}

// run attaches n and launches the loop goroutine.
func (s *Session) run(n notifier) {
	s.n = n
	s.buf = make([]byte, s.req.BufferSize)
	s.state.Store(int32(StateRunning))

	s.wg.Add(1)
	go s.loop()

	s.logger.Debug("watch session: started",
		slog.String("path", s.req.Path),
		slog.Bool("recursive", s.req.Recursive),
		slog.String("filter", s.req.Filter.String()),
		slog.Int("buffer_size", s.req.BufferSize))
}

func checkDir(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return errors.New("not a directory")
	}
	return nil
}

// loop is the session goroutine: wait for a batch or the stop signal,
// decode the batch, hand each event to the handler, repeat.
func (s *Session) loop() {
	defer s.wg.Done()

	for {
		n, err := s.n.wait(s.buf)

		// A batch that raced with Stop is dropped undecoded.
		if s.stopping.Load() || errors.Is(err, errStopped) {
			return
		}
		if err != nil {
			s.logger.Debug("watch session: batch request failed; retrying",
				slog.String("path", s.req.Path),
				slog.Any("error", err))
			select {
			case <-s.done:
				return
			case <-time.After(readRetryDelay):
			}
			continue
		}
		if n == 0 {
			continue
		}

		events, err := s.n.decode(s.buf, n)
		for _, a := range Anomalies(err) {
			s.logger.Debug("watch session: skipped record",
				slog.String("path", s.req.Path),
				slog.Int("offset", a.Offset),
				slog.String("reason", a.Reason))
		}

		for _, ev := range events {
			s.handler(ev)
		}
	}
}

// Stop raises the stop signal, waits for the loop goroutine to exit and
// then releases the OS handle. It is idempotent and safe to call from
// several goroutines; every caller returns once the session is stopped.
// After Stop returns the handler is not called again.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		if !s.state.CompareAndSwap(int32(StateRunning), int32(StateStopRequested)) {
			s.state.Store(int32(StateStopped))
			return
		}

		s.stopping.Store(true)
		close(s.done)
		if err := s.n.interrupt(); err != nil {
			s.logger.Warn("watch session: raising stop signal failed",
				slog.String("path", s.req.Path),
				slog.Any("error", err))
		}
		s.wg.Wait()

		if err := s.n.close(); err != nil {
			s.onRelease(&HandleReleaseError{Path: s.req.Path, Err: err})
		}
		s.buf = nil
		s.state.Store(int32(StateStopped))

		s.logger.Debug("watch session: stopped", slog.String("path", s.req.Path))
	})
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Request returns the configuration the session was started with, with
// defaults applied.
func (s *Session) Request() WatchRequest {
	return s.req
}
