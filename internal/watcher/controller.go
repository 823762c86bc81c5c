package watcher

import (
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
)

// Controller holds the watch configuration and owns at most one running
// Session. Changing the configuration while running restarts the session;
// changing it while stopped leaves the controller stopped.
//
// Controller is safe for concurrent use. Handlers must not call Stop,
// Close, or any setter on the controller that invoked them.
type Controller struct {
	logger *slog.Logger

	// mu serialises lifecycle transitions. Fields below it are guarded by
	// mu; the accessors read the atomic snapshot instead so they never wait
	// behind a Stop that is joining the session goroutine.
	mu               sync.Mutex
	req              WatchRequest
	handler          Handler
	session          *Session
	onOpenFailure    func(error)
	onReleaseFailure func(error)

	snapshot atomic.Pointer[WatchRequest]
	running  atomic.Bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the controller's logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithPath sets the initial directory. The default is ".".
func WithPath(path string) Option {
	return func(c *Controller) { c.req.Path = path }
}

// WithRecursive sets whether subdirectories are watched.
func WithRecursive(recursive bool) Option {
	return func(c *Controller) { c.req.Recursive = recursive }
}

// WithFilter sets the change categories to observe.
func WithFilter(f Filter) Option {
	return func(c *Controller) { c.req.Filter = f }
}

// WithBufferSize sets the per-session batch buffer capacity in bytes.
func WithBufferSize(n int) Option {
	return func(c *Controller) { c.req.BufferSize = n }
}

// WithHandler sets the initial event handler.
func WithHandler(h Handler) Option {
	return func(c *Controller) { c.handler = h }
}

// WithOpenFailureHook replaces the action taken when the directory cannot be
// opened. The default logs the error and exits the process with status 1.
// A nil hook makes open failures recoverable: Start only returns the error.
func WithOpenFailureHook(fn func(error)) Option {
	return func(c *Controller) { c.onOpenFailure = fn }
}

// WithReleaseFailureHook replaces the action taken when releasing the OS
// handle fails on stop. The default logs a warning.
func WithReleaseFailureHook(fn func(error)) Option {
	return func(c *Controller) { c.onReleaseFailure = fn }
}

// NewController returns a stopped controller watching "." non-recursively
// with FilterAll and a handler that logs each event.
func NewController(opts ...Option) *Controller {
	c := &Controller{
		logger: slog.Default(),
		req:    WatchRequest{Path: ".", Filter: FilterAll},
	}
	c.onOpenFailure = c.ExitOnOpenFailure
	c.onReleaseFailure = c.logReleaseFailure
	for _, opt := range opts {
		opt(c)
	}
	if c.handler == nil {
		c.handler = c.logEvent
	}
	c.publish()
	return c
}

func (c *Controller) logEvent(ev ChangeEvent) {
	c.logger.Info("change",
		slog.String("action", ev.Action.String()),
		slog.String("name", ev.Name))
}

// ExitOnOpenFailure is the default open-failure hook: it logs err and exits
// the process with status 1. Pass it to SetOpenFailureHook to restore the
// default after replacing it.
func (c *Controller) ExitOnOpenFailure(err error) {
	c.logger.Error("watcher: cannot open directory; exiting", slog.Any("error", err))
	os.Exit(1)
}

func (c *Controller) logReleaseFailure(err error) {
	c.logger.Warn("watcher: failed to release directory handle", slog.Any("error", err))
}

// publish stores a copy of req for the accessors. Called with mu held.
func (c *Controller) publish() {
	snap := c.req
	if snap.Filter == 0 {
		snap.Filter = FilterAll
	}
	c.snapshot.Store(&snap)
}

// Start begins watching the configured directory. Calling Start on a
// running controller does nothing. When the directory cannot be opened the
// open-failure hook runs and the *WatchOpenError is returned.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return nil
	}
	return c.startLocked()
}

func (c *Controller) startLocked() error {
	s, err := StartSession(c.req, c.handler,
		WithSessionLogger(c.logger),
		WithReleaseHook(c.onReleaseFailure))
	if err != nil {
		c.logger.Error("watcher: start failed",
			slog.String("path", c.req.Path),
			slog.Any("error", err))
		if c.onOpenFailure != nil {
			c.onOpenFailure(err)
		}
		return err
	}

	c.session = s
	c.running.Store(true)
	c.logger.Info("watcher: started",
		slog.String("path", c.req.Path),
		slog.Bool("recursive", c.req.Recursive),
		slog.String("filter", s.Request().Filter.String()))
	return nil
}

// Stop ends the running session and waits for it to finish. It is a no-op
// when the controller is not running. After Stop returns the handler is
// not called again.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

func (c *Controller) stopLocked() {
	if c.session == nil {
		return
	}
	c.running.Store(false)
	c.session.Stop()
	c.session = nil
	c.logger.Info("watcher: stopped", slog.String("path", c.req.Path))
}

// Close stops the controller. It implements io.Closer so teardown paths can
// defer it unconditionally.
func (c *Controller) Close() error {
	c.Stop()
	return nil
}

// reconfigure applies a configuration change, restarting the session if one
// was running.
func (c *Controller) reconfigure(apply func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	wasRunning := c.session != nil
	c.stopLocked()
	apply()
	c.publish()
	if !wasRunning {
		return nil
	}
	return c.startLocked()
}

// Configure sets both the directory and the recursive flag with a single
// restart.
func (c *Controller) Configure(path string, recursive bool) error {
	return c.reconfigure(func() {
		c.req.Path = path
		c.req.Recursive = recursive
	})
}

// SetPath changes the watched directory.
func (c *Controller) SetPath(path string) error {
	return c.reconfigure(func() { c.req.Path = path })
}

// SetRecursive changes whether subdirectories are watched.
func (c *Controller) SetRecursive(recursive bool) error {
	return c.reconfigure(func() { c.req.Recursive = recursive })
}

// SetFilter changes the observed change categories.
func (c *Controller) SetFilter(f Filter) error {
	return c.reconfigure(func() { c.req.Filter = f })
}

// SetCallback replaces the event handler. A nil handler restores the
// default logging handler.
func (c *Controller) SetCallback(h Handler) error {
	return c.reconfigure(func() {
		if h == nil {
			h = c.logEvent
		}
		c.handler = h
	})
}

// SetOpenFailureHook replaces the open-failure hook without restarting the
// session. A nil hook makes open failures recoverable.
func (c *Controller) SetOpenFailureHook(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOpenFailure = fn
}

// Path returns the configured directory.
func (c *Controller) Path() string {
	return c.snapshot.Load().Path
}

// Recursive reports whether subdirectories are watched.
func (c *Controller) Recursive() bool {
	return c.snapshot.Load().Recursive
}

// Filter returns the configured change categories.
func (c *Controller) Filter() Filter {
	return c.snapshot.Load().Filter
}

// Running reports whether a session is active.
func (c *Controller) Running() bool {
	return c.running.Load()
}
