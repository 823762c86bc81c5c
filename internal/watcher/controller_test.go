package watcher_test

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/tripwire/dirwatch/internal/watcher"
)

// newTestController returns a controller whose open failures are
// recoverable and whose output is silenced. It is closed on cleanup.
func newTestController(t *testing.T, opts ...watcher.Option) *watcher.Controller {
	t.Helper()
	base := []watcher.Option{
		watcher.WithLogger(testLogger()),
		watcher.WithOpenFailureHook(nil),
	}
	c := watcher.NewController(append(base, opts...)...)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestController_Defaults(t *testing.T) {
	c := newTestController(t)
	if c.Path() != "." {
		t.Errorf("Path = %q, want %q", c.Path(), ".")
	}
	if c.Recursive() {
		t.Error("Recursive = true, want false")
	}
	if c.Filter() != watcher.FilterAll {
		t.Errorf("Filter = %s, want all", c.Filter())
	}
	if c.Running() {
		t.Error("Running = true before Start")
	}
}

func TestController_StartStop(t *testing.T) {
	c := newTestController(t, watcher.WithPath(t.TempDir()))

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !c.Running() {
		t.Fatal("Running = false after Start")
	}
	// A second Start in the same state is a no-op.
	if err := c.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	c.Stop()
	if c.Running() {
		t.Error("Running = true after Stop")
	}
	c.Stop() // idempotent
}

func TestController_StopWithoutStart(t *testing.T) {
	c := newTestController(t)
	c.Stop()
	if err := c.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

// TestController_ConfigureWhileRunning verifies reconfiguring a running
// controller leaves it running on the new path.
func TestController_ConfigureWhileRunning(t *testing.T) {
	first, second := t.TempDir(), t.TempDir()
	c := newTestController(t, watcher.WithPath(first))
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := c.Configure(second, true); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if !c.Running() {
		t.Error("Running = false after Configure on a running controller")
	}
	if c.Path() != second || !c.Recursive() {
		t.Errorf("Path/Recursive = %q/%v, want %q/true", c.Path(), c.Recursive(), second)
	}
}

// TestController_ConfigureWhileStopped verifies reconfiguring a stopped
// controller does not start it.
func TestController_ConfigureWhileStopped(t *testing.T) {
	c := newTestController(t, watcher.WithPath(t.TempDir()))
	other := t.TempDir()

	if err := c.Configure(other, false); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := c.SetRecursive(true); err != nil {
		t.Fatalf("SetRecursive: %v", err)
	}
	if err := c.SetCallback(func(watcher.ChangeEvent) {}); err != nil {
		t.Fatalf("SetCallback: %v", err)
	}
	if err := c.SetFilter(watcher.FilterFileName); err != nil {
		t.Fatalf("SetFilter: %v", err)
	}

	if c.Running() {
		t.Error("Running = true after reconfiguring a stopped controller")
	}
	if c.Path() != other || !c.Recursive() || c.Filter() != watcher.FilterFileName {
		t.Errorf("config = %q/%v/%s", c.Path(), c.Recursive(), c.Filter())
	}
}

func TestController_OpenFailureHook(t *testing.T) {
	var hooked error
	missing := filepath.Join(t.TempDir(), "missing")
	c := newTestController(t,
		watcher.WithPath(missing),
		watcher.WithOpenFailureHook(func(err error) { hooked = err }),
	)

	err := c.Start()
	var openErr *watcher.WatchOpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("Start err = %v, want *WatchOpenError", err)
	}
	if hooked != err {
		t.Errorf("hook received %v, want %v", hooked, err)
	}
	if c.Running() {
		t.Error("Running = true after failed Start")
	}
}

// TestController_ReconfigureToMissingPath verifies a running controller that
// is pointed at a missing directory reports the failure and ends stopped.
func TestController_ReconfigureToMissingPath(t *testing.T) {
	var hooked int
	c := newTestController(t,
		watcher.WithPath(t.TempDir()),
		watcher.WithOpenFailureHook(func(error) { hooked++ }),
	)
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	err := c.SetPath(filepath.Join(t.TempDir(), "gone"))
	if err == nil {
		t.Fatal("SetPath to a missing directory returned nil")
	}
	if hooked != 1 {
		t.Errorf("open-failure hook called %d times, want 1", hooked)
	}
	if c.Running() {
		t.Error("Running = true after restart failed")
	}
}

// TestController_DefaultOpenFailureExits runs itself in a child process
// whose controller keeps the default hook, and checks the child exits with
// status 1 when the directory cannot be opened.
func TestController_DefaultOpenFailureExits(t *testing.T) {
	if dir := os.Getenv("DIRWATCH_EXIT_CHILD"); dir != "" {
		c := watcher.NewController(
			watcher.WithLogger(testLogger()),
			watcher.WithPath(filepath.Join(dir, "missing")),
		)
		_ = c.Start()
		os.Exit(0) // not reached when the hook exits
	}

	cmd := exec.Command(os.Args[0], "-test.run=^TestController_DefaultOpenFailureExits$")
	cmd.Env = append(os.Environ(), "DIRWATCH_EXIT_CHILD="+t.TempDir())
	err := cmd.Run()

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) || exitErr.ExitCode() != 1 {
		t.Fatalf("child err = %v, want exit status 1", err)
	}
}

// TestController_RestoreDefaultOpenFailureHook verifies a hook replaced with
// nil can be put back to ExitOnOpenFailure.
func TestController_RestoreDefaultOpenFailureHook(t *testing.T) {
	if dir := os.Getenv("DIRWATCH_RESTORE_CHILD"); dir != "" {
		c := watcher.NewController(
			watcher.WithLogger(testLogger()),
			watcher.WithPath(filepath.Join(dir, "missing")),
		)
		c.SetOpenFailureHook(nil)
		if err := c.Start(); err == nil {
			os.Exit(3)
		}
		c.SetOpenFailureHook(c.ExitOnOpenFailure)
		_ = c.Start()
		os.Exit(0)
	}

	cmd := exec.Command(os.Args[0], "-test.run=^TestController_RestoreDefaultOpenFailureHook$")
	cmd.Env = append(os.Environ(), "DIRWATCH_RESTORE_CHILD="+t.TempDir())
	err := cmd.Run()

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) || exitErr.ExitCode() != 1 {
		t.Fatalf("child err = %v, want exit status 1", err)
	}
}
