package uarch

import (
	"context"
	"fmt"
	"log/slog"
)

// InvariantError reports a broken pipeline invariant. It is raised with
// panic because the simulated state can no longer be trusted.
type InvariantError struct {
	Core  int
	Cycle uint64
	Msg   string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("core %d cycle %d: %s", e.Core, e.Cycle, e.Msg)
}

// Context is the per-core state shared by every stage.
type Context struct {
	ID    int
	Cycle uint64
	// Active is set while the core has in-flight work.
	Active bool

	Arena *Arena
	Log   *slog.Logger

	actionID uint64
}

// NewContext creates a context for core id.
func NewContext(id int, arena *Arena, logger *slog.Logger) *Context {
	if logger == nil {
		logger = slog.Default()
	}

	return &Context{
		ID:    id,
		Arena: arena,
		Log:   logger.With("core", id),
	}
}

// NewActionID returns a fresh action id.
func (c *Context) NewActionID() uint64 {
	c.actionID++
	return c.actionID
}

// Assertf panics with an *InvariantError when cond is false.
func (c *Context) Assertf(cond bool, format string, args ...any) {
	if cond {
		return
	}

	panic(&InvariantError{
		Core:  c.ID,
		Cycle: c.Cycle,
		Msg:   fmt.Sprintf(format, args...),
	})
}

// Trace logs a pipeline event at debug level.
func (c *Context) Trace(msg string, args ...any) {
	if !c.Log.Enabled(context.Background(), slog.LevelDebug) {
		return
	}

	c.Log.Debug(msg, append([]any{"cycle", c.Cycle}, args...)...)
}
