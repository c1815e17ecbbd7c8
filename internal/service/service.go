// Package service provides the scoped acquisition primitive for "the host
// control-daemon is stopped", guaranteeing the daemon is restarted on every
// exit path from the scope: normal return, error return, or panic.
package service

import (
	"context"

	"github.com/kflash/kflash/internal/errs"
	"github.com/kflash/kflash/internal/logger"
	"github.com/kflash/kflash/internal/subprocess"
)

// Controller issues systemctl stop/start against a named service. It holds
// no state beyond the service name: there is nothing to leak between calls,
// and it is never meant to be nested (the batch orchestrator acquires the
// scope once and flashes many devices inside it).
type Controller struct {
	ServiceName string // e.g. "klipper"

	// stopFunc/startFunc let tests substitute a fake in place of the real
	// systemctl invocation; nil means use the real subprocess call.
	stopFunc  func(ctx context.Context) error
	startFunc func(ctx context.Context) error
}

// New returns a Controller for serviceName.
func New(serviceName string) *Controller {
	return &Controller{ServiceName: serviceName}
}

// WithStopped stops the service, runs fn, and restarts the service
// regardless of how fn exits — including a panic inside fn, which is not
// recovered: the restart runs in a deferred call while the panic unwinds,
// and the panic then continues to the caller. A restart
// failure is logged as a warning and does not replace fn's own result: by
// the time restart runs, the primary work (e.g. flashing) already
// succeeded or failed on its own terms.
func (c *Controller) WithStopped(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if stopErr := c.stop(ctx); stopErr != nil {
		return &errs.ServiceError{Op: errs.ServiceOpStop, Err: stopErr}
	}

	// Deferred funcs still run while a panic unwinds this frame, so the
	// restart attempt below happens even if fn panics.
	defer func() {
		if startErr := c.start(context.Background()); startErr != nil {
			logger.Warn("failed to restart %s after flash scope: %v (firmware was flashed; restart manually)", c.ServiceName, startErr)
		}
	}()

	return fn(ctx)
}

func (c *Controller) stop(ctx context.Context) error {
	if c.stopFunc != nil {
		return c.stopFunc(ctx)
	}
	logger.Info("stopping %s", c.ServiceName)
	r := subprocess.Runner{Mode: subprocess.Capture}
	res := r.Run(ctx, "systemctl", "stop", c.ServiceName)
	return res.Err
}

func (c *Controller) start(ctx context.Context) error {
	if c.startFunc != nil {
		return c.startFunc(ctx)
	}
	logger.Info("starting %s", c.ServiceName)
	r := subprocess.Runner{Mode: subprocess.Capture}
	res := r.Run(ctx, "systemctl", "start", c.ServiceName)
	return res.Err
}
