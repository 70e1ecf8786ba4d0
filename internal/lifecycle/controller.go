package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"
)

// DefaultStartupTimeout bounds validation plus bind.
const DefaultStartupTimeout = 10 * time.Second

// StartupErrorKind classifies a failed startup.
type StartupErrorKind string

const (
	KindValidation  StartupErrorKind = "validation"
	KindBind        StartupErrorKind = "bind"
	KindTimeout     StartupErrorKind = "timeout"
	KindInterrupted StartupErrorKind = "interrupted"
	// KindStatus means the ready record could not be persisted.
	KindStatus StartupErrorKind = "status"
)

// StartupError is returned by Controller.Start. Its message is what gets
// persisted as server_error.
type StartupError struct {
	Kind StartupErrorKind
	Err  error
}

func (e *StartupError) Error() string {
	switch e.Kind {
	case KindValidation:
		return e.Err.Error()
	case KindTimeout:
		return fmt.Sprintf("startup timed out: %v", e.Err)
	case KindStatus:
		return fmt.Sprintf("persist ready status: %v", e.Err)
	default:
		return fmt.Sprintf("%s failed: %v", e.Kind, e.Err)
	}
}

func (e *StartupError) Unwrap() error { return e.Err }

// Controller runs the startup sequence: persist starting, validate, bind,
// persist ready. Any failure is persisted as error before Start returns.
type Controller struct {
	Store *StatusStore

	// Validate checks configuration before anything is bound.
	Validate func(ctx context.Context) error

	// Bind opens the listener.
	Bind func(ctx context.Context) (net.Listener, error)

	// Timeout bounds Validate plus Bind. Zero means DefaultStartupTimeout.
	Timeout time.Duration

	Logger *slog.Logger
}

// Start runs the sequence and returns the bound listener once ready has
// been persisted.
func (c *Controller) Start(ctx context.Context) (net.Listener, error) {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pid := os.Getpid()

	if err := c.Store.Write(Status{State: StateStarting, PID: pid}); err != nil {
		return nil, fmt.Errorf("persist starting status: %w", err)
	}
	logger.Info("server starting", slog.String("status_file", c.Store.Path()), slog.Int("pid", pid))

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultStartupTimeout
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if c.Validate != nil {
		_, err := runStep(stepCtx, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, c.Validate(ctx)
		}, nil)
		if err != nil {
			return nil, c.fail(logger, pid, classify(KindValidation, ctx, err))
		}
	}

	if c.Bind == nil {
		return nil, c.fail(logger, pid, &StartupError{Kind: KindBind, Err: errors.New("no listener configured")})
	}
	ln, err := runStep(stepCtx, c.Bind, func(ln net.Listener) { _ = ln.Close() })
	if err != nil {
		return nil, c.fail(logger, pid, classify(KindBind, ctx, err))
	}

	port := 0
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		port = addr.Port
	}
	if err := c.Store.Write(Status{State: StateReady, PID: pid, Port: port}); err != nil {
		_ = ln.Close()
		// Still starting as far as the store knows, so error is allowed.
		return nil, c.fail(logger, pid, &StartupError{Kind: KindStatus, Err: err})
	}
	logger.Info("server ready", slog.String("addr", ln.Addr().String()))
	return ln, nil
}

func (c *Controller) fail(logger *slog.Logger, pid int, serr *StartupError) error {
	logger.Error("startup failed", slog.String("kind", string(serr.Kind)), slog.String("error", serr.Error()))

	if err := c.Store.Write(Status{State: StateError, Error: serr.Error(), PID: pid}); err != nil {
		return errors.Join(serr, fmt.Errorf("persist error status: %w", err))
	}
	return serr
}

// classify turns a step failure into a StartupError, separating our own
// deadline from a cancelled parent context.
func classify(kind StartupErrorKind, parent context.Context, err error) *StartupError {
	switch {
	case parent.Err() != nil:
		return &StartupError{Kind: KindInterrupted, Err: parent.Err()}
	case errors.Is(err, context.DeadlineExceeded):
		return &StartupError{Kind: KindTimeout, Err: fmt.Errorf("%s did not finish: %w", kind, err)}
	default:
		return &StartupError{Kind: kind, Err: err}
	}
}

// runStep runs fn but returns as soon as ctx is done, even if fn ignores
// ctx. A result that arrives late is passed to discard.
func runStep[T any](ctx context.Context, fn func(context.Context) (T, error), discard func(T)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		go func() {
			r := <-done
			if r.err == nil && discard != nil {
				discard(r.v)
			}
		}()
		var zero T
		return zero, ctx.Err()
	}
}
