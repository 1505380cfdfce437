// Copyright 2024-2026 Aiku AI

// Package supervisor joins the bridge's top-level tasks. The first task to
// return, with or without an error, cancels all the others.
package supervisor

import (
	"context"
	"errors"
	"fmt"

	"github.com/oklog/run"
	"github.com/rs/zerolog"
)

// ErrStopped is returned by [Run] when the parent context ends first.
var ErrStopped = errors.New("supervisor stopped")

// Task is a named long-running function. It must return once its context
// is canceled.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// ExitError names the task whose exit ended the run.
type ExitError struct {
	Task string
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("task %s exited", e.Task)
	}
	return fmt.Sprintf("task %s exited: %v", e.Task, e.Err)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// Run starts every task and blocks until all of them have returned. The
// returned error is an [*ExitError] for the task that finished first, or
// wraps [ErrStopped] if ctx was canceled before any task exited.
func Run(ctx context.Context, log zerolog.Logger, tasks ...Task) error {
	if len(tasks) == 0 {
		return errors.New("supervisor: no tasks")
	}

	var g run.Group
	stop := make(chan struct{})
	g.Add(func() error {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrStopped, context.Cause(ctx))
		case <-stop:
			return nil
		}
	}, func(error) {
		close(stop)
	})

	// Tasks keep the parent's values. Parent cancellation reaches them
	// through the stop actor so ErrStopped is always the reported cause.
	base := context.WithoutCancel(ctx)
	for _, task := range tasks {
		taskCtx, cancel := context.WithCancel(base)
		g.Add(func() error {
			err := task.Run(taskCtx)
			log.Debug().Str("task", task.Name).AnErr("task_error", err).Msg("Task returned")
			return &ExitError{Task: task.Name, Err: err}
		}, func(error) {
			cancel()
		})
	}

	err := g.Run()
	var exit *ExitError
	switch {
	case errors.As(err, &exit) && exit.Err != nil:
		log.Error().Err(exit.Err).Str("task", exit.Task).Msg("Task failed, shutting down")
	case errors.As(err, &exit):
		log.Info().Str("task", exit.Task).Msg("Task finished, shutting down")
	default:
		log.Info().Err(err).Msg("Shutting down")
	}
	return err
}
