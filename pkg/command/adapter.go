// Copyright 2024-2026 Aiku AI

package command

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/aiku/qqbridge/pkg/hub"
)

// Name is the hub name of the command adapter.
const Name = "cmd"

// Frontend delivers operator commands to a dispatcher until ctx is done.
type Frontend interface {
	Run(ctx context.Context, d *Dispatcher) error
}

// Adapter attaches to the hub as a privileged sibling and serves commands
// from its front ends. Bridged traffic reaching it is consumed and ignored.
type Adapter struct {
	hub       *hub.Hub
	frontends []Frontend
	log       zerolog.Logger
}

func NewAdapter(h *hub.Hub, log zerolog.Logger, frontends ...Frontend) *Adapter {
	return &Adapter{
		hub:       h,
		frontends: frontends,
		log:       log.With().Str("component", "cmd_adapter").Logger(),
	}
}

// Run returns when ctx is done or when a front end fails.
func (a *Adapter) Run(ctx context.Context) error {
	reg, err := a.hub.Attach(Name)
	if err != nil {
		return err
	}
	defer a.hub.Detach(Name)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dispatcher := NewDispatcher(a.hub)
	errs := make(chan error, len(a.frontends))
	for _, fe := range a.frontends {
		go func() {
			errs <- fe.Run(ctx, dispatcher)
		}()
	}
	a.log.Info().Int("frontends", len(a.frontends)).Msg("Command adapter started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errs:
			if ctx.Err() != nil {
				return nil
			}
			return err
		case evt, ok := <-reg.Inbound():
			if !ok {
				return errors.New("detached from hub")
			}
			a.log.Trace().
				Str("origin", evt.Origin).
				Stringer("kind", evt.Kind).
				Str("correlation_id", evt.CorrelationID).
				Msg("Ignoring bridged event")
		}
	}
}
