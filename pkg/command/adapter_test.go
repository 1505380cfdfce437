// Copyright 2024-2026 Aiku AI

package command

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/qqbridge/pkg/correlate"
	"github.com/aiku/qqbridge/pkg/hub"
)

type frontendFunc func(ctx context.Context, d *Dispatcher) error

func (f frontendFunc) Run(ctx context.Context, d *Dispatcher) error {
	return f(ctx, d)
}

func newTestHub() *hub.Hub {
	corr := correlate.New(zerolog.Nop(), correlate.Options{})
	return hub.New(zerolog.Nop(), hub.NewRegistry(nil), corr, hub.Options{})
}

func TestAdapterServesFrontends(t *testing.T) {
	t.Parallel()
	h := newTestHub()
	replies := make(chan Reply, 1)
	fe := frontendFunc(func(ctx context.Context, d *Dispatcher) error {
		replies <- d.Run(ctx, "!stats")
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewAdapter(h, zerolog.Nop(), fe).Run(ctx) }()

	select {
	case reply := <-replies:
		if reply.Err != nil {
			t.Fatalf("reply: %v", reply.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("front end never ran")
	}

	// Bridged traffic reaching the command adapter is drained.
	h.Publish(hub.Event{Origin: "qq", MessageID: "555:1", ConversationKey: "lobby", Kind: hub.KindMessage})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if names := h.Adapters(); len(names) != 0 {
		t.Errorf("adapter still attached: %v", names)
	}
}

func TestAdapterFrontendFailure(t *testing.T) {
	t.Parallel()
	boom := errors.New("sync failed")
	fe := frontendFunc(func(context.Context, *Dispatcher) error { return boom })

	err := NewAdapter(newTestHub(), zerolog.Nop(), fe).Run(context.Background())
	if !errors.Is(err, boom) {
		t.Errorf("Run: got %v, want %v", err, boom)
	}
}

func TestAdapterDuplicateAttach(t *testing.T) {
	t.Parallel()
	h := newTestHub()
	if _, err := h.Attach(Name); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	err := NewAdapter(h, zerolog.Nop()).Run(context.Background())
	if !errors.Is(err, hub.ErrDuplicateName) {
		t.Errorf("Run: got %v, want ErrDuplicateName", err)
	}
}
