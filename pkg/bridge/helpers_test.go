// Copyright 2024-2026 Aiku AI

package bridge

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/qqbridge/pkg/correlate"
	"github.com/aiku/qqbridge/pkg/hub"
	"github.com/aiku/qqbridge/pkg/im"
)

func newTestHub(clients map[int64]im.Client) *hub.Hub {
	corr := correlate.New(zerolog.Nop(), correlate.Options{})
	return hub.New(zerolog.Nop(), hub.NewRegistry(clients), corr, hub.Options{InboundBuffer: 16})
}

func testLinks(t *testing.T) *Links {
	t.Helper()
	links, err := NewLinks([]Link{
		{Name: "lobby", Account: 1001, Group: 555, Channel: "ch-lobby"},
	})
	if err != nil {
		t.Fatalf("NewLinks: %v", err)
	}
	return links
}

func attachSink(t *testing.T, h *hub.Hub, name string) *hub.Registration {
	t.Helper()
	reg, err := h.Attach(name)
	if err != nil {
		t.Fatalf("Attach(%s): %v", name, err)
	}
	return reg
}

func nextEvent(t *testing.T, reg *hub.Registration) hub.Event {
	t.Helper()
	select {
	case evt := <-reg.Inbound():
		return evt
	case <-time.After(2 * time.Second):
		t.Fatalf("%s received nothing", reg.Name())
	}
	return hub.Event{}
}

func expectNoEvent(t *testing.T, reg *hub.Registration) {
	t.Helper()
	select {
	case evt := <-reg.Inbound():
		t.Fatalf("%s unexpectedly received %+v", reg.Name(), evt)
	case <-time.After(50 * time.Millisecond):
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
