// Copyright 2024-2026 Aiku AI

package hub

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/aiku/qqbridge/pkg/correlate"
	"github.com/aiku/qqbridge/pkg/credential"
	"github.com/aiku/qqbridge/pkg/im"
	"github.com/aiku/qqbridge/pkg/im/imtest"
	"github.com/aiku/qqbridge/pkg/session"
)

type fakeSessions struct {
	mu       sync.Mutex
	states   []session.AccountStatus
	relogins []int64
	err      error
}

func (f *fakeSessions) States() []session.AccountStatus {
	return f.states
}

func (f *fakeSessions) Relogin(ctx context.Context, account int64, client im.Client) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.relogins = append(f.relogins, account)
	return f.err
}

func newAdminHub(sessions SessionAdmin) *Hub {
	registry := NewRegistry(map[int64]im.Client{1001: imtest.NewClient(1001)})
	corr := correlate.New(zerolog.Nop(), correlate.Options{})
	return New(zerolog.Nop(), registry, corr, Options{Sessions: sessions})
}

func TestListAccounts(t *testing.T) {
	t.Parallel()
	sessions := &fakeSessions{states: []session.AccountStatus{
		{ID: 1001, Protocol: credential.ProtocolIPad, State: session.StateActive},
		{ID: 1002, Protocol: credential.ProtocolMacOS, State: session.StateFailed, Err: errors.New("token expired")},
	}}
	h := newAdminHub(sessions)

	infos := h.ListAccounts()
	if len(infos) != 2 {
		t.Fatalf("ListAccounts: got %d entries, want 2", len(infos))
	}
	if !infos[0].Registered || infos[0].State != "active" || infos[0].Protocol != credential.ProtocolIPad.String() {
		t.Errorf("1001: got %+v", infos[0])
	}
	if infos[1].Registered || infos[1].Error != "token expired" || infos[1].State != "failed" {
		t.Errorf("1002: got %+v", infos[1])
	}
}

func TestListAccountsWithoutSessions(t *testing.T) {
	t.Parallel()
	infos := newAdminHub(nil).ListAccounts()
	if len(infos) != 1 || infos[0].ID != 1001 || !infos[0].Registered {
		t.Errorf("got %+v", infos)
	}
}

func TestRelogin(t *testing.T) {
	t.Parallel()
	sessions := &fakeSessions{}
	h := newAdminHub(sessions)

	if err := h.Relogin(context.Background(), 1001); err != nil {
		t.Fatalf("Relogin: %v", err)
	}
	if err := h.Relogin(context.Background(), 1002); !errors.Is(err, ErrClientNotFound) {
		t.Errorf("Relogin(unregistered): got %v, want ErrClientNotFound", err)
	}
	if len(sessions.relogins) != 1 || sessions.relogins[0] != 1001 {
		t.Errorf("relogins: got %v, want [1001]", sessions.relogins)
	}

	if err := newAdminHub(nil).Relogin(context.Background(), 1001); !errors.Is(err, ErrNoSessions) {
		t.Errorf("Relogin without sessions: got %v, want ErrNoSessions", err)
	}
}

func TestShowCorrelation(t *testing.T) {
	t.Parallel()
	h := newAdminHub(nil)
	mustAttach(t, h, "qq")
	mm := mustAttach(t, h, "mattermost")
	h.Publish(message("qq", "m1"))
	evt := receive(t, mm)
	if err := h.ReportDelivery(evt.CorrelationID, "mattermost", "post-1"); err != nil {
		t.Fatalf("ReportDelivery: %v", err)
	}

	rec, err := h.ShowCorrelation("mattermost", "post-1")
	if err != nil {
		t.Fatalf("ShowCorrelation: %v", err)
	}
	if rec.PlatformIDs["qq"] != "m1" || rec.Origin != "qq" {
		t.Errorf("record: got %+v", rec)
	}
	if _, err := h.ShowCorrelation("qq", "missing"); !errors.Is(err, correlate.ErrNotFound) {
		t.Errorf("missing: got %v, want ErrNotFound", err)
	}
}

func TestStatsOrdered(t *testing.T) {
	t.Parallel()
	h := newAdminHub(nil)
	for _, name := range []string{"qq", "cmd", "mattermost"} {
		mustAttach(t, h, name)
	}
	h.Publish(message("qq", "m1"))

	stats := h.Stats()
	if len(stats) != 3 || stats[0].Name != "cmd" || stats[2].Name != "qq" {
		t.Fatalf("Stats: got %+v", stats)
	}
	if stats[0].Delivered != 1 || stats[0].Queued != 1 || stats[2].Delivered != 0 {
		t.Errorf("counters: got %+v", stats)
	}
}
