// Copyright 2024-2026 Aiku AI

package hub

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/aiku/qqbridge/pkg/correlate"
	"github.com/aiku/qqbridge/pkg/im"
	"github.com/aiku/qqbridge/pkg/session"
)

var ErrNoSessions = errors.New("session management unavailable")

// SessionAdmin is the part of the session manager exposed to operators.
type SessionAdmin interface {
	States() []session.AccountStatus
	Relogin(ctx context.Context, account int64, client im.Client) error
}

// AccountInfo describes one configured IM account.
type AccountInfo struct {
	ID         int64  `json:"id"`
	Protocol   string `json:"protocol,omitempty"`
	State      string `json:"state"`
	Error      string `json:"error,omitempty"`
	Registered bool   `json:"registered"`
}

// AdapterStats are the delivery counters of one attached adapter.
type AdapterStats struct {
	Name      string `json:"name"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Queued    int    `json:"queued"`
}

// ListAccounts reports every account the session manager knows about.
func (h *Hub) ListAccounts() []AccountInfo {
	if h.sessions == nil {
		infos := make([]AccountInfo, 0, h.registry.Len())
		for _, id := range h.registry.IDs() {
			infos = append(infos, AccountInfo{ID: id, State: session.StateActive.String(), Registered: true})
		}
		return infos
	}

	states := h.sessions.States()
	infos := make([]AccountInfo, 0, len(states))
	for _, st := range states {
		info := AccountInfo{
			ID:       st.ID,
			Protocol: st.Protocol.String(),
			State:    st.State.String(),
		}
		if st.Err != nil {
			info.Error = st.Err.Error()
		}
		_, err := h.registry.Lookup(st.ID)
		info.Registered = err == nil
		infos = append(infos, info)
	}
	return infos
}

// Relogin forces a new token login for a registered account. Accounts that
// failed at startup are not in the registry and cannot be relogged.
func (h *Hub) Relogin(ctx context.Context, account int64) error {
	client, err := h.registry.Lookup(account)
	if err != nil {
		return err
	}
	if h.sessions == nil {
		return ErrNoSessions
	}
	h.log.Info().Int64("account", account).Msg("Relogin requested")
	return h.sessions.Relogin(ctx, account, client)
}

// ShowCorrelation returns the correlation a platform message belongs to.
func (h *Hub) ShowCorrelation(adapter, platformMessageID string) (correlate.Record, error) {
	id, err := h.corr.Lookup(adapter, platformMessageID)
	if err != nil {
		return correlate.Record{}, err
	}
	rec, err := h.corr.Resolve(id)
	if err != nil {
		return correlate.Record{}, fmt.Errorf("resolve %s: %w", id, err)
	}
	return rec, nil
}

// Adapters returns the attached adapter names in order.
func (h *Hub) Adapters() []string {
	h.mu.RLock()
	names := make([]string, 0, len(h.adapters))
	for name := range h.adapters {
		names = append(names, name)
	}
	h.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Stats returns per-adapter delivery counters ordered by name.
func (h *Hub) Stats() []AdapterStats {
	h.mu.RLock()
	stats := make([]AdapterStats, 0, len(h.adapters))
	for name, reg := range h.adapters {
		stats = append(stats, AdapterStats{
			Name:      name,
			Delivered: reg.delivered.Load(),
			Dropped:   reg.dropped.Load(),
			Queued:    len(reg.inbound),
		})
	}
	h.mu.RUnlock()
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}
