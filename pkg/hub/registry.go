// Copyright 2024-2026 Aiku AI

package hub

import (
	"errors"
	"fmt"
	"sort"

	"github.com/aiku/qqbridge/pkg/im"
)

var ErrClientNotFound = errors.New("client not found")

// Registry holds the authenticated IM clients. It is built once after the
// login barrier and never modified, so reads need no locking.
type Registry struct {
	clients map[int64]im.Client
}

// NewRegistry copies clients into a new registry.
func NewRegistry(clients map[int64]im.Client) *Registry {
	r := &Registry{clients: make(map[int64]im.Client, len(clients))}
	for id, client := range clients {
		r.clients[id] = client
	}
	return r
}

func (r *Registry) Lookup(account int64) (im.Client, error) {
	client, ok := r.clients[account]
	if !ok {
		return nil, fmt.Errorf("%w: account %d", ErrClientNotFound, account)
	}
	return client, nil
}

// IDs returns the registered account ids in ascending order.
func (r *Registry) IDs() []int64 {
	ids := make([]int64, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Registry) Len() int {
	return len(r.clients)
}

// Close closes every client and joins their errors.
func (r *Registry) Close() error {
	var errs []error
	for _, id := range r.IDs() {
		if err := r.clients[id].Close(); err != nil {
			errs = append(errs, fmt.Errorf("account %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
