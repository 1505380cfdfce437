// Copyright 2024-2026 Aiku AI

// Package hub routes events between platform adapters and owns the registry
// of authenticated IM clients.
package hub

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aiku/qqbridge/pkg/correlate"
	"github.com/aiku/qqbridge/pkg/im"
)

const DefaultInboundBuffer = 64

var ErrDuplicateName = errors.New("adapter name already attached")

// Registration is an attached adapter's handle on the hub.
type Registration struct {
	name    string
	inbound chan Event

	mu     sync.Mutex
	closed bool

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

func (r *Registration) Name() string {
	return r.name
}

// Inbound yields events published by sibling adapters. It is closed on detach.
func (r *Registration) Inbound() <-chan Event {
	return r.inbound
}

// deliver never blocks: a full or closed queue drops the event.
func (r *Registration) deliver(evt Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.dropped.Add(1)
		return false
	}
	select {
	case r.inbound <- evt:
		r.delivered.Add(1)
		return true
	default:
		r.dropped.Add(1)
		return false
	}
}

func (r *Registration) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.inbound)
	}
}

// Options configures a Hub.
type Options struct {
	InboundBuffer int
	Sessions      SessionAdmin
}

// Hub fans events out to every attached adapter except the origin.
type Hub struct {
	log      zerolog.Logger
	registry *Registry
	corr     *correlate.Correlator
	sessions SessionAdmin
	buffer   int
	newID    func() string

	mu       sync.RWMutex
	adapters map[string]*Registration

	pubMu    sync.Mutex
	pubLocks map[string]*sync.Mutex
}

// New creates a hub over a finished client registry.
func New(log zerolog.Logger, registry *Registry, corr *correlate.Correlator, opts Options) *Hub {
	buffer := opts.InboundBuffer
	if buffer <= 0 {
		buffer = DefaultInboundBuffer
	}
	return &Hub{
		log:      log.With().Str("component", "hub").Logger(),
		registry: registry,
		corr:     corr,
		sessions: opts.Sessions,
		buffer:   buffer,
		newID:    uuid.NewString,
		adapters: make(map[string]*Registration),
		pubLocks: make(map[string]*sync.Mutex),
	}
}

// Attach registers an adapter under name.
func (h *Hub) Attach(name string) (*Registration, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.adapters[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}
	reg := &Registration{name: name, inbound: make(chan Event, h.buffer)}
	h.adapters[name] = reg
	h.log.Debug().Str("adapter", name).Msg("Adapter attached")
	return reg, nil
}

// Detach removes the adapter and closes its inbound channel. Detaching an
// unknown name is a no-op.
func (h *Hub) Detach(name string) {
	h.mu.Lock()
	reg, ok := h.adapters[name]
	delete(h.adapters, name)
	h.mu.Unlock()
	if !ok {
		return
	}
	reg.close()
	h.log.Debug().Str("adapter", name).Msg("Adapter detached")
}

// LookupClient returns the IM client for an authenticated account.
func (h *Hub) LookupClient(account int64) (im.Client, error) {
	return h.registry.Lookup(account)
}

// Registry returns the client registry.
func (h *Hub) Registry() *Registry {
	return h.registry
}

func (h *Hub) originLock(origin string) *sync.Mutex {
	h.pubMu.Lock()
	defer h.pubMu.Unlock()
	lock, ok := h.pubLocks[origin]
	if !ok {
		lock = &sync.Mutex{}
		h.pubLocks[origin] = lock
	}
	return lock
}

// Publish delivers evt to every attached adapter except its origin and
// returns how many siblings accepted it. New messages get a correlation id;
// edits and deletes are matched to the correlation of their target and are
// dropped when none exists.
func (h *Hub) Publish(evt Event) int {
	log := h.log.With().
		Str("origin", evt.Origin).
		Str("message_id", evt.MessageID).
		Stringer("kind", evt.Kind).
		Logger()

	switch evt.Kind {
	case KindMessage:
		if evt.CorrelationID == "" {
			evt.CorrelationID = h.newID()
			if err := h.corr.Record(evt.CorrelationID, evt.Origin, evt.MessageID, evt.ConversationKey); err != nil {
				log.Warn().Err(err).Msg("Failed to record correlation")
			}
		}
	case KindEdit, KindDelete:
		if evt.CorrelationID == "" {
			id, err := h.corr.Lookup(evt.Origin, evt.TargetID)
			if err != nil {
				log.Debug().Err(err).Str("target_id", evt.TargetID).Msg("No correlation for target, dropping event")
				return 0
			}
			evt.CorrelationID = id
		}
	}

	lock := h.originLock(evt.Origin)
	lock.Lock()
	defer lock.Unlock()

	h.mu.RLock()
	siblings := make([]*Registration, 0, len(h.adapters))
	for name, reg := range h.adapters {
		if name != evt.Origin {
			siblings = append(siblings, reg)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, reg := range siblings {
		if reg.deliver(evt) {
			delivered++
		} else {
			log.Warn().Str("adapter", reg.name).Msg("Inbound queue full or closed, dropping event")
		}
	}
	return delivered
}

// ReportDelivery records the id a sibling adapter produced for a correlated
// event. An evicted correlation is reported as [correlate.ErrUnknownCorrelation].
func (h *Hub) ReportDelivery(correlationID, adapter, platformMessageID string) error {
	err := h.corr.AttachResult(correlationID, adapter, platformMessageID)
	if errors.Is(err, correlate.ErrUnknownCorrelation) {
		h.log.Debug().Str("correlation_id", correlationID).Str("adapter", adapter).Msg("Correlation gone before delivery was reported")
	}
	return err
}

// PlatformID returns the message id adapter produced for a correlation.
func (h *Hub) PlatformID(correlationID, adapter string) (string, bool) {
	rec, err := h.corr.Resolve(correlationID)
	if err != nil {
		return "", false
	}
	id, ok := rec.PlatformIDs[adapter]
	return id, ok
}

// Resolve translates a message id on one adapter into the id of the same
// logical message on target.
func (h *Hub) Resolve(adapter, platformMessageID, target string) (string, bool) {
	correlationID, err := h.corr.Lookup(adapter, platformMessageID)
	if err != nil {
		return "", false
	}
	return h.PlatformID(correlationID, target)
}
