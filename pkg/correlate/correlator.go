// Copyright 2024-2026 Aiku AI

// Package correlate links one logical bridged message to the ids it was
// given on every platform it reached.
package correlate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
)

const (
	DefaultMaxRecords = 10000
	DefaultMaxAge     = 24 * time.Hour
)

var (
	ErrDuplicateCorrelation = errors.New("duplicate correlation")
	// ErrUnknownCorrelation means the record is absent, usually because it
	// was evicted. Callers treat it as too late to correlate.
	ErrUnknownCorrelation = errors.New("unknown correlation")
	ErrNotFound           = errors.New("correlation not found")
	ErrOriginResult       = errors.New("result reported by origin adapter")
)

// Record maps a correlation id to the message id each adapter produced.
type Record struct {
	CorrelationID   string            `json:"correlation_id"`
	Origin          string            `json:"origin"`
	ConversationKey string            `json:"conversation_key"`
	PlatformIDs     map[string]string `json:"platform_ids"`
	CreatedAt       time.Time         `json:"created_at"`
}

func (r *Record) clone() Record {
	out := *r
	out.PlatformIDs = make(map[string]string, len(r.PlatformIDs))
	for adapter, id := range r.PlatformIDs {
		out.PlatformIDs[adapter] = id
	}
	return out
}

// Archive persists records beyond the in-memory window.
type Archive interface {
	SaveRecord(ctx context.Context, rec Record) error
	SaveResult(ctx context.Context, correlationID, adapter, platformID string) error
	LoadRecent(ctx context.Context, since time.Time, limit int) ([]Record, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Options configures a Correlator. Zero values select the defaults.
type Options struct {
	MaxRecords int
	MaxAge     time.Duration
	Archive    Archive
	// ArchiveQueue bounds the archive writes waiting for the disk.
	ArchiveQueue int
	Now          func() time.Time
}

type platformKey struct {
	adapter string
	id      string
}

type entry struct {
	rec  Record
	gone bool
}

// Correlator is a bounded, age-limited correlation table with a reverse
// index from platform message ids back to correlation ids.
type Correlator struct {
	maxRecords int
	maxAge     time.Duration
	store      Archive
	archive    *archiver
	now        func() time.Time
	log        zerolog.Logger

	// wmu serializes inserts so the duplicate check and the insert agree.
	wmu     sync.Mutex
	records *expirable.LRU[string, *entry]

	// mu guards reverse and the platform ids of every entry. The eviction
	// callback takes it, so it is never held while calling into records.
	mu      sync.Mutex
	reverse map[platformKey]string
}

// New creates an empty correlator. Call Close to flush archive writes.
func New(log zerolog.Logger, opts Options) *Correlator {
	c := &Correlator{
		maxRecords: opts.MaxRecords,
		maxAge:     opts.MaxAge,
		store:      opts.Archive,
		now:        opts.Now,
		log:        log.With().Str("component", "correlator").Logger(),
		reverse:    make(map[platformKey]string),
	}
	if c.maxRecords <= 0 {
		c.maxRecords = DefaultMaxRecords
	}
	if c.maxAge <= 0 {
		c.maxAge = DefaultMaxAge
	}
	if c.now == nil {
		c.now = time.Now
	}
	c.records = expirable.NewLRU[string, *entry](c.maxRecords, c.onEvict, c.maxAge)
	if c.store != nil {
		c.archive = newArchiver(c.store, opts.ArchiveQueue, c.log)
	}
	return c
}

// Close stops accepting archive writes and waits for queued ones to finish.
func (c *Correlator) Close() {
	c.archive.close()
}

// DroppedArchiveWrites returns how many archive writes were discarded
// because the queue was full or closed.
func (c *Correlator) DroppedArchiveWrites() uint64 {
	return c.archive.droppedCount()
}

// Record creates a new correlation for a message first seen on origin.
func (c *Correlator) Record(correlationID, origin, originMessageID, conversationKey string) error {
	e := &entry{rec: Record{
		CorrelationID:   correlationID,
		Origin:          origin,
		ConversationKey: conversationKey,
		PlatformIDs:     map[string]string{origin: originMessageID},
		CreatedAt:       c.now(),
	}}
	snapshot := e.rec.clone()

	c.wmu.Lock()
	if _, ok := c.live(correlationID); ok {
		c.wmu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateCorrelation, correlationID)
	}
	c.insert(e)
	c.wmu.Unlock()

	c.archive.enqueue(func(ctx context.Context, a Archive) error { return a.SaveRecord(ctx, snapshot) })
	return nil
}

// AttachResult adds the id adapter produced for an existing correlation. A
// repeated report from the same adapter replaces the previous id.
func (c *Correlator) AttachResult(correlationID, adapter, platformMessageID string) error {
	e, ok := c.live(correlationID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCorrelation, correlationID)
	}
	if adapter == e.rec.Origin {
		return fmt.Errorf("%w: %s on %s", ErrOriginResult, correlationID, adapter)
	}

	c.mu.Lock()
	if e.gone {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownCorrelation, correlationID)
	}
	if prev, ok := e.rec.PlatformIDs[adapter]; ok {
		delete(c.reverse, platformKey{adapter, prev})
	}
	e.rec.PlatformIDs[adapter] = platformMessageID
	c.reverse[platformKey{adapter, platformMessageID}] = correlationID
	c.mu.Unlock()

	c.archive.enqueue(func(ctx context.Context, a Archive) error {
		return a.SaveResult(ctx, correlationID, adapter, platformMessageID)
	})
	return nil
}

// Resolve returns a copy of the record for correlationID.
func (c *Correlator) Resolve(correlationID string) (Record, error) {
	e, ok := c.live(correlationID)
	if ok {
		c.mu.Lock()
		defer c.mu.Unlock()
		if !e.gone {
			return e.rec.clone(), nil
		}
	}
	return Record{}, fmt.Errorf("%w: %s", ErrNotFound, correlationID)
}

// Lookup finds the correlation a platform message id belongs to.
func (c *Correlator) Lookup(adapter, platformMessageID string) (string, error) {
	c.mu.Lock()
	id, ok := c.reverse[platformKey{adapter, platformMessageID}]
	c.mu.Unlock()
	if ok {
		if _, ok = c.live(id); ok {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: %s message %s", ErrNotFound, adapter, platformMessageID)
}

// Len returns the number of retained records.
func (c *Correlator) Len() int {
	return c.records.Len()
}

// Sweep evicts every record older than the configured age at now and prunes
// the archive to the same cutoff.
func (c *Correlator) Sweep(now time.Time) int {
	evicted := 0
	c.wmu.Lock()
	for _, id := range c.records.Keys() {
		e, ok := c.records.Peek(id)
		if ok && c.expired(&e.rec, now) && c.records.Remove(id) {
			evicted++
		}
	}
	c.wmu.Unlock()

	cutoff := now.Add(-c.maxAge)
	c.archive.enqueue(func(ctx context.Context, a Archive) error {
		pruned, err := a.Prune(ctx, cutoff)
		if err == nil && pruned > 0 {
			c.log.Debug().Int64("pruned", pruned).Msg("Pruned archived correlations")
		}
		return err
	})
	return evicted
}

// Restore loads archived records still inside the age window. Records
// already present in memory are kept as they are.
func (c *Correlator) Restore(ctx context.Context) (int, error) {
	if c.store == nil {
		return 0, nil
	}
	now := c.now()
	recs, err := c.store.LoadRecent(ctx, now.Add(-c.maxAge), c.maxRecords)
	if err != nil {
		return 0, fmt.Errorf("load archived correlations: %w", err)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	restored := 0
	for i := range recs {
		rec := recs[i]
		if c.expired(&rec, now) {
			continue
		}
		if _, ok := c.live(rec.CorrelationID); ok {
			continue
		}
		if rec.PlatformIDs == nil {
			rec.PlatformIDs = make(map[string]string)
		}
		c.insert(&entry{rec: rec})
		restored++
	}
	return restored, nil
}

// insert indexes e and adds it to the table, evicting the oldest record when
// the table is full. The caller holds wmu.
func (c *Correlator) insert(e *entry) {
	id := e.rec.CorrelationID
	// An entry the table already considers expired may still be stored
	// under id; removing it first runs its eviction callback.
	c.records.Remove(id)
	c.mu.Lock()
	for adapter, pid := range e.rec.PlatformIDs {
		c.reverse[platformKey{adapter, pid}] = id
	}
	c.mu.Unlock()
	c.records.Add(id, e)
}

// live returns the entry for id, removing it if it has aged out.
func (c *Correlator) live(id string) (*entry, bool) {
	e, ok := c.records.Peek(id)
	if !ok {
		return nil, false
	}
	if c.expired(&e.rec, c.now()) {
		c.records.Remove(id)
		return nil, false
	}
	return e, true
}

func (c *Correlator) expired(rec *Record, now time.Time) bool {
	return now.Sub(rec.CreatedAt) > c.maxAge
}

// onEvict drops the reverse entries of a record leaving the table, whether
// by capacity, age or explicit removal.
func (c *Correlator) onEvict(id string, e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.gone = true
	for adapter, pid := range e.rec.PlatformIDs {
		key := platformKey{adapter, pid}
		if c.reverse[key] == id {
			delete(c.reverse, key)
		}
	}
}
