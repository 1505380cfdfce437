// Copyright 2024-2026 Aiku AI

package correlate

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultArchiveQueue = 1024

	archiveTimeout = 5 * time.Second
)

type archiveWrite func(ctx context.Context, a Archive) error

// archiver runs archive writes on a single goroutine in submission order.
// Submitting never waits: a full queue drops the write.
type archiver struct {
	archive Archive
	log     zerolog.Logger
	queue   chan archiveWrite
	done    chan struct{}
	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

func newArchiver(archive Archive, size int, log zerolog.Logger) *archiver {
	if size <= 0 {
		size = DefaultArchiveQueue
	}
	w := &archiver{
		archive: archive,
		log:     log,
		queue:   make(chan archiveWrite, size),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *archiver) run() {
	defer close(w.done)
	for write := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		err := write(ctx, w.archive)
		cancel()
		if err != nil {
			w.log.Warn().Err(err).Msg("Failed to archive correlation")
		}
	}
}

func (w *archiver) enqueue(write archiveWrite) {
	if w == nil {
		return
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.dropped.Add(1)
		return
	}
	select {
	case w.queue <- write:
	default:
		dropped := w.dropped.Add(1)
		w.log.Warn().Uint64("dropped_total", dropped).Msg("Archive queue full, dropping write")
	}
}

func (w *archiver) close() {
	if w == nil {
		return
	}
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()
	<-w.done
}

func (w *archiver) droppedCount() uint64 {
	if w == nil {
		return 0
	}
	return w.dropped.Load()
}
