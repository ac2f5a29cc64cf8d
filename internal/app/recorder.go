package app

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"dispatchsync/internal/syncer"

	"github.com/rs/zerolog"
)

const (
	recorderQueue = 64
	recordTimeout = 5 * time.Second
)

// Recorder archives and indexes every change of the coordinator's snapshot
// off the event loop. When it falls behind, changes are dropped; the next
// archived snapshot is complete anyway, and the index diffs against what it
// already holds.
type Recorder struct {
	room    string
	sender  string
	archive Archiver
	index   Indexer
	logger  zerolog.Logger

	mu      sync.RWMutex
	closed  bool
	queue   chan syncer.Change
	dropped atomic.Int64
	done    chan struct{}
}

func NewRecorder(room, sender string, archive Archiver, index Indexer, logger zerolog.Logger) *Recorder {
	r := &Recorder{
		room:    room,
		sender:  sender,
		archive: archive,
		index:   index,
		logger:  logger,
		queue:   make(chan syncer.Change, recorderQueue),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Observe is a syncer.Options.OnChange hook. It never blocks.
func (r *Recorder) Observe(change syncer.Change) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- change:
	default:
		r.dropped.Add(1)
		r.logger.Warn().Str("source", change.Source).Msg("recorder queue full, change dropped")
	}
}

func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close stops accepting changes and waits for queued ones to be written.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)
	for change := range r.queue {
		if r.index != nil {
			r.index.Index(change.Next)
		}
		if r.archive == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		if err := r.archive.Record(ctx, r.room, r.sender, change.Next); err != nil {
			r.logger.Warn().Err(err).Str("source", change.Source).Msg("archive snapshot failed")
		}
		cancel()
	}
}
