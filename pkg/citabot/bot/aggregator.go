// Package bot wires the conversation pipeline: incoming WhatsApp messages
// are batched by the aggregator, handed to the orchestrator which runs the
// LLM tool loop against the clinic backend, and routed around the bot
// entirely while a human operator is attending.
package bot

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// FlushFunc receives one aggregated message batch for a conversation key.
type FlushFunc func(key, text string)

// Aggregator batches message fragments per conversation key. People type in
// bursts; instead of answering each fragment, the aggregator waits for a
// quiet window and delivers the fragments as one message. A fragment ending
// in terminal punctuation flushes immediately: the sender finished their
// thought.
//
// Flushes for the same key never overlap. Fragments arriving while a flush
// handler runs are buffered and delivered in the next batch, each fragment
// exactly once.
type Aggregator struct {
	debounce time.Duration
	onFlush  FlushFunc
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[string]*aggEntry
	stopped bool
	wg      sync.WaitGroup
}

type aggEntry struct {
	fragments []string
	timer     *time.Timer
	// gen invalidates timer callbacks that fired before a restart but were
	// still waiting on the mutex.
	gen      uint64
	flushing bool
	rearm    bool
}

// NewAggregator returns an Aggregator delivering batches to onFlush after
// debounce of inactivity.
func NewAggregator(debounce time.Duration, onFlush FlushFunc, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		debounce: debounce,
		onFlush:  onFlush,
		logger:   logger.With("component", "aggregator"),
		entries:  map[string]*aggEntry{},
	}
}

// endsThought reports whether the fragment ends a complete thought.
func endsThought(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	switch trimmed[len(trimmed)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}

// Add buffers a fragment for key. The quiet-window timer restarts on every
// fragment; a fragment that ends the thought flushes right away.
func (a *Aggregator) Add(key, text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}

	e, ok := a.entries[key]
	if !ok {
		e = &aggEntry{}
		a.entries[key] = e
	}
	e.fragments = append(e.fragments, text)

	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if endsThought(text) {
		a.flushLocked(key, e)
		return
	}
	gen := e.gen
	e.timer = time.AfterFunc(a.debounce, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		cur, ok := a.entries[key]
		if !ok || cur != e || cur.gen != gen {
			return
		}
		cur.timer = nil
		a.flushLocked(key, cur)
	})
}

// Flush forces immediate delivery of whatever is buffered for key.
func (a *Aggregator) Flush(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.entries[key]; ok {
		e.gen++
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		a.flushLocked(key, e)
	}
}

// flushLocked hands the buffered batch to the handler. Called with a.mu
// held. If a handler for this key is still running, the batch stays buffered
// and is re-delivered once it finishes, keeping handler runs serialized per
// key.
func (a *Aggregator) flushLocked(key string, e *aggEntry) {
	if a.stopped {
		return
	}
	if e.flushing {
		e.rearm = true
		return
	}
	if len(e.fragments) == 0 {
		if e.timer == nil {
			delete(a.entries, key)
		}
		return
	}
	batch := strings.Join(e.fragments, " ")
	e.fragments = nil
	e.flushing = true
	e.rearm = false

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.Debug("flushing batch", "key", key, "length", len(batch))
		a.onFlush(key, batch)

		a.mu.Lock()
		defer a.mu.Unlock()
		e.flushing = false
		if (e.rearm || e.timer == nil) && len(e.fragments) > 0 {
			a.flushLocked(key, e)
		} else if len(e.fragments) == 0 && e.timer == nil {
			// idle: drop the entry so the map does not grow with every
			// conversation seen
			delete(a.entries, key)
		}
	}()
}

// Stop flushes nothing further and waits for running handlers to return.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	a.stopped = true
	for _, e := range a.entries {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
	a.mu.Unlock()
	a.wg.Wait()
}
