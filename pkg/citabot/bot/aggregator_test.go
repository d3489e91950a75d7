package bot

import (
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type flushRecorder struct {
	mu      sync.Mutex
	batches []string
	keys    []string
}

func (r *flushRecorder) record(key, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
	r.batches = append(r.batches, text)
}

func (r *flushRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.batches...)
}

func TestAggregatorTerminalPunctuationFlushesImmediately(t *testing.T) {
	t.Parallel()
	rec := &flushRecorder{}
	agg := NewAggregator(time.Hour, rec.record, testLogger())
	defer agg.Stop()

	agg.Add("key", "quiero una cita para mañana.")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(rec.snapshot()) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	got := rec.snapshot()
	if len(got) != 1 || got[0] != "quiero una cita para mañana." {
		t.Fatalf("batches = %q", got)
	}
}

func TestAggregatorDebounceJoinsFragments(t *testing.T) {
	t.Parallel()
	rec := &flushRecorder{}
	agg := NewAggregator(40*time.Millisecond, rec.record, testLogger())
	defer agg.Stop()

	agg.Add("key", "hola")
	time.Sleep(10 * time.Millisecond)
	agg.Add("key", "quiero una cita")
	time.Sleep(10 * time.Millisecond)
	agg.Add("key", "para el martes")

	time.Sleep(120 * time.Millisecond)
	got := rec.snapshot()
	if len(got) != 1 {
		t.Fatalf("batches = %q, want one joined batch", got)
	}
	if got[0] != "hola quiero una cita para el martes" {
		t.Errorf("joined batch = %q", got[0])
	}
}

func TestAggregatorDebounceRestartsPerFragment(t *testing.T) {
	t.Parallel()
	rec := &flushRecorder{}
	agg := NewAggregator(50*time.Millisecond, rec.record, testLogger())
	defer agg.Stop()

	// keep typing faster than the window; nothing should flush yet
	for i := 0; i < 4; i++ {
		agg.Add("key", "y")
		time.Sleep(30 * time.Millisecond)
	}
	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("flushed during active typing: %q", got)
	}

	time.Sleep(120 * time.Millisecond)
	if got := rec.snapshot(); len(got) != 1 {
		t.Fatalf("batches after quiet window = %q", got)
	}
}

func TestAggregatorKeysIndependent(t *testing.T) {
	t.Parallel()
	rec := &flushRecorder{}
	agg := NewAggregator(time.Hour, rec.record, testLogger())
	defer agg.Stop()

	agg.Add("alice", "listo.")
	agg.Add("bob", "todavía escribiendo")

	time.Sleep(100 * time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.keys) != 1 || rec.keys[0] != "alice" {
		t.Fatalf("flushed keys = %q", rec.keys)
	}
}

func TestAggregatorSerializesPerKey(t *testing.T) {
	t.Parallel()
	var running, maxRunning int32
	release := make(chan struct{})
	var rec flushRecorder

	agg := NewAggregator(10*time.Millisecond, func(key, text string) {
		n := atomic.AddInt32(&running, 1)
		for {
			m := atomic.LoadInt32(&maxRunning)
			if n <= m || atomic.CompareAndSwapInt32(&maxRunning, m, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&running, -1)
		rec.record(key, text)
	}, testLogger())
	defer agg.Stop()

	agg.Add("key", "primero.")
	time.Sleep(30 * time.Millisecond) // first flush is now blocked in the handler
	agg.Add("key", "segundo.")
	agg.Add("key", "tercero.")
	time.Sleep(30 * time.Millisecond)
	close(release)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(rec.snapshot()) < 2 {
		time.Sleep(5 * time.Millisecond)
	}

	if got := atomic.LoadInt32(&maxRunning); got != 1 {
		t.Errorf("handlers overlapped for one key: max concurrent = %d", got)
	}
	joined := strings.Join(rec.snapshot(), " | ")
	for _, frag := range []string{"primero.", "segundo.", "tercero."} {
		if c := strings.Count(joined, frag); c != 1 {
			t.Errorf("fragment %q delivered %d times in %q", frag, c, joined)
		}
	}
}

func TestAggregatorDropsIdleEntries(t *testing.T) {
	t.Parallel()
	rec := &flushRecorder{}
	agg := NewAggregator(10*time.Millisecond, rec.record, testLogger())
	defer agg.Stop()

	agg.Add("k1", "quiero una cita.")
	agg.Add("k2", "hola")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		agg.mu.Lock()
		entries := len(agg.entries)
		agg.mu.Unlock()
		if len(rec.snapshot()) == 2 && entries == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	agg.mu.Lock()
	defer agg.mu.Unlock()
	t.Fatalf("entries not dropped after flush: %d left, batches %q", len(agg.entries), rec.snapshot())
}

func TestAggregatorRapidRestartsDeliverEachFragmentOnce(t *testing.T) {
	t.Parallel()
	rec := &flushRecorder{}
	agg := NewAggregator(5*time.Millisecond, rec.record, testLogger())
	defer agg.Stop()

	// races Add against timers that are firing at the same moment
	want := make([]string, 40)
	for i := range want {
		want[i] = string(rune('a' + i%26))
		agg.Add("key", want[i])
		time.Sleep(5 * time.Millisecond)
	}
	agg.Flush("key")

	var got []string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got = nil
		for _, b := range rec.snapshot() {
			got = append(got, strings.Fields(b)...)
		}
		if len(got) == len(want) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(got) != len(want) {
		t.Fatalf("delivered %d fragments, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("fragment %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestAggregatorStopWaitsForHandlers(t *testing.T) {
	t.Parallel()
	done := make(chan struct{})
	agg := NewAggregator(time.Hour, func(key, text string) {
		time.Sleep(30 * time.Millisecond)
		close(done)
	}, testLogger())

	agg.Add("key", "adiós.")
	time.Sleep(10 * time.Millisecond)
	agg.Stop()

	select {
	case <-done:
	default:
		t.Error("Stop returned before handler finished")
	}
}
