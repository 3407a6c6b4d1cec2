package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onnwee/stream-herald/subs"
	"github.com/onnwee/stream-herald/twitchapi"
)

type fakeFetcher struct {
	mu    sync.Mutex
	fn    func(logins []string) ([]twitchapi.Stream, error)
	calls [][]string
}

func (f *fakeFetcher) GetStreams(ctx context.Context, logins []string) ([]twitchapi.Stream, error) {
	f.mu.Lock()
	f.calls = append(f.calls, logins)
	fn := f.fn
	f.mu.Unlock()
	return fn(logins)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Transition
}

func (n *recordingNotifier) Dispatch(ctx context.Context, transitions []Transition) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, transitions...)
}

func (n *recordingNotifier) wentLive() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, t := range n.events {
		if t.To == StateLive {
			out = append(out, t.Channel)
		}
	}
	return out
}

func newTestMonitor(store *subs.Store, fetch func(logins []string) ([]twitchapi.Stream, error)) (*Monitor, *recordingNotifier) {
	notifier := &recordingNotifier{}
	m := &Monitor{
		Store:      store,
		Fetcher:    &fakeFetcher{fn: fetch},
		Reconciler: NewReconciler(),
		Notifier:   notifier,
	}
	return m, notifier
}

func seededStore(t *testing.T, channels ...string) *subs.Store {
	t.Helper()
	store := subs.NewStore(nil)
	for _, c := range channels {
		store.Add(context.Background(), "g1", c)
	}
	return store
}

func TestRunCycleEmitsWentLiveOnce(t *testing.T) {
	store := seededStore(t, "streamera")
	liveNow := atomic.Bool{}
	m, notifier := newTestMonitor(store, func(logins []string) ([]twitchapi.Stream, error) {
		if liveNow.Load() {
			return []twitchapi.Stream{{UserLogin: "streamerA", Title: "Ranked grind"}}, nil
		}
		return nil, nil
	})
	ctx := context.Background()

	m.RunCycle(ctx) // offline
	liveNow.Store(true)
	m.RunCycle(ctx) // goes live
	m.RunCycle(ctx) // stays live

	if got := notifier.wentLive(); len(got) != 1 || got[0] != "streamera" {
		t.Fatalf("went-live events = %v, want exactly one for streamera", got)
	}
	if title := notifier.events[0].Stream.Title; title != "Ranked grind" {
		t.Fatalf("event title = %q, want Ranked grind", title)
	}
}

func TestRunCycleEmptySubscriptionsIsNoOp(t *testing.T) {
	store := subs.NewStore(nil)
	var calls atomic.Int64
	m, _ := newTestMonitor(store, func(logins []string) ([]twitchapi.Stream, error) {
		calls.Add(1)
		return nil, nil
	})

	m.RunCycle(context.Background())

	if calls.Load() != 0 {
		t.Fatalf("fetcher called %d times on empty subscription set, want 0", calls.Load())
	}
}

func TestRunCyclePartialBatchFailureIsolation(t *testing.T) {
	// Six channels, batch size 2 -> three batches over the sorted set:
	// [c1 c2] [c3 c4] [c5 c6]. The middle batch fails.
	store := seededStore(t, "c1", "c2", "c3", "c4", "c5", "c6")
	m, notifier := newTestMonitor(store, func(logins []string) ([]twitchapi.Stream, error) {
		if logins[0] == "c3" {
			return nil, errors.New("upstream 502")
		}
		streams := make([]twitchapi.Stream, 0, len(logins))
		for _, l := range logins {
			streams = append(streams, twitchapi.Stream{UserLogin: l})
		}
		return streams, nil
	})
	m.BatchSize = 2

	m.RunCycle(context.Background())

	got := notifier.wentLive()
	want := map[string]bool{"c1": true, "c2": true, "c5": true, "c6": true}
	if len(got) != len(want) {
		t.Fatalf("went-live events = %v, want %v", got, want)
	}
	for _, c := range got {
		if !want[c] {
			t.Fatalf("unexpected went-live for %s (its batch failed)", c)
		}
	}
	// Failed batch keeps prior (Unknown) state: no offline inference either.
	if s := m.Reconciler.StateOf("c3"); s != StateUnknown {
		t.Fatalf("state of c3 = %s, want unknown (batch failed)", s)
	}
	if s := m.Reconciler.StateOf("c1"); s != StateLive {
		t.Fatalf("state of c1 = %s, want live", s)
	}
}

func TestRunCycleAuthErrorDoesNotPanicAndRetainsState(t *testing.T) {
	store := seededStore(t, "streamera")
	m, notifier := newTestMonitor(store, func(logins []string) ([]twitchapi.Stream, error) {
		return []twitchapi.Stream{{UserLogin: "streamera"}}, nil
	})
	ctx := context.Background()
	m.RunCycle(ctx) // live

	// Every batch now fails with an auth error; state must be retained.
	m.Fetcher = &fakeFetcher{fn: func(logins []string) ([]twitchapi.Stream, error) {
		return nil, &twitchapi.AuthError{Err: errors.New("exchange failed")}
	}}
	m.RunCycle(ctx)

	if s := m.Reconciler.StateOf("streamera"); s != StateLive {
		t.Fatalf("state after auth failure = %s, want live retained", s)
	}
	if got := notifier.wentLive(); len(got) != 1 {
		t.Fatalf("went-live events = %v, want the single original", got)
	}
}

func TestRunCycleGarbageCollectsUnsubscribed(t *testing.T) {
	store := seededStore(t, "streamera")
	m, _ := newTestMonitor(store, func(logins []string) ([]twitchapi.Stream, error) {
		streams := make([]twitchapi.Stream, 0, len(logins))
		for _, l := range logins {
			streams = append(streams, twitchapi.Stream{UserLogin: l})
		}
		return streams, nil
	})
	ctx := context.Background()
	m.RunCycle(ctx)
	if s := m.Reconciler.StateOf("streamera"); s != StateLive {
		t.Fatalf("state = %s, want live", s)
	}

	store.Remove(ctx, "g1", "streamera")
	m.RunCycle(ctx)
	if s := m.Reconciler.StateOf("streamera"); s != StateUnknown {
		t.Fatalf("state after unsubscribe = %s, want unknown (garbage-collected)", s)
	}
}

// blockingFetcher honors request-context cancellation the way a real HTTP
// call does: canceling the context it was invoked with aborts the fetch.
type blockingFetcher struct {
	started chan struct{}
	release chan struct{}
}

func (f *blockingFetcher) GetStreams(ctx context.Context, logins []string) ([]twitchapi.Stream, error) {
	close(f.started)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.release:
	}
	streams := make([]twitchapi.Stream, 0, len(logins))
	for _, l := range logins {
		streams = append(streams, twitchapi.Stream{UserLogin: l})
	}
	return streams, nil
}

func TestCancelMidCycleLetsBatchFinish(t *testing.T) {
	store := seededStore(t, "streamera")
	fetcher := &blockingFetcher{started: make(chan struct{}), release: make(chan struct{})}
	notifier := &recordingNotifier{}
	m := &Monitor{
		Store:      store,
		Fetcher:    fetcher,
		Reconciler: NewReconciler(),
		Notifier:   notifier,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()

	// Cancel while the first cycle's batch is in flight, then let the fetch
	// complete. The batch must still be applied and its go-live dispatched.
	<-fetcher.started
	cancel()
	close(fetcher.release)
	<-done

	if s := m.Reconciler.StateOf("streamera"); s != StateLive {
		t.Fatalf("state after mid-cycle cancel = %s, want live (batch finishes)", s)
	}
	if got := notifier.wentLive(); len(got) != 1 || got[0] != "streamera" {
		t.Fatalf("went-live events = %v, want the in-flight batch delivered", got)
	}
}

func TestStartNeverOverlapsCycles(t *testing.T) {
	store := seededStore(t, "streamera")
	var inFlight, maxInFlight atomic.Int64
	m, _ := newTestMonitor(store, func(logins []string) ([]twitchapi.Stream, error) {
		n := inFlight.Add(1)
		for {
			old := maxInFlight.Load()
			if n <= old || maxInFlight.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(12 * time.Millisecond) // cycle longer than the interval
		inFlight.Add(-1)
		return nil, nil
	})
	m.Interval = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()
	<-done

	if maxInFlight.Load() != 1 {
		t.Fatalf("max concurrent cycles = %d, want 1", maxInFlight.Load())
	}
}
