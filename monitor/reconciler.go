package monitor

import (
	"sort"
	"sync"

	"github.com/onnwee/stream-herald/subs"
	"github.com/onnwee/stream-herald/twitchapi"
)

// State is the per-channel live status as of the most recently completed
// batch that included the channel.
type State int

const (
	// StateUnknown means no successful check has named the channel yet.
	StateUnknown State = iota
	StateOffline
	StateLive
)

func (s State) String() string {
	switch s {
	case StateOffline:
		return "offline"
	case StateLive:
		return "live"
	default:
		return "unknown"
	}
}

// Transition is a detected state change. Stream carries the upstream metadata
// when To is StateLive.
type Transition struct {
	Channel string
	From    State
	To      State
	Stream  *twitchapi.Stream
}

// Reconciler owns the keyed live/offline state table. Transitions only occur
// on a successful batch response that names the channel; a failed batch
// leaves its channels untouched.
type Reconciler struct {
	mu    sync.Mutex
	state map[string]State
}

func NewReconciler() *Reconciler {
	return &Reconciler{state: make(map[string]State)}
}

// Seed marks channels as already live, restoring the persisted snapshot at
// boot so a restart does not re-announce a stream that never went offline.
func (r *Reconciler) Seed(liveChannels []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range liveChannels {
		r.state[subs.Normalize(c)] = StateLive
	}
}

// Retain garbage-collects state for channels no group subscribes to anymore.
func (r *Reconciler) Retain(tracked []string) {
	keep := make(map[string]struct{}, len(tracked))
	for _, c := range tracked {
		keep[c] = struct{}{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.state {
		if _, ok := keep[c]; !ok {
			delete(r.state, c)
		}
	}
}

// ApplyBatch reconciles one successful batch response against the state
// table and returns the transitions it produced. liveByLogin holds the
// currently-live entries of the response keyed by lower-cased login; a
// channel in the batch but absent from the map is offline. The batch is
// applied atomically: either all of its channels reflect this response or
// (on a failed call, where ApplyBatch is never invoked) none do.
func (r *Reconciler) ApplyBatch(batch []string, liveByLogin map[string]twitchapi.Stream) []Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	var transitions []Transition
	for _, c := range batch {
		prev := r.state[c]
		if s, live := liveByLogin[c]; live {
			if prev != StateLive {
				stream := s
				transitions = append(transitions, Transition{Channel: c, From: prev, To: StateLive, Stream: &stream})
			}
			r.state[c] = StateLive
			continue
		}
		if prev == StateLive {
			transitions = append(transitions, Transition{Channel: c, From: StateLive, To: StateOffline})
		}
		// Unknown -> Offline is a silent settle: the first successful check
		// that finds the channel offline records the fact without an event.
		r.state[c] = StateOffline
	}
	return transitions
}

// LiveChannels returns the sorted set of channels currently recorded live.
func (r *Reconciler) LiveChannels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0)
	for c, s := range r.state {
		if s == StateLive {
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}

// StateOf reports the recorded state of a channel.
func (r *Reconciler) StateOf(channel string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state[subs.Normalize(channel)]
}
