// Package subs holds the subscription store: which groups watch which Twitch
// channels. It is the source of truth for what the poller must check. The
// store itself is in-memory; an optional Persister mirrors mutations to
// durable storage so subscriptions survive restarts.
package subs

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Persister mirrors subscription mutations to durable storage. Persistence
// failures are logged, never surfaced to the caller: the in-memory state is
// authoritative for the running process.
type Persister interface {
	InsertSubscription(ctx context.Context, group, channel string) error
	DeleteSubscription(ctx context.Context, group, channel string) error
}

// Subscription is one (group, channel) pair. The pair appears at most once.
type Subscription struct {
	Group   string
	Channel string
}

// Normalize canonicalizes a channel identifier: Twitch logins are
// case-insensitive, so every write lower-cases and trims.
func Normalize(channel string) string {
	return strings.ToLower(strings.TrimSpace(channel))
}

// Store maps groups to ordered channel lists and channels to subscriber sets.
// Writers are the command handlers; the poll cycle only reads. No lock is
// ever held across I/O, so a long poll cycle cannot block commands.
type Store struct {
	persist Persister

	mu       sync.RWMutex
	groups   map[string][]string            // group -> channels, insertion order
	channels map[string]map[string]struct{} // channel -> groups
}

// NewStore creates an empty store. persist may be nil.
func NewStore(persist Persister) *Store {
	return &Store{
		persist:  persist,
		groups:   make(map[string][]string),
		channels: make(map[string]map[string]struct{}),
	}
}

// Load seeds the store from persisted pairs without writing them back.
func (s *Store) Load(pairs []Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range pairs {
		s.addLocked(strings.TrimSpace(p.Group), Normalize(p.Channel))
	}
}

// Add subscribes a group to a channel. Returns false (no-op) when the pair
// already exists.
func (s *Store) Add(ctx context.Context, group, channel string) bool {
	group = strings.TrimSpace(group)
	channel = Normalize(channel)
	if group == "" || channel == "" {
		return false
	}

	s.mu.Lock()
	added := s.addLocked(group, channel)
	s.mu.Unlock()

	if added && s.persist != nil {
		if err := s.persist.InsertSubscription(ctx, group, channel); err != nil {
			slog.Warn("subscription persist failed", slog.String("group", group), slog.String("channel", channel), slog.Any("err", err))
		}
	}
	return added
}

func (s *Store) addLocked(group, channel string) bool {
	set, ok := s.channels[channel]
	if ok {
		if _, dup := set[group]; dup {
			return false
		}
	} else {
		set = make(map[string]struct{})
		s.channels[channel] = set
	}
	set[group] = struct{}{}
	s.groups[group] = append(s.groups[group], channel)
	return true
}

// Remove unsubscribes a group from a channel. Returns false when the pair was
// not present.
func (s *Store) Remove(ctx context.Context, group, channel string) bool {
	group = strings.TrimSpace(group)
	channel = Normalize(channel)

	s.mu.Lock()
	removed := false
	if set, ok := s.channels[channel]; ok {
		if _, sub := set[group]; sub {
			removed = true
			delete(set, group)
			if len(set) == 0 {
				delete(s.channels, channel)
			}
			list := s.groups[group]
			for i, c := range list {
				if c == channel {
					s.groups[group] = append(list[:i], list[i+1:]...)
					break
				}
			}
			if len(s.groups[group]) == 0 {
				delete(s.groups, group)
			}
		}
	}
	s.mu.Unlock()

	if removed && s.persist != nil {
		if err := s.persist.DeleteSubscription(ctx, group, channel); err != nil {
			slog.Warn("subscription delete persist failed", slog.String("group", group), slog.String("channel", channel), slog.Any("err", err))
		}
	}
	return removed
}

// List returns the channels a group watches, in insertion order.
func (s *Store) List(group string) []string {
	group = strings.TrimSpace(group)
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.groups[group]
	out := make([]string, len(list))
	copy(out, list)
	return out
}

// AllChannels returns the deduplicated union of watched channels across all
// groups, sorted for deterministic batch planning.
func (s *Store) AllChannels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.channels))
	for c := range s.channels {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// SubscribersOf returns the groups watching a channel, sorted.
func (s *Store) SubscribersOf(channel string) []string {
	channel = Normalize(channel)
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.channels[channel]
	out := make([]string, 0, len(set))
	for g := range set {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// ChannelCount reports how many distinct channels are watched.
func (s *Store) ChannelCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.channels)
}
