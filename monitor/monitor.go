// Package monitor drives the poll-reconcile-notify cycle: it plans batched
// live-status queries over the subscription set, diffs the responses against
// per-channel state, and hands went-live transitions to the dispatcher.
package monitor

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/onnwee/stream-herald/subs"
	"github.com/onnwee/stream-herald/telemetry"
	"github.com/onnwee/stream-herald/twitchapi"
)

// StreamsFetcher is the upstream live-status lookup consumed per batch.
// *twitchapi.HelixClient satisfies it.
type StreamsFetcher interface {
	GetStreams(ctx context.Context, logins []string) ([]twitchapi.Stream, error)
}

// Notifier receives the transitions of a completed cycle, after the state
// table already reflects them.
type Notifier interface {
	Dispatch(ctx context.Context, transitions []Transition)
}

// SnapshotStore persists the live set between cycles so a restart does not
// re-announce channels that never went offline.
type SnapshotStore interface {
	SaveLiveSnapshot(ctx context.Context, live []string) error
	SetLastCycle(ctx context.Context, at time.Time) error
}

// Monitor owns one recurring poll cycle. Cycles are strictly sequential: the
// loop runs each cycle inline, so a tick that falls due mid-cycle is skipped,
// never queued, and cycles can never overlap.
type Monitor struct {
	Store      *subs.Store
	Fetcher    StreamsFetcher
	Reconciler *Reconciler
	Notifier   Notifier
	Snapshots  SnapshotStore // optional

	Interval    time.Duration // default 2m
	BatchSize   int           // default twitchapi.MaxLoginsPerRequest
	Concurrency int           // parallel batch requests, default 3
}

func (m *Monitor) interval() time.Duration {
	if m.Interval > 0 {
		return m.Interval
	}
	return 2 * time.Minute
}

func (m *Monitor) concurrency() int {
	if m.Concurrency > 0 {
		return m.Concurrency
	}
	return 3
}

// Start runs the poll loop until ctx is canceled. Cancellation is cooperative
// and checked at cycle boundaries; an in-flight batch finishes its request.
func (m *Monitor) Start(ctx context.Context) {
	interval := m.interval()
	slog.Info("live monitor starting", slog.Duration("interval", interval))
	// Kick an immediate cycle so we don't wait a full interval after boot.
	m.RunCycle(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("live monitor stopped")
			return
		case <-ticker.C:
			m.RunCycle(ctx)
			// Drop a tick that fired while the cycle ran: skipped, not queued.
			select {
			case <-ticker.C:
			default:
			}
		}
	}
}

// RunCycle executes one poll-reconcile-notify pass. Cancellation is honored
// between cycles, never mid-cycle: a shutdown signal that arrives while a
// batch is in flight lets the batch, its dispatch, and the snapshot write
// finish, so applied state is never left unnotified.
func (m *Monitor) RunCycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	tracked := m.Store.AllChannels()
	m.Reconciler.Retain(tracked)
	telemetry.SetTrackedChannels(len(tracked))

	batches := PlanBatches(tracked, m.BatchSize)
	if len(batches) == 0 {
		slog.Debug("no subscriptions; cycle is a no-op")
		return
	}

	ctx, span := telemetry.StartSpan(ctx, "monitor", "poll_cycle")
	defer span.End()
	start := time.Now()
	slog.Debug("poll cycle starting", slog.Int("channels", len(tracked)), slog.Int("batches", len(batches)))

	// Fetch batches with bounded concurrency. Errors stay per-batch: a failed
	// call must not cancel or mask its siblings.
	results := make([]map[string]twitchapi.Stream, len(batches))
	errs := make([]error, len(batches))
	var g errgroup.Group
	g.SetLimit(m.concurrency())
	for i, batch := range batches {
		g.Go(func() error {
			streams, err := m.Fetcher.GetStreams(ctx, batch)
			if err != nil {
				errs[i] = err
				return nil
			}
			byLogin := make(map[string]twitchapi.Stream, len(streams))
			for _, s := range streams {
				byLogin[strings.ToLower(s.UserLogin)] = s
			}
			results[i] = byLogin
			return nil
		})
	}
	_ = g.Wait()

	// Apply successful batches in order; failed batches keep their prior
	// state for this cycle rather than fabricating an offline signal.
	var transitions []Transition
	for i := range batches {
		if errs[i] != nil {
			telemetry.IncBatch(true)
			slog.Warn("batch query failed, keeping prior state",
				slog.Int("batch", i),
				slog.Int("channels", len(batches[i])),
				slog.Any("err", errs[i]))
			continue
		}
		telemetry.IncBatch(false)
		transitions = append(transitions, m.Reconciler.ApplyBatch(batches[i], results[i])...)
	}

	for _, t := range transitions {
		telemetry.IncTransition(t.To == StateLive)
		slog.Info("channel state transition",
			slog.String("channel", t.Channel),
			slog.String("from", t.From.String()),
			slog.String("to", t.To.String()))
	}

	live := m.Reconciler.LiveChannels()
	telemetry.SetLiveChannels(len(live))

	// State is already applied; dispatch may now reference it.
	if m.Notifier != nil && len(transitions) > 0 {
		m.Notifier.Dispatch(ctx, transitions)
	}

	if m.Snapshots != nil {
		if err := m.Snapshots.SaveLiveSnapshot(ctx, live); err != nil {
			slog.Warn("live snapshot persist failed", slog.Any("err", err))
		}
		if err := m.Snapshots.SetLastCycle(ctx, time.Now().UTC()); err != nil {
			slog.Warn("cycle heartbeat persist failed", slog.Any("err", err))
		}
	}

	telemetry.IncCycle()
	telemetry.ObserveCycleDuration(time.Since(start))
	slog.Debug("poll cycle finished",
		slog.Int("transitions", len(transitions)),
		slog.Int("live", len(live)),
		slog.Duration("took", time.Since(start)))
}
