// Package notify turns went-live transitions into outbound group messages.
// The host runtime (Telegram, or anything else implementing Sender) does the
// actual delivery; this package owns payload construction, content filtering,
// thumbnail fetching, and per-group failure isolation.
package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/onnwee/stream-herald/monitor"
	"github.com/onnwee/stream-herald/telemetry"
	"github.com/onnwee/stream-herald/twitchapi"
)

// maxThumbnailBytes caps thumbnail downloads; Twitch previews are ~30KB.
const maxThumbnailBytes = 2 << 20

// Message is one outbound notification payload: text plus an optional image.
type Message struct {
	Text  string
	Image []byte
}

// Sender is the host runtime's outbound-message capability.
type Sender interface {
	SendGroupMessage(ctx context.Context, group string, msg Message) error
}

// Subscribers resolves a channel to the groups watching it.
type Subscribers interface {
	SubscribersOf(channel string) []string
}

// Dispatcher emits one notification per subscribing group for each went-live
// transition. Went-offline transitions are state-only and never notified.
type Dispatcher struct {
	Subscribers Subscribers
	Sender      Sender
	HTTPClient  *http.Client // thumbnail downloads; nil disables images

	SendImage              bool
	DisableSensitiveFilter bool

	// limiter paces outbound sends so a burst of go-lives cannot trip the
	// host platform's flood control.
	limiter *rate.Limiter
}

// NewDispatcher wires a dispatcher with the default one-message-per-second pace.
func NewDispatcher(subscribers Subscribers, sender Sender) *Dispatcher {
	return &Dispatcher{
		Subscribers: subscribers,
		Sender:      sender,
		limiter:     rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// Dispatch delivers go-live notifications for the given transitions. One
// group's failure never prevents delivery to the others; all failures are
// logged here and go no further.
func (d *Dispatcher) Dispatch(ctx context.Context, transitions []monitor.Transition) {
	for _, tr := range transitions {
		if tr.To != monitor.StateLive || tr.Stream == nil {
			continue
		}
		groups := d.Subscribers.SubscribersOf(tr.Channel)
		if len(groups) == 0 {
			// Unsubscribed between planning and query; a normal race.
			slog.Debug("went-live channel has no subscribers, dropping", slog.String("channel", tr.Channel))
			continue
		}
		msg := d.buildMessage(ctx, tr.Stream)
		for _, group := range groups {
			if err := d.limiter.Wait(ctx); err != nil {
				return
			}
			if err := d.Sender.SendGroupMessage(ctx, group, msg); err != nil {
				telemetry.IncNotificationFailed()
				slog.Error("notification send failed",
					slog.String("group", group),
					slog.String("channel", tr.Channel),
					slog.Any("err", err))
				continue
			}
			telemetry.IncNotificationSent()
			slog.Info("go-live notification sent",
				slog.String("group", group),
				slog.String("channel", tr.Channel))
		}
	}
}

func (d *Dispatcher) buildMessage(ctx context.Context, s *twitchapi.Stream) Message {
	title := s.Title
	if !d.DisableSensitiveFilter {
		title = FilterTitle(title)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "🔴 %s (%s) is live!\n", s.UserName, s.UserLogin)
	fmt.Fprintf(&b, "Title: %s\n", title)
	if s.GameName != "" {
		fmt.Fprintf(&b, "Playing: %s\n", s.GameName)
	}
	fmt.Fprintf(&b, "https://www.twitch.tv/%s", strings.ToLower(s.UserLogin))

	msg := Message{Text: b.String()}
	if d.SendImage {
		msg.Image = d.fetchThumbnail(ctx, s.ThumbnailURL)
	}
	return msg
}

// fetchThumbnail downloads the stream preview. Any failure degrades the
// notification to text-only.
func (d *Dispatcher) fetchThumbnail(ctx context.Context, urlTemplate string) []byte {
	if urlTemplate == "" || d.HTTPClient == nil {
		return nil
	}
	u := strings.NewReplacer("{width}", "320", "{height}", "180").Replace(urlTemplate)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil
	}
	resp, err := d.HTTPClient.Do(req)
	if err != nil {
		slog.Warn("thumbnail download failed", slog.String("url", u), slog.Any("err", err))
		return nil
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		slog.Warn("thumbnail download failed", slog.String("url", u), slog.String("status", resp.Status))
		return nil
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxThumbnailBytes))
	if err != nil {
		slog.Warn("thumbnail read failed", slog.String("url", u), slog.Any("err", err))
		return nil
	}
	return data
}
