// Package bot is the Telegram host-runtime adapter: it routes the
// track/untrack/list commands into the subscription store and implements the
// outbound-message capability the dispatcher sends through. Group identifiers
// are decimal chat ids.
package bot

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/onnwee/stream-herald/notify"
	"github.com/onnwee/stream-herald/subs"
	"github.com/onnwee/stream-herald/twitchapi"
)

// loginPattern matches valid Twitch logins (4-25 chars, alphanumeric and
// underscore, no leading underscore).
var loginPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_]{3,24}$`)

const commandTimeout = 10 * time.Second

// Telegram wires a telebot long-poller to the subscription store.
type Telegram struct {
	bot   *tele.Bot
	store *subs.Store
	helix *twitchapi.HelixClient
}

// New creates the bot and registers its command handlers.
func New(token string, store *subs.Store, helix *twitchapi.HelixClient) (*Telegram, error) {
	b, err := tele.NewBot(tele.Settings{
		Token:  token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	t := &Telegram{bot: b, store: store, helix: helix}
	b.Handle("/track", t.requireAdmin(t.handleTrack))
	b.Handle("/untrack", t.requireAdmin(t.handleUntrack))
	b.Handle("/tracked", t.handleTracked)
	return t, nil
}

// Start runs the long-poll loop until ctx is canceled.
func (t *Telegram) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		t.bot.Stop()
	}()
	slog.Info("telegram bot starting", slog.String("username", t.bot.Me.Username))
	t.bot.Start()
	slog.Info("telegram bot stopped")
}

// SendGroupMessage implements notify.Sender. A message with an image is sent
// as a photo with caption; otherwise as plain text.
func (t *Telegram) SendGroupMessage(ctx context.Context, group string, msg notify.Message) error {
	id, err := strconv.ParseInt(group, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid group id %q: %w", group, err)
	}
	recipient := tele.ChatID(id)
	if len(msg.Image) > 0 {
		photo := &tele.Photo{File: tele.FromReader(bytes.NewReader(msg.Image)), Caption: msg.Text}
		_, err = t.bot.Send(recipient, photo)
	} else {
		_, err = t.bot.Send(recipient, msg.Text)
	}
	if err != nil {
		return fmt.Errorf("telegram send to %s: %w", group, err)
	}
	return nil
}

// requireAdmin restricts a command to chat administrators, mirroring the
// manage privilege the subscription commands assume. Private chats pass.
func (t *Telegram) requireAdmin(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		chat := c.Chat()
		if chat == nil || c.Sender() == nil {
			return nil
		}
		if chat.Type == tele.ChatPrivate {
			return next(c)
		}
		member, err := t.bot.ChatMemberOf(chat, c.Sender())
		if err != nil {
			slog.Warn("chat member lookup failed", slog.Int64("chat", chat.ID), slog.Any("err", err))
			return c.Reply("Could not verify permissions, try again later.")
		}
		if member.Role != tele.Creator && member.Role != tele.Administrator {
			return c.Reply("Only chat administrators can manage stream subscriptions.")
		}
		return next(c)
	}
}

func (t *Telegram) handleTrack(c tele.Context) error {
	login := subs.Normalize(c.Message().Payload)
	if !loginPattern.MatchString(login) {
		return c.Reply("Usage: /track <twitch login>")
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	// Validate against /users so typos are caught at subscribe time and the
	// stored login is the canonical one.
	users, err := t.helix.GetUsers(ctx, []string{login})
	if err != nil {
		slog.Warn("login validation failed", slog.String("login", login), slog.Any("err", err))
		return c.Reply("Could not reach Twitch to verify that channel, try again later.")
	}
	if len(users) == 0 {
		return c.Reply(fmt.Sprintf("No Twitch channel named %q. Check the spelling.", login))
	}
	u := users[0]
	group := groupID(c.Chat())
	if !t.store.Add(ctx, group, u.Login) {
		return c.Reply(fmt.Sprintf("Already tracking %s here.", u.Login))
	}
	return c.Reply(fmt.Sprintf("✅ Tracking %s (%s). This chat will be notified when they go live.", u.DisplayName, u.Login))
}

func (t *Telegram) handleUntrack(c tele.Context) error {
	login := subs.Normalize(c.Message().Payload)
	if login == "" {
		return c.Reply("Usage: /untrack <twitch login>")
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if !t.store.Remove(ctx, groupID(c.Chat()), login) {
		return c.Reply(fmt.Sprintf("This chat is not tracking %s.", login))
	}
	return c.Reply(fmt.Sprintf("Stopped tracking %s.", login))
}

func (t *Telegram) handleTracked(c tele.Context) error {
	channels := t.store.List(groupID(c.Chat()))
	if len(channels) == 0 {
		return c.Reply("No Twitch channels tracked in this chat yet. Use /track <login>.")
	}
	return c.Reply("Tracked Twitch channels:\n- " + strings.Join(channels, "\n- "))
}

func groupID(chat *tele.Chat) string {
	return strconv.FormatInt(chat.ID, 10)
}
