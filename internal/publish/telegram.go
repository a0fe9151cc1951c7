package publish

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"
	"golang.org/x/time/rate"

	"postbot/pkg/logx"
)

// Telegram publishes posts to a single Telegram channel. One instance is
// created at startup and reused for every delivery. It carries its own bot
// client, separate from the long-poll one: telebot's Send takes no context,
// so the per-attempt send bound has to live in the HTTP client timeout, and
// the long-poll client needs a much longer one.
type Telegram struct {
	bot  *tele.Bot
	chat *tele.Chat
	log  logx.Logger

	mu      sync.Mutex
	limiter *rate.Limiter
}

// clientSettings builds the publish client. The HTTP timeout is the
// effective per-attempt bound on a send.
func clientSettings(token string, sendTimeout time.Duration) tele.Settings {
	if sendTimeout <= 0 {
		sendTimeout = 30 * time.Second
	}
	return tele.Settings{
		Token:  token,
		Client: &http.Client{Timeout: sendTimeout},
	}
}

func NewTelegram(token string, channelID int64, ratePerSec int, sendTimeout time.Duration, log logx.Logger) (*Telegram, error) {
	bot, err := tele.NewBot(clientSettings(token, sendTimeout))
	if err != nil {
		return nil, err
	}
	if ratePerSec <= 0 {
		ratePerSec = 10
	}
	return &Telegram{
		bot:     bot,
		chat:    &tele.Chat{ID: channelID},
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec),
	}, nil
}

// SetRate swaps the outbound rate limit (config hot reload).
func (t *Telegram) SetRate(perSec int) {
	if perSec <= 0 {
		perSec = 10
	}
	t.mu.Lock()
	t.limiter = rate.NewLimiter(rate.Limit(perSec), perSec)
	t.mu.Unlock()
}

func (t *Telegram) wait(ctx context.Context) error {
	t.mu.Lock()
	lim := t.limiter
	t.mu.Unlock()
	return lim.Wait(ctx)
}

func (t *Telegram) SendContent(ctx context.Context, text, mediaRef string) (MessageRef, error) {
	if err := t.wait(ctx); err != nil {
		return MessageRef{}, err
	}

	var (
		msg *tele.Message
		err error
	)
	if mediaRef != "" {
		photo := &tele.Photo{File: tele.File{FileID: mediaRef}, Caption: text}
		msg, err = t.bot.Send(t.chat, photo)
	} else {
		msg, err = t.bot.Send(t.chat, text)
	}
	if err != nil {
		return MessageRef{}, classify(err)
	}
	return MessageRef{ChatID: t.chat.ID, MessageID: msg.ID}, nil
}

func (t *Telegram) SendReply(ctx context.Context, parent MessageRef, text string) error {
	if err := t.wait(ctx); err != nil {
		return err
	}

	opt := &tele.SendOptions{
		ReplyTo: &tele.Message{ID: parent.MessageID, Chat: &tele.Chat{ID: parent.ChatID}},
	}
	if _, err := t.bot.Send(t.chat, text, opt); err != nil {
		return classify(err)
	}
	return nil
}

// classify maps Telegram API errors onto the transient/permanent taxonomy.
// Flood control and server-side errors are transient; client errors
// (rejected content, invalid file reference, kicked from channel) are not.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return err // transient, retried with backoff
	}
	var floodp *tele.FloodError
	if errors.As(err, &floodp) {
		return err
	}

	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusTooManyRequests:
			return err
		case apiErr.Code >= 400 && apiErr.Code < 500:
			return Permanent(err)
		default:
			return err
		}
	}

	// Everything else (network, timeouts) is transient.
	return err
}
