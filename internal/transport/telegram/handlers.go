package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"postbot/internal/intake"
	"postbot/internal/store"
	"postbot/pkg/logx"
)

const handlerTimeout = 10 * time.Second

func (b *Bot) registerHandlers() {
	b.bot.Handle("/start", b.onStart)
	b.bot.Handle("/newpost", b.admin(b.onNewPost))
	b.bot.Handle("/done", b.admin(b.onDone))
	b.bot.Handle("/cancel", b.admin(b.onCancel))
	b.bot.Handle("/queue", b.admin(b.onQueue))
	b.bot.Handle("/unschedule", b.admin(b.onUnschedule))
	b.bot.Handle(tele.OnText, b.admin(b.onText))
	b.bot.Handle(tele.OnPhoto, b.admin(b.onPhoto))
}

// admin drops updates from anyone but the configured operator. Non-admin
// traffic is ignored without a reply.
func (b *Bot) admin(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		if !b.fromAdmin(c) {
			return nil
		}
		return next(c)
	}
}

// onStart is open to everyone and echoes the sender's numeric ID, so the
// operator can discover the value for the admin setting.
func (b *Bot) onStart(c tele.Context) error {
	s := c.Sender()
	if s == nil {
		return nil
	}
	return c.Send(fmt.Sprintf("Hello! Your Telegram ID is %d.", s.ID))
}

func (b *Bot) onNewPost(c tele.Context) error {
	b.setSession(c.Sender().ID, intake.NewSession())
	return c.Send("Send me the post: text, or a photo with an optional caption.")
}

func (b *Bot) onCancel(c tele.Context) error {
	if b.session(c.Sender().ID) == nil {
		return c.Send("Nothing to cancel.")
	}
	b.setSession(c.Sender().ID, nil)
	return c.Send("Post creation cancelled.")
}

func (b *Bot) onDone(c tele.Context) error {
	sess := b.session(c.Sender().ID)
	if sess == nil {
		return c.Send("No post in progress. Use /newpost to start one.")
	}
	draft, err := sess.Finish()
	if err != nil {
		return c.Send("Finish the post first: I still need " + sess.Step().String() + ".")
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	id, err := b.intake.SubmitDraft(ctx, draft)
	if err != nil {
		if errors.Is(err, store.ErrInvalidDraft) {
			return c.Send("That post is not valid: " + err.Error())
		}
		b.log.Error("submit failed", logx.Err(err))
		return c.Send("Could not save the post, try /done again.")
	}
	b.setSession(c.Sender().ID, nil)
	return c.Send(fmt.Sprintf("Scheduled post #%d at %s.",
		id, draft.ScheduledAt.Format(intake.TimeLayout)))
}

// onText advances the form for session input, and routes stray text to a
// short hint otherwise.
func (b *Bot) onText(c tele.Context) error {
	sess := b.session(c.Sender().ID)
	if sess == nil {
		return c.Send("Use /newpost to schedule a post.")
	}
	switch sess.Step() {
	case intake.StepContent:
		if err := sess.SetContent(c.Text(), ""); err != nil {
			return c.Send("The post needs some text or a photo.")
		}
		return c.Send("When should it go out? Send a time like " + intake.TimeLayout + ".")
	case intake.StepTime:
		if err := sess.SetTime(c.Text(), time.Local); err != nil {
			return c.Send("I could not read that time. Use the format " + intake.TimeLayout + ".")
		}
		return c.Send("Got it. Now send reply comments one by one, or /done to finish.")
	case intake.StepReplies:
		if err := sess.AddReply(c.Text()); err != nil {
			return c.Send("Could not add that reply.")
		}
		return c.Send("Reply added. Send another, or /done.")
	}
	return nil
}

func (b *Bot) onPhoto(c tele.Context) error {
	sess := b.session(c.Sender().ID)
	if sess == nil {
		return c.Send("Use /newpost to schedule a post.")
	}
	if sess.Step() != intake.StepContent {
		return c.Send("I already have the post content; send " + sess.Step().String() + " next.")
	}
	photo := c.Message().Photo
	if photo == nil {
		return nil
	}
	if err := sess.SetContent(c.Message().Caption, photo.FileID); err != nil {
		return c.Send("Could not read that photo.")
	}
	return c.Send("When should it go out? Send a time like " + intake.TimeLayout + ".")
}

func (b *Bot) onQueue(c tele.Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	posts, err := b.store.ListPending(ctx)
	if err != nil {
		b.log.Error("listing pending posts failed", logx.Err(err))
		return c.Send("Could not read the queue.")
	}
	if len(posts) == 0 {
		return c.Send("The queue is empty.")
	}
	var sb strings.Builder
	sb.WriteString("Pending posts:\n")
	for _, p := range posts {
		fmt.Fprintf(&sb, "#%d  %s  %s\n",
			p.ID, p.ScheduledAt.Local().Format(intake.TimeLayout), preview(p))
	}
	return c.Send(sb.String())
}

// onUnschedule disarms the timer and marks the record failed; both are
// needed, or the reconcile sweep would re-arm the still-pending post.
func (b *Bot) onUnschedule(c tele.Context) error {
	arg := strings.TrimSpace(c.Message().Payload)
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return c.Send("Usage: /unschedule <post id>")
	}

	if err := b.sched.Cancel(id); err != nil {
		b.log.Debug("no armed timer for post", logx.Int64("post", id), logx.Err(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	switch err := b.store.MarkFailed(ctx, id, "unscheduled by operator"); {
	case err == nil:
		return c.Send(fmt.Sprintf("Post #%d unscheduled.", id))
	case errors.Is(err, store.ErrNotFound):
		return c.Send(fmt.Sprintf("No post #%d.", id))
	case errors.Is(err, store.ErrInvalidState):
		return c.Send(fmt.Sprintf("Post #%d has already been sent or failed.", id))
	default:
		b.log.Error("unschedule failed", logx.Int64("post", id), logx.Err(err))
		return c.Send("Could not unschedule that post.")
	}
}

func preview(p store.Post) string {
	text := strings.TrimSpace(p.Content)
	if text == "" && p.Media != "" {
		text = "[photo]"
	}
	r := []rune(text)
	if len(r) > 40 {
		return string(r[:40]) + "…"
	}
	return text
}
