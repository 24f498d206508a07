// Package notify posts a one-line summary of each finished dispatch job to
// an operations Telegram chat.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"result-cards/internal/dispatch"
)

const sendTimeout = 10 * time.Second

// Sender is the part of the Telegram bot API used here.
type Sender interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
}

// Telegram reports jobs to one chat.
type Telegram struct {
	bot  Sender
	chat int64
	log  *slog.Logger
}

// Nop drops every report. It is used when no chat is configured.
type Nop struct{}

// JobDone implements dispatch.Observer.
func (Nop) JobDone(context.Context, dispatch.Request, *dispatch.Batch, error) {}

// New returns a Telegram notifier, or Nop when token is empty.
func New(token string, chatID int64, log *slog.Logger) (dispatch.Observer, error) {
	if token == "" {
		return Nop{}, nil
	}
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return NewTelegram(bot, chatID, log), nil
}

// NewTelegram wraps an existing bot.
func NewTelegram(bot Sender, chatID int64, log *slog.Logger) *Telegram {
	return &Telegram{bot: bot, chat: chatID, log: log}
}

// JobDone sends the summary of a finished job. Send failures are logged
// and otherwise ignored.
func (t *Telegram) JobDone(ctx context.Context, req dispatch.Request, b *dispatch.Batch, jobErr error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	defer cancel()

	if _, err := t.bot.SendMessage(ctx, tu.Message(tu.ID(t.chat), Summary(req, b, jobErr))); err != nil {
		t.log.Warn("telegram notify failed", "batch", req.BatchID, "error", err)
	}
}

// Summary renders the report line of a job.
func Summary(req dispatch.Request, b *dispatch.Batch, err error) string {
	if err != nil {
		return fmt.Sprintf("dispatch %s %s event=%s participant=%s failed: %v",
			req.BatchID, req.Template, req.Event, req.Participant, err)
	}
	sent, failed := b.Counts()
	msg := fmt.Sprintf("dispatch %s %s mode=%s sent=%d failed=%d", b.BatchID, b.Template, b.Mode, sent, failed)
	skipped := 0
	for _, ev := range b.Events {
		if ev.Error != "" {
			skipped++
		}
	}
	if skipped > 0 {
		msg += fmt.Sprintf(" skipped_events=%d", skipped)
	}
	return msg
}
