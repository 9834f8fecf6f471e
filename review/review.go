// Package review routes candidate replies to a human over Telegram.
package review

import (
	"context"
	"fmt"
	"log/slog"
	"reply-monitor/pkg/replier"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	approvePrefix = "approve:"
	rejectPrefix  = "reject:"
)

// Decision is a reviewer's answer to one candidate.
type Decision struct {
	CandidateID string
	Verdict     replier.Verdict
}

// bot is the subset of the Telegram client used here.
type bot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdates(config tgbotapi.UpdateConfig) ([]tgbotapi.Update, error)
}

// Telegram sends candidates to a chat with approve and reject buttons and
// collects the button presses.
type Telegram struct {
	bot    bot
	logger *slog.Logger
	chatID int64
	offset int
	mu     sync.Mutex
}

// NewTelegram connects to the Bot API.
func NewTelegram(token, chatID string, logger *slog.Logger) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("connect telegram bot: %w", err)
	}
	return newTelegram(api, chatID, logger)
}

func newTelegram(b bot, chatID string, logger *slog.Logger) (*Telegram, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(chatID), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat id %q: %w", chatID, replier.ErrConfigInvalid)
	}
	return &Telegram{bot: b, logger: logger, chatID: id}, nil
}

// Submit posts a candidate for review.
func (t *Telegram) Submit(_ context.Context, c *replier.CandidateReply) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "*Reply candidate* for @%s\n\n", escapeMarkdown(c.Handle))
	if c.PostText != "" {
		fmt.Fprintf(&sb, "*Post:* %s\n", escapeMarkdown(truncate(c.PostText, 600)))
	}
	if c.PostURL != "" {
		fmt.Fprintf(&sb, "%s\n", escapeMarkdown(c.PostURL))
	}
	fmt.Fprintf(&sb, "\n*Reply:* %s\n", escapeMarkdown(c.Text))
	fmt.Fprintf(&sb, "\nScore %.2f (%s)", c.Score, escapeMarkdown(strings.Join(c.Reasons, ", ")))

	msg := tgbotapi.NewMessage(t.chatID, sb.String())
	msg.ParseMode = tgbotapi.ModeMarkdown
	msg.DisableWebPagePreview = true
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Approve", approvePrefix+c.ID),
			tgbotapi.NewInlineKeyboardButtonData("Reject", rejectPrefix+c.ID),
		),
	)

	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("send review request: %w: %w", replier.ErrAdapterUnavailable, err)
	}
	t.logger.Info("Candidate submitted for review", "candidate_id", c.ID, "profile", c.Handle, "post_id", c.PostID)
	return nil
}

// Poll returns the decisions made since the last call. Presses from other
// chats are ignored. Each press is acknowledged and its buttons removed.
func (t *Telegram) Poll(_ context.Context) ([]Decision, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cfg := tgbotapi.NewUpdate(t.offset)
	cfg.Timeout = 0
	cfg.AllowedUpdates = []string{"callback_query"}
	updates, err := t.bot.GetUpdates(cfg)
	if err != nil {
		return nil, fmt.Errorf("get updates: %w: %w", replier.ErrAdapterUnavailable, err)
	}

	var out []Decision
	for _, u := range updates {
		if u.UpdateID >= t.offset {
			t.offset = u.UpdateID + 1
		}
		cb := u.CallbackQuery
		if cb == nil || cb.Message == nil || cb.Message.Chat == nil || cb.Message.Chat.ID != t.chatID {
			continue
		}

		d, ok := parseCallback(cb.Data)
		if !ok {
			t.logger.Warn("Ignoring unknown callback", "data", cb.Data)
			continue
		}
		out = append(out, d)

		if _, err := t.bot.Request(tgbotapi.NewCallback(cb.ID, "Recorded: "+string(d.Verdict))); err != nil {
			t.logger.Warn("Failed to acknowledge callback", "error", err)
		}
		edit := tgbotapi.NewEditMessageReplyMarkup(t.chatID, cb.Message.MessageID,
			tgbotapi.InlineKeyboardMarkup{InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{}})
		if _, err := t.bot.Request(edit); err != nil {
			t.logger.Warn("Failed to clear review buttons", "error", err)
		}
	}

	if len(out) > 0 {
		t.logger.Info("Review decisions received", "count", len(out))
	}
	return out, nil
}

func parseCallback(data string) (Decision, bool) {
	switch {
	case strings.HasPrefix(data, approvePrefix):
		return Decision{CandidateID: strings.TrimPrefix(data, approvePrefix), Verdict: replier.VerdictApproved}, true
	case strings.HasPrefix(data, rejectPrefix):
		return Decision{CandidateID: strings.TrimPrefix(data, rejectPrefix), Verdict: replier.VerdictRejected}, true
	default:
		return Decision{}, false
	}
}

// escapeMarkdown escapes legacy Markdown control characters.
func escapeMarkdown(text string) string {
	replacer := strings.NewReplacer(
		"_", "\\_",
		"*", "\\*",
		"[", "\\[",
		"`", "\\`",
	)
	return replacer.Replace(text)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
