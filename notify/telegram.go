package notify

import (
	"context"
	"fmt"
	"log/slog"
	"reply-monitor/pkg/replier"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// telegramLimit stays under the Bot API's 4096-character message limit.
const telegramLimit = 4000

type messageSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramProvider sends plain-text summaries to a Telegram chat.
type TelegramProvider struct {
	bot    messageSender
	logger *slog.Logger
	chatID int64
}

// NewTelegramProvider creates a Telegram provider for the given chat.
func NewTelegramProvider(token, chatID string, logger *slog.Logger) (*TelegramProvider, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("connect telegram bot: %w", err)
	}
	return newTelegramProvider(api, chatID, logger)
}

func newTelegramProvider(bot messageSender, chatID string, logger *slog.Logger) (*TelegramProvider, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(chatID), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat id %q: %w", chatID, replier.ErrConfigInvalid)
	}
	return &TelegramProvider{bot: bot, logger: logger, chatID: id}, nil
}

// Deliver posts the plain-text summary to the configured chat, split into as
// many messages as needed. The recipient address is not used.
func (t *TelegramProvider) Deliver(ctx context.Context, msg *Message) error {
	head := msg.Subject
	if msg.Attention {
		head = "[attention] " + head
	}
	chunks := Split(head+"\n\n"+msg.Text, telegramLimit)
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		if _, err := t.bot.Send(tgbotapi.NewMessage(t.chatID, chunk)); err != nil {
			return fmt.Errorf("send telegram message %d/%d: %w", i+1, len(chunks), err)
		}
		t.logger.Info("Telegram message sent",
			"run_id", msg.RunID,
			"part", i+1,
			"parts", len(chunks),
			"duration_ms", time.Since(start).Milliseconds())
	}
	return nil
}

// Split breaks text into chunks of at most limit runes, preferring line breaks.
func Split(text string, limit int) []string {
	var chunks []string
	var cur strings.Builder
	curLen := 0

	flush := func() {
		if cur.Len() > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
			curLen = 0
		}
	}

	for _, line := range strings.SplitAfter(text, "\n") {
		r := []rune(line)
		for len(r) > limit {
			flush()
			chunks = append(chunks, string(r[:limit]))
			r = r[limit:]
		}
		if curLen+len(r) > limit {
			flush()
		}
		cur.WriteString(string(r))
		curLen += len(r)
	}
	flush()
	return chunks
}
