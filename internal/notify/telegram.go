package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// telegramBot is the part of *tgbotapi.BotAPI the channel uses
type telegramBot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Telegram sends the notice to one chat and treats the next message from
// that chat as the acknowledgement
type Telegram struct {
	bot    telegramBot
	chatID int64
	logger *slog.Logger
	sentAt time.Time
}

// NewTelegram connects to the bot API
func NewTelegram(token string, chatID int64, logger *slog.Logger) (*Telegram, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if chatID == 0 {
		return nil, fmt.Errorf("telegram chat id is required")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	logger.Info("telegram bot connected", "user", bot.Self.UserName)
	return newTelegram(bot, chatID, logger), nil
}

func newTelegram(bot telegramBot, chatID int64, logger *slog.Logger) *Telegram {
	return &Telegram{bot: bot, chatID: chatID, logger: logger}
}

func (t *Telegram) Name() string { return string(KindTelegram) }

// Send posts the notice to the configured chat
func (t *Telegram) Send(_ context.Context, text string) error {
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send failed: %w", err)
	}
	t.sentAt = time.Now().Truncate(time.Second)
	return nil
}

// WaitForReply long-polls for a message from the configured chat sent after
// the notice. The long poll reconnects with capped backoff when it stalls.
func (t *Telegram) WaitForReply(ctx context.Context) (string, error) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)
		reply, err := t.poll(ctx, updates)
		t.bot.StopReceivingUpdates()
		if err == nil {
			return reply, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		t.logger.Warn("telegram poll disconnected, reconnecting", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (t *Telegram) poll(ctx context.Context, updates tgbotapi.UpdatesChannel) (string, error) {
	const stallTimeout = 150 * time.Second
	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return "", fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			msg := update.Message
			if msg == nil || msg.Chat == nil {
				continue
			}
			if msg.Chat.ID != t.chatID {
				t.logger.Warn("telegram message from unexpected chat ignored", "chat_id", msg.Chat.ID)
				continue
			}
			if time.Unix(int64(msg.Date), 0).Before(t.sentAt) {
				continue
			}
			text := strings.TrimSpace(msg.Text)
			if text == "" {
				text = "ok"
			}
			return text, nil
		case <-timer.C:
			return "", fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *Telegram) Close() error {
	return nil
}
