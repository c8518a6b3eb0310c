package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

const (
	// maxCallbackData is Telegram's limit on inline button payloads.
	maxCallbackData = 64
	// maxMessageLength is Telegram's limit on message text, in characters.
	maxMessageLength = 4096
)

// TelegramAPI is the subset of *tgbotapi.BotAPI used for notifications.
type TelegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Telegram sends reviewer notifications as chat messages with inline
// buttons carrying the action tokens as callback data.
type Telegram struct {
	api         TelegramAPI
	defaultChat int64
	logger      *zap.Logger
}

// NewTelegramBot connects to the Bot API with token.
func NewTelegramBot(token string) (*tgbotapi.BotAPI, error) {
	if token == "" {
		return nil, errors.New("bot token is required")
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}
	return api, nil
}

// NewTelegram creates a notifier sending to reviewerChat unless a message
// names its own target.
func NewTelegram(api TelegramAPI, reviewerChat int64, logger *zap.Logger) *Telegram {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Telegram{
		api:         api,
		defaultChat: reviewerChat,
		logger:      logger.Named("telegram"),
	}
}

// Notify sends msg. All actions are laid out in one keyboard row. Text
// over Telegram's length limit goes out as several messages with the
// keyboard on the last one, whose id the receipt carries.
func (t *Telegram) Notify(ctx context.Context, msg Message) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}

	chatID := t.defaultChat
	if msg.Target != "" {
		id, err := strconv.ParseInt(msg.Target, 10, 64)
		if err != nil {
			return Receipt{}, fmt.Errorf("invalid telegram chat id %q: %w", msg.Target, err)
		}
		chatID = id
	}
	if chatID == 0 {
		return Receipt{}, errors.New("no telegram chat configured")
	}

	var markup any
	if len(msg.Actions) > 0 {
		row := make([]tgbotapi.InlineKeyboardButton, 0, len(msg.Actions))
		for _, a := range msg.Actions {
			if len(a.Token) > maxCallbackData {
				return Receipt{}, fmt.Errorf("callback token %q exceeds %d bytes", a.Token, maxCallbackData)
			}
			row = append(row, tgbotapi.NewInlineKeyboardButtonData(a.Label, a.Token))
		}
		markup = tgbotapi.NewInlineKeyboardMarkup(row)
	}

	chunks := splitMessage(msg.Text, maxMessageLength)
	var sent tgbotapi.Message
	for i, chunk := range chunks {
		out := tgbotapi.NewMessage(chatID, chunk)
		if i == len(chunks)-1 {
			out.ReplyMarkup = markup
		}
		var err error
		if sent, err = t.api.Send(out); err != nil {
			return Receipt{}, fmt.Errorf("failed to send message %d/%d: %w", i+1, len(chunks), err)
		}
	}

	t.logger.Debug("Reviewer notification sent",
		zap.Int64("chat_id", chatID),
		zap.Int("message_id", sent.MessageID),
		zap.Int("parts", len(chunks)))
	return Receipt{Channel: "telegram", MessageID: strconv.Itoa(sent.MessageID)}, nil
}

// splitMessage cuts text into pieces of at most limit characters, breaking
// after the last newline of a piece when there is one. It always returns
// at least one piece.
func splitMessage(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	var parts []string
	for utf8.RuneCountInString(text) > limit {
		// Byte offset of the first rune past the limit.
		cut, n := 0, 0
		for i := range text {
			if n == limit {
				cut = i
				break
			}
			n++
		}
		if nl := strings.LastIndexByte(text[:cut], '\n'); nl > 0 {
			cut = nl + 1
		}
		parts = append(parts, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}

// AnswerCallback acknowledges a pressed button so the client stops its
// loading indicator, showing text as a toast.
func (t *Telegram) AnswerCallback(callbackID, text string) error {
	if _, err := t.api.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		return fmt.Errorf("answer callback: %w", err)
	}
	return nil
}

// Reply posts text to a chat without buttons.
func (t *Telegram) Reply(chatID int64, text string) error {
	for _, chunk := range splitMessage(text, maxMessageLength) {
		if _, err := t.api.Send(tgbotapi.NewMessage(chatID, chunk)); err != nil {
			return fmt.Errorf("failed to send message: %w", err)
		}
	}
	return nil
}
