package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeTelegramAPI struct {
	sent     []tgbotapi.Chattable
	requests []tgbotapi.Chattable
	sendErr  error
}

func (f *fakeTelegramAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if f.sendErr != nil {
		return tgbotapi.Message{}, f.sendErr
	}
	f.sent = append(f.sent, c)
	return tgbotapi.Message{MessageID: len(f.sent)}, nil
}

func (f *fakeTelegramAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func TestTelegramNotifyBuildsInlineKeyboard(t *testing.T) {
	api := &fakeTelegramAPI{}
	n := NewTelegram(api, 42, zaptest.NewLogger(t))

	receipt, err := n.Notify(context.Background(), Message{
		Text: "Review this",
		Actions: []Action{
			{Label: "Approve", Token: "approve_sid"},
			{Label: "Deny", Token: "deny_sid"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "telegram", receipt.Channel)
	assert.Equal(t, "1", receipt.MessageID)

	require.Len(t, api.sent, 1)
	msg, ok := api.sent[0].(tgbotapi.MessageConfig)
	require.True(t, ok)
	assert.Equal(t, int64(42), msg.ChatID)
	assert.Equal(t, "Review this", msg.Text)

	markup, ok := msg.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	require.True(t, ok)
	require.Len(t, markup.InlineKeyboard, 1)
	row := markup.InlineKeyboard[0]
	require.Len(t, row, 2)
	assert.Equal(t, "approve_sid", *row[0].CallbackData)
	assert.Equal(t, "deny_sid", *row[1].CallbackData)
}

func TestTelegramNotifySplitsLongText(t *testing.T) {
	api := &fakeTelegramAPI{}
	n := NewTelegram(api, 42, zaptest.NewLogger(t))

	draft := "Experience: " + strings.Repeat("é", 5000)
	receipt, err := n.Notify(context.Background(), Message{
		Text: draft,
		Actions: []Action{
			{Label: "Approve", Token: "approve_sid"},
			{Label: "Deny", Token: "deny_sid"},
		},
	})
	require.NoError(t, err)
	require.Len(t, api.sent, 2)
	assert.Equal(t, "2", receipt.MessageID)

	var joined strings.Builder
	for i, c := range api.sent {
		msg := c.(tgbotapi.MessageConfig)
		assert.LessOrEqual(t, utf8.RuneCountInString(msg.Text), maxMessageLength)
		assert.True(t, utf8.ValidString(msg.Text))
		if i < len(api.sent)-1 {
			assert.Nil(t, msg.ReplyMarkup)
		} else {
			_, ok := msg.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
			assert.True(t, ok)
		}
		joined.WriteString(msg.Text)
	}
	assert.Equal(t, draft, joined.String())
}

func TestSplitMessage(t *testing.T) {
	assert.Equal(t, []string{""}, splitMessage("", 10))
	assert.Equal(t, []string{"short"}, splitMessage("short", 10))
	assert.Equal(t, []string{"abcdefghij", "kl"}, splitMessage("abcdefghijkl", 10))
	assert.Equal(t, []string{"abc\n", "defghijk"}, splitMessage("abc\ndefghijk", 10))
}

func TestTelegramNotifyTargetOverride(t *testing.T) {
	api := &fakeTelegramAPI{}
	n := NewTelegram(api, 42, zaptest.NewLogger(t))

	_, err := n.Notify(context.Background(), Message{Target: "-100123", Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, int64(-100123), api.sent[0].(tgbotapi.MessageConfig).ChatID)

	_, err = n.Notify(context.Background(), Message{Target: "not-a-chat", Text: "hi"})
	require.Error(t, err)
}

func TestTelegramNotifyErrors(t *testing.T) {
	t.Run("no chat", func(t *testing.T) {
		n := NewTelegram(&fakeTelegramAPI{}, 0, zaptest.NewLogger(t))
		_, err := n.Notify(context.Background(), Message{Text: "hi"})
		require.Error(t, err)
	})

	t.Run("send failure", func(t *testing.T) {
		boom := errors.New("bad gateway")
		n := NewTelegram(&fakeTelegramAPI{sendErr: boom}, 1, zaptest.NewLogger(t))
		_, err := n.Notify(context.Background(), Message{Text: "hi"})
		require.ErrorIs(t, err, boom)
	})

	t.Run("oversized token", func(t *testing.T) {
		api := &fakeTelegramAPI{}
		n := NewTelegram(api, 1, zaptest.NewLogger(t))
		long := make([]byte, maxCallbackData+1)
		for i := range long {
			long[i] = 'x'
		}
		_, err := n.Notify(context.Background(), Message{Text: "hi", Actions: []Action{{Label: "x", Token: string(long)}}})
		require.Error(t, err)
		assert.Empty(t, api.sent)
	})
}

func TestTelegramAnswerCallback(t *testing.T) {
	api := &fakeTelegramAPI{}
	n := NewTelegram(api, 1, zaptest.NewLogger(t))

	require.NoError(t, n.AnswerCallback("cb-1", "Recorded"))
	require.Len(t, api.requests, 1)
	cb, ok := api.requests[0].(tgbotapi.CallbackConfig)
	require.True(t, ok)
	assert.Equal(t, "cb-1", cb.CallbackQueryID)
	assert.Equal(t, "Recorded", cb.Text)
}

func TestLogNotifier(t *testing.T) {
	n := NewLogNotifier(zaptest.NewLogger(t))
	receipt, err := n.Notify(context.Background(), Message{Text: "x", Actions: []Action{{Token: "approve_a"}}})
	require.NoError(t, err)
	assert.Equal(t, "log", receipt.Channel)
}
