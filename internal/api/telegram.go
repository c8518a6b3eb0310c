package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/resumai/resumai/internal/logger"
	"go.uber.org/zap"
)

const (
	telegramSecretHeader = "X-Telegram-Bot-Api-Secret-Token"
	// Telegram rejects callback answers longer than this.
	maxCallbackAnswer = 200
)

// CallbackResponder answers reviewer button presses. *notify.Telegram
// satisfies it.
type CallbackResponder interface {
	AnswerCallback(callbackID, text string) error
	Reply(chatID int64, text string) error
}

// TelegramWebhook bridges reviewer button presses into reviewer callback
// turns.
type TelegramWebhook struct {
	turns     TurnHandler
	responder CallbackResponder
	secret    string
	chatID    int64
	logger    *zap.Logger
}

// NewTelegramWebhook creates the handler. An empty secret disables the
// header check. Button presses are accepted only from reviewerChat; zero
// accepts any chat.
func NewTelegramWebhook(turns TurnHandler, responder CallbackResponder, secret string, reviewerChat int64, logger *zap.Logger) *TelegramWebhook {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TelegramWebhook{
		turns:     turns,
		responder: responder,
		secret:    secret,
		chatID:    reviewerChat,
		logger:    logger.Named("telegram"),
	}
}

// ServeHTTP handles POST /telegram/webhook. Anything other than a bad
// secret or unreadable body is acknowledged with 200 so Telegram does not
// redeliver it.
func (t *TelegramWebhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.secret != "" {
		got := r.Header.Get(telegramSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(t.secret)) != 1 {
			t.logger.Warn("Rejected Telegram update with bad secret token")
			Error(w, http.StatusUnauthorized, "unauthorized")
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var update tgbotapi.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		t.logger.Warn("Invalid Telegram update", zap.Error(err))
		Error(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	cq := update.CallbackQuery
	if cq == nil {
		t.logger.Debug("Ignoring Telegram update without callback query", zap.Int("update_id", update.UpdateID))
		JSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	if t.chatID != 0 && (cq.Message == nil || cq.Message.Chat == nil || cq.Message.Chat.ID != t.chatID) {
		t.logger.Warn("Rejected callback from outside the reviewer chat", zap.String("callback_id", cq.ID))
		if err := t.responder.AnswerCallback(cq.ID, "Not allowed from this chat."); err != nil {
			t.logger.Warn("Failed to answer callback query", zap.Error(err), zap.String("callback_id", cq.ID))
		}
		JSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	reviewerID, reviewerName := "", ""
	if cq.From != nil {
		reviewerID = strconv.FormatInt(cq.From.ID, 10)
		reviewerName = cq.From.UserName
		if reviewerName == "" {
			reviewerName = cq.From.FirstName
		}
	}

	reply := t.turns.HandleReviewerCallback(r.Context(), reviewerID, reviewerName, cq.Data)

	if err := t.responder.AnswerCallback(cq.ID, logger.TruncateForLog(reply.Text, maxCallbackAnswer-3)); err != nil {
		t.logger.Warn("Failed to answer callback query", zap.Error(err), zap.String("callback_id", cq.ID))
	}
	if cq.Message != nil && cq.Message.Chat != nil {
		if err := t.responder.Reply(cq.Message.Chat.ID, reply.Text); err != nil {
			t.logger.Warn("Failed to post reviewer reply", zap.Error(err), zap.Int64("chat_id", cq.Message.Chat.ID))
		}
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
