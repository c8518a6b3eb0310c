package api

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strings"

	"github.com/resumai/resumai/internal/dispatch"
	"go.uber.org/zap"
)

// chatReply is the reply shape the chat platform renders, buttons included.
type chatReply struct {
	Text        string           `json:"text"`
	Attachments []chatAttachment `json:"attachments,omitempty"`
}

type chatAttachment struct {
	Actions []chatAction `json:"actions"`
}

type chatAction struct {
	Type            string `json:"type"`
	Text            string `json:"text"`
	Msg             string `json:"msg"`
	MsgInChatWindow bool   `json:"msg_in_chat_window"`
}

// Query handles POST /query, the chat platform's outgoing webhook.
func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	if !isJSON(r) {
		h.logger.Warn("Invalid content type", zap.String("content_type", r.Header.Get("Content-Type")))
		Error(w, http.StatusBadRequest, "Invalid content type")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var body any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		h.logger.Warn("Invalid JSON body", zap.Error(err))
		Error(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	turn := ExtractTurn(body, h.logger)
	reply := h.turns.HandleTurn(r.Context(), turn)
	if reply.Ignored {
		JSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	JSON(w, http.StatusOK, renderReply(reply))
}

func renderReply(reply dispatch.Reply) chatReply {
	out := chatReply{Text: reply.Text}
	if len(reply.Actions) == 0 {
		return out
	}
	actions := make([]chatAction, 0, len(reply.Actions))
	for _, a := range reply.Actions {
		actions = append(actions, chatAction{
			Type:            "button",
			Text:            a.Label,
			Msg:             a.Msg,
			MsgInChatWindow: true,
		})
	}
	out.Attachments = []chatAttachment{{Actions: actions}}
	return out
}

// isJSON accepts application/json and any +json media type.
func isJSON(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}
