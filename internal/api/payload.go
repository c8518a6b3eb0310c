package api

import (
	"fmt"
	"strings"

	"github.com/resumai/resumai/internal/dispatch"
	"github.com/resumai/resumai/internal/identity"
	"github.com/resumai/resumai/internal/ingest"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
)

// Placeholders used when the chat platform sends a missing or mistyped field.
const (
	UnknownUserID   = "UnknownUserID"
	UnknownUserName = "UnknownUserName"
)

// payloadSchema describes the outgoing-webhook payload of the chat platform.
// Every field is optional; a mistyped field is replaced by a placeholder
// instead of failing the request.
const payloadSchema = `{
  "type": "object",
  "properties": {
    "user_id":    {"type": "string"},
    "user_name":  {"type": "string"},
    "text":       {"type": "string"},
    "message_id": {"type": "string"},
    "channel_id": {"type": "string"},
    "timestamp":  {"type": "string"},
    "siteUrl":    {"type": "string"},
    "message": {
      "type": "object",
      "properties": {
        "files": {
          "type": "array",
          "items": {
            "type": "object",
            "properties": {
              "_id":  {"type": "string"},
              "name": {"type": "string"},
              "type": {"type": "string"},
              "url":  {"type": "string"}
            }
          }
        }
      }
    }
  }
}`

var payloadLoader = gojsonschema.NewStringLoader(payloadSchema)

// ExtractTurn converts a decoded webhook body into a dispatch.Turn. It never
// fails: schema violations are logged and the offending fields defaulted.
func ExtractTurn(body any, logger *zap.Logger) dispatch.Turn {
	data, ok := body.(map[string]any)
	if !ok {
		logger.Warn("Webhook payload is not a JSON object; using placeholders.", zap.String("type", fmt.Sprintf("%T", body)))
		return dispatch.Turn{UserID: UnknownUserID, DisplayName: UnknownUserName}
	}

	invalid := invalidFields(data, logger)
	str := func(key, fallback string) string {
		if invalid[key] {
			return fallback
		}
		if s, ok := data[key].(string); ok {
			return s
		}
		return fallback
	}

	turn := dispatch.Turn{
		UserID:      str("user_id", UnknownUserID),
		DisplayName: str("user_name", UnknownUserName),
		Text:        str("text", ""),
		IsBotEcho:   truthy(data["bot"]),
		MessageID:   str("message_id", ""),
		ChannelID:   str("channel_id", ""),
		Timestamp:   str("timestamp", ""),
		SiteURL:     str("siteUrl", ""),
	}
	if !invalid["message"] {
		turn.Attachments = attachments(data["message"])
	}

	if turn.UserID != UnknownUserID && !identity.IsValidUserID(turn.UserID) {
		logger.Warn("Potentially invalid characters in user_id", zap.String("user_id", turn.UserID))
	}
	return turn
}

// invalidFields validates data against the payload schema and returns the
// top-level keys that failed.
func invalidFields(data map[string]any, logger *zap.Logger) map[string]bool {
	result, err := gojsonschema.Validate(payloadLoader, gojsonschema.NewGoLoader(data))
	if err != nil {
		logger.Warn("Webhook payload could not be validated", zap.Error(err))
		return nil
	}
	if result.Valid() {
		return nil
	}

	invalid := make(map[string]bool)
	for _, desc := range result.Errors() {
		field, _, _ := strings.Cut(desc.Field(), ".")
		invalid[field] = true
		logger.Warn("Invalid webhook field; using default",
			zap.String("field", desc.Field()),
			zap.String("error", desc.Description()))
	}
	return invalid
}

func attachments(message any) []ingest.Attachment {
	m, ok := message.(map[string]any)
	if !ok {
		return nil
	}
	files, ok := m["files"].([]any)
	if !ok {
		return nil
	}

	var out []ingest.Attachment
	for _, f := range files {
		file, ok := f.(map[string]any)
		if !ok {
			continue
		}
		a := ingest.Attachment{}
		a.ID, _ = file["_id"].(string)
		a.Name, _ = file["name"].(string)
		a.Type, _ = file["type"].(string)
		a.URL, _ = file["url"].(string)
		if a.ID == "" && a.URL == "" {
			continue
		}
		out = append(out, a)
	}
	return out
}

// truthy mirrors JSON truthiness: false, null, 0, "" and empty
// collections are false.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}
