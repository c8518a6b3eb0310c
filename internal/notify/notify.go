// Package notify delivers messages with callback actions to a human reviewer.
package notify

import (
	"context"
	"strings"

	"github.com/resumai/resumai/internal/logger"
	"go.uber.org/zap"
)

// Action is a button whose Token re-enters the system as an inbound message
// when pressed.
type Action struct {
	Label string
	Token string
}

// Message is one outbound notification.
type Message struct {
	// Target addresses the recipient; empty means the channel default.
	Target  string
	Text    string
	Actions []Action
}

// Receipt describes how a notification was delivered.
type Receipt struct {
	Channel   string
	MessageID string
}

// Notifier sends messages to a reviewer channel.
type Notifier interface {
	Notify(ctx context.Context, msg Message) (Receipt, error)
}

// LogNotifier writes notifications to the log. It stands in for a real
// channel when none is configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a notifier that only logs.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger.Named("notify")}
}

// Notify logs msg and its action tokens.
func (n *LogNotifier) Notify(_ context.Context, msg Message) (Receipt, error) {
	tokens := make([]string, 0, len(msg.Actions))
	for _, a := range msg.Actions {
		tokens = append(tokens, a.Token)
	}
	n.logger.Info("Reviewer notification",
		zap.String("target", msg.Target),
		zap.String("text", logger.TruncateForLog(msg.Text, 200)),
		zap.String("actions", strings.Join(tokens, ",")))
	return Receipt{Channel: "log"}, nil
}
