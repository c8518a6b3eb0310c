package api

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/resumai/resumai/internal/dispatch"
	"go.uber.org/zap"
)

const devTurnTimeout = 2 * time.Minute

// devFrame is one message typed into the dev chat page.
type devFrame struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	Text     string `json:"text"`
}

type devAction struct {
	Label string `json:"label"`
	Msg   string `json:"msg"`
}

type devReply struct {
	Text    string      `json:"text,omitempty"`
	Actions []devAction `json:"actions,omitempty"`
	Ignored bool        `json:"ignored,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// connRegistry tracks the live dev chat connection of each user. A new
// connection for the same user replaces and closes the previous one.
type connRegistry struct {
	mu     sync.Mutex
	active map[string]*websocket.Conn
	logger *zap.Logger
}

func newConnRegistry(logger *zap.Logger) *connRegistry {
	return &connRegistry{active: make(map[string]*websocket.Conn), logger: logger}
}

func (m *connRegistry) register(userID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.active[userID]; ok && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "session replaced")
	}
	m.active[userID] = conn
	m.logger.Debug("Dev chat connection registered", zap.String("user_id", userID))
}

func (m *connRegistry) unregister(userID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.active[userID]; ok && current == conn {
		delete(m.active, userID)
		m.logger.Debug("Dev chat connection unregistered", zap.String("user_id", userID))
	}
}

func (m *connRegistry) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// DevChat drives the dispatcher from the /dev page over a websocket. Each
// text frame is one turn; each turn gets exactly one reply frame.
type DevChat struct {
	turns  TurnHandler
	conns  *connRegistry
	logger *zap.Logger
}

// NewDevChat creates the dev chat websocket handler.
func NewDevChat(turns TurnHandler, logger *zap.Logger) *DevChat {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("devchat")
	return &DevChat{turns: turns, conns: newConnRegistry(log), logger: log}
}

// ServeHTTP implements http.Handler for the websocket upgrade.
func (c *DevChat) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		c.logger.Error("Failed to accept WebSocket", zap.Error(err))
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "chat ended"); closeErr != nil {
			c.logger.Debug("Failed to close websocket", zap.Error(closeErr))
		}
	}()

	ctx := r.Context()
	registered := ""
	defer func() {
		if registered != "" {
			c.conns.unregister(registered, ws)
		}
	}()

	for {
		var frame devFrame
		if err := wsjson.Read(ctx, ws, &frame); err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				c.logger.Debug("WebSocket closed by client")
			} else {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}

		frame.UserID = strings.TrimSpace(frame.UserID)
		if frame.UserID == "" {
			if err := wsjson.Write(ctx, ws, devReply{Error: "user_id is required"}); err != nil {
				return
			}
			continue
		}
		if frame.UserID != registered {
			if registered != "" {
				c.conns.unregister(registered, ws)
			}
			c.conns.register(frame.UserID, ws)
			registered = frame.UserID
		}

		turnCtx, cancel := context.WithTimeout(ctx, devTurnTimeout)
		reply := c.turns.HandleTurn(turnCtx, dispatch.Turn{
			UserID:      frame.UserID,
			DisplayName: frame.UserName,
			Text:        frame.Text,
			ChannelID:   "dev",
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
		})
		cancel()

		if err := wsjson.Write(ctx, ws, toDevReply(reply)); err != nil {
			c.logger.Debug("WebSocket write error", zap.Error(err))
			return
		}
	}
}

func toDevReply(reply dispatch.Reply) devReply {
	out := devReply{Text: reply.Text, Ignored: reply.Ignored}
	for _, a := range reply.Actions {
		out.Actions = append(out.Actions, devAction{Label: a.Label, Msg: a.Msg})
	}
	return out
}
