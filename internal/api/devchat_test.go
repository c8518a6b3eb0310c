package api

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/resumai/resumai/internal/dispatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func dialDevChat(t *testing.T, turns *fakeTurns) (*websocket.Conn, context.Context) {
	t.Helper()
	srv := httptest.NewServer(newTestRouter(t, turns, true))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/dev/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn, ctx
}

func TestDevChatRoundTrip(t *testing.T) {
	turns := &fakeTurns{reply: dispatch.Reply{
		Text:    "Pick a mode",
		Actions: []dispatch.Action{{Label: "Start new", Msg: "create_resume"}},
	}}
	conn, ctx := dialDevChat(t, turns)

	require.NoError(t, wsjson.Write(ctx, conn, devFrame{UserID: "dev1", UserName: "Dev", Text: "hello"}))

	var reply devReply
	require.NoError(t, wsjson.Read(ctx, conn, &reply))
	assert.Equal(t, "Pick a mode", reply.Text)
	assert.Equal(t, []devAction{{Label: "Start new", Msg: "create_resume"}}, reply.Actions)

	turn := turns.lastTurn(t)
	assert.Equal(t, "dev1", turn.UserID)
	assert.Equal(t, "hello", turn.Text)
	assert.Equal(t, "dev", turn.ChannelID)
}

func TestDevChatRequiresUserID(t *testing.T) {
	turns := &fakeTurns{}
	conn, ctx := dialDevChat(t, turns)

	require.NoError(t, wsjson.Write(ctx, conn, devFrame{Text: "hello"}))

	var reply devReply
	require.NoError(t, wsjson.Read(ctx, conn, &reply))
	assert.Equal(t, "user_id is required", reply.Error)
	assert.Empty(t, turns.turns)
}

func TestConnRegistryReplacesConnection(t *testing.T) {
	reg := newConnRegistry(zaptest.NewLogger(t))
	a, b := &websocket.Conn{}, &websocket.Conn{}

	reg.register("u1", a)
	reg.unregister("u1", b)
	assert.Equal(t, 1, reg.size(), "unregistering a stale connection is a no-op")

	reg.unregister("u1", a)
	assert.Equal(t, 0, reg.size())
}
