package server

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crashgame/internal/chat"
	"crashgame/internal/game"
	"crashgame/internal/ledger"
	"crashgame/internal/withdraw"
)

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, data)
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error { return nil }

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (c *fakeConn) ofType(eventType string) []json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []json.RawMessage
	for _, raw := range c.frames {
		var f frame
		if err := json.Unmarshal(raw, &f); err == nil && f.Type == eventType {
			out = append(out, f.Data)
		}
	}
	return out
}

// waitFor polls until conn has received n frames of eventType.
func waitFor(t *testing.T, conn *fakeConn, eventType string, n int) []json.RawMessage {
	t.Helper()
	var got []json.RawMessage
	require.Eventually(t, func() bool {
		got = conn.ofType(eventType)
		return len(got) >= n
	}, 2*time.Second, 5*time.Millisecond, "waiting for %d %s frames", n, eventType)
	return got
}

func connect(s *FiberServer) (*fakeConn, string) {
	conn := &fakeConn{}
	client := s.gameHub.RegisterClient(conn)
	return conn, client.ID()
}

func send(s *FiberServer, connID string, msg string) {
	s.handleMessage(connID, []byte(msg))
}

func authenticate(t *testing.T, s *FiberServer, id string) (*fakeConn, string) {
	t.Helper()
	conn, connID := connect(s)
	send(s, connID, fmt.Sprintf(`{"type":"auth","user":{"id":%q,"name":"user %s"}}`, id, id))
	waitFor(t, conn, game.EventAuthResponse, 1)
	return conn, connID
}

func decodeNotification(t *testing.T, raw json.RawMessage) game.Notification {
	t.Helper()
	var n game.Notification
	require.NoError(t, json.Unmarshal(raw, &n))
	return n
}

func decodeUser(t *testing.T, raw json.RawMessage) ledger.User {
	t.Helper()
	var u ledger.User
	require.NoError(t, json.Unmarshal(raw, &u))
	return u
}

func TestAuthSendsInitialView(t *testing.T) {
	s := newTestServer(t, false)
	for i := 0; i < 25; i++ {
		_, err := s.chat.Append(chat.Message{UserID: "x", UserName: "X", Message: fmt.Sprintf("hello %d", i)})
		require.NoError(t, err)
	}

	conn, connID := connect(s)
	send(s, connID, `{"type":"auth","user":{"id":"ADMIN_123","name":"Boss"}}`)

	user := decodeUser(t, waitFor(t, conn, game.EventAuthResponse, 1)[0])
	assert.Equal(t, "ADMIN_123", user.ID)
	assert.Equal(t, "Boss", user.Name)
	assert.True(t, user.IsAdmin)
	assert.Zero(t, user.Balance)

	backlog := waitFor(t, conn, game.EventChatMessage, chat.BACKLOG_SIZE)
	assert.Len(t, backlog, chat.BACKLOG_SIZE)
	var first chat.Message
	require.NoError(t, json.Unmarshal(backlog[0], &first))
	assert.Equal(t, "hello 5", first.Message)

	var list game.UserList
	require.NoError(t, json.Unmarshal(waitFor(t, conn, game.EventUserList, 1)[0], &list))
	require.Len(t, list.Users, 1)
	assert.Equal(t, "ADMIN_123", list.Users[0].ID)

	var snap game.RoundSnapshot
	require.NoError(t, json.Unmarshal(waitFor(t, conn, game.EventGameState, 1)[0], &snap))
	assert.Equal(t, game.PhaseCountdown, snap.Phase)

	assert.True(t, s.gameHub.Sessions().IsOnline("ADMIN_123"))
}

func TestAuthKeepsExistingBalance(t *testing.T) {
	s := newTestServer(t, false)
	fund(t, s, "alice", 75)

	conn, _ := authenticate(t, s, "alice")
	user := decodeUser(t, conn.ofType(game.EventAuthResponse)[0])
	assert.Equal(t, 75.0, user.Balance)
	assert.Equal(t, "user alice", user.Name)
}

func TestMalformedMessagesKeepConnectionOpen(t *testing.T) {
	s := newTestServer(t, false)
	conn, connID := connect(s)

	for _, raw := range []string{`not json`, `{}`, `{"type":"teleport"}`, `{"type":"auth"}`, `{"type":"auth","user":{"name":"no id"}}`} {
		send(s, connID, raw)
	}
	send(s, connID, `{"type":"ping"}`)

	waitFor(t, conn, game.EventPong, 1)
	assert.Empty(t, conn.ofType(game.EventAuthResponse))
	assert.Equal(t, 1, s.gameHub.GetClientCount())
}

func TestUpdateProfileBroadcasts(t *testing.T) {
	s := newTestServer(t, false)
	_, aliceConn := authenticate(t, s, "alice")
	bobConn, _ := authenticate(t, s, "bob")

	send(s, aliceConn, `{"type":"update_profile","user":{"id":"alice","name":"Alice Cooper","isAdmin":true}}`)

	user := decodeUser(t, waitFor(t, bobConn, game.EventUserUpdate, 1)[0])
	assert.Equal(t, "Alice Cooper", user.Name)
	assert.True(t, user.IsAdmin)

	// the role is never revoked by a later update
	send(s, aliceConn, `{"type":"update_profile","user":{"id":"alice","name":"Alice"}}`)
	user = decodeUser(t, waitFor(t, bobConn, game.EventUserUpdate, 2)[1])
	assert.True(t, user.IsAdmin)
}

func TestUpdateProfileUnknownUser(t *testing.T) {
	s := newTestServer(t, false)
	conn, connID := connect(s)

	send(s, connID, `{"type":"update_profile","user":{"id":"ghost","name":"Ghost"}}`)

	n := decodeNotification(t, waitFor(t, conn, game.EventNotification, 1)[0])
	assert.Equal(t, "unknown_user", n.Code)
}

func TestChatMessageIsRelayed(t *testing.T) {
	s := newTestServer(t, false)
	aliceConn, aliceID := authenticate(t, s, "alice")
	bobConn, _ := authenticate(t, s, "bob")

	send(s, aliceID, `{"type":"chat_message","userId":"alice","userName":"Alice","message":"gl hf","timestamp":1700000000000}`)
	send(s, aliceID, `{"type":"chat_message","userId":"alice","userName":"Alice","message":"   "}`)

	for _, conn := range []*fakeConn{aliceConn, bobConn} {
		var m chat.Message
		require.NoError(t, json.Unmarshal(waitFor(t, conn, game.EventChatMessage, 1)[0], &m))
		assert.Equal(t, chat.Message{UserID: "alice", UserName: "Alice", Message: "gl hf", Timestamp: 1700000000000}, m)
	}
	assert.Equal(t, 1, s.chat.Len())
}

func TestPlaceBetOverWebSocket(t *testing.T) {
	s := newTestServer(t, true)
	fund(t, s, "alice", 100)
	conn, connID := authenticate(t, s, "alice")

	// the bound identity is used when the message omits userId
	send(s, connID, `{"type":"place_bet","amount":50}`)

	require.Eventually(t, func() bool {
		for _, raw := range conn.ofType(game.EventUserUpdate) {
			if decodeUser(t, raw).Balance == 50 {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	send(s, connID, `{"type":"place_bet","userId":"alice","amount":10}`)
	n := decodeNotification(t, waitFor(t, conn, game.EventNotification, 1)[0])
	assert.Equal(t, "duplicate_open_bet", n.Code)

	send(s, connID, `{"type":"cashout","userId":"alice","multiplier":1.0}`)
	waitFor(t, conn, game.EventNotification, 2)

	snap := s.gameManager.Snapshot()
	require.Len(t, snap.Bets, 1)
	require.NotNil(t, snap.Bets[0].CashoutMultiplier)
	assert.Equal(t, 1.0, *snap.Bets[0].CashoutMultiplier)
}

func TestPlaceBetRejections(t *testing.T) {
	s := newTestServer(t, true)
	fund(t, s, "carol", 10)
	conn, connID := authenticate(t, s, "carol")

	send(s, connID, `{"type":"place_bet","userId":"carol","amount":20}`)
	n := decodeNotification(t, waitFor(t, conn, game.EventNotification, 1)[0])
	assert.Equal(t, "insufficient_funds", n.Code)

	send(s, connID, `{"type":"cashout","userId":"carol","multiplier":2}`)
	n = decodeNotification(t, waitFor(t, conn, game.EventNotification, 2)[1])
	assert.Equal(t, "no_open_bet", n.Code)

	u, _ := s.ledger.Get("carol")
	assert.Equal(t, 10.0, u.Balance)
	assert.Empty(t, s.gameManager.Snapshot().Bets)
}

func TestPromoFlow(t *testing.T) {
	s := newTestServer(t, false)
	adminConn, adminID := authenticate(t, s, "ADMIN_123")
	aliceConn, aliceID := authenticate(t, s, "alice")

	send(s, aliceID, `{"type":"create_promo","userId":"alice","code":"free","amount":100,"uses":1}`)
	n := decodeNotification(t, waitFor(t, aliceConn, game.EventNotification, 1)[0])
	assert.Equal(t, "forbidden", n.Code)
	_, exists := s.promos.Get("FREE")
	assert.False(t, exists)

	send(s, adminID, `{"type":"create_promo","userId":"ADMIN_123","code":"welcome","amount":25,"uses":1}`)
	waitFor(t, adminConn, game.EventNotification, 1)

	send(s, aliceID, `{"type":"use_promo","userId":"alice","promoCode":"welcome"}`)
	var res game.PromoResult
	require.NoError(t, json.Unmarshal(waitFor(t, aliceConn, game.EventPromoResult, 1)[0], &res))
	assert.True(t, res.Success)
	assert.Equal(t, 25.0, res.Amount)
	user := decodeUser(t, waitFor(t, aliceConn, game.EventUserUpdate, 1)[0])
	assert.Equal(t, 25.0, user.Balance)

	// single use: the code is gone now
	send(s, aliceID, `{"type":"use_promo","userId":"alice","promoCode":"WELCOME"}`)
	require.NoError(t, json.Unmarshal(waitFor(t, aliceConn, game.EventPromoResult, 2)[1], &res))
	assert.False(t, res.Success)
	assert.Equal(t, "Invalid promo code", res.Message)

	u, _ := s.ledger.Get("alice")
	assert.Equal(t, 25.0, u.Balance)
}

func TestWithdrawRequest(t *testing.T) {
	s := newTestServer(t, false)
	fund(t, s, "alice", 100)
	conn, connID := authenticate(t, s, "alice")

	send(s, connID, `{"type":"withdraw_request","userId":"alice","userName":"Alice","amount":40,"details":"card 4242"}`)

	waitFor(t, conn, game.EventNotification, 1)
	user := decodeUser(t, waitFor(t, conn, game.EventUserUpdate, 1)[0])
	assert.Equal(t, 60.0, user.Balance)

	pending := s.withdrawals.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "Alice", pending[0].UserName)
	assert.Equal(t, 40.0, pending[0].Amount)
	assert.Equal(t, withdraw.StatusPending, pending[0].Status)

	send(s, connID, `{"type":"withdraw_request","userId":"alice","amount":500,"details":"card"}`)
	n := decodeNotification(t, waitFor(t, conn, game.EventNotification, 2)[1])
	assert.Equal(t, "insufficient_funds", n.Code)
	assert.Len(t, s.withdrawals.Pending(), 1)
}

func TestDisconnectUpdatesUserList(t *testing.T) {
	s := newTestServer(t, false)
	aliceConn, _ := authenticate(t, s, "alice")
	_, bobID := authenticate(t, s, "bob")

	var list game.UserList
	require.NoError(t, json.Unmarshal(waitFor(t, aliceConn, game.EventUserList, 2)[1], &list))
	assert.Len(t, list.Users, 2)

	s.disconnect(bobID)

	require.NoError(t, json.Unmarshal(waitFor(t, aliceConn, game.EventUserList, 3)[2], &list))
	require.Len(t, list.Users, 1)
	assert.Equal(t, "alice", list.Users[0].ID)
	assert.False(t, s.gameHub.Sessions().IsOnline("bob"))
}
