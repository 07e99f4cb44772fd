package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"crashgame/internal/chat"
	"crashgame/internal/game"
	"crashgame/internal/ledger"
	"crashgame/internal/promo"
	"crashgame/internal/withdraw"
)

// Inbound event types.
const (
	msgAuth            = "auth"
	msgUpdateProfile   = "update_profile"
	msgChat            = "chat_message"
	msgPlaceBet        = "place_bet"
	msgCashout         = "cashout"
	msgUsePromo        = "use_promo"
	msgCreatePromo     = "create_promo"
	msgWithdrawRequest = "withdraw_request"
	msgPing            = "ping"
)

const requestTimeout = 5 * time.Second

var errNotAdmin = errors.New("administrator role required")

type profile struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	IsAdmin bool   `json:"isAdmin"`
}

// clientMessage is the union of every inbound event; each type reads the
// fields it needs.
type clientMessage struct {
	Type string   `json:"type"`
	User *profile `json:"user"`

	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`

	Amount      float64 `json:"amount"`
	AutoCashout float64 `json:"autoCashout"`
	Multiplier  float64 `json:"multiplier"`

	PromoCode string `json:"promoCode"`
	Code      string `json:"code"`
	Uses      int    `json:"uses"`
	Details   string `json:"details"`
}

func (s *FiberServer) gameWebSocketHandler(conn *websocket.Conn) {
	client := s.gameHub.RegisterClient(conn)
	defer s.disconnect(client.ID())

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			log.WithError(err).WithField("conn_id", client.ID()).Debug("Read loop ended")
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		s.handleMessage(client.ID(), data)
	}
}

func (s *FiberServer) disconnect(connID string) {
	if _, offline := s.gameHub.UnregisterClient(connID); offline {
		s.broadcastUserList()
	}
}

// handleMessage dispatches one inbound frame. Malformed frames are logged and
// dropped; the connection stays open.
func (s *FiberServer) handleMessage(connID string, data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
		s.malformed(connID, "unparsable frame", err)
		return
	}

	switch msg.Type {
	case msgAuth:
		s.handleAuth(connID, msg.User)
	case msgUpdateProfile:
		s.handleUpdateProfile(connID, msg.User)
	case msgChat:
		s.handleChat(connID, msg)
	case msgPlaceBet:
		s.handlePlaceBet(connID, msg)
	case msgCashout:
		s.handleCashout(connID, msg)
	case msgUsePromo:
		s.handleUsePromo(connID, msg)
	case msgCreatePromo:
		s.handleCreatePromo(connID, msg)
	case msgWithdrawRequest:
		s.handleWithdrawRequest(connID, msg)
	case msgPing:
		s.gameHub.Send(connID, game.WSMessage{Type: game.EventPong})
	default:
		s.malformed(connID, "unknown message type "+msg.Type, nil)
	}
}

func (s *FiberServer) malformed(connID, reason string, err error) {
	entry := log.WithFields(log.Fields{"conn_id": connID, "reason": reason})
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Warn(game.ErrMalformedMessage.Error())
}

// handleAuth binds the connection to the user and sends the initial view:
// the user record, the chat backlog, the online list and the round state.
func (s *FiberServer) handleAuth(connID string, p *profile) {
	if p == nil || p.ID == "" {
		s.malformed(connID, "auth without user", nil)
		return
	}

	user, created := s.ledger.Register(p.ID, p.Name, p.IsAdmin)
	s.gameHub.Authenticate(connID, user.ID)

	log.WithFields(log.Fields{
		"conn_id": connID,
		"user_id": user.ID,
		"new":     created,
	}).Info("User authenticated")

	s.gameHub.Send(connID, game.WSMessage{Type: game.EventAuthResponse, Data: user})
	for _, m := range s.chat.Recent(chat.BACKLOG_SIZE) {
		s.gameHub.Send(connID, game.WSMessage{Type: game.EventChatMessage, Data: m})
	}
	s.broadcastUserList()
	s.gameHub.Send(connID, game.WSMessage{Type: game.EventGameState, Data: s.gameManager.Snapshot()})
}

func (s *FiberServer) handleUpdateProfile(connID string, p *profile) {
	if p == nil || p.ID == "" {
		s.malformed(connID, "update_profile without user", nil)
		return
	}

	user, err := s.ledger.UpdateProfile(p.ID, p.Name, p.IsAdmin)
	if err != nil {
		s.reject(connID, err)
		return
	}
	s.gameHub.Broadcast(game.WSMessage{Type: game.EventUserUpdate, Data: user})
}

func (s *FiberServer) handleChat(connID string, msg clientMessage) {
	m, err := s.chat.Append(chat.Message{
		UserID:    s.actor(connID, msg.UserID),
		UserName:  msg.UserName,
		Message:   msg.Message,
		Timestamp: msg.Timestamp,
	})
	if err != nil {
		log.WithError(err).WithField("conn_id", connID).Debug("Chat message dropped")
		return
	}
	s.gameHub.Broadcast(game.WSMessage{Type: game.EventChatMessage, Data: m})
}

func (s *FiberServer) handlePlaceBet(connID string, msg clientMessage) {
	resp := s.gameManager.PlaceBet(game.BetRequest{
		UserID:      s.actor(connID, msg.UserID),
		UserName:    msg.UserName,
		Amount:      msg.Amount,
		AutoCashout: msg.AutoCashout,
	})
	if !resp.Success {
		s.reject(connID, resp.Err)
	}
}

func (s *FiberServer) handleCashout(connID string, msg clientMessage) {
	resp := s.gameManager.Cashout(game.CashoutRequest{
		UserID:     s.actor(connID, msg.UserID),
		Multiplier: msg.Multiplier,
	})
	if !resp.Success {
		s.reject(connID, resp.Err)
	}
}

func (s *FiberServer) handleUsePromo(connID string, msg clientMessage) {
	userID := s.actor(connID, msg.UserID)
	if _, ok := s.ledger.Get(userID); !ok {
		s.sendPromoFailure(connID)
		return
	}

	amount, _, err := s.promos.Redeem(msg.PromoCode, userID)
	if err != nil {
		log.WithError(err).WithField("user_id", userID).Info("Promo redemption refused")
		s.sendPromoFailure(connID)
		return
	}

	s.gameHub.SendToUser(userID, game.WSMessage{Type: game.EventPromoResult, Data: game.PromoResult{
		Success: true,
		Amount:  amount,
		Message: fmt.Sprintf("Promo code applied: +%.2f", amount),
	}})
	s.pushUser(userID)
}

func (s *FiberServer) sendPromoFailure(connID string) {
	s.gameHub.Send(connID, game.WSMessage{Type: game.EventPromoResult, Data: game.PromoResult{
		Message: "Invalid promo code",
	}})
}

func (s *FiberServer) handleCreatePromo(connID string, msg clientMessage) {
	userID := s.actor(connID, msg.UserID)
	if u, ok := s.ledger.Get(userID); !ok || !u.IsAdmin {
		log.WithFields(log.Fields{"conn_id": connID, "user_id": userID}).Warn("create_promo refused")
		s.reject(connID, errNotAdmin)
		return
	}

	code, err := s.promos.Create(msg.Code, msg.Amount, msg.Uses, userID)
	if err != nil {
		s.reject(connID, err)
		return
	}
	s.gameHub.Send(connID, game.WSMessage{Type: game.EventNotification, Data: game.Notification{
		Message: fmt.Sprintf("Promo code %s created: %.2f x%d", code.Code, code.Amount, code.UsesLeft),
	}})
}

func (s *FiberServer) handleWithdrawRequest(connID string, msg clientMessage) {
	userID := s.actor(connID, msg.UserID)
	user, ok := s.ledger.Get(userID)
	if !ok {
		s.reject(connID, ledger.ErrUnknownUser)
		return
	}
	name := msg.UserName
	if name == "" {
		name = user.Name
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	req, _, err := s.withdrawals.Request(ctx, userID, name, msg.Amount, msg.Details)
	if err != nil {
		s.reject(connID, err)
		return
	}

	s.gameHub.SendToUser(userID, game.WSMessage{Type: game.EventNotification, Data: game.Notification{
		Message: fmt.Sprintf("Withdrawal request %s for %.2f submitted", req.ID, req.Amount),
	}})
	s.pushUser(userID)
}

// actor resolves the acting identity: the id named in the message, or else
// the user bound to the connection.
func (s *FiberServer) actor(connID, claimed string) string {
	if claimed != "" {
		return claimed
	}
	userID, _ := s.gameHub.Sessions().UserOf(connID)
	return userID
}

// reject tells the acting connection why its request had no effect.
func (s *FiberServer) reject(connID string, err error) {
	if err == nil {
		return
	}
	s.gameHub.Send(connID, game.WSMessage{Type: game.EventNotification, Data: game.Notification{
		Message: err.Error(),
		Code:    rejectionCode(err),
	}})
}

func rejectionCode(err error) string {
	switch {
	case errors.Is(err, errNotAdmin):
		return "forbidden"
	case errors.Is(err, promo.ErrInvalidCode), errors.Is(err, promo.ErrDuplicateCode), errors.Is(err, promo.ErrInvalidPromo):
		return "invalid_promo"
	case errors.Is(err, withdraw.ErrInvalidAmount):
		return "invalid_amount"
	default:
		return game.ErrorCode(err)
	}
}

func (s *FiberServer) pushUser(userID string) {
	if u, ok := s.ledger.Get(userID); ok {
		s.gameHub.SendToUser(userID, game.WSMessage{Type: game.EventUserUpdate, Data: u})
	}
}

func (s *FiberServer) broadcastUserList() {
	users := s.ledger.Lookup(s.gameHub.Online())
	s.gameHub.Broadcast(game.WSMessage{Type: game.EventUserList, Data: game.UserList{Users: users}})
}
