package game

import (
	"time"

	"crashgame/internal/ledger"
)

type Phase string

const (
	PhaseRising    Phase = "BETTING_AND_RISING"
	PhaseCrashed   Phase = "CRASHED"
	PhaseCountdown Phase = "COUNTDOWN"
)

// Outbound event types.
const (
	EventAuthResponse = "auth_response"
	EventUserUpdate   = "user_update"
	EventUserList     = "user_list"
	EventChatMessage  = "chat_message"
	EventGameState    = "game_state"
	EventGameResult   = "game_result"
	EventNotification = "notification"
	EventPromoResult  = "promo_result"
	EventPong         = "pong"
)

type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

type BetRequest struct {
	UserID       string           `json:"userId"`
	UserName     string           `json:"userName"`
	Amount       float64          `json:"amount"`
	AutoCashout  float64          `json:"autoCashout,omitempty"`
	ResponseChan chan BetResponse `json:"-"`

	claim *requestClaim
}

type BetResponse struct {
	Success bool    `json:"success"`
	Message string  `json:"message"`
	Code    string  `json:"code,omitempty"`
	BetID   string  `json:"betId,omitempty"`
	RoundID int64   `json:"roundId,omitempty"`
	Balance float64 `json:"balance,omitempty"`
	Err     error   `json:"-"`
}

type CashoutRequest struct {
	UserID       string               `json:"userId"`
	Multiplier   float64              `json:"multiplier"`
	ResponseChan chan CashoutResponse `json:"-"`

	claim *requestClaim
}

type CashoutResponse struct {
	Success    bool    `json:"success"`
	Message    string  `json:"message"`
	Code       string  `json:"code,omitempty"`
	BetID      string  `json:"betId,omitempty"`
	Multiplier float64 `json:"multiplier,omitempty"`
	Payout     float64 `json:"payout,omitempty"`
	Err        error   `json:"-"`
}

type BetView struct {
	BetID             string    `json:"betId"`
	UserID            string    `json:"userId"`
	UserName          string    `json:"userName"`
	Amount            float64   `json:"amount"`
	PlacedAt          time.Time `json:"placedAt"`
	CashoutMultiplier *float64  `json:"cashoutMultiplier"`
}

// HistoryEntry summarises one finished round.
type HistoryEntry struct {
	RoundID    int64     `json:"roundId"`
	Multiplier float64   `json:"multiplier"`
	CrashPoint float64   `json:"crashPoint"`
	Winners    int       `json:"winners"`
	Timestamp  time.Time `json:"timestamp"`
}

// RoundSnapshot is the client-visible state of the live round. CrashPoint and
// ServerSeed stay empty until the round has crashed.
type RoundSnapshot struct {
	RoundID           int64          `json:"roundId"`
	Phase             Phase          `json:"phase"`
	IsRunning         bool           `json:"isRunning"`
	CurrentMultiplier float64        `json:"currentMultiplier"`
	CrashPoint        *float64       `json:"crashPoint,omitempty"`
	StartTime         time.Time      `json:"startTime"`
	RoundTimer        int            `json:"roundTimer"`
	Commitment        string         `json:"commitment,omitempty"`
	ClientSeed        string         `json:"clientSeed,omitempty"`
	ServerSeed        string         `json:"serverSeed,omitempty"`
	Players           []string       `json:"players"`
	Bets              []BetView      `json:"bets"`
	History           []HistoryEntry `json:"history"`
}

type Winner struct {
	UserID     string  `json:"userId"`
	UserName   string  `json:"userName"`
	BetAmount  float64 `json:"betAmount"`
	Multiplier float64 `json:"multiplier"`
	WinAmount  float64 `json:"winAmount"`
}

type GameResult struct {
	RoundID    int64     `json:"roundId"`
	Multiplier float64   `json:"multiplier"`
	Winners    []Winner  `json:"winners"`
	ServerSeed string    `json:"serverSeed"`
	Timestamp  time.Time `json:"timestamp"`
}

// RoundResult is the archived outcome of a settled round.
type RoundResult struct {
	RoundID      int64     `json:"roundId"`
	CrashPoint   float64   `json:"crashPoint"`
	ServerSeed   string    `json:"serverSeed"`
	ClientSeed   string    `json:"clientSeed"`
	Commitment   string    `json:"commitment"`
	Nonce        int       `json:"nonce"`
	BetCount     int       `json:"betCount"`
	Winners      []Winner  `json:"winners"`
	TotalWagered float64   `json:"totalWagered"`
	TotalPaid    float64   `json:"totalPaid"`
	StartedAt    time.Time `json:"startedAt"`
	CrashedAt    time.Time `json:"crashedAt"`
}

type Notification struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type PromoResult struct {
	Success bool    `json:"success"`
	Amount  float64 `json:"amount,omitempty"`
	Message string  `json:"message"`
}

type UserList struct {
	Users []ledger.User `json:"users"`
}
