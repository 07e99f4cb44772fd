package game

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crashgame/internal/config"
	"crashgame/internal/ledger"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recorder struct {
	mu       sync.Mutex
	all      []WSMessage
	targeted map[string][]WSMessage
}

func newRecorder() *recorder {
	return &recorder{targeted: make(map[string][]WSMessage)}
}

func (r *recorder) Broadcast(message interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, message.(WSMessage))
}

func (r *recorder) SendToUser(userID string, message interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targeted[userID] = append(r.targeted[userID], message.(WSMessage))
}

func (r *recorder) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.all {
		if m.Type == eventType {
			n++
		}
	}
	return n
}

func (r *recorder) sentTo(userID string) []WSMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]WSMessage(nil), r.targeted[userID]...)
}

func (r *recorder) messages() []WSMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]WSMessage(nil), r.all...)
}

type staticOnline []string

func (s staticOnline) Online() []string { return append([]string(nil), s...) }

// fixedSeeder hands out crash points in order, wrapping around.
func fixedSeeder(points ...float64) Seeder {
	return func(nonce int) Seeds {
		return Seeds{
			ServerSeed: fmt.Sprintf("server-%d", nonce),
			ClientSeed: fmt.Sprintf("client-%d", nonce),
			CrashPoint: points[(nonce-1)%len(points)],
		}
	}
}

func testGameConfig() config.Game {
	return config.Game{
		TickInterval:    100 * time.Millisecond,
		RiseRate:        0.1,
		Countdown:       20 * time.Second,
		FirstRoundDelay: 5 * time.Second,
		HistorySize:     10,
		MinBet:          0.01,
		MaxBet:          1000000,
	}
}

type harness struct {
	m      *Manager
	ledger *ledger.Ledger
	clock  *fakeClock
	hub    *recorder
}

func newHarness(t *testing.T, cfg config.Game, points ...float64) *harness {
	t.Helper()
	h := &harness{
		ledger: ledger.New("ADMIN_123"),
		clock:  &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		hub:    newRecorder(),
	}
	h.m = NewManager(cfg, h.hub, h.ledger, staticOnline{"A", "B"},
		WithSeeder(fixedSeeder(points...)),
		WithClock(h.clock.Now),
	)
	return h
}

func (h *harness) fund(t *testing.T, id string, amount float64) {
	t.Helper()
	h.ledger.Register(id, "user "+id, false)
	if amount > 0 {
		_, err := h.ledger.Credit(id, amount)
		require.NoError(t, err)
	}
}

// startRound runs the countdown down to the next round.
func (h *harness) startRound(t *testing.T) {
	t.Helper()
	for i := 0; i < 100; i++ {
		if h.m.Snapshot().Phase == PhaseRising {
			return
		}
		h.clock.Advance(time.Second)
		h.m.onCountdownTick()
	}
	t.Fatal("round never started")
}

// rise moves the clock forward and delivers one tick.
func (h *harness) rise(d time.Duration) {
	h.clock.Advance(d)
	h.m.onRiseTick()
}

func (h *harness) balance(t *testing.T, id string) float64 {
	t.Helper()
	bal, err := h.ledger.Balance(id)
	require.NoError(t, err)
	return bal
}

func TestManager_InitialState(t *testing.T) {
	h := newHarness(t, testGameConfig(), 2.0)

	snap := h.m.Snapshot()
	assert.Equal(t, PhaseCountdown, snap.Phase)
	assert.Equal(t, 5, snap.RoundTimer)
	assert.Equal(t, 1.0, snap.CurrentMultiplier)
	assert.Nil(t, snap.CrashPoint)
	assert.Empty(t, snap.History)
}

func TestManager_RoundLifecycle(t *testing.T) {
	h := newHarness(t, testGameConfig(), 1.5)

	h.startRound(t)
	snap := h.m.Snapshot()
	assert.Equal(t, int64(1), snap.RoundID)
	assert.True(t, snap.IsRunning)
	assert.Equal(t, []string{"A", "B"}, snap.Players)
	assert.Equal(t, HashCommitment("server-1"), snap.Commitment)
	assert.Nil(t, snap.CrashPoint, "crash point stays hidden while rising")
	assert.Empty(t, snap.ServerSeed)

	h.m.syncTimers()
	assert.NotNil(t, h.m.riseTicker)
	assert.Nil(t, h.m.countdownTicker)

	h.rise(2 * time.Second)
	assert.InDelta(t, 1.2, h.m.Snapshot().CurrentMultiplier, 1e-9)

	h.rise(4 * time.Second)
	snap = h.m.Snapshot()
	assert.Equal(t, PhaseCountdown, snap.Phase)
	assert.Equal(t, 20, snap.RoundTimer)
	assert.Equal(t, 1.5, snap.CurrentMultiplier, "final multiplier is pinned to the crash point")
	require.NotNil(t, snap.CrashPoint)
	assert.Equal(t, 1.5, *snap.CrashPoint)
	assert.Equal(t, "server-1", snap.ServerSeed)
	assert.True(t, VerifyRound(snap.ServerSeed, snap.ClientSeed, snap.Commitment, 1, CrashPointFor(snap.ServerSeed, snap.ClientSeed, 1)))
	assert.Equal(t, 1, h.hub.count(EventGameResult))

	h.m.syncTimers()
	assert.Nil(t, h.m.riseTicker)
	assert.NotNil(t, h.m.countdownTicker)
	h.m.stopTimers()

	// a stale rise tick after the crash changes nothing
	h.rise(time.Second)
	assert.Equal(t, PhaseCountdown, h.m.Snapshot().Phase)
	assert.Equal(t, 1, h.hub.count(EventGameResult))
}

func TestManager_MultiplierNeverDecreases(t *testing.T) {
	h := newHarness(t, testGameConfig(), 50.0)
	h.startRound(t)

	last := h.m.Snapshot().CurrentMultiplier
	for i := 0; i < 50; i++ {
		h.rise(100 * time.Millisecond)
		cur := h.m.Snapshot().CurrentMultiplier
		assert.GreaterOrEqual(t, cur, last)
		last = cur
	}

	h.clock.Advance(-3 * time.Second)
	h.m.onRiseTick()
	assert.Equal(t, last, h.m.Snapshot().CurrentMultiplier)
}

func TestManager_CashoutBeforeCrashWins(t *testing.T) {
	h := newHarness(t, testGameConfig(), 3.0)
	h.fund(t, "A", 100)
	h.startRound(t)

	resp := h.m.placeBet(BetRequest{UserID: "A", UserName: "Alice", Amount: 50})
	require.True(t, resp.Success, resp.Message)
	assert.Equal(t, 50.0, resp.Balance)
	assert.Equal(t, 50.0, h.balance(t, "A"))
	require.Len(t, h.m.Snapshot().Bets, 1)

	h.rise(10 * time.Second)
	out := h.m.cashout(CashoutRequest{UserID: "A", Multiplier: 2.0})
	require.True(t, out.Success, out.Message)
	assert.Equal(t, 2.0, out.Multiplier)
	assert.Equal(t, 100.0, out.Payout)
	assert.Equal(t, 50.0, h.balance(t, "A"), "payout is credited at settlement")

	notes := h.hub.sentTo("A")
	require.NotEmpty(t, notes)
	assert.Equal(t, EventNotification, notes[len(notes)-1].Type)

	h.rise(10 * time.Second)
	require.Equal(t, PhaseCountdown, h.m.Snapshot().Phase)

	u, _ := h.ledger.Get("A")
	assert.Equal(t, 150.0, u.Balance)
	assert.Equal(t, ledger.Stats{TotalBets: 1, TotalWagered: 50, TotalWins: 1, TotalWon: 100}, u.Stats)

	history := h.m.History()
	require.Len(t, history, 1)
	assert.Equal(t, 1, history[0].Winners)
}

func TestManager_OpenBetLosesAtCrash(t *testing.T) {
	h := newHarness(t, testGameConfig(), 1.5)
	h.fund(t, "B", 100)
	h.startRound(t)

	require.True(t, h.m.placeBet(BetRequest{UserID: "B", Amount: 30}).Success)
	h.rise(6 * time.Second)

	u, _ := h.ledger.Get("B")
	assert.Equal(t, 70.0, u.Balance)
	assert.Equal(t, 30.0, u.Stats.TotalWagered)
	assert.Equal(t, 0, u.Stats.TotalWins)

	updates := h.hub.sentTo("B")
	require.NotEmpty(t, updates)
	assert.Equal(t, EventUserUpdate, updates[len(updates)-1].Type)
}

func TestManager_BetRejections(t *testing.T) {
	h := newHarness(t, testGameConfig(), 5.0)
	h.fund(t, "A", 100)
	h.fund(t, "C", 10)

	resp := h.m.placeBet(BetRequest{UserID: "A", Amount: 5})
	assert.False(t, resp.Success)
	assert.Equal(t, "invalid_phase", resp.Code, "no bets during the countdown")

	h.startRound(t)

	tests := []struct {
		name string
		req  BetRequest
		code string
	}{
		{"insufficient funds", BetRequest{UserID: "C", Amount: 20}, "insufficient_funds"},
		{"unknown user", BetRequest{UserID: "ghost", Amount: 1}, "unknown_user"},
		{"zero amount", BetRequest{UserID: "A", Amount: 0}, "invalid_amount"},
		{"negative amount", BetRequest{UserID: "A", Amount: -5}, "invalid_amount"},
		{"above max", BetRequest{UserID: "A", Amount: 2000000}, "invalid_amount"},
		{"fraction of a cent", BetRequest{UserID: "A", Amount: 0.014}, "invalid_amount"},
		{"auto cashout at 1x", BetRequest{UserID: "A", Amount: 1, AutoCashout: 1.0}, "invalid_amount"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.m.placeBet(tt.req)
			assert.False(t, resp.Success)
			assert.Equal(t, tt.code, resp.Code)
			assert.Error(t, resp.Err)
		})
	}

	assert.Equal(t, 10.0, h.balance(t, "C"))
	assert.Equal(t, 100.0, h.balance(t, "A"))
	assert.Empty(t, h.m.Snapshot().Bets)

	t.Run("duplicate open bet", func(t *testing.T) {
		require.True(t, h.m.placeBet(BetRequest{UserID: "A", Amount: 10}).Success)
		resp := h.m.placeBet(BetRequest{UserID: "A", Amount: 10})
		assert.Equal(t, "duplicate_open_bet", resp.Code)
		assert.Equal(t, 90.0, h.balance(t, "A"))
	})

	t.Run("new bet after cashing out", func(t *testing.T) {
		require.True(t, h.m.cashout(CashoutRequest{UserID: "A"}).Success)
		assert.True(t, h.m.placeBet(BetRequest{UserID: "A", Amount: 10}).Success)
		assert.Len(t, h.m.Snapshot().Bets, 2)
	})
}

func TestManager_CashoutClamp(t *testing.T) {
	t.Run("claim above server multiplier is capped", func(t *testing.T) {
		h := newHarness(t, testGameConfig(), 3.0)
		h.fund(t, "A", 10)
		h.startRound(t)
		require.True(t, h.m.placeBet(BetRequest{UserID: "A", Amount: 10}).Success)

		h.rise(5 * time.Second)
		out := h.m.cashout(CashoutRequest{UserID: "A", Multiplier: 2.9})
		require.True(t, out.Success)
		assert.InDelta(t, 1.5, out.Multiplier, 1e-9)

		h.rise(20 * time.Second)
		assert.Equal(t, 15.0, h.balance(t, "A"))
	})

	t.Run("claim below server multiplier is honoured", func(t *testing.T) {
		h := newHarness(t, testGameConfig(), 3.0)
		h.fund(t, "A", 10)
		h.startRound(t)
		require.True(t, h.m.placeBet(BetRequest{UserID: "A", Amount: 10}).Success)

		h.rise(8 * time.Second)
		out := h.m.cashout(CashoutRequest{UserID: "A", Multiplier: 1.2})
		assert.Equal(t, 1.2, out.Multiplier)
	})

	t.Run("trusted client claim", func(t *testing.T) {
		cfg := testGameConfig()
		cfg.TrustClientCashout = true
		h := newHarness(t, cfg, 3.0)
		h.fund(t, "A", 10)
		h.fund(t, "B", 10)
		h.startRound(t)
		require.True(t, h.m.placeBet(BetRequest{UserID: "A", Amount: 10}).Success)
		require.True(t, h.m.placeBet(BetRequest{UserID: "B", Amount: 10}).Success)

		h.rise(time.Second)
		assert.Equal(t, 2.5, h.m.cashout(CashoutRequest{UserID: "A", Multiplier: 2.5}).Multiplier)
		assert.Equal(t, 4.0, h.m.cashout(CashoutRequest{UserID: "B", Multiplier: 4.0}).Multiplier)

		h.rise(20 * time.Second)
		assert.Equal(t, 25.0, h.balance(t, "A"))
		assert.Equal(t, 0.0, h.balance(t, "B"), "a claim above the crash point loses")
	})
}

func TestManager_CashoutAfterCrashInstantIsRejected(t *testing.T) {
	h := newHarness(t, testGameConfig(), 2.0)
	h.fund(t, "A", 10)
	h.startRound(t)
	require.True(t, h.m.placeBet(BetRequest{UserID: "A", Amount: 10}).Success)

	// no tick has observed the crash yet
	h.clock.Advance(15 * time.Second)
	out := h.m.cashout(CashoutRequest{UserID: "A", Multiplier: 1.9})
	assert.False(t, out.Success)
	assert.Equal(t, "invalid_phase", out.Code)

	assert.Equal(t, PhaseCountdown, h.m.Snapshot().Phase)
	assert.Equal(t, 0.0, h.balance(t, "A"))
	assert.Equal(t, 1, h.hub.count(EventGameResult))
}

func TestManager_CashoutWithoutBet(t *testing.T) {
	h := newHarness(t, testGameConfig(), 2.0)
	h.fund(t, "A", 10)
	h.startRound(t)

	out := h.m.cashout(CashoutRequest{UserID: "A", Multiplier: 1.1})
	assert.Equal(t, "no_open_bet", out.Code)
}

func TestManager_AutoCashout(t *testing.T) {
	h := newHarness(t, testGameConfig(), 2.0)
	h.fund(t, "A", 10)
	h.fund(t, "B", 10)
	h.startRound(t)

	require.True(t, h.m.placeBet(BetRequest{UserID: "A", Amount: 10, AutoCashout: 1.5}).Success)
	require.True(t, h.m.placeBet(BetRequest{UserID: "B", Amount: 10, AutoCashout: 3.0}).Success)

	h.rise(6 * time.Second)
	bets := h.m.Snapshot().Bets
	require.Len(t, bets, 2)
	require.NotNil(t, bets[0].CashoutMultiplier)
	assert.Equal(t, 1.5, *bets[0].CashoutMultiplier)
	assert.Nil(t, bets[1].CashoutMultiplier)

	h.rise(5 * time.Second)
	assert.Equal(t, 15.0, h.balance(t, "A"))
	assert.Equal(t, 0.0, h.balance(t, "B"))
}

func TestManager_HistoryKeepsNewestTen(t *testing.T) {
	h := newHarness(t, testGameConfig(), 1.2, 1.4, 2.0)

	for i := 0; i < 11; i++ {
		h.startRound(t)
		h.rise(20 * time.Second)
		require.Equal(t, PhaseCountdown, h.m.Snapshot().Phase)
	}

	history := h.m.History()
	require.Len(t, history, 10)
	assert.Equal(t, int64(11), history[0].RoundID)
	assert.Equal(t, int64(2), history[9].RoundID)
	for i := 1; i < len(history); i++ {
		assert.Greater(t, history[i-1].RoundID, history[i].RoundID)
	}
	assert.Equal(t, 1.4, history[0].CrashPoint)
}

type chanObserver struct {
	started chan RoundSnapshot
	settled chan RoundResult
}

func (o *chanObserver) RoundStarted(snap RoundSnapshot) { o.started <- snap }
func (o *chanObserver) RoundSettled(res RoundResult)    { o.settled <- res }

func TestManager_Observers(t *testing.T) {
	obs := &chanObserver{started: make(chan RoundSnapshot, 1), settled: make(chan RoundResult, 1)}
	h := newHarness(t, testGameConfig(), 2.0)
	h.m = NewManager(testGameConfig(), h.hub, h.ledger, staticOnline{},
		WithSeeder(fixedSeeder(2.0)),
		WithClock(h.clock.Now),
		WithObserver(obs),
	)
	h.fund(t, "A", 10)

	h.startRound(t)
	select {
	case snap := <-obs.started:
		assert.Equal(t, int64(1), snap.RoundID)
		assert.Nil(t, snap.CrashPoint)
	case <-time.After(time.Second):
		t.Fatal("RoundStarted not called")
	}

	require.True(t, h.m.placeBet(BetRequest{UserID: "A", Amount: 4}).Success)
	h.rise(5 * time.Second)
	require.True(t, h.m.cashout(CashoutRequest{UserID: "A"}).Success)
	h.rise(10 * time.Second)

	select {
	case res := <-obs.settled:
		assert.Equal(t, int64(1), res.RoundID)
		assert.Equal(t, 2.0, res.CrashPoint)
		assert.Equal(t, "server-1", res.ServerSeed)
		assert.Equal(t, 1, res.BetCount)
		assert.Equal(t, 4.0, res.TotalWagered)
		assert.Equal(t, 6.0, res.TotalPaid)
	case <-time.After(time.Second):
		t.Fatal("RoundSettled not called")
	}
}

func TestManager_LoopServesRequests(t *testing.T) {
	cfg := testGameConfig()
	cfg.FirstRoundDelay = 0
	h := newHarness(t, cfg, 2.0)
	h.fund(t, "A", 10)

	h.m.Start()
	defer h.m.Stop()

	resp := h.m.PlaceBet(BetRequest{UserID: "A", Amount: 5})
	require.True(t, resp.Success, resp.Message)
	assert.Equal(t, int64(1), resp.RoundID)

	out := h.m.Cashout(CashoutRequest{UserID: "A"})
	require.True(t, out.Success, out.Message)
	assert.Equal(t, 1.0, out.Multiplier)
}

func TestManager_QueueFull(t *testing.T) {
	h := newHarness(t, testGameConfig(), 2.0)

	for i := 0; i < cap(h.m.betChannel); i++ {
		h.m.betChannel <- BetRequest{}
	}
	resp := h.m.PlaceBet(BetRequest{UserID: "A", Amount: 1})
	assert.False(t, resp.Success)
	assert.ErrorIs(t, resp.Err, ErrQueueFull)
}

func TestManager_LoopRunsRoundAfterRound(t *testing.T) {
	cfg := testGameConfig()
	cfg.TickInterval = 10 * time.Millisecond
	cfg.RiseRate = 10
	cfg.Countdown = time.Second
	cfg.FirstRoundDelay = 0

	hub := newRecorder()
	m := NewManager(cfg, hub, ledger.New("ADMIN_123"), staticOnline{"A"}, WithSeeder(fixedSeeder(1.05)))
	m.Start()
	defer m.Stop()

	require.Eventually(t, func() bool {
		return m.Snapshot().RoundID >= 2
	}, 3*time.Second, 10*time.Millisecond, "second round never started")

	// after each round's result, the only rising states are the next round's
	var (
		lastCrashed int64
		countdowns  int
		restarted   bool
	)
	for _, msg := range hub.messages() {
		switch msg.Type {
		case EventGameResult:
			lastCrashed = msg.Data.(GameResult).RoundID
		case EventGameState:
			snap := msg.Data.(RoundSnapshot)
			if lastCrashed == 0 {
				continue
			}
			switch snap.Phase {
			case PhaseRising:
				require.Equal(t, lastCrashed+1, snap.RoundID, "rise tick broadcast for a finished round")
				restarted = true
			case PhaseCountdown:
				countdowns++
			}
		}
	}
	crashed := lastCrashed > 0
	assert.True(t, crashed, "round 1 never crashed")
	assert.True(t, restarted, "round 2 start was not broadcast")
	assert.GreaterOrEqual(t, countdowns, 1, "countdown state was not broadcast")

	history := m.History()
	require.NotEmpty(t, history)
	assert.Equal(t, int64(1), history[len(history)-1].RoundID)
}

func TestManager_TimedOutCashoutIsNeverApplied(t *testing.T) {
	h := newHarness(t, testGameConfig(), 3.0)
	h.fund(t, "A", 100)
	h.startRound(t)
	require.True(t, h.m.placeBet(BetRequest{UserID: "A", Amount: 10}).Success)

	// loop is not running, so the request sits in the queue until it times out
	out := h.m.Cashout(CashoutRequest{UserID: "A", Multiplier: 1.0})
	assert.False(t, out.Success)
	assert.ErrorIs(t, out.Err, ErrTimeout)

	req := <-h.m.cashoutChannel
	h.m.processCashout(req)

	bets := h.m.Snapshot().Bets
	require.Len(t, bets, 1)
	assert.Nil(t, bets[0].CashoutMultiplier, "abandoned cashout was applied")
	select {
	case resp := <-req.ResponseChan:
		t.Fatalf("abandoned request got a reply: %+v", resp)
	default:
	}
}

func TestRequestClaim(t *testing.T) {
	c := &requestClaim{}
	assert.True(t, c.take())
	assert.False(t, c.abandon(), "a taken request cannot be abandoned")

	c = &requestClaim{}
	assert.True(t, c.abandon())
	assert.False(t, c.take(), "an abandoned request cannot be taken")

	var unclaimed *requestClaim
	assert.True(t, unclaimed.take())
}
