package game

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"crashgame/internal/config"
	"crashgame/internal/ledger"
)

const (
	BET_TIMEOUT     = 5 * time.Second
	CASHOUT_TIMEOUT = 500 * time.Millisecond
	COUNTDOWN_STEP  = time.Second
)

// Broadcaster delivers events to viewers.
type Broadcaster interface {
	Broadcast(message interface{})
	SendToUser(userID string, message interface{})
}

// OnlineSet lists the identities currently connected.
type OnlineSet interface {
	Online() []string
}

type Ledger interface {
	Accounts
	Debit(id string, amount float64) (float64, error)
	Get(id string) (ledger.User, bool)
}

// RoundObserver is notified when rounds start and settle. Calls run on their
// own goroutine and must not touch the manager.
type RoundObserver interface {
	RoundStarted(snap RoundSnapshot)
	RoundSettled(result RoundResult)
}

type round struct {
	id         int64
	nonce      int
	phase      Phase
	multiplier float64
	crashPoint float64
	startTime  time.Time
	crashTime  time.Time
	countdown  int
	seeds      Seeds
	commitment string
	players    []string
	bets       *BetBook
}

// Manager is the round engine. All round, bet book and ledger mutations made
// on behalf of the game happen on the game loop goroutine, so bets, cashouts
// and ticks never interleave.
type Manager struct {
	cfg       config.Game
	hub       Broadcaster
	accounts  Ledger
	online    OnlineSet
	observers []RoundObserver
	seeder    Seeder
	now       func() time.Time

	mu      sync.RWMutex
	round   *round
	history []HistoryEntry
	nonce   int

	betChannel      chan BetRequest
	cashoutChannel  chan CashoutRequest
	stopChan        chan struct{}
	stopOnce        sync.Once
	riseTicker      *time.Ticker
	countdownTicker *time.Ticker
}

type Option func(*Manager)

func WithSeeder(s Seeder) Option {
	return func(m *Manager) { m.seeder = s }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithObserver(o RoundObserver) Option {
	return func(m *Manager) { m.observers = append(m.observers, o) }
}

// WithLastRound continues round numbering after an archived round id.
func WithLastRound(id int64) Option {
	return func(m *Manager) { m.nonce = int(id) }
}

func NewManager(cfg config.Game, hub Broadcaster, accounts Ledger, online OnlineSet, opts ...Option) *Manager {
	m := &Manager{
		cfg:            cfg,
		hub:            hub,
		accounts:       accounts,
		online:         online,
		seeder:         ProvablyFairSeeder,
		now:            time.Now,
		betChannel:     make(chan BetRequest, 1000),
		cashoutChannel: make(chan CashoutRequest, 1000),
		stopChan:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.round = &round{
		phase:      PhaseCountdown,
		multiplier: MIN_MULTIPLIER,
		countdown:  wholeSeconds(cfg.FirstRoundDelay),
		bets:       NewBetBook(),
	}
	return m
}

func (m *Manager) Start() {
	go m.gameLoop()
}

func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
}

// Snapshot returns the client-visible state of the live round.
func (m *Manager) Snapshot() RoundSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot()
}

// History returns finished rounds, newest first.
func (m *Manager) History() []HistoryEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]HistoryEntry{}, m.history...)
}

// requestClaim decides the fate of a queued request: either the game loop
// takes it or the caller abandons it after timing out, never both.
type requestClaim struct {
	state atomic.Int32
}

const (
	claimPending int32 = iota
	claimTaken
	claimAbandoned
)

// take reports whether the loop may process the request. Requests queued
// without a claim are always processed.
func (c *requestClaim) take() bool {
	return c == nil || c.state.CompareAndSwap(claimPending, claimTaken)
}

func (c *requestClaim) abandon() bool {
	return c.state.CompareAndSwap(claimPending, claimAbandoned)
}

// PlaceBet queues req on the game loop and waits for its outcome. A request
// still queued when BET_TIMEOUT fires is dropped unprocessed; one the loop
// already took is waited for, so the reply always matches what happened.
func (m *Manager) PlaceBet(req BetRequest) BetResponse {
	respChan := make(chan BetResponse, 1)
	req.ResponseChan = respChan
	req.claim = &requestClaim{}

	select {
	case m.betChannel <- req:
		select {
		case resp := <-respChan:
			return resp
		case <-time.After(BET_TIMEOUT):
			if req.claim.abandon() {
				return rejectBet(ErrTimeout)
			}
			return <-respChan
		}
	default:
		return rejectBet(ErrQueueFull)
	}
}

func (m *Manager) Cashout(req CashoutRequest) CashoutResponse {
	respChan := make(chan CashoutResponse, 1)
	req.ResponseChan = respChan
	req.claim = &requestClaim{}

	select {
	case m.cashoutChannel <- req:
		select {
		case resp := <-respChan:
			return resp
		case <-time.After(CASHOUT_TIMEOUT):
			if req.claim.abandon() {
				return rejectCashout(ErrTimeout)
			}
			return <-respChan
		}
	default:
		return rejectCashout(ErrQueueFull)
	}
}

func (m *Manager) gameLoop() {
	defer m.stopTimers()

	m.mu.Lock()
	if m.round.countdown <= 0 {
		m.startRound(m.now())
	}
	m.mu.Unlock()
	m.syncTimers()

	log.Info("Game loop started")
	for {
		select {
		case <-m.stopChan:
			log.Info("Game loop stopped")
			return
		case <-tickerC(m.riseTicker):
			m.onRiseTick()
		case <-tickerC(m.countdownTicker):
			m.onCountdownTick()
		case req := <-m.betChannel:
			m.processBet(req)
		case req := <-m.cashoutChannel:
			m.processCashout(req)
		}
		m.syncTimers()
	}
}

// syncTimers keeps exactly one ticker alive for the current phase. Every new
// phase gets a fresh ticker, so a finished round's rise ticker can never fire
// into the next round.
func (m *Manager) syncTimers() {
	m.mu.RLock()
	phase := m.round.phase
	m.mu.RUnlock()

	if phase == PhaseRising {
		if m.countdownTicker != nil {
			m.countdownTicker.Stop()
			m.countdownTicker = nil
		}
		if m.riseTicker == nil {
			m.riseTicker = time.NewTicker(m.cfg.TickInterval)
		}
		return
	}

	if m.riseTicker != nil {
		m.riseTicker.Stop()
		m.riseTicker = nil
	}
	if m.countdownTicker == nil {
		m.countdownTicker = time.NewTicker(COUNTDOWN_STEP)
	}
}

func (m *Manager) stopTimers() {
	if m.riseTicker != nil {
		m.riseTicker.Stop()
		m.riseTicker = nil
	}
	if m.countdownTicker != nil {
		m.countdownTicker.Stop()
		m.countdownTicker = nil
	}
}

func tickerC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func (m *Manager) onRiseTick() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.round.phase != PhaseRising {
		return
	}
	m.advance(m.now())
	if m.round.phase == PhaseRising {
		m.hub.Broadcast(m.stateMessage())
	}
}

func (m *Manager) onCountdownTick() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.round.phase != PhaseCountdown {
		return
	}
	m.round.countdown--
	if m.round.countdown <= 0 {
		m.startRound(m.now())
		return
	}
	m.hub.Broadcast(m.stateMessage())
}

func (m *Manager) startRound(now time.Time) {
	m.nonce++
	seeds := m.seeder(m.nonce)

	m.round = &round{
		id:         int64(m.nonce),
		nonce:      m.nonce,
		phase:      PhaseRising,
		multiplier: MIN_MULTIPLIER,
		crashPoint: clampCrashPoint(seeds.CrashPoint),
		startTime:  now,
		seeds:      seeds,
		commitment: HashCommitment(seeds.ServerSeed),
		players:    m.online.Online(),
		bets:       NewBetBook(),
	}

	log.WithFields(log.Fields{
		"round_id":   m.round.id,
		"commitment": m.round.commitment,
		"players":    len(m.round.players),
	}).Info("Round started")
	log.WithFields(log.Fields{
		"round_id":    m.round.id,
		"crash_point": fmt.Sprintf("%.2f", m.round.crashPoint),
	}).Debug("Crash point drawn")

	snap := m.snapshot()
	m.hub.Broadcast(WSMessage{Type: EventGameState, Data: snap})
	for _, o := range m.observers {
		go o.RoundStarted(snap)
	}
}

// MultiplierAt is the rise curve: linear in elapsed wall-clock seconds.
func MultiplierAt(elapsedSeconds, riseRate float64) float64 {
	if elapsedSeconds < 0 {
		elapsedSeconds = 0
	}
	return MIN_MULTIPLIER + elapsedSeconds*riseRate
}

// advance moves a rising round to the given instant, firing auto cashouts and
// the crash when their thresholds have been reached.
func (m *Manager) advance(now time.Time) {
	r := m.round
	if r.phase != PhaseRising {
		return
	}

	if mult := MultiplierAt(now.Sub(r.startTime).Seconds(), m.cfg.RiseRate); mult > r.multiplier {
		r.multiplier = mult
	}
	m.processAutoCashouts()

	if r.multiplier >= r.crashPoint {
		m.crash(now)
	}
}

func (m *Manager) processAutoCashouts() {
	r := m.round
	limit := math.Min(r.multiplier, r.crashPoint)

	for _, b := range r.bets.Bets() {
		if b.CashedOut() || b.AutoCashout <= 0 || b.AutoCashout > limit {
			continue
		}
		if _, err := r.bets.Cashout(b.UserID, b.AutoCashout); err != nil {
			continue
		}
		log.WithFields(log.Fields{
			"round_id":   r.id,
			"user_id":    b.UserID,
			"multiplier": b.AutoCashout,
		}).Info("Auto cashout")
		m.hub.SendToUser(b.UserID, WSMessage{
			Type: EventNotification,
			Data: Notification{Message: fmt.Sprintf("Auto cashout at x%.2f", b.AutoCashout)},
		})
	}
}

// crash pins the multiplier to the crash point, settles the bet book and moves
// straight on to the countdown.
func (m *Manager) crash(now time.Time) {
	r := m.round
	r.phase = PhaseCrashed
	r.multiplier = r.crashPoint
	r.crashTime = now

	winners, err := r.bets.Settle(r.crashPoint, m.accounts)
	if err != nil {
		log.WithError(err).WithField("round_id", r.id).Error("Settlement skipped")
		winners = nil
	}

	m.history = append([]HistoryEntry{{
		RoundID:    r.id,
		Multiplier: r.multiplier,
		CrashPoint: r.crashPoint,
		Winners:    len(winners),
		Timestamp:  now,
	}}, m.history...)
	if len(m.history) > m.cfg.HistorySize {
		m.history = m.history[:m.cfg.HistorySize]
	}

	log.WithFields(log.Fields{
		"round_id":   r.id,
		"multiplier": fmt.Sprintf("%.2f", r.multiplier),
		"bets":       r.bets.Len(),
		"winners":    len(winners),
	}).Info("Round crashed")

	m.hub.Broadcast(WSMessage{Type: EventGameResult, Data: GameResult{
		RoundID:    r.id,
		Multiplier: r.multiplier,
		Winners:    winners,
		ServerSeed: r.seeds.ServerSeed,
		Timestamp:  now,
	}})

	notified := make(map[string]bool)
	for _, b := range r.bets.Bets() {
		if notified[b.UserID] {
			continue
		}
		notified[b.UserID] = true
		if u, ok := m.accounts.Get(b.UserID); ok {
			m.hub.SendToUser(b.UserID, WSMessage{Type: EventUserUpdate, Data: u})
		}
	}

	result := m.roundResult(winners)
	for _, o := range m.observers {
		go o.RoundSettled(result)
	}

	r.phase = PhaseCountdown
	r.countdown = wholeSeconds(m.cfg.Countdown)
	m.hub.Broadcast(m.stateMessage())
}

func (m *Manager) processBet(req BetRequest) {
	if !req.claim.take() {
		log.WithField("user_id", req.UserID).Debug("Dropping abandoned bet")
		return
	}
	resp := m.placeBet(req)
	if req.ResponseChan != nil {
		req.ResponseChan <- resp
	}
}

func (m *Manager) placeBet(req BetRequest) BetResponse {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.validateBet(req); err != nil {
		return rejectBet(err)
	}

	m.advance(m.now())
	r := m.round
	if r.phase != PhaseRising {
		return rejectBet(ErrInvalidPhase)
	}
	user, ok := m.accounts.Get(req.UserID)
	if !ok {
		return rejectBet(ledger.ErrUnknownUser)
	}
	if _, open := r.bets.OpenBet(req.UserID); open {
		return rejectBet(ErrDuplicateOpenBet)
	}

	balance, err := m.accounts.Debit(req.UserID, req.Amount)
	if err != nil {
		return rejectBet(err)
	}

	name := req.UserName
	if name == "" {
		name = user.Name
	}
	bet := &Bet{
		ID:          uuid.NewString(),
		UserID:      req.UserID,
		UserName:    name,
		Amount:      req.Amount,
		AutoCashout: req.AutoCashout,
		PlacedAt:    m.now(),
	}
	if err := r.bets.Place(bet); err != nil {
		// Unreachable after the checks above; give the stake back so the
		// debit never stands without its bet.
		if _, cerr := m.accounts.Credit(req.UserID, req.Amount); cerr != nil {
			log.WithError(cerr).WithField("user_id", req.UserID).Error("Stake refund failed")
		}
		return rejectBet(err)
	}

	log.WithFields(log.Fields{
		"round_id": r.id,
		"user_id":  req.UserID,
		"amount":   req.Amount,
		"bet_id":   bet.ID,
	}).Info("Bet placed")

	m.hub.Broadcast(m.stateMessage())
	if u, ok := m.accounts.Get(req.UserID); ok {
		m.hub.SendToUser(req.UserID, WSMessage{Type: EventUserUpdate, Data: u})
	}

	return BetResponse{
		Success: true,
		Message: "Bet placed successfully",
		BetID:   bet.ID,
		RoundID: r.id,
		Balance: balance,
	}
}

func (m *Manager) validateBet(req BetRequest) error {
	a := req.Amount
	if math.IsNaN(a) || math.IsInf(a, 0) || a <= 0 || a < m.cfg.MinBet || a > m.cfg.MaxBet {
		return errors.Wrapf(ErrInvalidAmount, "bet must be between %.2f and %.2f", m.cfg.MinBet, m.cfg.MaxBet)
	}
	if !ledger.IsCents(a) {
		return errors.Wrap(ErrInvalidAmount, "bet must be whole cents")
	}
	if req.AutoCashout != 0 && !(req.AutoCashout > MIN_MULTIPLIER) {
		return errors.Wrap(ErrInvalidAmount, "auto cashout must exceed 1.00x")
	}
	return nil
}

func (m *Manager) processCashout(req CashoutRequest) {
	if !req.claim.take() {
		log.WithField("user_id", req.UserID).Debug("Dropping abandoned cashout")
		return
	}
	resp := m.cashout(req)
	if req.ResponseChan != nil {
		req.ResponseChan <- resp
	}
}

func (m *Manager) cashout(req CashoutRequest) CashoutResponse {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.advance(m.now())
	r := m.round
	if r.phase != PhaseRising {
		return rejectCashout(ErrInvalidPhase)
	}
	if _, ok := r.bets.OpenBet(req.UserID); !ok {
		return rejectCashout(ErrNoOpenBet)
	}

	accepted := m.acceptedMultiplier(req.Multiplier, r.multiplier)
	bet, err := r.bets.Cashout(req.UserID, accepted)
	if err != nil {
		return rejectCashout(err)
	}
	payout := math.Round(bet.Amount*accepted*100) / 100

	log.WithFields(log.Fields{
		"round_id":   r.id,
		"user_id":    req.UserID,
		"claimed":    req.Multiplier,
		"multiplier": accepted,
	}).Info("Cashout")

	m.hub.SendToUser(req.UserID, WSMessage{
		Type: EventNotification,
		Data: Notification{Message: fmt.Sprintf("Cashed out at x%.2f", accepted)},
	})
	m.hub.Broadcast(m.stateMessage())

	return CashoutResponse{
		Success:    true,
		Message:    fmt.Sprintf("Cashed out at %.2fx", accepted),
		BetID:      bet.ID,
		Multiplier: accepted,
		Payout:     payout,
	}
}

// acceptedMultiplier decides the multiplier fixed on a cashout. By default the
// client's claim is capped at the server's own multiplier; with
// TrustClientCashout the claim is taken as is. A missing claim means "now".
func (m *Manager) acceptedMultiplier(claim, server float64) float64 {
	if claim <= 0 || math.IsNaN(claim) || math.IsInf(claim, 0) {
		return server
	}
	if !m.cfg.TrustClientCashout && claim > server {
		claim = server
	}
	return math.Max(MIN_MULTIPLIER, claim)
}

func (m *Manager) stateMessage() WSMessage {
	return WSMessage{Type: EventGameState, Data: m.snapshot()}
}

func (m *Manager) snapshot() RoundSnapshot {
	r := m.round
	snap := RoundSnapshot{
		RoundID:           r.id,
		Phase:             r.phase,
		IsRunning:         r.phase == PhaseRising,
		CurrentMultiplier: r.multiplier,
		StartTime:         r.startTime,
		RoundTimer:        r.countdown,
		Commitment:        r.commitment,
		ClientSeed:        r.seeds.ClientSeed,
		Players:           append([]string{}, r.players...),
		Bets:              r.bets.views(),
		History:           append([]HistoryEntry{}, m.history...),
	}
	if r.phase != PhaseRising && r.id > 0 {
		cp := r.crashPoint
		snap.CrashPoint = &cp
		snap.ServerSeed = r.seeds.ServerSeed
	}
	return snap
}

func (m *Manager) roundResult(winners []Winner) RoundResult {
	r := m.round
	res := RoundResult{
		RoundID:    r.id,
		CrashPoint: r.crashPoint,
		ServerSeed: r.seeds.ServerSeed,
		ClientSeed: r.seeds.ClientSeed,
		Commitment: r.commitment,
		Nonce:      r.nonce,
		BetCount:   r.bets.Len(),
		Winners:    append([]Winner{}, winners...),
		StartedAt:  r.startTime,
		CrashedAt:  r.crashTime,
	}
	for _, b := range r.bets.Bets() {
		res.TotalWagered += b.Amount
	}
	for _, w := range winners {
		res.TotalPaid += w.WinAmount
	}
	return res
}

func rejectBet(err error) BetResponse {
	return BetResponse{Message: err.Error(), Code: ErrorCode(err), Err: err}
}

func rejectCashout(err error) CashoutResponse {
	return CashoutResponse{Message: err.Error(), Code: ErrorCode(err), Err: err}
}

func wholeSeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}
