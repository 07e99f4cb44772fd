package game

import (
	"math"
	"time"

	log "github.com/sirupsen/logrus"
)

type Bet struct {
	ID          string
	UserID      string
	UserName    string
	Amount      float64
	AutoCashout float64
	PlacedAt    time.Time

	cashout *float64
}

func (b *Bet) CashedOut() bool {
	return b.cashout != nil
}

// CashoutMultiplier returns the fixed cashout multiplier, if any.
func (b *Bet) CashoutMultiplier() (float64, bool) {
	if b.cashout == nil {
		return 0, false
	}
	return *b.cashout, true
}

func (b *Bet) view() BetView {
	v := BetView{
		BetID:    b.ID,
		UserID:   b.UserID,
		UserName: b.UserName,
		Amount:   b.Amount,
		PlacedAt: b.PlacedAt,
	}
	if b.cashout != nil {
		m := *b.cashout
		v.CashoutMultiplier = &m
	}
	return v
}

// Accounts is the slice of the ledger that settlement needs.
type Accounts interface {
	Credit(id string, amount float64) (float64, error)
	RecordBet(id string, wagered, payout float64, won bool) error
}

// BetBook holds the bets of a single round.
type BetBook struct {
	bets    []*Bet
	open    map[string]*Bet
	settled bool
}

func NewBetBook() *BetBook {
	return &BetBook{open: make(map[string]*Bet)}
}

func (bb *BetBook) Len() int {
	return len(bb.bets)
}

func (bb *BetBook) Bets() []*Bet {
	return bb.bets
}

// OpenBet returns the user's un-cashed bet.
func (bb *BetBook) OpenBet(userID string) (*Bet, bool) {
	b, ok := bb.open[userID]
	return b, ok
}

// Place records a bet. The caller debits the stake beforehand; Place only
// fails on checks the caller is expected to have made, so a successful debit
// is always followed by a recorded bet.
func (bb *BetBook) Place(bet *Bet) error {
	if bb.settled {
		return ErrAlreadySettled
	}
	if _, ok := bb.open[bet.UserID]; ok {
		return ErrDuplicateOpenBet
	}
	bb.bets = append(bb.bets, bet)
	bb.open[bet.UserID] = bet
	return nil
}

// Cashout fixes the multiplier on the user's open bet. A bet can be cashed
// out once.
func (bb *BetBook) Cashout(userID string, multiplier float64) (*Bet, error) {
	if bb.settled {
		return nil, ErrAlreadySettled
	}
	b, ok := bb.open[userID]
	if !ok {
		return nil, ErrNoOpenBet
	}
	if b.cashout != nil {
		return nil, ErrAlreadyCashedOut
	}
	m := multiplier
	b.cashout = &m
	delete(bb.open, userID)
	return b, nil
}

// Settle resolves every bet against the final multiplier. A bet wins when its
// cashout multiplier is at most final; the payout is amount x cashout
// multiplier. Settle runs once per book.
func (bb *BetBook) Settle(final float64, accounts Accounts) ([]Winner, error) {
	if bb.settled {
		return nil, ErrAlreadySettled
	}
	bb.settled = true

	winners := make([]Winner, 0)
	for _, b := range bb.bets {
		m, cashed := b.CashoutMultiplier()
		if cashed && m <= final {
			payout := math.Round(b.Amount*m*100) / 100
			if _, err := accounts.Credit(b.UserID, payout); err != nil {
				log.WithError(err).WithFields(log.Fields{
					"user_id": b.UserID,
					"bet_id":  b.ID,
					"payout":  payout,
				}).Error("Failed to credit payout")
				// the stake is still gone, so the bet counts as a loss
				if err := accounts.RecordBet(b.UserID, b.Amount, 0, false); err != nil {
					log.WithError(err).WithField("user_id", b.UserID).Warn("Failed to record loss")
				}
				continue
			}
			winners = append(winners, Winner{
				UserID:     b.UserID,
				UserName:   b.UserName,
				BetAmount:  b.Amount,
				Multiplier: m,
				WinAmount:  payout,
			})
			if err := accounts.RecordBet(b.UserID, b.Amount, payout, true); err != nil {
				log.WithError(err).WithField("user_id", b.UserID).Warn("Failed to record win")
			}
			continue
		}

		if err := accounts.RecordBet(b.UserID, b.Amount, 0, false); err != nil {
			log.WithError(err).WithField("user_id", b.UserID).Warn("Failed to record loss")
		}
	}
	bb.open = make(map[string]*Bet)
	return winners, nil
}

func (bb *BetBook) views() []BetView {
	views := make([]BetView, 0, len(bb.bets))
	for _, b := range bb.bets {
		views = append(views, b.view())
	}
	return views
}
