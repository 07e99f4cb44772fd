// Package ledger is the authoritative record of users, balances and betting
// statistics. Credit and Debit are the only operations that move money.
package ledger

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type Stats struct {
	TotalBets    int     `json:"totalBets"`
	TotalWagered float64 `json:"totalWagered"`
	TotalWins    int     `json:"totalWins"`
	TotalWon     float64 `json:"totalWon"`
}

type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Balance   float64   `json:"balance"`
	IsAdmin   bool      `json:"isAdmin"`
	CreatedAt time.Time `json:"createdAt"`
	Stats     Stats     `json:"stats"`
}

// Store receives a copy of every user after it changes. Implementations must
// not block; they are called while the ledger lock is held so calls arrive in
// mutation order.
type Store interface {
	SaveUser(u User)
}

type Ledger struct {
	mu      sync.RWMutex
	users   map[string]*User
	adminID string
	store   Store
	now     func() time.Time
}

type Option func(*Ledger)

func WithStore(s Store) Option {
	return func(l *Ledger) { l.store = s }
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates an empty ledger. adminID is the identity that becomes an
// administrator when it first registers.
func New(adminID string, opts ...Option) *Ledger {
	l := &Ledger{
		users:   make(map[string]*User),
		adminID: adminID,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load seeds the ledger with previously persisted users. Existing entries are
// replaced.
func (l *Ledger) Load(users []User) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range users {
		u := users[i]
		l.users[u.ID] = &u
	}
	log.WithField("users", len(users)).Info("Ledger loaded")
}

// Register returns the user for id, creating it with a zero balance on first
// contact. The name is refreshed on every call and a truthy isAdmin claim
// promotes the user.
func (l *Ledger) Register(id, name string, isAdmin bool) (User, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	u, ok := l.users[id]
	created := !ok
	if !ok {
		u = &User{
			ID:        id,
			Balance:   0,
			IsAdmin:   id == l.adminID,
			CreatedAt: l.now(),
		}
		l.users[id] = u
		log.WithField("user_id", id).Info("User registered")
	}
	u.Name = name
	if isAdmin {
		u.IsAdmin = true
	}
	l.save(u)
	return *u, created
}

// UpdateProfile changes the display name and, when isAdmin is set, grants the
// administrator role. The role is never revoked here.
func (l *Ledger) UpdateProfile(id, name string, isAdmin bool) (User, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	u, ok := l.users[id]
	if !ok {
		return User{}, ErrUnknownUser
	}
	u.Name = name
	u.IsAdmin = u.IsAdmin || isAdmin
	l.save(u)
	return *u, nil
}

func (l *Ledger) Get(id string) (User, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	u, ok := l.users[id]
	if !ok {
		return User{}, false
	}
	return *u, true
}

func (l *Ledger) Balance(id string) (float64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	u, ok := l.users[id]
	if !ok {
		return 0, ErrUnknownUser
	}
	return u.Balance, nil
}

// Credit adds amount to the user's balance and returns the new balance.
func (l *Ledger) Credit(id string, amount float64) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.credit(id, amount)
}

// Debit removes amount from the user's balance. It fails without changing
// anything when the balance is smaller than amount.
func (l *Ledger) Debit(id string, amount float64) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.debit(id, amount)
}

// SetBalance overrides a balance by crediting or debiting the difference.
func (l *Ledger) SetBalance(id string, balance float64) (float64, error) {
	if !validAmount(balance) || !IsCents(balance) {
		return 0, ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	u, ok := l.users[id]
	if !ok {
		return 0, ErrUnknownUser
	}
	delta := roundCents(balance - u.Balance)
	switch {
	case delta > 0:
		return l.credit(id, delta)
	case delta < 0:
		return l.debit(id, -delta)
	}
	return u.Balance, nil
}

// RecordBet folds one settled bet into the user's cumulative statistics.
func (l *Ledger) RecordBet(id string, wagered, payout float64, won bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	u, ok := l.users[id]
	if !ok {
		return ErrUnknownUser
	}
	u.Stats.TotalBets++
	u.Stats.TotalWagered = roundCents(u.Stats.TotalWagered + wagered)
	if won {
		u.Stats.TotalWins++
		u.Stats.TotalWon = roundCents(u.Stats.TotalWon + payout)
	}
	l.save(u)
	return nil
}

// Lookup returns the known users among ids, in the order given.
func (l *Ledger) Lookup(ids []string) []User {
	l.mu.RLock()
	defer l.mu.RUnlock()

	users := make([]User, 0, len(ids))
	for _, id := range ids {
		if u, ok := l.users[id]; ok {
			users = append(users, *u)
		}
	}
	return users
}

// Users returns every user sorted by id.
func (l *Ledger) Users() []User {
	l.mu.RLock()
	defer l.mu.RUnlock()

	users := make([]User, 0, len(l.users))
	for _, u := range l.users {
		users = append(users, *u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users
}

func (l *Ledger) credit(id string, amount float64) (float64, error) {
	if !validAmount(amount) || !IsCents(amount) {
		return 0, ErrInvalidAmount
	}
	u, ok := l.users[id]
	if !ok {
		return 0, ErrUnknownUser
	}
	u.Balance = roundCents(u.Balance + amount)
	l.save(u)
	return u.Balance, nil
}

func (l *Ledger) debit(id string, amount float64) (float64, error) {
	if !validAmount(amount) || !IsCents(amount) {
		return 0, ErrInvalidAmount
	}
	u, ok := l.users[id]
	if !ok {
		return 0, ErrUnknownUser
	}
	if amount > u.Balance {
		return u.Balance, errors.Wrapf(ErrInsufficientFunds, "have %.2f, need %.2f", u.Balance, amount)
	}
	u.Balance = roundCents(u.Balance - amount)
	l.save(u)
	return u.Balance, nil
}

func (l *Ledger) save(u *User) {
	if l.store != nil {
		l.store.SaveUser(*u)
	}
}

func validAmount(v float64) bool {
	return v >= 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

// IsCents reports whether v is a finite amount with no fraction of a cent.
// Credit and Debit only accept such amounts, so a debit of x removes exactly x.
func IsCents(v float64) bool {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return false
	}
	c := v * 100
	return math.Abs(c-math.Round(c)) < 1e-6
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
