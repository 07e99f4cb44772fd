// Package promo manages promotional codes that credit a fixed amount.
package promo

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"crashgame/internal/ledger"
)

var (
	ErrInvalidCode   = errors.New("promo code is invalid")
	ErrDuplicateCode = errors.New("promo code already exists")
	ErrInvalidPromo  = errors.New("promo amount must be positive whole cents and uses positive")
)

type Code struct {
	Code      string    `json:"code"`
	Amount    float64   `json:"amount"`
	UsesLeft  int       `json:"usesLeft"`
	CreatedAt time.Time `json:"createdAt"`
	CreatedBy string    `json:"createdBy"`
}

// Crediter is the ledger operation a redemption performs.
type Crediter interface {
	Credit(id string, amount float64) (float64, error)
}

type Registry struct {
	mu       sync.Mutex
	codes    map[string]*Code
	accounts Crediter
	now      func() time.Time
}

func NewRegistry(accounts Crediter) *Registry {
	return &Registry{
		codes:    make(map[string]*Code),
		accounts: accounts,
		now:      time.Now,
	}
}

func normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Create registers a code. Codes are case-insensitive and stored uppercased;
// an existing code is never overwritten.
func (r *Registry) Create(code string, amount float64, uses int, createdBy string) (Code, error) {
	code = normalize(code)
	if code == "" {
		return Code{}, ErrInvalidCode
	}
	if !(amount > 0) || !ledger.IsCents(amount) || uses <= 0 {
		return Code{}, ErrInvalidPromo
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.codes[code]; ok {
		return Code{}, errors.Wrap(ErrDuplicateCode, code)
	}
	c := &Code{
		Code:      code,
		Amount:    amount,
		UsesLeft:  uses,
		CreatedAt: r.now(),
		CreatedBy: createdBy,
	}
	r.codes[code] = c

	log.WithFields(log.Fields{
		"code":       code,
		"amount":     amount,
		"uses":       uses,
		"created_by": createdBy,
	}).Info("Promo code created")
	return *c, nil
}

// Redeem credits the code's amount to userID and uses it up once; the code
// disappears with its last use. Nothing changes when the credit fails.
func (r *Registry) Redeem(code, userID string) (float64, float64, error) {
	code = normalize(code)

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.codes[code]
	if !ok || c.UsesLeft <= 0 {
		return 0, 0, ErrInvalidCode
	}
	balance, err := r.accounts.Credit(userID, c.Amount)
	if err != nil {
		return 0, 0, err
	}

	c.UsesLeft--
	if c.UsesLeft <= 0 {
		delete(r.codes, code)
	}

	log.WithFields(log.Fields{
		"code":      code,
		"user_id":   userID,
		"amount":    c.Amount,
		"uses_left": c.UsesLeft,
	}).Info("Promo code redeemed")
	return c.Amount, balance, nil
}

func (r *Registry) Get(code string) (Code, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.codes[normalize(code)]
	if !ok {
		return Code{}, false
	}
	return *c, true
}

func (r *Registry) List() []Code {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Code, 0, len(r.codes))
	for _, c := range r.codes {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}
