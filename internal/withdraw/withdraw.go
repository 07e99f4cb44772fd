// Package withdraw records withdrawal requests awaiting external payout.
//
// A request holds the requested amount by debiting it immediately. Rejecting
// the request refunds that amount; approving it leaves the balance alone.
package withdraw

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"crashgame/internal/ledger"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusApproved, StatusRejected:
		return Status(s), nil
	}
	return "", errors.Wrap(ErrInvalidStatus, s)
}

var (
	ErrNotFound        = errors.New("withdrawal request not found")
	ErrAlreadyResolved = errors.New("withdrawal request already resolved")
	ErrInvalidStatus   = errors.New("status must be approved or rejected")
	ErrInvalidAmount   = errors.New("withdrawal amount must be positive")
)

type Request struct {
	ID         string     `json:"id"`
	UserID     string     `json:"userId"`
	UserName   string     `json:"userName"`
	Amount     float64    `json:"amount"`
	Details    string     `json:"details"`
	Status     Status     `json:"status"`
	CreatedAt  time.Time  `json:"createdAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// Accounts is the ledger surface a withdrawal moves money through.
type Accounts interface {
	Debit(id string, amount float64) (float64, error)
	Credit(id string, amount float64) (float64, error)
}

type Store interface {
	SaveWithdrawal(ctx context.Context, r Request) error
	LoadWithdrawals(ctx context.Context) ([]Request, error)
}

// Publisher hands new requests to the external payout processor.
type Publisher interface {
	PublishWithdrawal(ctx context.Context, r Request) error
}

type Service struct {
	mu        sync.Mutex
	accounts  Accounts
	store     Store
	publisher Publisher
	requests  map[string]*Request
	now       func() time.Time
}

type Option func(*Service)

func WithStore(s Store) Option {
	return func(svc *Service) { svc.store = s }
}

func WithPublisher(p Publisher) Option {
	return func(svc *Service) { svc.publisher = p }
}

func WithClock(now func() time.Time) Option {
	return func(svc *Service) { svc.now = now }
}

func NewService(accounts Accounts, opts ...Option) *Service {
	svc := &Service{
		accounts: accounts,
		requests: make(map[string]*Request),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Load restores previously persisted requests.
func (s *Service) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	reqs, err := s.store.LoadWithdrawals(ctx)
	if err != nil {
		return errors.Wrap(err, "load withdrawals")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range reqs {
		r := reqs[i]
		s.requests[r.ID] = &r
	}
	log.WithField("count", len(reqs)).Info("Withdrawal requests loaded")
	return nil
}

// Request debits amount from the user and files a pending request for it. The
// returned balance is the user's balance after the hold.
func (s *Service) Request(ctx context.Context, userID, userName string, amount float64, details string) (Request, float64, error) {
	if !(amount > 0) || !ledger.IsCents(amount) {
		return Request{}, 0, ErrInvalidAmount
	}

	s.mu.Lock()
	balance, err := s.accounts.Debit(userID, amount)
	if err != nil {
		s.mu.Unlock()
		return Request{}, 0, err
	}
	r := &Request{
		ID:        s.nextID(),
		UserID:    userID,
		UserName:  userName,
		Amount:    amount,
		Details:   details,
		Status:    StatusPending,
		CreatedAt: s.now(),
	}
	s.requests[r.ID] = r
	saved := *r
	s.mu.Unlock()

	log.WithFields(log.Fields{
		"withdrawal_id": saved.ID,
		"user_id":       userID,
		"amount":        amount,
	}).Info("Withdrawal requested")

	s.persist(ctx, saved)
	if s.publisher != nil {
		if err := s.publisher.PublishWithdrawal(ctx, saved); err != nil {
			log.WithError(err).WithField("withdrawal_id", saved.ID).Error("Failed to publish withdrawal")
		}
	}
	return saved, balance, nil
}

// Resolve moves a pending request to approved or rejected. Rejection refunds
// the held amount.
func (s *Service) Resolve(ctx context.Context, id string, status Status) (Request, error) {
	if status != StatusApproved && status != StatusRejected {
		return Request{}, ErrInvalidStatus
	}

	s.mu.Lock()
	r, ok := s.requests[id]
	if !ok {
		s.mu.Unlock()
		return Request{}, errors.Wrap(ErrNotFound, id)
	}
	if r.Status != StatusPending {
		s.mu.Unlock()
		return Request{}, errors.Wrapf(ErrAlreadyResolved, "%s is %s", id, r.Status)
	}
	if status == StatusRejected {
		if _, err := s.accounts.Credit(r.UserID, r.Amount); err != nil {
			s.mu.Unlock()
			return Request{}, errors.Wrap(err, "refund withdrawal")
		}
	}
	now := s.now()
	r.Status = status
	r.ResolvedAt = &now
	saved := *r
	s.mu.Unlock()

	log.WithFields(log.Fields{
		"withdrawal_id": id,
		"user_id":       saved.UserID,
		"status":        status,
	}).Info("Withdrawal resolved")

	s.persist(ctx, saved)
	return saved, nil
}

func (s *Service) Get(id string) (Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return Request{}, false
	}
	return *r, true
}

// List returns every request, oldest first.
func (s *Service) List() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Request, 0, len(s.requests))
	for _, r := range s.requests {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Service) Pending() []Request {
	var out []Request
	for _, r := range s.List() {
		if r.Status == StatusPending {
			out = append(out, r)
		}
	}
	return out
}

func (s *Service) persist(ctx context.Context, r Request) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveWithdrawal(ctx, r); err != nil {
		log.WithError(err).WithField("withdrawal_id", r.ID).Error("Failed to save withdrawal")
	}
}

// nextID returns "W" plus the creation time in milliseconds, bumped past any
// id already taken. Callers hold s.mu.
func (s *Service) nextID() string {
	ms := s.now().UnixMilli()
	for {
		id := fmt.Sprintf("W%d", ms)
		if _, taken := s.requests[id]; !taken {
			return id
		}
		ms++
	}
}
