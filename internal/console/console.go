// Package console is the operator's line-oriented command surface. Commands
// go through the same ledger, promo and withdrawal operations the players use.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"crashgame/internal/game"
	"crashgame/internal/ledger"
	"crashgame/internal/promo"
	"crashgame/internal/withdraw"
)

const helpText = `Available commands:
  promo CODE AMOUNT USES        create a promo code
  balance USER_ID AMOUNT        set a user's balance
  withdraw REQUEST_ID STATUS    resolve a withdrawal (approved|rejected)
  withdrawals                   list pending withdrawals
  users                         list users
  help                          show this help`

var ErrUsage = errors.New("usage")

type Ledger interface {
	Get(id string) (ledger.User, bool)
	SetBalance(id string, balance float64) (float64, error)
	Users() []ledger.User
}

// Notifier pushes targeted events to a user's connections.
type Notifier interface {
	SendToUser(userID string, message interface{})
}

type Console struct {
	ledger      Ledger
	promos      *promo.Registry
	withdrawals *withdraw.Service
	notifier    Notifier
}

func New(l Ledger, promos *promo.Registry, withdrawals *withdraw.Service, notifier Notifier) *Console {
	return &Console{
		ledger:      l,
		promos:      promos,
		withdrawals: withdrawals,
		notifier:    notifier,
	}
}

// Run executes commands read line by line from in until ctx ends or in is
// exhausted. Replies and errors are written to out.
func (c *Console) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return errors.Wrap(err, "console input")
				default:
					return nil
				}
			}
			reply, err := c.Execute(ctx, line)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			if reply != "" {
				fmt.Fprintln(out, reply)
			}
		}
	}
}

// Execute runs a single command line and returns its reply.
func (c *Console) Execute(ctx context.Context, line string) (string, error) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return "", nil
	}

	log.WithField("command", parts[0]).Debug("Console command")

	switch parts[0] {
	case "promo":
		return c.createPromo(parts[1:])
	case "balance":
		return c.setBalance(parts[1:])
	case "withdraw":
		return c.resolveWithdrawal(ctx, parts[1:])
	case "withdrawals":
		return c.listWithdrawals(), nil
	case "users":
		return c.listUsers(), nil
	case "help":
		return helpText, nil
	}
	return "", errors.Errorf("unknown command %q, try help", parts[0])
}

func (c *Console) createPromo(args []string) (string, error) {
	if len(args) < 3 {
		return "", errors.Wrap(ErrUsage, "promo CODE AMOUNT USES")
	}
	amount, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return "", errors.Wrap(err, "amount")
	}
	uses, err := strconv.Atoi(args[2])
	if err != nil {
		return "", errors.Wrap(err, "uses")
	}

	code, err := c.promos.Create(args[0], amount, uses, "console")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Promo code %s created: %.2f x %d", code.Code, code.Amount, code.UsesLeft), nil
}

func (c *Console) setBalance(args []string) (string, error) {
	if len(args) < 2 {
		return "", errors.Wrap(ErrUsage, "balance USER_ID AMOUNT")
	}
	amount, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return "", errors.Wrap(err, "amount")
	}

	balance, err := c.ledger.SetBalance(args[0], amount)
	if err != nil {
		return "", err
	}
	u := c.pushUser(args[0])
	return fmt.Sprintf("Balance of %s set to %.2f", u.Name, balance), nil
}

func (c *Console) resolveWithdrawal(ctx context.Context, args []string) (string, error) {
	if len(args) < 2 {
		return "", errors.Wrap(ErrUsage, "withdraw REQUEST_ID approved|rejected")
	}
	status, err := withdraw.ParseStatus(args[1])
	if err != nil {
		return "", err
	}

	r, err := c.withdrawals.Resolve(ctx, args[0], status)
	if err != nil {
		return "", err
	}
	c.pushUser(r.UserID)
	c.notifier.SendToUser(r.UserID, game.WSMessage{
		Type: game.EventNotification,
		Data: game.Notification{Message: fmt.Sprintf("Withdrawal %s %s", r.ID, r.Status)},
	})
	return fmt.Sprintf("Withdrawal %s %s", r.ID, r.Status), nil
}

func (c *Console) listWithdrawals() string {
	pending := c.withdrawals.Pending()
	var b strings.Builder
	fmt.Fprintf(&b, "Pending withdrawals: %d", len(pending))
	for _, r := range pending {
		fmt.Fprintf(&b, "\n%s: %s (%s) %.2f %s", r.ID, r.UserName, r.UserID, r.Amount, r.Details)
	}
	return b.String()
}

func (c *Console) listUsers() string {
	users := c.ledger.Users()
	var b strings.Builder
	fmt.Fprintf(&b, "Total users: %d", len(users))
	for _, u := range users {
		fmt.Fprintf(&b, "\n%s: %s - %.2f", u.ID, u.Name, u.Balance)
		if u.IsAdmin {
			b.WriteString(" (admin)")
		}
	}
	return b.String()
}

func (c *Console) pushUser(id string) ledger.User {
	u, ok := c.ledger.Get(id)
	if ok {
		c.notifier.SendToUser(id, game.WSMessage{Type: game.EventUserUpdate, Data: u})
	}
	return u
}
