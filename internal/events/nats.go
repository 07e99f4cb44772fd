// Package events publishes game and withdrawal events to NATS for services
// outside the game process, such as the payout processor.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"crashgame/internal/game"
	"crashgame/internal/withdraw"
)

const (
	SubjectRoundStarted        = "crash.round.started"
	SubjectRoundSettled        = "crash.round.settled"
	SubjectWithdrawalRequested = "crash.withdrawal.requested"
)

// Envelope wraps every published payload.
type Envelope struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurredAt"`
	Payload    json.RawMessage `json:"payload"`
}

// Conn is the part of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
	Close()
}

type Publisher struct {
	conn Conn
	now  func() time.Time
}

func NewPublisher(conn Conn) *Publisher {
	return &Publisher{conn: conn, now: time.Now}
}

// Connect dials the NATS servers in url with reconnect handling.
func Connect(url string) (*Publisher, error) {
	opts := []nats.Option{
		nats.Name("crash-game"),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Error("NATS disconnected with error")
			} else {
				log.Warn("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected")
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to NATS")
	}
	log.WithField("servers", url).Info("Connected to NATS")
	return NewPublisher(nc), nil
}

func (p *Publisher) Publish(subject string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal payload")
	}
	env, err := json.Marshal(Envelope{
		ID:         uuid.NewString(),
		Type:       subject,
		OccurredAt: p.now().UTC(),
		Payload:    data,
	})
	if err != nil {
		return errors.Wrap(err, "marshal envelope")
	}
	if err := p.conn.Publish(subject, env); err != nil {
		return errors.Wrapf(err, "publish %s", subject)
	}
	return nil
}

func (p *Publisher) RoundStarted(snap game.RoundSnapshot) {
	p.publishLogged(SubjectRoundStarted, struct {
		RoundID    int64     `json:"roundId"`
		Commitment string    `json:"commitment"`
		ClientSeed string    `json:"clientSeed"`
		StartTime  time.Time `json:"startTime"`
	}{snap.RoundID, snap.Commitment, snap.ClientSeed, snap.StartTime})
}

func (p *Publisher) RoundSettled(result game.RoundResult) {
	p.publishLogged(SubjectRoundSettled, result)
}

func (p *Publisher) PublishWithdrawal(_ context.Context, r withdraw.Request) error {
	return p.Publish(SubjectWithdrawalRequested, r)
}

func (p *Publisher) Close() {
	p.conn.Close()
}

func (p *Publisher) publishLogged(subject string, payload interface{}) {
	if err := p.Publish(subject, payload); err != nil {
		log.WithError(err).WithField("subject", subject).Error("Failed to publish event")
	}
}
