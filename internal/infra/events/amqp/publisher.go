// Package amqp publishes lifecycle events to a RabbitMQ topic exchange. The
// publisher is an audit recorder: every successful state-changing service
// operation becomes one persistent message.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"labflow/internal/core"
	"labflow/pkg/domain"
)

// DefaultExchange is used when no exchange name is configured.
const DefaultExchange = "labflow.lifecycle"

const routingPrefix = "test_request."

// Operations that change a request and are therefore published.
var published = map[string]struct{}{
	"create_request":    {},
	"transition_status": {},
	"delete_request":    {},
	"assign_request":    {},
	"reassign_request":  {},
	"store_report":      {},
	"supersede_report":  {},
}

// Channel is the subset of *amqp.Channel the publisher needs.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Event is the message body.
type Event struct {
	ID         string        `json:"id"`
	Type       string        `json:"type"`
	RequestID  string        `json:"requestId"`
	Actor      string        `json:"actor,omitempty"`
	Role       domain.Role   `json:"role,omitempty"`
	CenterID   string        `json:"centerId,omitempty"`
	From       domain.Status `json:"from,omitempty"`
	To         domain.Status `json:"to,omitempty"`
	Version    int64         `json:"version,omitempty"`
	OccurredAt time.Time     `json:"occurredAt"`
}

// Publisher implements core.AuditRecorder on top of an AMQP channel.
type Publisher struct {
	ch       Channel
	exchange string
	logger   core.Logger
	confirms <-chan amqp.Confirmation
	timeout  time.Duration
	mu       sync.Mutex
	newID    func() string
}

var _ core.AuditRecorder = (*Publisher)(nil)

// Option configures a Publisher.
type Option func(*Publisher)

// WithLogger reports publish failures; they never fail the operation.
func WithLogger(l core.Logger) Option {
	return func(p *Publisher) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithConfirms waits for a broker ack on every publish.
func WithConfirms(c <-chan amqp.Confirmation) Option {
	return func(p *Publisher) { p.confirms = c }
}

// WithTimeout bounds a single publish, confirm included.
func WithTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// NewPublisher publishes to exchange over ch.
func NewPublisher(ch Channel, exchange string, opts ...Option) *Publisher {
	if exchange == "" {
		exchange = DefaultExchange
	}
	p := &Publisher{
		ch:       ch,
		exchange: exchange,
		logger:   nopLogger{},
		timeout:  5 * time.Second,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Record implements core.AuditRecorder. Failed operations and reads are
// skipped.
func (p *Publisher) Record(ctx context.Context, entry core.AuditEntry) {
	if entry.Status != core.AuditStatusSuccess {
		return
	}
	if _, ok := published[entry.Operation]; !ok {
		return
	}
	if err := p.Publish(context.WithoutCancel(ctx), EventFromAudit(entry, p.newID())); err != nil {
		p.logger.Error("publish lifecycle event failed", "operation", entry.Operation, "entity_id", entry.EntityID, "error", err)
	}
}

// Publish sends ev as a persistent JSON message routed by its type.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.ID,
		Type:         ev.Type,
		Timestamp:    ev.OccurredAt,
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.PublishWithContext(ctx, p.exchange, routingPrefix+ev.Type, false, false, msg); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	if p.confirms == nil {
		return nil
	}
	select {
	case c, ok := <-p.confirms:
		if !ok {
			return errors.New("confirm channel closed")
		}
		if !c.Ack {
			return fmt.Errorf("publish %s: broker nacked delivery %d", ev.Type, c.DeliveryTag)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish %s: %w", ev.Type, ctx.Err())
	}
}

// EventFromAudit converts an audit entry into an event.
func EventFromAudit(entry core.AuditEntry, id string) Event {
	return Event{
		ID:         id,
		Type:       entry.Operation,
		RequestID:  entry.EntityID,
		Actor:      entry.Actor,
		Role:       entry.Role,
		CenterID:   entry.CenterID,
		From:       entry.From,
		To:         entry.To,
		Version:    entry.Version,
		OccurredAt: entry.At,
	}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
