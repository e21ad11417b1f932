package bridge

import (
	"context"
	"errors"
)

// ErrNoResponders is returned by Request when nothing is subscribed to the subject.
var ErrNoResponders = errors.New("no responders")

// Broker is the pub/sub transport shared by every process of the deployment.
// Subjects are dot separated; a trailing "*" token matches one room id.
type Broker interface {
	Publish(ctx context.Context, subject string, data []byte) error
	// Request publishes data and waits for a single reply.
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
	Subscribe(subject string, handler Handler) (Subscription, error)
	Close() error
}

// Handler processes one inbound message. It runs on the broker's delivery goroutine.
type Handler func(msg *Message)

// Subscription is an active Subscribe.
type Subscription interface {
	Unsubscribe() error
}

// Message is a delivered broker message.
type Message struct {
	Subject string
	Data    []byte
	respond func([]byte) error
}

// NewMessage builds a message; respond may be nil for plain publishes.
func NewMessage(subject string, data []byte, respond func([]byte) error) *Message {
	return &Message{Subject: subject, Data: data, respond: respond}
}

// CanRespond reports whether the sender is waiting for a reply.
func (m *Message) CanRespond() bool {
	return m.respond != nil
}

// Respond answers a Request. It is a no-op for plain publishes.
func (m *Message) Respond(data []byte) error {
	if m.respond == nil {
		return nil
	}
	return m.respond(data)
}
