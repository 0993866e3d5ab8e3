// Package bus wraps the NATS publish surface: the routing
// address list and the priority-miners list are published here for external
// consumers.
package bus

import (
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/ethereum/go-ethereum/log"
)

// MessageBus is the narrow publish interface the scheduler and node manager
// depend on.
type MessageBus interface {
	Publish(subject string, payload []byte) error
	Close()
}

// NatsBus implements MessageBus over a real NATS connection.
type NatsBus struct {
	conn *nats.Conn
	log  log.Logger
}

// Dial connects to url (NATS_URL).
func Dial(url string) (*NatsBus, error) {
	conn, err := nats.Connect(url, nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("dial nats %s: %w", url, err)
	}
	return &NatsBus{conn: conn, log: log.New("component", "message-bus")}, nil
}

func (b *NatsBus) Publish(subject string, payload []byte) error {
	if err := b.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	b.log.Debug("published", "subject", subject, "bytes", len(payload))
	return nil
}

func (b *NatsBus) Close() {
	b.conn.Close()
}

var _ MessageBus = (*NatsBus)(nil)

// Recorder is an in-memory MessageBus used by tests: it records every
// publish instead of dialing a broker.
type Recorder struct {
	Published []Published
}

// Published is one recorded publish call.
type Published struct {
	Subject string
	Payload []byte
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Publish(subject string, payload []byte) error {
	r.Published = append(r.Published, Published{Subject: subject, Payload: payload})
	return nil
}

func (r *Recorder) Close() {}

var _ MessageBus = (*Recorder)(nil)
