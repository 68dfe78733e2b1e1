package baton

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// notifyBuffer sizes the notifier's event subscription. A slow broker
// sheds events rather than stalling the engine.
const notifyBuffer = 256

// Notifier mirrors execution events onto NATS subjects of the form
// baton.execution.<saga_name>.<kind>, so external systems can react to
// progress without polling the API. Saga names are restricted to
// subject-safe characters at validation time.
type Notifier struct {
	conn   *nats.Conn
	logger *zap.Logger
}

func NewNotifier(url string, logger *zap.Logger) (*Notifier, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := nats.Connect(url, nats.Name("baton-notifier"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	return &Notifier{conn: conn, logger: logger}, nil
}

// Run consumes events until ctx is done or the broadcaster closes.
func (n *Notifier) Run(ctx context.Context, events *Broadcaster) {
	ch, cancel := events.Subscribe(notifyBuffer)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			n.publish(ev)
		}
	}
}

func (n *Notifier) publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		n.logger.Warn("encode event for nats", zap.Error(err))
		return
	}
	subject := fmt.Sprintf("baton.execution.%s.%s", ev.SagaName, ev.Kind)
	if err := n.conn.Publish(subject, data); err != nil {
		n.logger.Warn("publish event to nats",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

// Close drains pending publishes and closes the connection.
func (n *Notifier) Close() {
	if err := n.conn.Drain(); err != nil {
		n.logger.Warn("drain nats connection", zap.Error(err))
	}
}
