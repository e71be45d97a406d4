package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/kdlbs/orchestra/internal/common/logger"
)

// NATSBus implements Bus over a NATS connection, for deployments that
// want events fanned out to subscribers outside this process (e.g. a
// separate notification service watching task.* subjects). The event's
// Type field doubles as the NATS subject.
type NATSBus struct {
	conn   *nats.Conn
	logger *logger.Logger
}

// NewNATSBus connects to url and returns a Bus backed by that connection.
func NewNATSBus(url, clientID string, log *logger.Logger) (*NATSBus, error) {
	opts := []nats.Option{
		nats.Name(clientID),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(5 * 1024 * 1024),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Error("nats error", zap.Error(err), zap.String("subject", subject))
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	log.Info("connected to nats", zap.String("url", url))
	return &NATSBus{conn: conn, logger: log}, nil
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() {
	_ = s.sub.Unsubscribe()
}

func (b *NATSBus) Publish(_ context.Context, e *Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.conn.Publish(e.Type, data); err != nil {
		return fmt.Errorf("publish to %s: %w", e.Type, err)
	}
	return nil
}

func (b *NATSBus) Subscribe(pattern string, handler Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(natsSubject(pattern), b.msgHandler(handler))
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", pattern, err)
	}
	return &natsSubscription{sub: sub}, nil
}

func (b *NATSBus) QueueSubscribe(pattern, queue string, handler Handler) (Subscription, error) {
	sub, err := b.conn.QueueSubscribe(natsSubject(pattern), queue, b.msgHandler(handler))
	if err != nil {
		return nil, fmt.Errorf("queue subscribe to %s: %w", pattern, err)
	}
	return &natsSubscription{sub: sub}, nil
}

func (b *NATSBus) msgHandler(handler Handler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var e Event
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			b.logger.Error("failed to unmarshal event", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		handler(context.Background(), &e)
	}
}

func (b *NATSBus) Request(_ context.Context, e *Event, timeout time.Duration) (*Event, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal request event: %w", err)
	}
	msg, err := b.conn.Request(e.Type, data, timeout)
	if err != nil {
		return nil, fmt.Errorf("request to %s: %w", e.Type, err)
	}
	var reply Event
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("unmarshal reply: %w", err)
	}
	return &reply, nil
}

func (b *NATSBus) Close() error {
	if b.conn == nil {
		return nil
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return fmt.Errorf("drain nats connection: %w", err)
	}
	return nil
}

func (b *NATSBus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

// natsSubject translates our "."-token wildcard pattern (identical
// syntax to NATS's own) straight through; kept as a named function so a
// future divergence in pattern syntax has one place to adapt.
func natsSubject(pattern string) string {
	return pattern
}
