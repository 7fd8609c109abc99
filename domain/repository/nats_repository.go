package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pyama86/mixstatus/domain/entity"
)

type NATSRepository struct {
	conn    *nats.Conn
	subject string
	timeout time.Duration
}

func NewNATSRepository(c NATSConfig) (*NATSRepository, error) {
	conn, err := nats.Connect(c.URL,
		nats.Name("mixstatus"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS disconnected", slog.Any("err", err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS %s: %w", c.URL, err)
	}
	return NewNATSRepositoryWithConn(conn, c.Subject, c.Timeout), nil
}

func NewNATSRepositoryWithConn(conn *nats.Conn, subject string, timeout time.Duration) *NATSRepository {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &NATSRepository{
		conn:    conn,
		subject: subject,
		timeout: timeout,
	}
}

func (r *NATSRepository) Conn() *nats.Conn {
	return r.conn
}

func (r *NATSRepository) Publish(ctx context.Context, n entity.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	if err := r.conn.Publish(r.subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", r.subject, err)
	}
	fctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.conn.FlushWithContext(fctx); err != nil {
		return fmt.Errorf("failed to flush %s: %w", r.subject, err)
	}
	return nil
}

func (r *NATSRepository) Subscribe(_ context.Context, fn func(entity.Notification)) (func(), error) {
	sub, err := r.conn.Subscribe(r.subject, func(m *nats.Msg) {
		var n entity.Notification
		if err := json.Unmarshal(m.Data, &n); err != nil {
			slog.Warn("Failed to decode notification", slog.String("subject", m.Subject), slog.Any("err", err))
			return
		}
		fn(n)
	})
	if err != nil {
		return nil, err
	}
	return func() {
		if err := sub.Unsubscribe(); err != nil {
			slog.Warn("Failed to unsubscribe", slog.Any("err", err))
		}
	}, nil
}

func (r *NATSRepository) Close() {
	if err := r.conn.Drain(); err != nil {
		r.conn.Close()
	}
}
