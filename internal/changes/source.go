package changes

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultChannel is the notification channel the row triggers publish on.
const DefaultChannel = "data_change"

// NotificationSource yields Postgres notifications one at a time.
type NotificationSource interface {
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
}

// PostgresSource holds a pooled connection that is listening on one channel.
type PostgresSource struct {
	conn *pgxpool.Conn
}

// Listen acquires a connection from pool and issues LISTEN on channel.
func Listen(ctx context.Context, pool *pgxpool.Pool, channel string) (*PostgresSource, error) {
	if pool == nil {
		return nil, errors.New("connection pool is required")
	}
	if channel == "" {
		channel = DefaultChannel
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, err
	}
	return &PostgresSource{conn: conn}, nil
}

// WaitForNotification blocks until a notification arrives or ctx ends.
func (s *PostgresSource) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	return s.conn.Conn().WaitForNotification(ctx)
}

// Close returns the connection to the pool.
func (s *PostgresSource) Close() {
	s.conn.Release()
}
