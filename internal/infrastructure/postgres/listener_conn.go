package postgres

import (
	"context"
	"fmt"

	"github.com/lib/pq"
)

// PQDialer opens listener connections with pq.NewListenerConn.
type PQDialer struct {
	DSN        string
	BufferSize int
}

func (d *PQDialer) Dial(ctx context.Context) (Conn, error) {
	notifications := make(chan *pq.Notification, d.BufferSize)

	type result struct {
		conn *pq.ListenerConn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := pq.NewListenerConn(d.DSN, notifications)
		ch <- result{conn: conn, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return &pqConn{conn: r.conn, notifications: notifications}, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

type pqConn struct {
	conn          *pq.ListenerConn
	notifications chan *pq.Notification
}

// Listen quotes channel with pq.QuoteIdentifier.
func (c *pqConn) Listen(channel string) error {
	_, err := c.conn.Listen(channel)
	return err
}

func (c *pqConn) Unlisten(channel string) error {
	_, err := c.conn.Unlisten(channel)
	return err
}

func (c *pqConn) UnlistenAll() error {
	_, err := c.conn.UnlistenAll()
	return err
}

func (c *pqConn) Notifications() <-chan *pq.Notification {
	return c.notifications
}

func (c *pqConn) Close() error {
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("close listener connection: %w", err)
	}
	return nil
}
