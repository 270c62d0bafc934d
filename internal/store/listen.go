package store

import (
	"context"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
)

// InstanceChangeChannel is the NOTIFY channel fed by the _instances trigger.
const InstanceChangeChannel = "instance_changes"

// Listener delivers PostgreSQL NOTIFY payloads to a callback. It holds a
// dedicated pgx connection outside the database/sql pool because
// WaitForNotification needs exclusive use of the wire.
type Listener struct {
	connString string
	channel    string
	cancel     context.CancelFunc
}

// NewListener creates a listener for the given channel. Returns nil if the
// store's dialect cannot push notifications (SQLite); callers treat a nil
// listener as "poll only".
func (s *Store) NewListener(channel string) *Listener {
	if !s.Dialect.SupportsNotify() {
		return nil
	}
	return &Listener{connString: s.cfg.DSN(), channel: channel}
}

// Start opens the connection and invokes fn with each notification payload.
// Reconnects with a flat backoff on connection loss; notifications sent
// while disconnected are dropped, which is fine because the monitor never
// trusts the channel as its only refresh source.
func (l *Listener) Start(ctx context.Context, fn func(payload string)) {
	ctx, l.cancel = context.WithCancel(ctx)
	go l.run(ctx, fn)
}

func (l *Listener) run(ctx context.Context, fn func(payload string)) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := l.listen(ctx, fn); err != nil && ctx.Err() == nil {
			log.Printf("WARN: listener on %s lost: %v (reconnecting in 5s)", l.channel, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func (l *Listener) listen(ctx context.Context, fn func(payload string)) error {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+l.channel); err != nil {
		return err
	}

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		fn(n.Payload)
	}
}

// Stop terminates the listener loop.
func (l *Listener) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
}
