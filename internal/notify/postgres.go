package notify

import (
	"context"
	"sync"
	"time"

	"github.com/contentforge/tasking/internal/log"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const (
	minReconnectInterval = 10 * time.Second
	maxReconnectInterval = time.Minute
)

// PostgresNotifier rides the store's database: NOTIFY on the sending side,
// a pq.Listener on the receiving side. No extra infrastructure needed.
type PostgresNotifier struct {
	db       *sqlx.DB
	listener *pq.Listener

	mu       sync.Mutex
	listened map[string]bool
}

func NewPostgresNotifier(connStr string) (*PostgresNotifier, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	listener := pq.NewListener(connStr, minReconnectInterval, maxReconnectInterval,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.GetLogger().Warnf("Notification listener event %v: %v", ev, err)
			}
		})
	return &PostgresNotifier{
		db:       db,
		listener: listener,
		listened: make(map[string]bool),
	}, nil
}

func (n *PostgresNotifier) Notify(ctx context.Context, channel string) error {
	_, err := n.db.ExecContext(ctx, `SELECT pg_notify($1, '')`, channel)
	return err
}

func (n *PostgresNotifier) Wait(ctx context.Context, channel string, timeout time.Duration) error {
	if err := n.ensureListening(channel); err != nil {
		return err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case note := <-n.listener.Notify:
			// A reconnect surfaces as a nil notification; treat it as a
			// wakeup so the scheduler rescans.
			if note == nil || note.Channel == channel {
				return nil
			}
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (n *PostgresNotifier) ensureListening(channel string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listened[channel] {
		return nil
	}
	if err := n.listener.Listen(channel); err != nil {
		return err
	}
	n.listened[channel] = true
	return nil
}

func (n *PostgresNotifier) Close() error {
	if err := n.listener.Close(); err != nil {
		n.db.Close()
		return err
	}
	return n.db.Close()
}
