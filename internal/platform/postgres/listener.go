package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// Listener turns NOTIFY messages on a channel into wake-up signals. Bursts
// of notifications collapse into a single pending signal.
type Listener struct {
	pq     *pq.Listener
	wake   chan struct{}
	logger *slog.Logger
}

// NewListener connects a LISTEN session for channel.
func NewListener(dsn, channel string, logger *slog.Logger) (*Listener, error) {
	log := logger.With("component", "task_listener", "channel", channel)

	report := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warn("listener connection event", "event", int(ev), "error", err)
		}
	}

	l := pq.NewListener(dsn, 10*time.Second, time.Minute, report)
	if err := l.Listen(channel); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", channel, err)
	}

	return &Listener{
		pq:     l,
		wake:   make(chan struct{}, 1),
		logger: log,
	}, nil
}

// C delivers a value after one or more notifications.
func (l *Listener) C() <-chan struct{} {
	return l.wake
}

// Run forwards notifications until ctx is done. A nil notification marks a
// reconnect, after which inserts may have been missed, so it also wakes.
func (l *Listener) Run(ctx context.Context) {
	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case n := <-l.pq.Notify:
			if n != nil {
				l.logger.Debug("task insert notification", "task_id", n.Extra)
			}
			l.signal()
		case <-ping.C:
			if err := l.pq.Ping(); err != nil {
				l.logger.Warn("listener ping failed", "error", err)
			}
		}
	}
}

func (l *Listener) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Close ends the LISTEN session.
func (l *Listener) Close() error {
	return l.pq.Close()
}
