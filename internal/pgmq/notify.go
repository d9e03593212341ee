package pgmq

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// Listener holds one dedicated connection on LISTEN pgmq_notify_<queue> and
// coalesces notifications into a buffered wake channel. Duplicate wakes are
// harmless; consumers treat any wake as a hint to run one read cycle.
type Listener struct {
	connStr  string
	channel  string
	wakeCh   chan struct{}
	pingEach time.Duration

	// OnReconnect, when set, is called each time the underlying connection is
	// re-established. Used for reconnect metrics.
	OnReconnect func()
}

// NewListener creates a listener for a queue's notify channel. The connection
// is dedicated and never shared with the pool.
func NewListener(connStr, queue string) (*Listener, error) {
	if !validQueueName.MatchString(queue) {
		return nil, fmt.Errorf("invalid queue name %q", queue)
	}
	return &Listener{
		connStr:  connStr,
		channel:  NotifyChannel(queue),
		wakeCh:   make(chan struct{}, 1), // Buffer of 1 to prevent blocking
		pingEach: 90 * time.Second,
	}, nil
}

// Wake returns the channel that fires when a producer commits a send
func (l *Listener) Wake() <-chan struct{} {
	return l.wakeCh
}

func (l *Listener) notify() {
	select {
	case l.wakeCh <- struct{}{}:
	default:
		// Wake already pending
	}
}

// Run blocks listening for notifications until the context is cancelled.
// If the connection drops, pq.Listener re-establishes it; consumers fall back
// to polling in the meantime.
func (l *Listener) Run(ctx context.Context) {
	listener := pq.NewListener(l.connStr,
		10*time.Second, // Min reconnect interval
		time.Minute,    // Max reconnect interval
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Str("channel", l.channel).Msg("Queue notification listener error")
			}
			if ev == pq.ListenerEventReconnected {
				log.Info().Str("channel", l.channel).Msg("Queue notification listener reconnected")
				if l.OnReconnect != nil {
					l.OnReconnect()
				}
				// A commit may have happened while disconnected
				l.notify()
			}
		})
	defer listener.Close()

	if err := listener.Listen(l.channel); err != nil {
		log.Error().Err(err).Str("channel", l.channel).Msg("Failed to start listening for queue notifications")
		return
	}

	log.Debug().Str("channel", l.channel).Msg("Listening for queue notifications")

	for {
		select {
		case <-ctx.Done():
			return
		case n := <-listener.Notify:
			if n == nil {
				// Connection lost; pq.Listener is reconnecting
				log.Warn().Str("channel", l.channel).Msg("Queue notification connection lost")
				continue
			}
			l.notify()
		case <-time.After(l.pingEach):
			if err := listener.Ping(); err != nil {
				log.Error().Err(err).Str("channel", l.channel).Msg("Queue notification connection lost")
			}
		}
	}
}
