package process

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"

	"github.com/meridian-au/commandbus/internal/db"
	"github.com/meridian-au/commandbus/internal/observability"
	"github.com/meridian-au/commandbus/internal/pgmq"
)

// RouterConfig tunes the reply router's read loop
type RouterConfig struct {
	VisibilityTimeout time.Duration
	StatementTimeout  time.Duration
	BatchSize         int
	PollInterval      time.Duration
	UseNotify         bool
}

// DefaultRouterConfig returns the router defaults. Replies are short DB-only
// transactions so the visibility window is small.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		VisibilityTimeout: 30 * time.Second,
		StatementTimeout:  25 * time.Second,
		BatchSize:         20,
		PollInterval:      5 * time.Second,
		UseNotify:         true,
	}
}

// Validate enforces the timeout hierarchy: a reply transaction must be forced
// to finish before its message becomes visible again.
func (c *RouterConfig) Validate() error {
	if c.VisibilityTimeout <= 0 {
		return fmt.Errorf("visibility timeout must be positive")
	}
	if c.StatementTimeout >= c.VisibilityTimeout {
		return fmt.Errorf("statement timeout (%s) must be below visibility timeout (%s)",
			c.StatementTimeout, c.VisibilityTimeout)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	return nil
}

// Router consumes one domain's reply queue and advances the sagas waiting on
// those replies. Each reply is handled in a single transaction that mutates
// the process, sends any follow-up commands and deletes the reply message.
type Router struct {
	db    *db.DB
	queue *pgmq.Queue
	store *Store
	orch  *Orchestrator
	cfg   RouterConfig

	metrics *observability.Metrics

	stopCh   chan struct{}
	stopping atomic.Bool
	wg       sync.WaitGroup
	wakeCh   <-chan struct{}
}

// NewRouter creates a reply router over an orchestrator's reply queue
func NewRouter(database *db.DB, orch *Orchestrator, cfg RouterConfig) (*Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid router config: %w", err)
	}
	return &Router{
		db:     database,
		queue:  pgmq.NewQueue(database.GetDB()),
		store:  NewStore(database.GetDB()),
		orch:   orch,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}, nil
}

// SetMetrics attaches prometheus instruments to the router
func (r *Router) SetMetrics(m *observability.Metrics) {
	r.metrics = m
}

// Start launches the router loop and the LISTEN fast path
func (r *Router) Start(ctx context.Context) error {
	if err := r.queue.CreateQueue(ctx, nil, r.orch.ReplyQueue()); err != nil {
		return err
	}

	if r.cfg.UseNotify {
		listener, err := pgmq.NewListener(r.db.GetConfig().ConnectionString(), r.orch.ReplyQueue())
		if err != nil {
			return err
		}
		if r.metrics != nil {
			listener.OnReconnect = r.metrics.ListenerReconnects.Inc
		}
		r.wakeCh = listener.Wake()
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			listener.Run(ctx)
		}()
	}

	r.wg.Add(1)
	go r.loop(ctx)

	log.Info().
		Str("domain", r.orch.Domain()).
		Str("reply_queue", r.orch.ReplyQueue()).
		Bool("use_notify", r.cfg.UseNotify).
		Msg("Reply router started")

	return nil
}

// Stop ceases reads. Unprocessed replies redeliver after VT expiry.
func (r *Router) Stop() {
	r.stopping.Store(true)
	close(r.stopCh)
	log.Info().Str("domain", r.orch.Domain()).Msg("Reply router stopped")
}

func (r *Router) loop(ctx context.Context) {
	defer r.wg.Done()

	timer := time.NewTimer(0) // Immediate first read
	defer timer.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-r.wake():
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		read := r.readCycle(ctx)

		if read >= r.cfg.BatchSize {
			timer.Reset(0)
		} else {
			timer.Reset(r.cfg.PollInterval)
		}
	}
}

func (r *Router) wake() <-chan struct{} {
	if r.wakeCh != nil {
		return r.wakeCh
	}
	return nil
}

// readCycle claims one batch of replies and routes them in order. Replies are
// short transactions, so the router handles them sequentially rather than
// fanning out.
func (r *Router) readCycle(ctx context.Context) int {
	msgs, err := r.queue.Read(ctx, nil, r.orch.ReplyQueue(), int(r.cfg.VisibilityTimeout.Seconds()), r.cfg.BatchSize)
	if err != nil {
		if !r.stopping.Load() {
			log.Error().Err(err).Str("domain", r.orch.Domain()).Msg("Failed to read reply batch")
			sentry.CaptureException(err)
		}
		return 0
	}

	for _, msg := range msgs {
		select {
		case <-r.stopCh:
			return len(msgs)
		default:
		}
		r.routeReply(ctx, msg)
	}
	return len(msgs)
}

// routeReply handles one reply message: resolve the process, dispatch to its
// manager, delete the message, all in one transaction. Routing failures leave
// the message to VT expiry for redelivery.
func (r *Router) routeReply(ctx context.Context, msg pgmq.Message) {
	replyQueue := r.orch.ReplyQueue()

	reply, err := pgmq.DecodeReply(msg.Payload)
	if err != nil {
		// Undecodable reply: archive so it cannot loop forever
		log.Error().Err(err).Int64("msg_id", msg.MsgID).Str("queue", replyQueue).Msg("Archiving undecodable reply")
		if _, archErr := r.queue.Archive(ctx, nil, replyQueue, msg.MsgID); archErr != nil {
			log.Error().Err(archErr).Int64("msg_id", msg.MsgID).Msg("Failed to archive undecodable reply")
		}
		return
	}

	outcome := string(reply.Outcome)
	err = r.db.ExecuteWithStatementTimeout(ctx, r.cfg.StatementTimeout, func(tx *sql.Tx) error {
		if reply.CorrelationID == "" {
			log.Warn().Int64("msg_id", msg.MsgID).Str("command_id", reply.CommandID).Msg("Reply without correlation id; dropping")
			_, err := r.queue.Delete(ctx, tx, replyQueue, msg.MsgID)
			return err
		}

		proc, err := r.store.Get(ctx, tx, r.orch.Domain(), reply.CorrelationID)
		if errors.Is(err, ErrProcessNotFound) {
			log.Warn().
				Str("correlation_id", reply.CorrelationID).
				Str("command_id", reply.CommandID).
				Msg("Reply for unknown process; dropping")
			_, err := r.queue.Delete(ctx, tx, replyQueue, msg.MsgID)
			return err
		}
		if err != nil {
			return err
		}

		m, ok := r.orch.manager(proc.ProcessType)
		if !ok {
			log.Warn().
				Str("process_id", proc.ProcessID).
				Str("process_type", proc.ProcessType).
				Msg("Reply for unregistered process type; dropping")
			_, err := r.queue.Delete(ctx, tx, replyQueue, msg.MsgID)
			return err
		}

		if proc.Status.IsTerminal() {
			// Late redelivery after the saga already resolved
			log.Debug().
				Str("process_id", proc.ProcessID).
				Str("status", string(proc.Status)).
				Msg("Reply for terminal process; dropping")
			_, err := r.queue.Delete(ctx, tx, replyQueue, msg.MsgID)
			return err
		}

		switch reply.Outcome {
		case pgmq.OutcomeSuccess:
			if err := r.advance(ctx, tx, m, proc, reply); err != nil {
				return err
			}
		case pgmq.OutcomeFailed:
			if err := r.compensate(ctx, tx, m, proc, reply, StatusCanceled); err != nil {
				return err
			}
		case pgmq.OutcomeCanceled:
			if err := r.compensate(ctx, tx, m, proc, reply, StatusCompensated); err != nil {
				return err
			}
		}

		_, err = r.queue.Delete(ctx, tx, replyQueue, msg.MsgID)
		return err
	})
	if err != nil {
		if db.IsStatementTimeout(err) || db.IsRetryableError(err) {
			log.Warn().Err(err).Int64("msg_id", msg.MsgID).Msg("Reply routing hit recoverable error; message will redeliver after VT")
			return
		}
		log.Error().Err(err).Int64("msg_id", msg.MsgID).Msg("Failed to route reply")
		sentry.CaptureException(err)
		return
	}

	if r.metrics != nil {
		r.metrics.RepliesRouted.WithLabelValues(r.orch.Domain(), outcome).Inc()
	}
}

// advance folds a SUCCESS reply into the saga: update state, record the reply
// on the step's audit entry, then either send the next step or complete.
func (r *Router) advance(ctx context.Context, tx *sql.Tx, m Manager, proc *Metadata, reply *pgmq.Reply) error {
	state, err := m.UpdateState(proc.State, proc.CurrentStep, reply)
	if err != nil {
		return fmt.Errorf("failed to update state of process %s: %w", proc.ProcessID, err)
	}
	if err := r.store.RecordReply(ctx, tx, proc.Domain, proc.ProcessID, reply.CommandID, string(pgmq.OutcomeSuccess), reply.Payload()); err != nil {
		return err
	}

	next, err := m.NextStep(proc.CurrentStep, reply, state)
	if err != nil {
		return fmt.Errorf("failed to pick next step of process %s: %w", proc.ProcessID, err)
	}

	if next == NoStep {
		if err := r.store.Finish(ctx, tx, proc.Domain, proc.ProcessID, StatusCompleted, state, "", ""); err != nil {
			return err
		}
		log.Info().
			Str("domain", proc.Domain).
			Str("process_id", proc.ProcessID).
			Msg("Process completed")
		return nil
	}

	if _, err := r.orch.sendStep(ctx, tx, m, proc.ProcessID, next, state, true); err != nil {
		return err
	}
	if err := r.store.Advance(ctx, tx, proc.Domain, proc.ProcessID, StatusWaitingForReply, next, state); err != nil {
		return err
	}

	log.Debug().
		Str("domain", proc.Domain).
		Str("process_id", proc.ProcessID).
		Str("step", string(next)).
		Msg("Process advanced")
	return nil
}

// compensate unwinds the saga after a FAILED or CANCELED reply: for every
// completed step with a compensation step, in reverse order, send the inverse
// command fire-and-forget, then finish with the given terminal status.
func (r *Router) compensate(ctx context.Context, tx *sql.Tx, m Manager, proc *Metadata, reply *pgmq.Reply, final Status) error {
	if err := r.store.RecordReply(ctx, tx, proc.Domain, proc.ProcessID, reply.CommandID, string(reply.Outcome), reply.Payload()); err != nil {
		return err
	}

	completed, err := r.store.CompletedSteps(ctx, tx, proc.Domain, proc.ProcessID)
	if err != nil {
		return err
	}

	var sent int
	for i := len(completed) - 1; i >= 0; i-- {
		comp := m.CompensationStep(completed[i])
		if comp == NoStep {
			continue
		}
		if _, err := r.orch.sendStep(ctx, tx, m, proc.ProcessID, comp, proc.State, false); err != nil {
			return err
		}
		sent++
	}

	if err := r.store.Finish(ctx, tx, proc.Domain, proc.ProcessID, final, proc.State, reply.ErrorCode, reply.ErrorMessage); err != nil {
		return err
	}

	log.Info().
		Str("domain", proc.Domain).
		Str("process_id", proc.ProcessID).
		Str("failed_step", string(proc.CurrentStep)).
		Str("outcome", string(reply.Outcome)).
		Str("error_code", reply.ErrorCode).
		Int("compensation_commands", sent).
		Str("final_status", string(final)).
		Msg("Process compensated")
	return nil
}
