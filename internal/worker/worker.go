package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/meridian-au/commandbus/internal/command"
	"github.com/meridian-au/commandbus/internal/db"
	"github.com/meridian-au/commandbus/internal/notifications"
	"github.com/meridian-au/commandbus/internal/observability"
	"github.com/meridian-au/commandbus/internal/pgmq"
)

// Worker owns one domain's command queue: it reads batches, dispatches to
// registered handlers under a bounded concurrency budget, and finalizes each
// command with exactly one terminal outcome. The claim and finalize
// transactions bracket the handler so no connection is held across dispatch.
type Worker struct {
	db        *db.DB
	queue     *pgmq.Queue
	repo      *command.Repository
	audit     *command.AuditLogger
	registry  *Registry
	cfg       Config
	queueName string

	metrics *observability.Metrics
	alerts  *notifications.Service

	sem        *semaphore.Weighted
	limiter    *rate.Limiter
	running    *dispatchTracker
	stopCh     chan struct{}
	stopping   atomic.Bool
	wg         sync.WaitGroup
	dispatches sync.WaitGroup
	wakeCh     <-chan struct{}
}

// New creates a worker for the configured domain. Fails when the timeout
// hierarchy is violated.
func New(database *db.DB, registry *Registry, cfg Config) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid worker config: %w", err)
	}
	if registry == nil {
		return nil, fmt.Errorf("handler registry is required")
	}

	return &Worker{
		db:        database,
		queue:     pgmq.NewQueue(database.GetDB()),
		repo:      command.NewRepository(database.GetDB()),
		audit:     command.NewAuditLogger(database.GetDB()),
		registry:  registry,
		cfg:       cfg,
		queueName: pgmq.CommandQueueName(cfg.Domain),
		sem:       semaphore.NewWeighted(int64(cfg.Concurrency)),
		limiter:   rate.NewLimiter(rate.Every(50*time.Millisecond), 1),
		running:   newDispatchTracker(),
		stopCh:    make(chan struct{}),
	}, nil
}

// SetMetrics attaches prometheus instruments to the worker
func (w *Worker) SetMetrics(m *observability.Metrics) {
	w.metrics = m
}

// SetAlerts attaches the troubleshooting-queue alert service
func (w *Worker) SetAlerts(s *notifications.Service) {
	w.alerts = s
}

// Start launches the worker loop, the LISTEN fast path and the watchdog.
// Returns once background goroutines are running.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.queue.CreateQueue(ctx, nil, w.queueName); err != nil {
		return err
	}

	if w.cfg.UseNotify {
		listener, err := pgmq.NewListener(w.db.GetConfig().ConnectionString(), w.queueName)
		if err != nil {
			return err
		}
		if w.metrics != nil {
			listener.OnReconnect = w.metrics.ListenerReconnects.Inc
		}
		w.wakeCh = listener.Wake()
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			listener.Run(ctx)
		}()
	}

	w.wg.Add(1)
	go w.watchdog(ctx)

	w.wg.Add(1)
	go w.loop(ctx)

	log.Info().
		Str("domain", w.cfg.Domain).
		Int("concurrency", w.cfg.Concurrency).
		Int("batch_size", w.cfg.BatchSize).
		Bool("use_notify", w.cfg.UseNotify).
		Msg("Worker started")

	return nil
}

// Stop ceases reads and waits for outstanding dispatches up to the graceful
// deadline. Messages whose tasks did not finish stay invisible until VT
// expiry and are redelivered.
func (w *Worker) Stop() {
	w.stopping.Store(true)
	close(w.stopCh)

	done := make(chan struct{})
	go func() {
		w.dispatches.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(w.cfg.ShutdownGrace):
		log.Warn().
			Str("domain", w.cfg.Domain).
			Dur("grace", w.cfg.ShutdownGrace).
			Msg("Shutdown grace elapsed with dispatches outstanding; messages will redeliver after VT")
	}

	log.Info().Str("domain", w.cfg.Domain).Msg("Worker stopped")
}

// loop waits for a poll tick or a LISTEN wake, whichever fires first, then
// runs one read cycle.
func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()

	timer := time.NewTimer(0) // Immediate first read
	defer timer.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-w.wake():
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		if err := w.limiter.Wait(ctx); err != nil {
			return
		}

		read := w.readCycle(ctx)

		// Drain immediately while the queue keeps yielding full batches;
		// otherwise fall back to the poll interval.
		if read >= w.cfg.BatchSize {
			timer.Reset(0)
		} else {
			timer.Reset(w.cfg.PollInterval)
		}
	}
}

func (w *Worker) wake() <-chan struct{} {
	if w.wakeCh != nil {
		return w.wakeCh
	}
	return nil
}

// readCycle claims up to one batch and hands each message to a dispatch slot.
// It blocks until at least one slot is free before reading so a saturated
// worker never claims messages it cannot start.
func (w *Worker) readCycle(ctx context.Context) int {
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return 0
	}
	w.sem.Release(1)

	msgs, err := w.queue.Read(ctx, nil, w.queueName, int(w.cfg.VisibilityTimeout.Seconds()), w.cfg.BatchSize)
	if err != nil {
		if !w.stopping.Load() {
			log.Error().Err(err).Str("domain", w.cfg.Domain).Msg("Failed to read command batch")
			sentry.CaptureException(err)
		}
		return 0
	}

	for _, msg := range msgs {
		if err := w.sem.Acquire(ctx, 1); err != nil {
			// Context cancelled; unstarted messages redeliver after VT
			return len(msgs)
		}
		w.dispatches.Add(1)
		go func(m pgmq.Message) {
			defer w.dispatches.Done()
			defer w.sem.Release(1)
			w.processMessage(ctx, m)
		}(msg)
	}

	return len(msgs)
}

// processMessage runs the full per-message pipeline: claim, dispatch,
// finalize. Pipeline failures never terminate the worker.
func (w *Worker) processMessage(ctx context.Context, msg pgmq.Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Int64("msg_id", msg.MsgID).
				Msg("Recovered from panic in dispatch; message will redeliver after VT")
			sentry.CurrentHub().Recover(r)
		}
	}()

	env, err := pgmq.DecodeEnvelope(msg.Payload)
	if err != nil {
		// Undecodable payload: archive so it cannot loop forever
		log.Error().Err(err).Int64("msg_id", msg.MsgID).Str("queue", w.queueName).Msg("Archiving undecodable message")
		if _, archErr := w.queue.Archive(ctx, nil, w.queueName, msg.MsgID); archErr != nil {
			log.Error().Err(archErr).Int64("msg_id", msg.MsgID).Msg("Failed to archive undecodable message")
		}
		return
	}

	meta, attempt, ok := w.claim(ctx, env, msg.MsgID)
	if !ok {
		return
	}

	cmd := &Command{
		Domain:        env.Domain,
		CommandType:   env.CommandType,
		CommandID:     env.CommandID,
		Data:          env.Data,
		CorrelationID: env.CorrelationID,
		ReplyTo:       env.ReplyTo,
	}
	hctx := &HandlerContext{
		Attempt:     attempt,
		MaxAttempts: meta.MaxAttempts,
		MsgID:       msg.MsgID,
		ExtendVisibility: func(ctx context.Context, seconds int) error {
			// Separate pool connection, never the pipeline transaction
			_, err := w.queue.SetVT(ctx, nil, w.queueName, msg.MsgID, seconds)
			return err
		},
	}

	w.running.add(msg.MsgID, env.CommandID, env.CommandType)
	if w.metrics != nil {
		w.metrics.InFlight.WithLabelValues(w.cfg.Domain).Inc()
	}
	start := time.Now()

	result, dispatchErr := w.registry.Dispatch(ctx, cmd, hctx)

	elapsed := time.Since(start)
	w.running.remove(msg.MsgID)
	if w.metrics != nil {
		w.metrics.InFlight.WithLabelValues(w.cfg.Domain).Dec()
		w.metrics.DispatchDuration.WithLabelValues(w.cfg.Domain, env.CommandType).Observe(elapsed.Seconds())
	}

	if dispatchErr == nil {
		w.finalizeSuccess(ctx, env, msg.MsgID, result)
	} else {
		w.finalizeFailure(ctx, env, msg.MsgID, attempt, meta.MaxAttempts, dispatchErr)
	}
}

// claim opens the first pipeline transaction: verify the command is live,
// bump attempts, mark IN_PROGRESS, log RECEIVED. A terminal or missing
// command gets its queue message archived instead.
func (w *Worker) claim(ctx context.Context, env *pgmq.CommandEnvelope, msgID int64) (*command.Metadata, int, bool) {
	var meta *command.Metadata
	var attempt int
	live := false

	err := w.db.ExecuteWithStatementTimeout(ctx, w.cfg.StatementTimeout, func(tx *sql.Tx) error {
		var err error
		meta, err = w.repo.Get(ctx, tx, w.cfg.Domain, env.CommandID)
		if errors.Is(err, command.ErrCommandNotFound) {
			log.Warn().
				Str("command_id", env.CommandID).
				Int64("msg_id", msgID).
				Msg("Queue message without metadata; archiving")
			_, archErr := w.queue.Archive(ctx, tx, w.queueName, msgID)
			return archErr
		}
		if err != nil {
			return err
		}
		if meta.Status.IsTerminal() {
			log.Debug().
				Str("command_id", env.CommandID).
				Str("status", string(meta.Status)).
				Msg("Command already terminal; archiving message")
			_, archErr := w.queue.Archive(ctx, tx, w.queueName, msgID)
			return archErr
		}

		if w.cfg.UseStoredProcs {
			if err := tx.QueryRowContext(ctx,
				`SELECT commandbus.sp_receive_command($1, $2, $3)`,
				w.cfg.Domain, env.CommandID, msgID).Scan(&attempt); err != nil {
				return fmt.Errorf("sp_receive_command failed: %w", err)
			}
		} else {
			attempt, err = w.repo.IncrementAttempts(ctx, tx, w.cfg.Domain, env.CommandID)
			if err != nil {
				return err
			}
			if err := w.repo.UpdateStatus(ctx, tx, w.cfg.Domain, env.CommandID, command.StatusInProgress); err != nil {
				return err
			}
			if err := w.audit.Log(ctx, tx, w.cfg.Domain, env.CommandID, command.EventReceived, map[string]any{
				"msg_id":       msgID,
				"attempt":      attempt,
				"max_attempts": meta.MaxAttempts,
			}); err != nil {
				return err
			}
		}

		live = true
		return nil
	})
	if err != nil {
		// Claim failed; VT expiry will redeliver
		log.Error().Err(err).Str("command_id", env.CommandID).Msg("Failed to claim command")
		return nil, 0, false
	}

	return meta, attempt, live
}

// finalizeSuccess deletes the message, marks COMPLETED, publishes the reply
// and logs the audit, all in one transaction.
func (w *Worker) finalizeSuccess(ctx context.Context, env *pgmq.CommandEnvelope, msgID int64, result any) {
	err := w.db.ExecuteWithStatementTimeout(ctx, w.cfg.StatementTimeout, func(tx *sql.Tx) error {
		if _, err := w.queue.Delete(ctx, tx, w.queueName, msgID); err != nil {
			return err
		}
		if err := w.repo.UpdateStatus(ctx, tx, w.cfg.Domain, env.CommandID, command.StatusCompleted); err != nil {
			return err
		}
		if env.ReplyTo != "" {
			data, err := json.Marshal(result)
			if err != nil {
				return fmt.Errorf("failed to encode reply data: %w", err)
			}
			reply := &pgmq.Reply{
				CommandID:     env.CommandID,
				CorrelationID: env.CorrelationID,
				Outcome:       pgmq.OutcomeSuccess,
				Data:          data,
			}
			if _, err := w.queue.Send(ctx, tx, env.ReplyTo, reply, 0); err != nil {
				return err
			}
		}
		return w.audit.Log(ctx, tx, w.cfg.Domain, env.CommandID, command.EventCompleted, map[string]any{
			"msg_id": msgID,
		})
	})
	if err != nil {
		w.finalizeError(ctx, env.CommandID, "complete", err)
		return
	}

	if w.metrics != nil {
		w.metrics.CommandsCompleted.WithLabelValues(w.cfg.Domain, env.CommandType).Inc()
	}
	log.Debug().
		Str("domain", w.cfg.Domain).
		Str("command_id", env.CommandID).
		Msg("Command completed")
}

// finalizeFailure classifies the dispatch error and applies the retry policy
func (w *Worker) finalizeFailure(ctx context.Context, env *pgmq.CommandEnvelope, msgID int64, attempt, maxAttempts int, dispatchErr error) {
	class, code, msg := command.Classify(dispatchErr)

	// An unregistered command type cannot succeed on retry
	var notFound *command.HandlerNotFoundError
	if errors.As(dispatchErr, &notFound) {
		class, code = command.FailurePermanent, "HANDLER_NOT_FOUND"
	}

	_, opts, _ := w.registry.Lookup(env.Domain, env.CommandType)

	var toTSQ bool
	err := w.db.ExecuteWithStatementTimeout(ctx, w.cfg.StatementTimeout, func(tx *sql.Tx) error {
		switch class {
		case command.FailurePermanent:
			toTSQ = true
			return w.moveToTSQ(ctx, tx, env, msgID, code, msg, opts, false)

		case command.FailureBusinessRule:
			return w.failBusinessRule(ctx, tx, env, msgID, code, msg)

		default: // FailureTransient
			if attempt < maxAttempts {
				return w.scheduleRetry(ctx, tx, env, msgID, attempt, code, msg)
			}
			toTSQ = true
			return w.moveToTSQ(ctx, tx, env, msgID, code, msg, opts, true)
		}
	})
	if err != nil {
		w.finalizeError(ctx, env.CommandID, "fail", err)
		return
	}

	if toTSQ {
		if w.metrics != nil {
			w.metrics.CommandsToTSQ.WithLabelValues(w.cfg.Domain, env.CommandType).Inc()
		}
		if w.alerts != nil {
			w.alerts.NotifyTSQ(ctx, &notifications.TSQAlert{
				Domain:      w.cfg.Domain,
				CommandID:   env.CommandID,
				CommandType: env.CommandType,
				Attempts:    attempt,
				ErrorCode:   code,
				ErrorMsg:    msg,
			})
		}
	}
}

// scheduleRetry makes the message visible again after the policy backoff and
// returns the command to PENDING.
func (w *Worker) scheduleRetry(ctx context.Context, tx *sql.Tx, env *pgmq.CommandEnvelope, msgID int64, attempt int, code, msg string) error {
	backoff := w.cfg.RetryPolicy.BackoffFor(attempt)
	if _, err := w.queue.SetVT(ctx, tx, w.queueName, msgID, backoff); err != nil {
		return err
	}
	if err := w.repo.UpdateStatus(ctx, tx, w.cfg.Domain, env.CommandID, command.StatusPending); err != nil {
		return err
	}
	if err := w.repo.RecordError(ctx, tx, w.cfg.Domain, env.CommandID, command.ErrorKindTransient, code, msg); err != nil {
		return err
	}
	if err := w.audit.Log(ctx, tx, w.cfg.Domain, env.CommandID, command.EventRetryScheduled, map[string]any{
		"backoff":      backoff,
		"next_attempt": attempt + 1,
		"error_code":   code,
	}); err != nil {
		return err
	}

	if w.metrics != nil {
		w.metrics.CommandsRetried.WithLabelValues(w.cfg.Domain, env.CommandType).Inc()
	}
	log.Info().
		Str("domain", w.cfg.Domain).
		Str("command_id", env.CommandID).
		Int("attempt", attempt).
		Int("backoff_seconds", backoff).
		Str("error_code", code).
		Msg("Retry scheduled")
	return nil
}

// failBusinessRule finalizes a business failure: FAILED reply, FAILED status,
// message archived. No troubleshooting queue, no operator can change the rule.
func (w *Worker) failBusinessRule(ctx context.Context, tx *sql.Tx, env *pgmq.CommandEnvelope, msgID int64, code, msg string) error {
	if env.ReplyTo != "" {
		reply := &pgmq.Reply{
			CommandID:     env.CommandID,
			CorrelationID: env.CorrelationID,
			Outcome:       pgmq.OutcomeFailed,
			ErrorCode:     code,
			ErrorMessage:  msg,
		}
		if _, err := w.queue.Send(ctx, tx, env.ReplyTo, reply, 0); err != nil {
			return err
		}
	}
	if err := w.repo.UpdateStatus(ctx, tx, w.cfg.Domain, env.CommandID, command.StatusFailed); err != nil {
		return err
	}
	if err := w.repo.RecordError(ctx, tx, w.cfg.Domain, env.CommandID, command.ErrorKindPermanent, code, msg); err != nil {
		return err
	}
	if err := w.audit.Log(ctx, tx, w.cfg.Domain, env.CommandID, command.EventFailed, map[string]any{
		"error_code":    code,
		"error_message": msg,
	}); err != nil {
		return err
	}
	if _, err := w.queue.Archive(ctx, tx, w.queueName, msgID); err != nil {
		return err
	}

	if w.metrics != nil {
		w.metrics.CommandsFailed.WithLabelValues(w.cfg.Domain, env.CommandType).Inc()
	}
	log.Info().
		Str("domain", w.cfg.Domain).
		Str("command_id", env.CommandID).
		Str("error_code", code).
		Msg("Command failed on business rule")
	return nil
}

// moveToTSQ parks the command for operator action. The message is archived so
// the envelope survives in pgmq.a_<queue> for inspection and operator retry.
func (w *Worker) moveToTSQ(ctx context.Context, tx *sql.Tx, env *pgmq.CommandEnvelope, msgID int64, code, msg string, opts HandlerOptions, exhausted bool) error {
	if exhausted {
		if err := w.audit.Log(ctx, tx, w.cfg.Domain, env.CommandID, command.EventRetryExhausted, map[string]any{
			"error_code": code,
		}); err != nil {
			return err
		}
	}
	if err := w.repo.UpdateStatus(ctx, tx, w.cfg.Domain, env.CommandID, command.StatusInTroubleshootingQueue); err != nil {
		return err
	}
	kind := command.ErrorKindPermanent
	if exhausted {
		kind = command.ErrorKindTransient
	}
	if err := w.repo.RecordError(ctx, tx, w.cfg.Domain, env.CommandID, kind, code, msg); err != nil {
		return err
	}
	if _, err := w.queue.Archive(ctx, tx, w.queueName, msgID); err != nil {
		return err
	}
	if err := w.audit.Log(ctx, tx, w.cfg.Domain, env.CommandID, command.EventMovedToTSQ, map[string]any{
		"error_code":    code,
		"error_message": msg,
	}); err != nil {
		return err
	}

	if opts.ReplyOnTSQ && env.ReplyTo != "" {
		reply := &pgmq.Reply{
			CommandID:     env.CommandID,
			CorrelationID: env.CorrelationID,
			Outcome:       pgmq.OutcomeFailed,
			ErrorCode:     code,
			ErrorMessage:  msg,
		}
		if _, err := w.queue.Send(ctx, tx, env.ReplyTo, reply, 0); err != nil {
			return err
		}
	}

	log.Warn().
		Str("domain", w.cfg.Domain).
		Str("command_id", env.CommandID).
		Str("error_code", code).
		Bool("retry_exhausted", exhausted).
		Msg("Command moved to troubleshooting queue")
	return nil
}

// finalizeError handles a failed finalize transaction. Recoverable
// infrastructure errors (pool timeout, statement timeout, connection loss)
// leave the message to VT expiry for the next attempt.
func (w *Worker) finalizeError(ctx context.Context, commandID, phase string, err error) {
	if db.IsStatementTimeout(err) || db.IsRetryableError(err) {
		log.Warn().
			Err(err).
			Str("command_id", commandID).
			Str("phase", phase).
			Msg("Finalize hit recoverable error; message will redeliver after VT")
		return
	}
	log.Error().
		Err(err).
		Str("command_id", commandID).
		Str("phase", phase).
		Msg("Failed to finalize command")
	sentry.CaptureException(err)
}
