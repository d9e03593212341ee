package process

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/meridian-au/commandbus/internal/bus"
	"github.com/meridian-au/commandbus/internal/db"
	"github.com/meridian-au/commandbus/internal/pgmq"
)

// Orchestrator starts processes and holds the manager registry for one
// domain's reply queue. Registered at startup, read-only afterwards; the lock
// guards against late registration races.
type Orchestrator struct {
	db         *db.DB
	bus        *bus.Bus
	store      *Store
	domain     string
	replyQueue string

	mu       sync.RWMutex
	managers map[string]Manager
}

// NewOrchestrator creates a process orchestrator for a domain. Step commands
// go out through the given producer; replies come back on the domain's reply
// queue.
func NewOrchestrator(database *db.DB, producer *bus.Bus, domain string) *Orchestrator {
	return &Orchestrator{
		db:         database,
		bus:        producer,
		store:      NewStore(database.GetDB()),
		domain:     domain,
		replyQueue: pgmq.ReplyQueueName(domain),
		managers:   make(map[string]Manager),
	}
}

// Domain returns the orchestrator's domain
func (o *Orchestrator) Domain() string {
	return o.domain
}

// ReplyQueue returns the queue the router reads replies from
func (o *Orchestrator) ReplyQueue() string {
	return o.replyQueue
}

// Register adds a process manager. Fails on duplicate process type or a
// manager belonging to another domain.
func (o *Orchestrator) Register(m Manager) error {
	if m.Domain() != o.domain {
		return fmt.Errorf("manager %s belongs to domain %s, orchestrator serves %s",
			m.ProcessType(), m.Domain(), o.domain)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.managers[m.ProcessType()]; exists {
		return fmt.Errorf("process type %s already registered", m.ProcessType())
	}
	o.managers[m.ProcessType()] = m
	return nil
}

func (o *Orchestrator) manager(processType string) (Manager, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	m, ok := o.managers[processType]
	return m, ok
}

// StartProcess creates a new process and sends its first step's command. The
// process row, the command and the audit entry commit in one transaction; the
// process is left WAITING_FOR_REPLY.
func (o *Orchestrator) StartProcess(ctx context.Context, processType string, initialData any) (string, error) {
	m, ok := o.manager(processType)
	if !ok {
		return "", fmt.Errorf("process type %s is not registered", processType)
	}

	raw, err := json.Marshal(initialData)
	if err != nil {
		return "", fmt.Errorf("failed to encode initial data: %w", err)
	}
	state, err := m.CreateInitialState(raw)
	if err != nil {
		return "", fmt.Errorf("failed to build initial state: %w", err)
	}
	step, err := m.FirstStep(state)
	if err != nil {
		return "", fmt.Errorf("failed to pick first step: %w", err)
	}
	if step == NoStep {
		return "", fmt.Errorf("process type %s has no first step", processType)
	}

	processID := uuid.New().String()

	err = o.db.Execute(ctx, func(tx *sql.Tx) error {
		if err := o.store.Save(ctx, tx, &Metadata{
			Domain:      o.domain,
			ProcessID:   processID,
			ProcessType: processType,
			Status:      StatusPending,
			State:       state,
		}); err != nil {
			return err
		}
		if _, err := o.sendStep(ctx, tx, m, processID, step, state, true); err != nil {
			return err
		}
		return o.store.Advance(ctx, tx, o.domain, processID, StatusWaitingForReply, step, state)
	})
	if err != nil {
		return "", err
	}

	log.Info().
		Str("domain", o.domain).
		Str("process_type", processType).
		Str("process_id", processID).
		Str("first_step", string(step)).
		Msg("Process started")

	return processID, nil
}

// sendStep builds and enqueues the command for a step, with the process id as
// correlation id, and appends the audit entry. withReply is false for
// compensation commands, which are fire-and-forget.
func (o *Orchestrator) sendStep(ctx context.Context, tx *sql.Tx, m Manager, processID string, step Step, state json.RawMessage, withReply bool) (string, error) {
	stepCmd, err := m.BuildCommand(step, state)
	if err != nil {
		return "", fmt.Errorf("failed to build command for step %s: %w", step, err)
	}

	req := bus.SendRequest{
		Domain:        o.domain,
		CommandType:   stepCmd.CommandType,
		Data:          stepCmd.Data,
		CorrelationID: processID,
	}
	if withReply {
		req.ReplyTo = o.replyQueue
	}

	result, err := o.bus.SendInTx(ctx, tx, req)
	if err != nil {
		return "", err
	}

	data, err := json.Marshal(stepCmd.Data)
	if err != nil {
		return "", fmt.Errorf("failed to encode step data: %w", err)
	}
	if err := o.store.AppendAudit(ctx, tx, &AuditEntry{
		Domain:      o.domain,
		ProcessID:   processID,
		StepName:    step,
		CommandID:   result.CommandID,
		CommandType: stepCmd.CommandType,
		CommandData: data,
	}); err != nil {
		return "", err
	}
	return result.CommandID, nil
}

// GetProcess returns a process's metadata
func (o *Orchestrator) GetProcess(ctx context.Context, processID string) (*Metadata, error) {
	return o.store.Get(ctx, nil, o.domain, processID)
}

// GetProcessTrail returns a process's audit entries in step order
func (o *Orchestrator) GetProcessTrail(ctx context.Context, processID string) ([]*AuditEntry, error) {
	return o.store.GetTrail(ctx, nil, o.domain, processID)
}
