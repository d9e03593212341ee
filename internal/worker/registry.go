package worker

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/meridian-au/commandbus/internal/command"
)

// Command is the decoded unit of work handed to a handler
type Command struct {
	Domain        string
	CommandType   string
	CommandID     string
	Data          json.RawMessage
	CorrelationID string
	ReplyTo       string
}

// HandlerContext carries per-dispatch facts and the visibility extender.
// ExtendVisibility reschedules the message VT on a short pool connection,
// never the pipeline's transaction, so a long handler can keep its claim.
type HandlerContext struct {
	Attempt          int
	MaxAttempts      int
	MsgID            int64
	ExtendVisibility func(ctx context.Context, seconds int) error
}

// Handler processes one command and returns its reply payload
type Handler interface {
	Handle(ctx context.Context, cmd *Command, hctx *HandlerContext) (any, error)
}

// HandlerFunc adapts a function to the Handler interface
type HandlerFunc func(ctx context.Context, cmd *Command, hctx *HandlerContext) (any, error)

// Handle calls the function
func (f HandlerFunc) Handle(ctx context.Context, cmd *Command, hctx *HandlerContext) (any, error) {
	return f(ctx, cmd, hctx)
}

// HandlerOptions are per-command-type dispatch options
type HandlerOptions struct {
	// ReplyOnTSQ publishes a FAILED reply when the command is moved to the
	// troubleshooting queue, in addition to the audit trail.
	ReplyOnTSQ bool
}

type registration struct {
	handler Handler
	options HandlerOptions
}

type registryKey struct {
	domain      string
	commandType string
}

// Registry maps (domain, command_type) to handlers. Populated at startup and
// read-only thereafter; the lock guards against late registration races. One
// registry can serve several domain workers in the same process.
type Registry struct {
	mu       sync.RWMutex
	handlers map[registryKey]registration
}

// NewRegistry creates an empty handler registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[registryKey]registration)}
}

// Register binds a handler to (domain, command_type). Duplicate registration
// fails with HandlerAlreadyRegisteredError.
func (r *Registry) Register(domain, commandType string, h Handler, options ...HandlerOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := registryKey{domain: domain, commandType: commandType}
	if _, exists := r.handlers[key]; exists {
		return &command.HandlerAlreadyRegisteredError{Domain: domain, CommandType: commandType}
	}

	reg := registration{handler: h}
	if len(options) > 0 {
		reg.options = options[0]
	}
	r.handlers[key] = reg
	return nil
}

// Lookup returns the handler and options for (domain, command_type), or
// HandlerNotFoundError.
func (r *Registry) Lookup(domain, commandType string) (Handler, HandlerOptions, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.handlers[registryKey{domain: domain, commandType: commandType}]
	if !ok {
		return nil, HandlerOptions{}, &command.HandlerNotFoundError{Domain: domain, CommandType: commandType}
	}
	return reg.handler, reg.options, nil
}

// Dispatch looks up and runs the handler for a command
func (r *Registry) Dispatch(ctx context.Context, cmd *Command, hctx *HandlerContext) (any, error) {
	handler, _, err := r.Lookup(cmd.Domain, cmd.CommandType)
	if err != nil {
		return nil, err
	}
	return handler.Handle(ctx, cmd, hctx)
}
