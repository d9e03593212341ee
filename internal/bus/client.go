package bus

import (
	"context"
	"os"
	"runtime"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// ExecutorSizeEnv overrides the background executor's concurrency
const ExecutorSizeEnv = "COMMANDBUS_EXECUTOR_SIZE"

// executor is the process-wide bounded pool that drives fire-and-forget
// submissions from blocking callers. One per process unless reset in tests.
type executor struct {
	sem  *semaphore.Weighted
	size int64
	wg   sync.WaitGroup
}

var (
	executorMu sync.Mutex
	globalExec *executor
)

func executorSize() int64 {
	if v := os.Getenv(ExecutorSizeEnv); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return int64(n)
		}
		log.Warn().Str("value", v).Msg("Ignoring invalid executor size override")
	}
	n := runtime.GOMAXPROCS(0)
	if n > 32 {
		n = 32
	}
	return int64(n)
}

func getExecutor() *executor {
	executorMu.Lock()
	defer executorMu.Unlock()
	if globalExec == nil {
		size := executorSize()
		globalExec = &executor{sem: semaphore.NewWeighted(size), size: size}
		log.Debug().Int64("size", size).Msg("Started command bus background executor")
	}
	return globalExec
}

// ShutdownExecutor waits for all in-flight background submissions to finish.
// Call at process exit.
func ShutdownExecutor() {
	executorMu.Lock()
	exec := globalExec
	executorMu.Unlock()
	if exec != nil {
		exec.wg.Wait()
	}
}

// resetExecutorForTest discards the singleton so tests can change its size
func resetExecutorForTest() {
	executorMu.Lock()
	defer executorMu.Unlock()
	globalExec = nil
}

// Client is the blocking façade over the bus. The core API is already
// synchronous; the client adds the shared background executor for
// fire-and-forget submission and a single place to hang per-process wiring.
type Client struct {
	*Bus
}

// NewClient creates a client façade over a producer bus
func NewClient(b *Bus) *Client {
	return &Client{Bus: b}
}

// SendAsync submits a command on the background executor and delivers the
// outcome on the returned channel. The channel receives exactly once.
func (c *Client) SendAsync(ctx context.Context, req SendRequest) <-chan BatchResult {
	out := make(chan BatchResult, 1)
	exec := getExecutor()

	if err := exec.sem.Acquire(ctx, 1); err != nil {
		out <- BatchResult{CommandID: req.CommandID, Err: err}
		return out
	}

	exec.wg.Add(1)
	go func() {
		defer exec.wg.Done()
		defer exec.sem.Release(1)

		res, err := c.Send(ctx, req)
		if err != nil {
			out <- BatchResult{CommandID: req.CommandID, Err: err}
			return
		}
		out <- BatchResult{CommandID: res.CommandID, MsgID: res.MsgID}
	}()

	return out
}
