package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// dispatchTracker records the wall-clock start of every running dispatch so
// the watchdog can spot tasks that outlived their visibility window.
type dispatchTracker struct {
	mu      sync.Mutex
	running map[int64]dispatchInfo
}

type dispatchInfo struct {
	commandID   string
	commandType string
	startedAt   time.Time
}

func newDispatchTracker() *dispatchTracker {
	return &dispatchTracker{running: make(map[int64]dispatchInfo)}
}

func (t *dispatchTracker) add(msgID int64, commandID, commandType string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running[msgID] = dispatchInfo{
		commandID:   commandID,
		commandType: commandType,
		startedAt:   time.Now(),
	}
}

func (t *dispatchTracker) remove(msgID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.running, msgID)
}

// stuckOver returns the dispatches running longer than the threshold
func (t *dispatchTracker) stuckOver(threshold time.Duration) []dispatchInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	var stuck []dispatchInfo
	now := time.Now()
	for _, info := range t.running {
		if now.Sub(info.startedAt) > threshold {
			stuck = append(stuck, info)
		}
	}
	return stuck
}

// watchdog periodically flags dispatches that have run past the visibility
// timeout plus the stuck buffer. It is observational only: the database
// statement timeout is the forcing mechanism for SQL work, the watchdog just
// bounds how long a stuck handler goes unnoticed.
func (w *Worker) watchdog(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.WatchdogInterval)
	defer ticker.Stop()

	threshold := w.cfg.VisibilityTimeout + w.cfg.StuckBuffer

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			stuck := w.running.stuckOver(threshold)
			if w.metrics != nil {
				w.metrics.StuckTasks.WithLabelValues(w.cfg.Domain).Set(float64(len(stuck)))
				if qm, err := w.queue.QueueMetrics(ctx, w.queueName); err == nil {
					w.metrics.QueueDepth.WithLabelValues(w.cfg.Domain, w.queueName).Set(float64(qm.QueueLength))
				}
			}
			for _, info := range stuck {
				log.Warn().
					Str("domain", w.cfg.Domain).
					Str("command_id", info.commandID).
					Str("command_type", info.commandType).
					Dur("running_for", time.Since(info.startedAt)).
					Dur("threshold", threshold).
					Msg("Dispatch task running past visibility timeout")
			}
		}
	}
}
