package persist

import (
	"context"
	"log"
	"time"

	"github.com/alpinesboltltd/taskcore/internal/engine"
)

// MaxRedeliveryAttempts bounds how many times StartRequeueMonitor will
// resubmit a crashed task before giving up and marking it FAILED.
const MaxRedeliveryAttempts = 5

// StartRequeueMonitor starts a background ticker that looks for tasks
// whose worker stopped heartbeating, re-enqueues them onto broker for
// another worker to pick up, and marks permanently-stuck tasks failed
// once MaxRedeliveryAttempts is exceeded. It returns once ctx is
// cancelled.
func StartRequeueMonitor(ctx context.Context, persister *PostgresPersister, broker engine.Broker, interval, heartbeatTTL time.Duration, batchSize int) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := requeueOnce(ctx, persister, broker, heartbeatTTL, batchSize)
				if err != nil {
					log.Printf("requeue: error requeueing stale tasks: %v", err)
					continue
				}
				if n > 0 {
					log.Printf("requeue: requeued %d stale tasks", n)
				}
			}
		}
	}()
}

func requeueOnce(ctx context.Context, persister *PostgresPersister, broker engine.Broker, heartbeatTTL time.Duration, batchSize int) (int, error) {
	stale, err := persister.ClaimStaleHeartbeats(ctx, heartbeatTTL, batchSize)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, hb := range stale {
		if hb.Attempts >= MaxRedeliveryAttempts {
			if err := persister.UpdateTaskStatus(ctx, hb.UserID, hb.TaskID, engine.StatusFailed); err != nil {
				log.Printf("requeue: mark task=%s failed after %d attempts: %v", hb.TaskID, hb.Attempts, err)
			}
			if err := persister.ClearHeartbeat(ctx, hb.UserID, hb.TaskID); err != nil {
				log.Printf("requeue: clear heartbeat for task=%s: %v", hb.TaskID, err)
			}
			continue
		}

		msg := engine.Message{UserID: hb.UserID, TaskID: hb.TaskID, InputData: hb.Envelope}
		if err := broker.Enqueue(ctx, hb.Queue, msg); err != nil {
			log.Printf("requeue: re-enqueue task=%s: %v", hb.TaskID, err)
			continue
		}
		requeued++
	}
	return requeued, nil
}
