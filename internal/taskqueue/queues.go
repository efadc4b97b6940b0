package taskqueue

import (
	"context"
	"fmt"
	"time"
)

// Queues pairs the immediate and delayed queues the runtime feeds.
type Queues struct {
	Immediate Queue
	Delayed   Queue
}

// EnqueueImmediate makes a job for (executionID, nodeID) available right away.
func (q Queues) EnqueueImmediate(ctx context.Context, executionID, nodeID string) error {
	_, err := q.Immediate.Enqueue(ctx, Job{
		Queue:       q.Immediate.Name(),
		ExecutionID: executionID,
		NodeID:      nodeID,
	})
	if err != nil {
		return fmt.Errorf("enqueue immediate job for %s/%s: %w", executionID, nodeID, err)
	}
	return nil
}

// EnqueueDelayed schedules a job for (executionID, nodeID) that stays
// invisible until notBefore.
func (q Queues) EnqueueDelayed(ctx context.Context, executionID, nodeID string, notBefore time.Time) error {
	_, err := q.Delayed.Enqueue(ctx, Job{
		Queue:       q.Delayed.Name(),
		ExecutionID: executionID,
		NodeID:      nodeID,
		NotBefore:   notBefore,
	})
	if err != nil {
		return fmt.Errorf("enqueue delayed job for %s/%s: %w", executionID, nodeID, err)
	}
	return nil
}

// HasJob reports whether either queue holds a live job for
// (executionID, nodeID).
func (q Queues) HasJob(ctx context.Context, executionID, nodeID string) (bool, error) {
	for _, queue := range []Queue{q.Immediate, q.Delayed} {
		ok, err := queue.HasJob(ctx, executionID, nodeID)
		if err != nil {
			return false, fmt.Errorf("look up %s jobs for %s/%s: %w", queue.Name(), executionID, nodeID, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// ByName returns the queue with the given logical name.
func (q Queues) ByName(name string) (Queue, bool) {
	switch name {
	case q.Immediate.Name():
		return q.Immediate, true
	case q.Delayed.Name():
		return q.Delayed, true
	}
	return nil, false
}
