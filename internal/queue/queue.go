// Package queue implements the named, prioritized, at-least-once message
// queue adapter every actor worker and the orchestrator's result consumer
// communicate through. No other transport is permitted (spec.md §4.2).
package queue

import (
	"context"

	"github.com/loomctl/pipelinecore/internal/domain"
)

// Handler processes one message at a time per consumer goroutine. A returned
// error is logged but never triggers automatic redelivery: the orchestrator,
// not the transport, owns retry policy.
type Handler func(ctx context.Context, msg domain.PipelineMessage) error

// Adapter is the full Message Queue Adapter contract.
type Adapter interface {
	// Enqueue writes a message onto queueName at the given priority (lower
	// value dequeues first). Re-enqueuing a message id already seen on
	// queueName within the 24h dedupe window is a no-op (duplicate
	// suppression), whether or not the first copy was consumed.
	Enqueue(ctx context.Context, queueName string, msg domain.PipelineMessage, priority int) error

	// RegisterWorker spawns up to concurrency cooperatively-scheduled
	// consumers against queueName. Returns a stop function that blocks until
	// all consumers have exited.
	RegisterWorker(ctx context.Context, queueName string, concurrency int, handler Handler) (stop func(), err error)

	// DeadLetter archives a terminally-failed message to queueName's side
	// list, readable via ListDeadLetter.
	DeadLetter(ctx context.Context, queueName string, rec domain.DeadLetterRecord) error
	ListDeadLetter(ctx context.Context, queueName string) ([]domain.DeadLetterRecord, error)

	// Depth reports the number of messages currently queued on queueName, for
	// the queue-depth gauge.
	Depth(ctx context.Context, queueName string) (int64, error)
}

// ActorQueueName is the canonical per-actor task queue name (§6).
func ActorQueueName(actorType string) string {
	return "actor-" + actorType
}

// DefaultDeadLetterQueue is the canonical default DLQ name for an actor type,
// overridable per stage via StageDefinition.DeadLetterQueue (§6).
func DefaultDeadLetterQueue(actorType string) string {
	return ActorQueueName(actorType) + ":dlq"
}

// ResultsQueueName is the single results queue every orchestrator consumes
// (§6): "pipeline-stage-results".
const ResultsQueueName = "pipeline-stage-results"
