package queue

import (
	"context"
	"encoding/json"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/loomctl/pipelinecore/internal/domain"
	"github.com/loomctl/pipelinecore/internal/platform/logger"
)

const (
	dedupeTTL = 24 * time.Hour
	pollIdle  = 50 * time.Millisecond
	seqScale  = 1e12
)

func seqKey(queueName string) string  { return "queue:" + queueName + ":seq" }
func zsetKey(queueName string) string { return "queue:" + queueName + ":items" }
func dedupeKey(queueName, messageID string) string {
	return "queue:" + queueName + ":seen:" + messageID
}
func dlqKey(queueName string) string { return "queue:" + queueName + ":dlq" }

// RedisQueue implements Adapter on Redis sorted sets: score encodes
// (priority, sequence) so lower priority dequeues first and messages at the
// same priority drain FIFO.
type RedisQueue struct {
	log *logger.Logger
	rdb *goredis.Client
}

func New(rdb *goredis.Client, log *logger.Logger) *RedisQueue {
	return &RedisQueue{log: log.With("component", "queue"), rdb: rdb}
}

func (q *RedisQueue) Enqueue(ctx context.Context, queueName string, msg domain.PipelineMessage, priority int) error {
	seen, err := q.rdb.SetNX(ctx, dedupeKey(queueName, msg.MessageID), 1, dedupeTTL).Result()
	if err != nil {
		return domain.WrapError(domain.KindQueueTransient, "enqueue dedupe check", err)
	}
	if !seen {
		return nil // duplicate suppression: already enqueued and not yet past its dedupe TTL
	}

	seq, err := q.rdb.Incr(ctx, seqKey(queueName)).Result()
	if err != nil {
		return domain.WrapError(domain.KindQueueTransient, "enqueue sequence", err)
	}
	score := float64(priority)*seqScale + float64(seq)

	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := q.rdb.ZAdd(ctx, zsetKey(queueName), goredis.Z{Score: score, Member: raw}).Err(); err != nil {
		return domain.WrapError(domain.KindQueueTransient, "enqueue", err)
	}
	return nil
}

// dequeueOne atomically pops the lowest-scored member of queueName, or
// returns nil after a short idle sleep if the queue is empty.
func (q *RedisQueue) dequeueOne(ctx context.Context, queueName string) (*domain.PipelineMessage, error) {
	zs, err := q.rdb.ZPopMin(ctx, zsetKey(queueName), 1).Result()
	if err != nil {
		return nil, domain.WrapError(domain.KindQueueTransient, "dequeue", err)
	}
	if len(zs) == 0 {
		select {
		case <-ctx.Done():
		case <-time.After(pollIdle):
		}
		return nil, nil
	}
	raw, ok := zs[0].Member.(string)
	if !ok {
		return nil, nil
	}
	var msg domain.PipelineMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// RegisterWorker spawns concurrency goroutines, each polling queueName and
// invoking handler one message at a time. A handler panic is contained and
// converted to a logged error rather than crashing the consumer, mirroring
// worker-level panic recovery elsewhere in the runtime.
func (q *RedisQueue) RegisterWorker(ctx context.Context, queueName string, concurrency int, handler Handler) (func(), error) {
	if concurrency < 1 {
		concurrency = 1
	}
	consumerCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(consumerCtx)
	for i := 0; i < concurrency; i++ {
		consumerID := i
		g.Go(func() error {
			q.consumeLoop(gctx, queueName, consumerID, handler)
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	stop := func() {
		cancel()
		<-done
	}
	return stop, nil
}

func (q *RedisQueue) consumeLoop(ctx context.Context, queueName string, consumerID int, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := q.dequeueOne(ctx, queueName)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.log.Warn("dequeue failed", "queue", queueName, "consumer", consumerID, "error", err)
			continue
		}
		if msg == nil {
			continue
		}

		q.dispatch(ctx, queueName, consumerID, handler, *msg)
	}
}

func (q *RedisQueue) dispatch(ctx context.Context, queueName string, consumerID int, handler Handler, msg domain.PipelineMessage) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("handler panic", "queue", queueName, "consumer", consumerID, "messageId", msg.MessageID, "panic", r)
		}
	}()
	if err := handler(ctx, msg); err != nil {
		q.log.Warn("handler returned error; no automatic redelivery", "queue", queueName, "messageId", msg.MessageID, "error", err)
	}
}

func (q *RedisQueue) DeadLetter(ctx context.Context, queueName string, rec domain.DeadLetterRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := q.rdb.RPush(ctx, dlqKey(queueName), raw).Err(); err != nil {
		return domain.WrapError(domain.KindQueueTransient, "dead-letter append", err)
	}
	return nil
}

func (q *RedisQueue) Depth(ctx context.Context, queueName string) (int64, error) {
	n, err := q.rdb.ZCard(ctx, zsetKey(queueName)).Result()
	if err != nil {
		return 0, domain.WrapError(domain.KindQueueTransient, "queue depth", err)
	}
	return n, nil
}

func (q *RedisQueue) ListDeadLetter(ctx context.Context, queueName string) ([]domain.DeadLetterRecord, error) {
	raws, err := q.rdb.LRange(ctx, dlqKey(queueName), 0, -1).Result()
	if err != nil {
		return nil, domain.WrapError(domain.KindQueueTransient, "list dead letter", err)
	}
	out := make([]domain.DeadLetterRecord, 0, len(raws))
	for _, raw := range raws {
		var rec domain.DeadLetterRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
