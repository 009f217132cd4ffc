package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/loomctl/pipelinecore/internal/domain"
	"github.com/loomctl/pipelinecore/internal/platform/logger"
)

// ErrLeaseHeld is returned by AcquireTaskLease when a live lease is held by a
// different owner.
var ErrLeaseHeld = errors.New("store: lease held by another owner")

// ErrLeaseNotHeld is returned by RenewTaskLease/ReleaseTaskLease when the
// caller does not hold the current lease.
var ErrLeaseNotHeld = errors.New("store: caller does not hold this lease")

// RedisStore is the Redis-backed Store implementation against the bit-exact
// key layout.
type RedisStore struct {
	log *logger.Logger
	rdb *goredis.Client
}

// New constructs a RedisStore and verifies connectivity with a ping, the way
// the platform's other Redis-backed clients do at construction time.
func New(ctx context.Context, addr string, db int, log *logger.Logger) (*RedisStore, error) {
	rdb := goredis.NewClient(&goredis.Options{Addr: addr, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("store: redis ping: %w", err)
	}
	return &RedisStore{log: log.With("component", "store"), rdb: rdb}, nil
}

// NewWithClient wraps an already-constructed client, used by tests against
// miniredis.
func NewWithClient(rdb *goredis.Client, log *logger.Logger) *RedisStore {
	return &RedisStore{log: log.With("component", "store"), rdb: rdb}
}

func (s *RedisStore) Close() error { return s.rdb.Close() }

func isTransient(err error) bool {
	return err != nil && !errors.Is(err, goredis.Nil)
}

func (s *RedisStore) CreatePipeline(ctx context.Context, id string, def domain.PipelineDefinition, trigger any) (*domain.PipelineRecord, error) {
	now := timeNow()
	order := make([]string, len(def.Stages))
	for i, st := range def.Stages {
		order[i] = st.Name
	}
	rec := &domain.PipelineRecord{
		ID:         id,
		Definition: def,
		Trigger:    trigger,
		Status:     domain.PipelineRunning,
		StageOrder: order,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	ok, err := s.rdb.SetNX(ctx, recordKey(id), raw, 0).Result()
	if err != nil {
		return nil, domain.WrapError(domain.KindStorageTransient, "create pipeline", err)
	}
	if !ok {
		return nil, ErrPipelineExists
	}
	if err := s.rdb.SAdd(ctx, runningPipelinesKey, id).Err(); err != nil {
		return nil, domain.WrapError(domain.KindStorageTransient, "track running pipeline", err)
	}
	return rec, nil
}

func (s *RedisStore) GetPipeline(ctx context.Context, id string) (*domain.PipelineRecord, error) {
	raw, err := s.rdb.Get(ctx, recordKey(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, domain.WrapError(domain.KindStorageTransient, "get pipeline", err)
	}
	var rec domain.PipelineRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *RedisStore) saveRecord(ctx context.Context, rec *domain.PipelineRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, recordKey(rec.ID), raw, 0).Err(); err != nil {
		return domain.WrapError(domain.KindStorageTransient, "save pipeline", err)
	}
	return nil
}

// SetPipelineStatus is last-writer-wins except that a terminal status may
// never be moved again: once completed/failed/cancelled, the record is frozen.
func (s *RedisStore) SetPipelineStatus(ctx context.Context, id string, status domain.PipelineStatus, patch StatusPatch) error {
	rec, err := s.GetPipeline(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return nil
	}
	rec.Status = status
	if patch.CurrentStage != nil {
		rec.Frontier = []string{*patch.CurrentStage}
	}
	if patch.ResumeCursor != nil {
		rec.ResumeCursor = *patch.ResumeCursor
	}
	rec.UpdatedAt = timeNow()
	if status.Terminal() {
		rec.Progress = 100
		if err := s.rdb.SRem(ctx, runningPipelinesKey, id).Err(); err != nil {
			return domain.WrapError(domain.KindStorageTransient, "untrack running pipeline", err)
		}
	}
	return s.saveRecord(ctx, rec)
}

func (s *RedisStore) GetStage(ctx context.Context, id, stage string) (*domain.StageRecord, error) {
	raw, err := s.rdb.Get(ctx, stageKey(id, stage)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, domain.WrapError(domain.KindStorageTransient, "get stage", err)
	}
	var rec domain.StageRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// maxOptimisticRetries bounds the WATCH/MULTI retry loop mutateStage and
// AcquireTaskLease run against a single key: enough to absorb the handful of
// concurrent results-consumer goroutines that can race on the same stage or
// lease key, without looping forever under sustained contention.
const maxOptimisticRetries = 10

// mutateStage applies mutate to stage's current record under a WATCH/MULTI
// transaction, retrying on a lost race (another writer touched the key
// between the GET and the EXEC) up to maxOptimisticRetries times. This is
// what makes UpsertStage and UpdateStageProgress safe to call concurrently
// for the same (pipeline, stage) from multiple results-consumer goroutines,
// including across orchestrator processes sharing the same Redis instance.
func (s *RedisStore) mutateStage(ctx context.Context, id, stage string, allowCreate bool, mutate func(rec *domain.StageRecord) error) error {
	key := stageKey(id, stage)
	var notFound bool
	txf := func(tx *goredis.Tx) error {
		notFound = false
		raw, err := tx.Get(ctx, key).Bytes()
		var rec *domain.StageRecord
		switch {
		case errors.Is(err, goredis.Nil):
			if !allowCreate {
				notFound = true
				return nil
			}
			rec = &domain.StageRecord{PipelineID: id, Stage: stage, Status: domain.StagePending}
		case err != nil:
			return domain.WrapError(domain.KindStorageTransient, "get stage", err)
		default:
			rec = &domain.StageRecord{}
			if err := json.Unmarshal(raw, rec); err != nil {
				return err
			}
		}
		if err := mutate(rec); err != nil {
			return err
		}
		rec.UpdatedAt = timeNow()
		newRaw, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, newRaw, 0)
			return nil
		})
		return err
	}

	var lastErr error
	for attempt := 0; attempt < maxOptimisticRetries; attempt++ {
		err := s.rdb.Watch(ctx, txf, key)
		if err == nil {
			if notFound {
				return ErrNotFound
			}
			return nil
		}
		if errors.Is(err, goredis.TxFailedErr) {
			lastErr = err
			continue
		}
		return err
	}
	return domain.WrapError(domain.KindStorageTransient, "stage update exhausted retries", lastErr)
}

func (s *RedisStore) UpsertStage(ctx context.Context, id, stage string, patch StagePatch) error {
	return s.mutateStage(ctx, id, stage, true, func(rec *domain.StageRecord) error {
		if patch.Status != nil {
			rec.Status = *patch.Status
		}
		if patch.Attempt != nil {
			rec.Attempt = *patch.Attempt
		}
		if patch.ExpectedTasks != nil {
			rec.ExpectedTasks = *patch.ExpectedTasks
		}
		if patch.CompletedTasks != nil {
			rec.CompletedTasks = *patch.CompletedTasks
		}
		if patch.StartedAt != nil {
			rec.StartedAt = patch.StartedAt
		}
		if patch.CompensationPending != nil {
			rec.CompensationPending = *patch.CompensationPending
		}
		return nil
	})
}

// UpdateStageProgress applies an atomic completed-task increment, clamped so
// completedTasks never exceeds expectedTasks (data model invariant 2). The
// read-modify-write runs inside mutateStage's WATCH/MULTI retry loop so
// concurrent increments for the same stage (e.g. two scatter tasks completing
// in the same poll window, handled by two different results-consumer
// goroutines) never lose an update.
func (s *RedisStore) UpdateStageProgress(ctx context.Context, id, stage string, delta ProgressDelta) error {
	return s.mutateStage(ctx, id, stage, false, func(rec *domain.StageRecord) error {
		rec.CompletedTasks += delta.CompletedTasksDelta
		if rec.CompletedTasks > rec.ExpectedTasks {
			rec.CompletedTasks = rec.ExpectedTasks
		}
		return nil
	})
}

func (s *RedisStore) RecordTaskAttempt(ctx context.Context, attempt domain.TaskAttemptRecord) error {
	raw, err := json.Marshal(attempt)
	if err != nil {
		return err
	}
	if err := s.rdb.RPush(ctx, attemptsKey(attempt.PipelineID, attempt.Stage), raw).Err(); err != nil {
		return domain.WrapError(domain.KindStorageTransient, "record task attempt", err)
	}
	return nil
}

func (s *RedisStore) ListTaskAttempts(ctx context.Context, id, stage string) ([]domain.TaskAttemptRecord, error) {
	raws, err := s.rdb.LRange(ctx, attemptsKey(id, stage), 0, -1).Result()
	if err != nil {
		return nil, domain.WrapError(domain.KindStorageTransient, "list task attempts", err)
	}
	out := make([]domain.TaskAttemptRecord, 0, len(raws))
	for _, raw := range raws {
		var a domain.TaskAttemptRecord
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// GetPendingTasks derives, from the append-only ledger, the latest recorded
// status per task index and returns those still queued or running.
func (s *RedisStore) GetPendingTasks(ctx context.Context, id, stage string) ([]domain.TaskAttemptRecord, error) {
	all, err := s.ListTaskAttempts(ctx, id, stage)
	if err != nil {
		return nil, err
	}
	latest := make(map[int]domain.TaskAttemptRecord)
	order := make([]int, 0)
	for _, a := range all {
		if _, seen := latest[a.TaskIndex]; !seen {
			order = append(order, a.TaskIndex)
		}
		latest[a.TaskIndex] = a
	}
	sort.Ints(order)
	out := make([]domain.TaskAttemptRecord, 0, len(order))
	for _, idx := range order {
		a := latest[idx]
		if a.Status == domain.TaskQueued || a.Status == domain.TaskRunning {
			out = append(out, a)
		}
	}
	return out, nil
}

// AppendStageOutput upserts by task index (a Redis hash field), which gives
// exactly-once-per-index semantics across any number of retry cycles without
// a separate dedupe pass.
func (s *RedisStore) AppendStageOutput(ctx context.Context, id, stage string, stageAttempt int, output domain.StageOutput) error {
	raw, err := json.Marshal(output)
	if err != nil {
		return err
	}
	if err := s.rdb.HSet(ctx, outputsKey(id, stage, stageAttempt), strconv.Itoa(output.TaskIndex), raw).Err(); err != nil {
		return domain.WrapError(domain.KindStorageTransient, "append stage output", err)
	}
	return nil
}

// GetStageOutputs returns outputs ordered by task index, not insertion order,
// so gather-over-scatter results are deterministic regardless of completion
// order (concurrency ordering guarantee in §5).
func (s *RedisStore) GetStageOutputs(ctx context.Context, id, stage string, stageAttempt int) ([]domain.StageOutput, error) {
	fields, err := s.rdb.HGetAll(ctx, outputsKey(id, stage, stageAttempt)).Result()
	if err != nil {
		return nil, domain.WrapError(domain.KindStorageTransient, "get stage outputs", err)
	}
	out := make([]domain.StageOutput, 0, len(fields))
	for _, raw := range fields {
		var o domain.StageOutput
		if err := json.Unmarshal([]byte(raw), &o); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskIndex < out[j].TaskIndex })
	return out, nil
}

func (s *RedisStore) ClearStageOutputs(ctx context.Context, id, stage string, stageAttempt int) error {
	if err := s.rdb.Del(ctx, outputsKey(id, stage, stageAttempt)).Err(); err != nil {
		return domain.WrapError(domain.KindStorageTransient, "clear stage outputs", err)
	}
	return nil
}

func (s *RedisStore) getLease(ctx context.Context, id, stage string, taskIndex int) (*domain.TaskLease, error) {
	raw, err := s.rdb.Get(ctx, leaseKey(id, stage, taskIndex)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, domain.WrapError(domain.KindStorageTransient, "get lease", err)
	}
	var l domain.TaskLease
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *RedisStore) saveLease(ctx context.Context, id, stage string, taskIndex int, l *domain.TaskLease, ttl time.Duration) error {
	raw, err := json.Marshal(l)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, leaseKey(id, stage, taskIndex), raw, ttl).Err(); err != nil {
		return domain.WrapError(domain.KindStorageTransient, "save lease", err)
	}
	return nil
}

// AcquireTaskLease succeeds if no live lease exists, the existing lease has
// expired, or the current holder's lease id matches the request. The
// check-and-set runs inside a WATCH/MULTI transaction on the lease key so two
// concurrent first-time Acquire calls for the same (pipeline, stage, task
// index) cannot both observe "no lease" and both win: the loser's EXEC is
// aborted by the watch and retried, at which point it observes the winner's
// lease and returns ErrLeaseHeld.
func (s *RedisStore) AcquireTaskLease(ctx context.Context, req AcquireLeaseRequest) (*domain.TaskLease, error) {
	key := leaseKey(req.PipelineID, req.Stage, req.TaskIndex)
	var result *domain.TaskLease
	var held bool

	txf := func(tx *goredis.Tx) error {
		held = false
		now := timeNow()
		raw, err := tx.Get(ctx, key).Bytes()
		var existing *domain.TaskLease
		switch {
		case errors.Is(err, goredis.Nil):
			existing = nil
		case err != nil:
			return domain.WrapError(domain.KindStorageTransient, "get lease", err)
		default:
			existing = &domain.TaskLease{}
			if err := json.Unmarshal(raw, existing); err != nil {
				return err
			}
		}
		if existing != nil && !existing.Expired(now) && existing.LeaseID != req.LeaseID {
			held = true
			return nil
		}
		lease := &domain.TaskLease{
			LeaseID:    req.LeaseID,
			Owner:      req.Owner,
			AcquiredAt: now,
			ExpiresAt:  now.Add(req.TTL),
		}
		if existing != nil && existing.LeaseID == req.LeaseID {
			lease.RenewalCount = existing.RenewalCount
		}
		raw, err = json.Marshal(lease)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, raw, req.TTL)
			return nil
		})
		if err != nil {
			return err
		}
		result = lease
		return nil
	}

	var lastErr error
	for attempt := 0; attempt < maxOptimisticRetries; attempt++ {
		err := s.rdb.Watch(ctx, txf, key)
		if err == nil {
			if held {
				return nil, ErrLeaseHeld
			}
			return result, nil
		}
		if errors.Is(err, goredis.TxFailedErr) {
			lastErr = err
			continue
		}
		return nil, err
	}
	return nil, domain.WrapError(domain.KindStorageTransient, "acquire lease exhausted retries", lastErr)
}

func (s *RedisStore) RenewTaskLease(ctx context.Context, id, stage string, taskIndex int, leaseID string, ttl time.Duration) error {
	existing, err := s.getLease(ctx, id, stage, taskIndex)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrLeaseNotHeld
		}
		return err
	}
	if existing.LeaseID != leaseID {
		return ErrLeaseNotHeld
	}
	existing.ExpiresAt = timeNow().Add(ttl)
	existing.RenewalCount++
	return s.saveLease(ctx, id, stage, taskIndex, existing, ttl)
}

// ReleaseTaskLease releases iff the caller holds the lease; an absent lease
// is a no-op, matching the idempotent-release contract.
func (s *RedisStore) ReleaseTaskLease(ctx context.Context, id, stage string, taskIndex int, leaseID string) error {
	existing, err := s.getLease(ctx, id, stage, taskIndex)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if existing.LeaseID != leaseID {
		return ErrLeaseNotHeld
	}
	if err := s.rdb.Del(ctx, leaseKey(id, stage, taskIndex)).Err(); err != nil {
		return domain.WrapError(domain.KindStorageTransient, "release lease", err)
	}
	return nil
}

func (s *RedisStore) GetTaskLease(ctx context.Context, id, stage string, taskIndex int) (*domain.TaskLease, error) {
	return s.getLease(ctx, id, stage, taskIndex)
}

type cancelPayload struct {
	Reason      string    `json:"reason"`
	CancelledAt time.Time `json:"cancelledAt"`
}

// MarkPipelineCancelled is idempotent: re-marking an already-cancelled
// pipeline with a different reason simply overwrites the reason.
func (s *RedisStore) MarkPipelineCancelled(ctx context.Context, id, reason string) error {
	raw, err := json.Marshal(cancelPayload{Reason: reason, CancelledAt: timeNow()})
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, cancelKey(id), raw, 0).Err(); err != nil {
		return domain.WrapError(domain.KindStorageTransient, "mark pipeline cancelled", err)
	}
	rec, err := s.GetPipeline(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	rec.Cancelled = true
	rec.CancelReason = reason
	rec.UpdatedAt = timeNow()
	return s.saveRecord(ctx, rec)
}

func (s *RedisStore) IsPipelineCancelled(ctx context.Context, id string) (bool, string, error) {
	raw, err := s.rdb.Get(ctx, cancelKey(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return false, "", nil
	}
	if err != nil {
		return false, "", domain.WrapError(domain.KindStorageTransient, "check cancellation", err)
	}
	var p cancelPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return false, "", err
	}
	return true, p.Reason, nil
}

func (s *RedisStore) SnapshotContext(ctx context.Context, id string, context any) error {
	raw, err := json.Marshal(context)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, contextKey(id), raw, 0).Err(); err != nil {
		return domain.WrapError(domain.KindStorageTransient, "snapshot context", err)
	}
	return nil
}

func (s *RedisStore) LoadContext(ctx context.Context, id string) (any, error) {
	raw, err := s.rdb.Get(ctx, contextKey(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.WrapError(domain.KindStorageTransient, "load context", err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func (s *RedisStore) ListRunningPipelines(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, runningPipelinesKey).Result()
	if err != nil {
		return nil, domain.WrapError(domain.KindStorageTransient, "list running pipelines", err)
	}
	return ids, nil
}

var timeNow = func() time.Time { return time.Now().UTC() }
