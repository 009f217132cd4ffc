// Package store implements the durable, Redis-backed pipeline state ledger:
// records, stage summaries, the task attempts ledger, stage outputs, task
// leases, and the cancellation flag, against the bit-exact key layout shared
// by every language implementation of this core.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/loomctl/pipelinecore/internal/domain"
)

// ErrPipelineExists is returned by CreatePipeline when the id is already in
// use.
var ErrPipelineExists = errors.New("store: pipeline already exists")

// ErrNotFound is returned when a record, stage, or lease does not exist.
var ErrNotFound = errors.New("store: not found")

// StatusPatch carries the optional fields a status transition may update
// alongside the new status.
type StatusPatch struct {
	CurrentStage *string
	ResumeCursor *int
}

// StagePatch carries merge-semantics fields for UpsertStage; nil fields are
// left unchanged on an existing record.
type StagePatch struct {
	Status              *domain.StageStatus
	Attempt             *int
	ExpectedTasks       *int
	CompletedTasks      *int
	StartedAt           *time.Time
	CompensationPending *bool
}

// ProgressDelta is an atomic counter increment applied by UpdateStageProgress.
type ProgressDelta struct {
	CompletedTasksDelta int
}

// AcquireLeaseRequest describes a lease acquisition attempt.
type AcquireLeaseRequest struct {
	PipelineID string
	Stage      string
	TaskIndex  int
	LeaseID    string
	TTL        time.Duration
	Owner      string
}

// Store is the full Pipeline State Store contract (spec.md §4.1). Every
// method is an atomic unit against the underlying key-value store; compound
// invariants are expressed through the operations themselves, not by callers
// composing multiple calls under an external lock.
type Store interface {
	CreatePipeline(ctx context.Context, id string, def domain.PipelineDefinition, trigger any) (*domain.PipelineRecord, error)
	GetPipeline(ctx context.Context, id string) (*domain.PipelineRecord, error)
	SetPipelineStatus(ctx context.Context, id string, status domain.PipelineStatus, patch StatusPatch) error

	UpsertStage(ctx context.Context, id, stage string, patch StagePatch) error
	GetStage(ctx context.Context, id, stage string) (*domain.StageRecord, error)
	UpdateStageProgress(ctx context.Context, id, stage string, delta ProgressDelta) error

	RecordTaskAttempt(ctx context.Context, attempt domain.TaskAttemptRecord) error
	ListTaskAttempts(ctx context.Context, id, stage string) ([]domain.TaskAttemptRecord, error)
	GetPendingTasks(ctx context.Context, id, stage string) ([]domain.TaskAttemptRecord, error)

	AppendStageOutput(ctx context.Context, id, stage string, stageAttempt int, output domain.StageOutput) error
	GetStageOutputs(ctx context.Context, id, stage string, stageAttempt int) ([]domain.StageOutput, error)
	ClearStageOutputs(ctx context.Context, id, stage string, stageAttempt int) error

	AcquireTaskLease(ctx context.Context, req AcquireLeaseRequest) (*domain.TaskLease, error)
	RenewTaskLease(ctx context.Context, id, stage string, taskIndex int, leaseID string, ttl time.Duration) error
	ReleaseTaskLease(ctx context.Context, id, stage string, taskIndex int, leaseID string) error
	GetTaskLease(ctx context.Context, id, stage string, taskIndex int) (*domain.TaskLease, error)

	MarkPipelineCancelled(ctx context.Context, id, reason string) error
	IsPipelineCancelled(ctx context.Context, id string) (bool, string, error)

	SnapshotContext(ctx context.Context, id string, context any) error
	LoadContext(ctx context.Context, id string) (any, error)

	ListRunningPipelines(ctx context.Context) ([]string, error)
}
