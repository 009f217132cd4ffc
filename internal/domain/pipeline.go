// Package domain holds the wire- and storage-level data model for the pipeline
// orchestration core: pipeline definitions, live records, task ledger entries,
// and the envelope that travels over every queue.
package domain

import "time"

// StageMode selects which executor plans and completes a stage.
type StageMode string

const (
	ModeSingle    StageMode = "single"
	ModeScatter   StageMode = "scatter"
	ModeGather    StageMode = "gather"
	ModeBroadcast StageMode = "broadcast"
	ModeForkJoin  StageMode = "fork-join"
)

// BackoffKind selects the retry delay curve for a stage's RetryPolicy.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// GatherCombine controls how a gather stage folds collected upstream outputs.
type GatherCombine string

const (
	CombineConcat GatherCombine = "concat"
	CombineObject GatherCombine = "object"
)

// GatherCondition is the barrier predicate a gather stage waits on.
//
// "all" and "any" are literal; "count:N" is parsed at compile time into
// CountN with Condition set to GatherCount.
type GatherCondition string

const (
	GatherAll   GatherCondition = "all"
	GatherAny   GatherCondition = "any"
	GatherCount GatherCondition = "count"
)

// RetryPolicy governs whether and how a failed task is re-queued.
type RetryPolicy struct {
	MaxAttempts      int         `json:"maxAttempts"`
	Backoff          BackoffKind `json:"backoff"`
	BackoffDelayMs   int64       `json:"backoffDelayMs"`
	MaxBackoffDelay  int64       `json:"maxBackoffDelayMs,omitempty"`
	BackoffMultiplier float64    `json:"backoffMultiplier,omitempty"`
}

// Enabled reports whether this policy admits any retry at all.
func (r RetryPolicy) Enabled() bool { return r.MaxAttempts > 1 }

// CompensationSpec binds an undo actor to a stage, invoked in reverse-completion
// order when a later stage exhausts its retries.
type CompensationSpec struct {
	Actor string         `json:"actor"`
	Input map[string]any `json:"input,omitempty"`
}

// CircuitBreakerSpec bounds the failure rate the orchestrator tolerates for the
// actor type a stage dispatches to before refusing new enqueues.
type CircuitBreakerSpec struct {
	FailureThreshold int           `json:"failureThreshold"`
	Cooldown         time.Duration `json:"cooldown"`
	HalfOpenRequests int           `json:"halfOpenRequests"`
}

// ScatterSpec describes the fan-out collection and per-item filter for a scatter
// stage.
type ScatterSpec struct {
	Input     string `json:"input"`               // expression yielding an iterable
	Condition string `json:"condition,omitempty"` // per-item predicate, "item"/"as" in scope
	As        string `json:"as,omitempty"`        // alias the item is exposed under; default "item"
}

// GatherSpec describes the barrier a gather stage waits on and how it groups and
// combines collected upstream outputs.
type GatherSpec struct {
	Stage     []string        `json:"stage"`
	Condition GatherCondition `json:"condition"`
	CountN    int             `json:"countN,omitempty"` // parsed out of "count:N"
	GroupBy   string          `json:"groupBy,omitempty"`
	Combine   GatherCombine   `json:"combine,omitempty"`
	MinResults int            `json:"minResults,omitempty"`
}

// BroadcastSpec lists the actor fan-out targets for a broadcast stage.
type BroadcastSpec struct {
	Actors     []string `json:"actors"`
	WaitForAll bool     `json:"waitForAll"`
}

// ForkBranch is one leg of a fork-join stage; each branch has its own actor and
// input binding.
type ForkBranch struct {
	Name  string         `json:"name"`
	Actor string         `json:"actor"`
	Input map[string]any `json:"input,omitempty"`
}

// ForkJoinSpec lists the branches a fork-join stage dispatches concurrently.
type ForkJoinSpec struct {
	Branches []ForkBranch `json:"branches"`
}

// ExecutorConfig carries mode-specific knobs that don't belong on every stage:
// scatter.maxParallel and gather.timeout. Broadcast actors and fork-join
// branches live in BroadcastSpec and ForkJoinSpec.
type ExecutorConfig struct {
	MaxParallel int           `json:"maxParallel,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
}

// ActorWhenCase is one arm of a strategy-object actor reference's when-ladder.
type ActorWhenCase struct {
	Condition string `json:"condition"`
	Actor     string `json:"actor"`
}

// ActorRef resolves a stage's actor per task. Exactly one of Literal, Strategy, or
// WhenCases (with Default) is populated.
type ActorRef struct {
	Literal   string          `json:"literal,omitempty"`
	Strategy  string          `json:"strategy,omitempty"`  // expression evaluating to an actor name
	WhenCases []ActorWhenCase `json:"when,omitempty"`
	Default   string          `json:"default,omitempty"`
}

// IsZero reports an unset actor reference (a structural error at compile time).
func (a ActorRef) IsZero() bool {
	return a.Literal == "" && a.Strategy == "" && len(a.WhenCases) == 0
}

// StageDefinition is one DAG node of a PipelineDefinition.
type StageDefinition struct {
	Name      string    `json:"name"`
	Mode      StageMode `json:"mode"`
	Actor     ActorRef  `json:"actor"`
	Input     any       `json:"input,omitempty"` // binding map or expression string

	Scatter   *ScatterSpec   `json:"scatter,omitempty"`
	Gather    *GatherSpec    `json:"gather,omitempty"`
	Broadcast *BroadcastSpec `json:"broadcast,omitempty"`
	ForkJoin  *ForkJoinSpec  `json:"forkJoin,omitempty"`

	When      string   `json:"when,omitempty"`
	DependsOn []string `json:"dependsOn,omitempty"`

	Retry          RetryPolicy         `json:"retry,omitempty"`
	Compensation   *CompensationSpec   `json:"compensation,omitempty"`
	CircuitBreaker *CircuitBreakerSpec `json:"circuitBreaker,omitempty"`

	DeadLetterQueue string          `json:"deadLetterQueue,omitempty"`
	LeaseTTL        time.Duration   `json:"leaseTtl,omitempty"`
	Concurrency     int             `json:"concurrency,omitempty"`
	ExecutorConfig  ExecutorConfig  `json:"executorConfig,omitempty"`
}

// PipelineDefinition is the immutable, serializable description of a DAG of
// stages. A PipelineRecord is created by binding one of these to a trigger value.
type PipelineDefinition struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Version     string            `json:"version,omitempty"`
	Stages      []StageDefinition `json:"stages"`
}

// StageByName finds a stage definition by name, or returns false.
func (d PipelineDefinition) StageByName(name string) (StageDefinition, bool) {
	for _, s := range d.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageDefinition{}, false
}
