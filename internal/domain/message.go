package domain

import "time"

// MessageType distinguishes the four kinds of envelope that cross the queue
// adapter: dispatch, success, failure, and archival.
type MessageType string

const (
	MessageExecute    MessageType = "execute"
	MessageResult     MessageType = "result"
	MessageFailure    MessageType = "failure"
	MessageDeadLetter MessageType = "dead-letter"
)

// MessagePayload is the task-shaped body of a PipelineMessage. Not every field
// is populated for every message type: execute carries Input, result carries
// Output, failure carries Error.
type MessagePayload struct {
	PipelineID   string       `json:"pipelineId"`
	Stage        string       `json:"stage"`
	TaskIndex    int          `json:"taskIndex"`
	StageAttempt int          `json:"stageAttempt"`
	RetryAttempt int          `json:"retryAttempt"`

	ActorType string `json:"actorType"`

	Input  any          `json:"input,omitempty"`
	Output any          `json:"output,omitempty"`
	Error  *ErrorRecord `json:"error,omitempty"`

	LeaseID    string        `json:"leaseId,omitempty"`
	LeaseTTL   time.Duration `json:"leaseTtl,omitempty"`
	RetryPolicy RetryPolicy  `json:"retryPolicy,omitempty"`
}

// PipelineMessage is the sole envelope type carried by every named queue.
type PipelineMessage struct {
	MessageID string      `json:"messageId"`
	Sender    string      `json:"sender,omitempty"`
	Recipient string      `json:"recipient"`
	Type      MessageType `json:"type"`
	Payload   MessagePayload `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// DeadLetterRecord is an archived, terminally-failed task message plus the
// reason it was archived.
type DeadLetterRecord struct {
	Message    PipelineMessage `json:"message"`
	Reason     string          `json:"reason"`
	ArchivedAt time.Time       `json:"archivedAt"`
}
