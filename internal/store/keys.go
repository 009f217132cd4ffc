package store

import "strconv"

// Key layout is bit-exact with the interoperability contract: any component
// speaking this layout against the same Redis can interoperate regardless of
// implementation language.
func recordKey(pipelineID string) string {
	return "pipeline:" + pipelineID + ":record"
}

func stageKey(pipelineID, stage string) string {
	return "pipeline:" + pipelineID + ":stage:" + stage
}

func attemptsKey(pipelineID, stage string) string {
	return stageKey(pipelineID, stage) + ":attempts"
}

func outputsKey(pipelineID, stage string, stageAttempt int) string {
	return stageKey(pipelineID, stage) + ":outputs:" + strconv.Itoa(stageAttempt)
}

func contextKey(pipelineID string) string {
	return "pipeline:" + pipelineID + ":context"
}

func cancelKey(pipelineID string) string {
	return "pipeline:" + pipelineID + ":cancel"
}

func leaseKey(pipelineID, stage string, taskIndex int) string {
	return stageKey(pipelineID, stage) + ":task:" + strconv.Itoa(taskIndex) + ":lease"
}

const runningPipelinesKey = "pipelines:running"
