package orchestrator

import (
	"context"

	"github.com/loomctl/pipelinecore/internal/domain"
	"github.com/loomctl/pipelinecore/internal/store"
)

// storeUpstream adapts the state store to executor.UpstreamOutputs for one
// gather Plan call, resolving each referenced stage at its current attempt.
type storeUpstream struct {
	ctx      context.Context
	store    store.Store
	id       string
	attempts map[string]int
}

func (u storeUpstream) StageOutputs(stage string) ([]domain.StageOutput, bool) {
	attempt := u.attempts[stage]
	outs, err := u.store.GetStageOutputs(u.ctx, u.id, stage, attempt)
	if err != nil {
		return nil, false
	}
	return outs, true
}
