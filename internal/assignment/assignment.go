// Package assignment implements AssignmentEngine (spec.md §4.2): a
// load-ranked, capacity-bounded picker of the best candidate agent for a
// conversation, grounded on the teacher's
// internal/services/agent_selector.go (SelectAgent: iterate online agents,
// re-check live session count per candidate before committing).
package assignment

import (
	"context"

	"github.com/chatdispatch/dispatcher/internal/logger"
	"github.com/chatdispatch/dispatcher/internal/models"
	"github.com/chatdispatch/dispatcher/internal/registry"
)

// AgentRecords is the subset of ConversationStore/agent-repository reads the
// engine needs; satisfied by *store.Store.
type AgentRecords interface {
	GetAgent(ctx context.Context, agentID int64) (*models.Agent, error)
	ActiveConversationCount(ctx context.Context, agentID int64) (int, error)
}

// Registry is the subset of registry.Registry the engine needs; satisfied
// by *registry.Registry.
type Registry interface {
	AgentsByLoad() []registry.AgentLoad
	AgentStatus(agentID int64) models.AgentStatus
	IsAlive(agentID int64) bool
}

// Engine is the AssignmentEngine.
type Engine struct {
	registry Registry
	records  AgentRecords
}

func New(registry Registry, records AgentRecords) *Engine {
	return &Engine{registry: registry, records: records}
}

// Pick implements spec.md §4.2 Pick: iterate agents by ascending load score,
// skip any that are excluded/offline/dead/missing/disabled/admin/at-capacity,
// re-checking capacity live against the store at the decision point. Returns
// 0, false if the iterator exhausts with no survivor.
func (e *Engine) Pick(ctx context.Context, exclude map[int64]bool) (int64, bool) {
	log := logger.Lifecycle()
	for _, candidate := range e.registry.AgentsByLoad() {
		id := candidate.AgentID
		if exclude[id] {
			continue
		}
		if e.registry.AgentStatus(id) != models.AgentOnline {
			continue
		}
		if !e.registry.IsAlive(id) {
			continue
		}

		agent, err := e.records.GetAgent(ctx, id)
		if err != nil {
			log.Warn().Err(err).Int64("agent_id", id).Msg("assignment: failed to load agent record")
			continue
		}
		if agent == nil || !agent.Enabled || agent.Admin {
			continue
		}

		active, err := e.records.ActiveConversationCount(ctx, id)
		if err != nil {
			log.Warn().Err(err).Int64("agent_id", id).Msg("assignment: failed to read live active count")
			continue
		}
		if active >= agent.Capacity {
			continue
		}

		return id, true
	}
	return 0, false
}

// LoadScore computes the ordering hint described in spec.md §4.2:
// active*1.0 + waiting*1.5 (waiting weighted higher — a queued customer is
// actively suffering). This is a hint only; Pick re-checks capacity live.
func LoadScore(active, waiting int) float64 {
	return float64(active)*1.0 + float64(waiting)*1.5
}
