// Package reconcile implements the three periodic reconcilers of spec.md
// §4.6 — heartbeat sweep, waiting-queue drain, timeout auto-transfer — on
// robfig/cron/v3's @every schedules, grounded on the teacher's
// internal/websocket/agent_hub.go checkStaleConnections ticker and
// internal/handlers/scheduling.go's cron usage.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/chatdispatch/dispatcher/internal/config"
	"github.com/chatdispatch/dispatcher/internal/lifecycle"
	"github.com/chatdispatch/dispatcher/internal/logger"
	"github.com/chatdispatch/dispatcher/internal/models"
	"github.com/chatdispatch/dispatcher/internal/registry"
)

// Assigner is the subset of AssignmentEngine the timeout reconciler needs.
type Assigner interface {
	Pick(ctx context.Context, exclude map[int64]bool) (int64, bool)
}

// Store is the subset of ConversationStore the reconcilers read; satisfied
// by *store.Store.
type Store interface {
	GetConversation(ctx context.Context, id int64) (*models.Conversation, error)
	ConversationsByAgent(ctx context.Context, agentID int64) ([]models.Conversation, error)
	WaitingQueue(ctx context.Context, limit int) ([]models.Conversation, error)
	TimeoutCandidates(ctx context.Context, threshold time.Duration) ([]models.Conversation, error)
}

// Runner owns the three reconcilers and their cron schedule.
type Runner struct {
	cron      *cron.Cron
	registry  *registry.Registry
	store     Store
	lifecycle *lifecycle.Manager
	assigner  Assigner
	cfg       *config.Config
}

func New(reg *registry.Registry, st Store, lc *lifecycle.Manager, assigner Assigner, cfg *config.Config) *Runner {
	return &Runner{
		cron:      cron.New(),
		registry:  reg,
		store:     st,
		lifecycle: lc,
		assigner:  assigner,
		cfg:       cfg,
	}
}

// Start registers the three reconcilers on their configured periods and
// starts the cron scheduler. Each reconciler is an independent cron entry;
// cron does not order one entry's runs relative to another's. The
// offline-transfer step is not a separate entry: HeartbeatSweep forces a
// stale agent offline and then handles that agent's conversations in the
// same pass (see DESIGN.md's Open Question decision on reconciler ordering).
func (r *Runner) Start() error {
	entries := []struct {
		name   string
		period time.Duration
		fn     func(context.Context)
	}{
		{"heartbeat_sweep", r.cfg.HeartbeatSweepPeriod, r.HeartbeatSweep},
		{"waiting_drain", r.cfg.WaitingDrainPeriod, r.WaitingDrain},
		{"timeout_transfer", r.cfg.TimeoutTransferPeriod, r.TimeoutTransfer},
	}
	for _, e := range entries {
		e := e
		spec := fmt.Sprintf("@every %s", e.period.String())
		if _, err := r.cron.AddFunc(spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			e.fn(ctx)
		}); err != nil {
			return fmt.Errorf("reconcile: schedule %s: %w", e.name, err)
		}
	}
	r.cron.Start()
	return nil
}

func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

// HeartbeatSweep implements spec.md §4.6.1.
func (r *Runner) HeartbeatSweep(ctx context.Context) {
	log := logger.Reconcile()
	swept, transferred, reverted := 0, 0, 0

	for _, agentID := range r.registry.OnlineAgentIDs() {
		if r.registry.IsAlive(agentID) {
			continue
		}
		r.registry.ForceOffline(agentID)
		swept++

		convs, err := r.store.ConversationsByAgent(ctx, agentID)
		if err != nil {
			log.Warn().Err(err).Int64("agent_id", agentID).Msg("heartbeat sweep: failed to list conversations")
			continue
		}
		for _, conv := range convs {
			if err := r.lifecycle.TransferOnAgentOffline(ctx, conv); err != nil {
				log.Warn().Err(err).Int64("conversation_id", conv.ID).Msg("transfer-on-offline failed")
				continue
			}
			after, err := r.store.GetConversation(ctx, conv.ID)
			if err == nil && after != nil && after.Status == models.StatusWaiting {
				reverted++
			} else {
				transferred++
			}
		}
	}
	log.Info().Int("agents_swept", swept).Int("conversations_handled", transferred+reverted).Msg("heartbeat sweep complete")
}

// WaitingDrain implements spec.md §4.6.2.
func (r *Runner) WaitingDrain(ctx context.Context) {
	log := logger.Reconcile()

	waiting, err := r.store.WaitingQueue(ctx, 1000)
	if err != nil {
		log.Warn().Err(err).Msg("waiting drain: failed to read queue")
		return
	}
	if len(waiting) == 0 {
		return
	}

	total := 0
	for _, agentID := range r.registry.OnlineAgentIDs() {
		n, err := r.lifecycle.TryDrainWaitingFor(ctx, agentID)
		if err != nil {
			log.Warn().Err(err).Int64("agent_id", agentID).Msg("waiting drain: drain failed")
			continue
		}
		total += n

		remaining, err := r.store.WaitingQueue(ctx, 1)
		if err == nil && len(remaining) == 0 {
			break
		}
	}
	log.Info().Int("assigned", total).Msg("waiting drain complete")
}

// TimeoutTransfer implements spec.md §4.6.3.
func (r *Runner) TimeoutTransfer(ctx context.Context) {
	log := logger.Reconcile()

	candidates, err := r.store.TimeoutCandidates(ctx, r.cfg.TimeoutTransferThreshold)
	if err != nil {
		log.Warn().Err(err).Msg("timeout transfer: failed to read candidates")
		return
	}

	transferred, failed := 0, 0
	for _, conv := range candidates {
		if !conv.AgentID.Valid {
			continue
		}
		exclude := map[int64]bool{conv.AgentID.Int64: true}
		candidate, ok := r.assigner.Pick(ctx, exclude)
		if !ok {
			failed++
			continue
		}
		reason := fmt.Sprintf("customer unanswered %s", r.cfg.TimeoutTransferThreshold)
		if err := r.lifecycle.Transfer(ctx, conv.ID, candidate, models.TransferAutoTimeout, nil, reason); err != nil {
			failed++
			continue
		}
		transferred++
	}
	log.Info().Int("transferred", transferred).Int("failed", failed).Msg("timeout transfer complete")
}
