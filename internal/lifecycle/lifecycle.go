// Package lifecycle implements LifecycleManager (spec.md §4.4): the
// stateless façade that orchestrates conversation creation, messaging,
// close, and transfer, composing fan-out notifications to the parties
// involved. Grounded on the teacher's
// internal/handlers/agent_websocket.go message-type switch (per-event
// handling) and internal/services/command_dispatcher.go's worker-pool
// fan-out discipline (best-effort, one failure must not block the others).
package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"github.com/microcosm-cc/bluemonday"

	apperrors "github.com/chatdispatch/dispatcher/internal/errors"
	"github.com/chatdispatch/dispatcher/internal/logger"
	"github.com/chatdispatch/dispatcher/internal/models"
	"github.com/chatdispatch/dispatcher/internal/registry"
)

// Store is the subset of ConversationStore the manager needs.
type Store interface {
	GetOrOpenFor(ctx context.Context, customerID int64) (*models.Conversation, bool, error)
	GetConversation(ctx context.Context, id int64) (*models.Conversation, error)
	GetAgent(ctx context.Context, agentID int64) (*models.Agent, error)
	ActiveConversationCount(ctx context.Context, agentID int64) (int, error)
	LoadCounts(ctx context.Context, agentID int64) (active int, waiting int, err error)

	Assign(ctx context.Context, conversationID, agentID int64) error
	Reassign(ctx context.Context, conversationID, newAgentID int64) error
	RevertToWaiting(ctx context.Context, conversationID int64) error
	Close(ctx context.Context, conversationID int64) error

	AppendMessage(ctx context.Context, conversationID int64, senderKind models.SenderKind, senderID int64, contentKind models.ContentKind, body string) (*models.Message, error)
	MarkRead(ctx context.Context, conversationID int64, reader models.SenderKind) error
	MarkAllUnread(ctx context.Context, conversationID int64) error
	UnreadCount(ctx context.Context, conversationID int64, senderKind models.SenderKind) (int, error)
	Messages(ctx context.Context, conversationID int64) ([]models.Message, error)

	AppendTransfer(ctx context.Context, conversationID, fromAgentID, toAgentID int64, kind models.TransferKind, operatorID *int64, reason string) error
	WaitingQueue(ctx context.Context, limit int) ([]models.Conversation, error)
}

// Assigner is the subset of AssignmentEngine the manager needs.
type Assigner interface {
	Pick(ctx context.Context, exclude map[int64]bool) (int64, bool)
}

// Pusher delivers an outbound frame to a session; satisfied by
// SessionGateway. Push is best-effort: a failed push is logged, never
// propagated to the caller (spec.md §4.4.1: "each push is best-effort and
// must not block others on failure").
type Pusher interface {
	PushToAgent(agentID int64, frameType string, data interface{})
	PushToCustomer(customerID int64, frameType string, data interface{})
}

// Manager is the LifecycleManager. It holds no state of its own.
type Manager struct {
	store    Store
	registry *registry.Registry
	assigner Assigner
	push     Pusher
	sanitize *bluemonday.Policy
}

func New(store Store, reg *registry.Registry, assigner Assigner, push Pusher) *Manager {
	return &Manager{
		store:    store,
		registry: reg,
		assigner: assigner,
		push:     push,
		sanitize: bluemonday.StrictPolicy(),
	}
}

// fanOut runs each push concurrently and waits for all of them to return;
// an individual push's own failure handling is internal to Pusher. Mirrors
// the teacher's worker-pool fan-out: one recipient's failure never blocks
// another's.
func (m *Manager) fanOut(pushes ...func()) {
	var wg sync.WaitGroup
	for _, p := range pushes {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					logger.Lifecycle().Error().Interface("panic", r).Msg("fan-out push panicked")
				}
			}()
			p()
		}()
	}
	wg.Wait()
}

// HandleCustomerMessage implements spec.md §4.4.1.
func (m *Manager) HandleCustomerMessage(ctx context.Context, customerID int64, contentKind models.ContentKind, body string) error {
	body = m.sanitize.Sanitize(body)

	conv, created, err := m.store.GetOrOpenFor(ctx, customerID)
	if err != nil {
		return err
	}

	if _, err := m.store.AppendMessage(ctx, conv.ID, models.SenderCustomer, customerID, contentKind, body); err != nil {
		return err
	}

	if conv.AgentID.Valid {
		agentID := conv.AgentID.Int64
		pushes := []func(){
			func() { m.push.PushToAgent(agentID, "new_message", messagePayload(conv.ID, contentKind, body)) },
		}
		if created {
			pushes = append(pushes, func() {
				m.push.PushToAgent(agentID, "conversation_assigned", conversationSummary(conv))
			})
		}
		pushes = append(pushes, func() { m.push.PushToCustomer(customerID, "message_sent", messagePayload(conv.ID, contentKind, body)) })
		m.fanOut(pushes...)
		return nil
	}

	candidate, ok := m.assigner.Pick(ctx, nil)
	if ok {
		if err := m.store.Assign(ctx, conv.ID, candidate); err != nil {
			logger.Lifecycle().Warn().Err(err).Int64("conversation_id", conv.ID).Msg("assign race lost, falling back to queue notice")
			m.fanOut(func() { m.push.PushToCustomer(customerID, "queue_notice", nil) },
				func() {
					m.push.PushToCustomer(customerID, "message_sent", messagePayload(conv.ID, contentKind, body))
				})
			return nil
		}
		m.fanOut(
			func() { m.push.PushToAgent(candidate, "conversation_assigned", conversationSummary(conv)) },
			func() { m.push.PushToCustomer(customerID, "agent_assigned", map[string]interface{}{"agent_id": candidate}) },
			func() { m.push.PushToCustomer(customerID, "message_sent", messagePayload(conv.ID, contentKind, body)) },
		)
		return nil
	}

	m.fanOut(
		func() { m.push.PushToCustomer(customerID, "queue_notice", nil) },
		func() { m.push.PushToCustomer(customerID, "message_sent", messagePayload(conv.ID, contentKind, body)) },
	)
	return nil
}

// HandleAgentMessage implements spec.md §4.4.2.
func (m *Manager) HandleAgentMessage(ctx context.Context, agentID, conversationID int64, contentKind models.ContentKind, body string) error {
	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv == nil || !conv.AgentID.Valid || conv.AgentID.Int64 != agentID || conv.Status == models.StatusClosed {
		logger.Lifecycle().Debug().Int64("agent_id", agentID).Int64("conversation_id", conversationID).Msg("dropped malformed agent message")
		return nil
	}

	body = m.sanitize.Sanitize(body)
	if _, err := m.store.AppendMessage(ctx, conversationID, models.SenderAgent, agentID, contentKind, body); err != nil {
		return err
	}

	m.fanOut(
		func() { m.push.PushToCustomer(conv.CustomerID, "new_message", messagePayload(conversationID, contentKind, body)) },
		func() { m.push.PushToAgent(agentID, "message_sent", messagePayload(conversationID, contentKind, body)) },
	)
	return nil
}

// ownsConversation reports whether principalID is the party fromKind claims
// to be on conv — the assigned agent, or the conversation's customer.
func ownsConversation(conv *models.Conversation, fromKind models.SenderKind, principalID int64) bool {
	switch fromKind {
	case models.SenderAgent:
		return conv.AgentID.Valid && conv.AgentID.Int64 == principalID
	case models.SenderCustomer:
		return conv.CustomerID == principalID
	default:
		return false
	}
}

// HandleTyping implements spec.md §4.4.3: forward the boolean to the
// counterpart after validating session ownership of the conversation. A
// principal referencing a conversation it doesn't own is dropped silently
// (spec.md §7: permission-denied on a non-owned conversation).
func (m *Manager) HandleTyping(ctx context.Context, fromKind models.SenderKind, principalID, conversationID int64, typing bool) error {
	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil || conv == nil {
		return err
	}
	if !ownsConversation(conv, fromKind, principalID) {
		return nil
	}
	switch fromKind {
	case models.SenderAgent:
		m.push.PushToCustomer(conv.CustomerID, "typing", map[string]interface{}{"typing": typing})
	case models.SenderCustomer:
		if conv.AgentID.Valid {
			m.push.PushToAgent(conv.AgentID.Int64, "typing", map[string]interface{}{"typing": typing})
		}
	}
	return nil
}

// HandleRead implements spec.md §4.4.4, validating ownership the same way
// HandleTyping does.
func (m *Manager) HandleRead(ctx context.Context, fromKind models.SenderKind, principalID, conversationID int64) error {
	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil || conv == nil {
		return err
	}
	if !ownsConversation(conv, fromKind, principalID) {
		return nil
	}
	if err := m.store.MarkRead(ctx, conversationID, fromKind); err != nil {
		return err
	}
	reader := "customer"
	if fromKind == models.SenderAgent {
		reader = "agent"
	}
	switch fromKind {
	case models.SenderAgent:
		m.push.PushToCustomer(conv.CustomerID, "messages_read", map[string]interface{}{"reader": reader})
	case models.SenderCustomer:
		if conv.AgentID.Valid {
			m.push.PushToAgent(conv.AgentID.Int64, "messages_read", map[string]interface{}{"reader": reader})
		}
	}
	return nil
}

// Close implements spec.md §4.4.5. Only the assigned agent may close; the
// HTTP admin surface calls it with the caller's agent id and is subject to
// the same ownership check.
func (m *Manager) Close(ctx context.Context, agentID, conversationID int64) error {
	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv == nil || !conv.AgentID.Valid || conv.AgentID.Int64 != agentID {
		return apperrors.Forbidden("conversation not owned by this agent")
	}

	if err := m.store.Close(ctx, conversationID); err != nil {
		return err
	}
	m.fanOut(
		func() { m.push.PushToAgent(agentID, "conversation_closed", map[string]interface{}{"conversation_id": conversationID}) },
		func() { m.push.PushToCustomer(conv.CustomerID, "conversation_closed", map[string]interface{}{"conversation_id": conversationID}) },
	)
	if _, err := m.TryDrainWaitingFor(ctx, agentID); err != nil {
		logger.Lifecycle().Warn().Err(err).Int64("agent_id", agentID).Msg("drain after close failed")
	}
	return nil
}

// Transfer implements spec.md §4.4.6. operatorID is nil unless kind is
// MANUAL.
func (m *Manager) Transfer(ctx context.Context, conversationID, targetAgentID int64, kind models.TransferKind, operatorID *int64, reason string) error {
	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv == nil {
		return apperrors.NotFound("conversation")
	}
	if conv.Status == models.StatusClosed {
		return apperrors.Conflict("conversation is closed")
	}
	if !conv.AgentID.Valid {
		return apperrors.Conflict("conversation has no current agent")
	}
	fromAgentID := conv.AgentID.Int64
	if fromAgentID == targetAgentID {
		return apperrors.SameAgent()
	}

	target, err := m.store.GetAgent(ctx, targetAgentID)
	if err != nil {
		return err
	}
	if target == nil || !target.Enabled {
		return apperrors.NotFound("target agent")
	}
	if m.registry.AgentStatus(targetAgentID) != models.AgentOnline {
		return apperrors.TargetOffline()
	}
	activeCount, err := m.store.ActiveConversationCount(ctx, targetAgentID)
	if err != nil {
		return err
	}
	if activeCount >= target.Capacity {
		return apperrors.TargetFull()
	}

	if err := m.store.Reassign(ctx, conversationID, targetAgentID); err != nil {
		return err
	}
	if err := m.store.AppendTransfer(ctx, conversationID, fromAgentID, targetAgentID, kind, operatorID, reason); err != nil {
		logger.Lifecycle().Warn().Err(err).Msg("failed to append transfer record")
	}
	if err := m.store.MarkAllUnread(ctx, conversationID); err != nil {
		logger.Lifecycle().Warn().Err(err).Msg("failed to reset unread flags on transfer")
	}

	fromAgent, _ := m.store.GetAgent(ctx, fromAgentID)
	fromName, toName := "a previous agent", target.DisplayName
	if fromAgent != nil {
		fromName = fromAgent.DisplayName
	}
	sysBody := fmt.Sprintf("conversation transferred from %s to %s (%s)", fromName, toName, kind)
	if _, err := m.store.AppendMessage(ctx, conversationID, models.SenderSystem, 0, models.ContentText, sysBody); err != nil {
		logger.Lifecycle().Warn().Err(err).Msg("failed to append transfer system message")
	}

	history, _ := m.store.Messages(ctx, conversationID)
	unread, _ := m.store.UnreadCount(ctx, conversationID, models.SenderCustomer)

	m.fanOut(
		func() {
			m.push.PushToAgent(fromAgentID, "conversation_transferred_out", map[string]interface{}{
				"conversation_id": conversationID,
				"to_agent_id":     targetAgentID,
				"to_name":         toName,
				"kind":            kind,
				"reason":          reason,
			})
		},
		func() {
			m.push.PushToAgent(targetAgentID, "conversation_assigned", map[string]interface{}{
				"conversation":  conversationSummary(conv),
				"history":       history,
				"unread_count":  unread,
				"is_transfer":   true,
				"from_agent_id": fromAgentID,
			})
		},
		func() {
			m.push.PushToCustomer(conv.CustomerID, "agent_changed", map[string]interface{}{
				"text": fmt.Sprintf("You have been transferred to %s.", toName),
			})
		},
	)
	return nil
}

// TryDrainWaitingFor implements spec.md §4.4.7.
func (m *Manager) TryDrainWaitingFor(ctx context.Context, agentID int64) (int, error) {
	if m.registry.AgentStatus(agentID) != models.AgentOnline || !m.registry.IsAlive(agentID) {
		return 0, nil
	}
	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return 0, err
	}
	if agent == nil || agent.Admin || !agent.Enabled {
		return 0, nil
	}

	active, err := m.store.ActiveConversationCount(ctx, agentID)
	if err != nil {
		return 0, err
	}
	freeSlots := agent.Capacity - active
	if freeSlots <= 0 {
		return 0, nil
	}

	waiting, err := m.store.WaitingQueue(ctx, freeSlots)
	if err != nil {
		return 0, err
	}

	assigned := 0
	for _, conv := range waiting {
		active, err := m.store.ActiveConversationCount(ctx, agentID)
		if err != nil {
			logger.Lifecycle().Warn().Err(err).Msg("drain: failed to re-check active count")
			continue
		}
		if active >= agent.Capacity {
			break
		}
		if err := m.store.Assign(ctx, conv.ID, agentID); err != nil {
			continue
		}
		assigned++
		convCopy := conv
		m.fanOut(
			func() { m.push.PushToAgent(agentID, "conversation_assigned", conversationSummary(&convCopy)) },
			func() { m.push.PushToCustomer(convCopy.CustomerID, "agent_assigned", map[string]interface{}{"agent_id": agentID}) },
		)
	}
	return assigned, nil
}

// TransferOnAgentOffline implements spec.md §4.4.8, invoked by the
// heartbeat-sweep reconciler for each ACTIVE conversation held by an agent
// that just went offline.
func (m *Manager) TransferOnAgentOffline(ctx context.Context, conv models.Conversation) error {
	candidate, ok := m.assigner.Pick(ctx, nil)
	if ok {
		return m.Transfer(ctx, conv.ID, candidate, models.TransferAutoAgentOffline, nil, "agent went offline")
	}
	return m.store.RevertToWaiting(ctx, conv.ID)
}

func messagePayload(conversationID int64, kind models.ContentKind, body string) map[string]interface{} {
	return map[string]interface{}{
		"conversation_id": conversationID,
		"content_kind":    kind,
		"content":         body,
	}
}

func conversationSummary(conv *models.Conversation) models.Summary {
	return models.Summary{ID: conv.ID, CustomerID: conv.CustomerID, Status: string(conv.Status)}
}
