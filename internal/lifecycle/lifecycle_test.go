package lifecycle

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatdispatch/dispatcher/internal/errors"
	"github.com/chatdispatch/dispatcher/internal/models"
	"github.com/chatdispatch/dispatcher/internal/registry"
)

type pushCall struct {
	target    string // "agent" or "customer"
	id        int64
	frameType string
	data      interface{}
}

type fakePusher struct {
	mu    sync.Mutex
	calls []pushCall
}

func (p *fakePusher) PushToAgent(agentID int64, frameType string, data interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, pushCall{target: "agent", id: agentID, frameType: frameType, data: data})
}

func (p *fakePusher) PushToCustomer(customerID int64, frameType string, data interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, pushCall{target: "customer", id: customerID, frameType: frameType, data: data})
}

func (p *fakePusher) has(target string, id int64, frameType string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.calls {
		if c.target == target && c.id == id && c.frameType == frameType {
			return true
		}
	}
	return false
}

type fakeAssigner struct {
	pick   int64
	ok     bool
}

func (a *fakeAssigner) Pick(ctx context.Context, exclude map[int64]bool) (int64, bool) {
	return a.pick, a.ok
}

type fakeStore struct {
	convs          map[int64]*models.Conversation
	agents         map[int64]*models.Agent
	active         map[int64]int
	waiting        map[int64]int
	messages       map[int64][]models.Message
	unread         map[int64]int
	nextMessageID  int64
	assignErr      error
	waitingQueue   []models.Conversation
	transfers      []models.TransferRecord
	closedIDs      []int64
	markedAllUnread []int64
}

func (s *fakeStore) GetOrOpenFor(ctx context.Context, customerID int64) (*models.Conversation, bool, error) {
	for _, c := range s.convs {
		if c.CustomerID == customerID && c.Status != models.StatusClosed {
			return c, false, nil
		}
	}
	id := int64(len(s.convs) + 1)
	conv := &models.Conversation{ID: id, CustomerID: customerID, Status: models.StatusWaiting}
	s.convs[id] = conv
	return conv, true, nil
}

func (s *fakeStore) GetConversation(ctx context.Context, id int64) (*models.Conversation, error) {
	return s.convs[id], nil
}

func (s *fakeStore) GetAgent(ctx context.Context, agentID int64) (*models.Agent, error) {
	return s.agents[agentID], nil
}

func (s *fakeStore) ActiveConversationCount(ctx context.Context, agentID int64) (int, error) {
	return s.active[agentID], nil
}

func (s *fakeStore) LoadCounts(ctx context.Context, agentID int64) (int, int, error) {
	return s.active[agentID], s.waiting[agentID], nil
}

func (s *fakeStore) Assign(ctx context.Context, conversationID, agentID int64) error {
	if s.assignErr != nil {
		return s.assignErr
	}
	conv := s.convs[conversationID]
	conv.AgentID = sql.NullInt64{Int64: agentID, Valid: true}
	conv.Status = models.StatusActive
	s.active[agentID]++
	return nil
}

func (s *fakeStore) Reassign(ctx context.Context, conversationID, newAgentID int64) error {
	conv := s.convs[conversationID]
	if conv.AgentID.Valid {
		s.active[conv.AgentID.Int64]--
	}
	conv.AgentID = sql.NullInt64{Int64: newAgentID, Valid: true}
	s.active[newAgentID]++
	return nil
}

func (s *fakeStore) RevertToWaiting(ctx context.Context, conversationID int64) error {
	conv := s.convs[conversationID]
	conv.AgentID = sql.NullInt64{}
	conv.Status = models.StatusWaiting
	return nil
}

func (s *fakeStore) Close(ctx context.Context, conversationID int64) error {
	s.convs[conversationID].Status = models.StatusClosed
	s.closedIDs = append(s.closedIDs, conversationID)
	return nil
}

func (s *fakeStore) AppendMessage(ctx context.Context, conversationID int64, senderKind models.SenderKind, senderID int64, contentKind models.ContentKind, body string) (*models.Message, error) {
	s.nextMessageID++
	msg := models.Message{ID: s.nextMessageID, ConversationID: conversationID, SenderKind: senderKind, SenderID: senderID, ContentKind: contentKind, Body: body}
	s.messages[conversationID] = append(s.messages[conversationID], msg)
	return &msg, nil
}

func (s *fakeStore) MarkRead(ctx context.Context, conversationID int64, reader models.SenderKind) error {
	return nil
}

func (s *fakeStore) MarkAllUnread(ctx context.Context, conversationID int64) error {
	s.markedAllUnread = append(s.markedAllUnread, conversationID)
	return nil
}

func (s *fakeStore) UnreadCount(ctx context.Context, conversationID int64, senderKind models.SenderKind) (int, error) {
	return s.unread[conversationID], nil
}

func (s *fakeStore) Messages(ctx context.Context, conversationID int64) ([]models.Message, error) {
	return s.messages[conversationID], nil
}

func (s *fakeStore) AppendTransfer(ctx context.Context, conversationID, fromAgentID, toAgentID int64, kind models.TransferKind, operatorID *int64, reason string) error {
	s.transfers = append(s.transfers, models.TransferRecord{
		ConversationID: conversationID, FromAgentID: fromAgentID, ToAgentID: toAgentID,
		Kind: kind, OperatorID: operatorID, Reason: reason,
	})
	return nil
}

func (s *fakeStore) WaitingQueue(ctx context.Context, limit int) ([]models.Conversation, error) {
	if limit < len(s.waitingQueue) {
		return s.waitingQueue[:limit], nil
	}
	return s.waitingQueue, nil
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		convs:    make(map[int64]*models.Conversation),
		agents:   make(map[int64]*models.Agent),
		active:   make(map[int64]int),
		waiting:  make(map[int64]int),
		messages: make(map[int64][]models.Message),
		unread:   make(map[int64]int),
	}
}

func onlineRegistry(agentIDs ...int64) *registry.Registry {
	r := registry.New(time.Minute)
	for _, id := range agentIDs {
		r.BindAgent(id, newFakeSession(id))
	}
	return r
}

type fakeSession struct{ id int64 }

func newFakeSession(id int64) *fakeSession { return &fakeSession{id: id} }
func (f *fakeSession) Handle() string      { return "sess" }
func (f *fakeSession) Established() bool   { return true }
func (f *fakeSession) Kick(string)         {}

func TestHandleCustomerMessage_AssignsWhenAgentAvailable(t *testing.T) {
	st := newFakeStore()
	st.agents[5] = &models.Agent{ID: 5, Enabled: true, Capacity: 10}
	push := &fakePusher{}
	assigner := &fakeAssigner{pick: 5, ok: true}
	reg := onlineRegistry(5)
	m := New(st, reg, assigner, push)

	err := m.HandleCustomerMessage(context.Background(), 1, models.ContentText, "hello")
	require.NoError(t, err)

	conv, _, _ := st.GetOrOpenFor(context.Background(), 1)
	assert.True(t, conv.AgentID.Valid)
	assert.Equal(t, int64(5), conv.AgentID.Int64)
	assert.True(t, push.has("agent", 5, "conversation_assigned"))
	assert.True(t, push.has("customer", 1, "agent_assigned"))
	assert.True(t, push.has("customer", 1, "message_sent"))
}

func TestHandleCustomerMessage_QueuesWhenNoAgentAvailable(t *testing.T) {
	st := newFakeStore()
	push := &fakePusher{}
	assigner := &fakeAssigner{ok: false}
	reg := registry.New(time.Minute)
	m := New(st, reg, assigner, push)

	err := m.HandleCustomerMessage(context.Background(), 1, models.ContentText, "hello")
	require.NoError(t, err)
	assert.True(t, push.has("customer", 1, "queue_notice"))
}

func TestHandleCustomerMessage_AlreadyAssignedPushesOnlyNewMessage(t *testing.T) {
	st := newFakeStore()
	st.convs[1] = &models.Conversation{ID: 1, CustomerID: 1, Status: models.StatusActive, AgentID: sql.NullInt64{Int64: 9, Valid: true}}
	push := &fakePusher{}
	m := New(st, registry.New(time.Minute), &fakeAssigner{}, push)

	err := m.HandleCustomerMessage(context.Background(), 1, models.ContentText, "hi again")
	require.NoError(t, err)
	assert.True(t, push.has("agent", 9, "new_message"))
	assert.False(t, push.has("agent", 9, "conversation_assigned"))
}

func TestHandleCustomerMessage_AssignRaceLostFallsBackToQueue(t *testing.T) {
	st := newFakeStore()
	st.assignErr = errors.Conflict("already assigned")
	push := &fakePusher{}
	assigner := &fakeAssigner{pick: 5, ok: true}
	m := New(st, registry.New(time.Minute), assigner, push)

	err := m.HandleCustomerMessage(context.Background(), 1, models.ContentText, "hello")
	require.NoError(t, err)
	assert.True(t, push.has("customer", 1, "queue_notice"))
}

func TestHandleAgentMessage_DropsWhenNotOwningAgent(t *testing.T) {
	st := newFakeStore()
	st.convs[1] = &models.Conversation{ID: 1, CustomerID: 1, Status: models.StatusActive, AgentID: sql.NullInt64{Int64: 9, Valid: true}}
	push := &fakePusher{}
	m := New(st, registry.New(time.Minute), &fakeAssigner{}, push)

	err := m.HandleAgentMessage(context.Background(), 7, 1, models.ContentText, "nope")
	require.NoError(t, err)
	assert.Empty(t, push.calls)
	assert.Empty(t, st.messages[1])
}

func TestHandleAgentMessage_DeliversToCustomer(t *testing.T) {
	st := newFakeStore()
	st.convs[1] = &models.Conversation{ID: 1, CustomerID: 2, Status: models.StatusActive, AgentID: sql.NullInt64{Int64: 9, Valid: true}}
	push := &fakePusher{}
	m := New(st, registry.New(time.Minute), &fakeAssigner{}, push)

	err := m.HandleAgentMessage(context.Background(), 9, 1, models.ContentText, "how can I help")
	require.NoError(t, err)
	assert.True(t, push.has("customer", 2, "new_message"))
	assert.Len(t, st.messages[1], 1)
}

func TestHandleTyping_ForwardsToCounterpart(t *testing.T) {
	st := newFakeStore()
	st.convs[1] = &models.Conversation{ID: 1, CustomerID: 2, AgentID: sql.NullInt64{Int64: 9, Valid: true}}
	push := &fakePusher{}
	m := New(st, registry.New(time.Minute), &fakeAssigner{}, push)

	require.NoError(t, m.HandleTyping(context.Background(), models.SenderAgent, 9, 1, true))
	assert.True(t, push.has("customer", 2, "typing"))

	require.NoError(t, m.HandleTyping(context.Background(), models.SenderCustomer, 2, 1, false))
	assert.True(t, push.has("agent", 9, "typing"))
}

func TestHandleTyping_DropsWhenAgentNotOwner(t *testing.T) {
	st := newFakeStore()
	st.convs[1] = &models.Conversation{ID: 1, CustomerID: 2, AgentID: sql.NullInt64{Int64: 9, Valid: true}}
	push := &fakePusher{}
	m := New(st, registry.New(time.Minute), &fakeAssigner{}, push)

	require.NoError(t, m.HandleTyping(context.Background(), models.SenderAgent, 7, 1, true))
	assert.False(t, push.has("customer", 2, "typing"))
}

func TestHandleTyping_DropsWhenCustomerNotOwner(t *testing.T) {
	st := newFakeStore()
	st.convs[1] = &models.Conversation{ID: 1, CustomerID: 2, AgentID: sql.NullInt64{Int64: 9, Valid: true}}
	push := &fakePusher{}
	m := New(st, registry.New(time.Minute), &fakeAssigner{}, push)

	require.NoError(t, m.HandleTyping(context.Background(), models.SenderCustomer, 999, 1, true))
	assert.False(t, push.has("agent", 9, "typing"))
}

func TestHandleRead_MarksAndNotifies(t *testing.T) {
	st := newFakeStore()
	st.convs[1] = &models.Conversation{ID: 1, CustomerID: 2, AgentID: sql.NullInt64{Int64: 9, Valid: true}}
	push := &fakePusher{}
	m := New(st, registry.New(time.Minute), &fakeAssigner{}, push)

	require.NoError(t, m.HandleRead(context.Background(), models.SenderCustomer, 2, 1))
	assert.True(t, push.has("agent", 9, "messages_read"))
}

func TestHandleRead_DropsWhenAgentNotOwner(t *testing.T) {
	st := newFakeStore()
	st.convs[1] = &models.Conversation{ID: 1, CustomerID: 2, AgentID: sql.NullInt64{Int64: 9, Valid: true}}
	push := &fakePusher{}
	m := New(st, registry.New(time.Minute), &fakeAssigner{}, push)

	require.NoError(t, m.HandleRead(context.Background(), models.SenderAgent, 7, 1))
	assert.False(t, push.has("customer", 2, "messages_read"))
}

func TestClose_ForbiddenWhenNotOwner(t *testing.T) {
	st := newFakeStore()
	st.convs[1] = &models.Conversation{ID: 1, CustomerID: 2, Status: models.StatusActive, AgentID: sql.NullInt64{Int64: 9, Valid: true}}
	m := New(st, registry.New(time.Minute), &fakeAssigner{}, &fakePusher{})

	err := m.Close(context.Background(), 7, 1)
	require.Error(t, err)
	appErr, ok := err.(*errors.AppError)
	require.True(t, ok)
	assert.Equal(t, errors.ErrCodeForbidden, appErr.Code)
}

func TestClose_SucceedsAndDrains(t *testing.T) {
	st := newFakeStore()
	st.convs[1] = &models.Conversation{ID: 1, CustomerID: 2, Status: models.StatusActive, AgentID: sql.NullInt64{Int64: 9, Valid: true}}
	st.agents[9] = &models.Agent{ID: 9, Enabled: true, Capacity: 10}
	st.convs[2] = &models.Conversation{ID: 2, CustomerID: 3, Status: models.StatusWaiting}
	st.waitingQueue = []models.Conversation{*st.convs[2]}
	push := &fakePusher{}
	reg := onlineRegistry(9)
	m := New(st, reg, &fakeAssigner{}, push)

	err := m.Close(context.Background(), 9, 1)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, st.convs[1].Status)
	assert.True(t, push.has("agent", 9, "conversation_closed"))
	assert.True(t, push.has("customer", 2, "conversation_closed"))
	assert.Equal(t, models.StatusActive, st.convs[2].Status)
	assert.True(t, push.has("agent", 9, "conversation_assigned"))
}

func TestTransfer_RejectsSameAgent(t *testing.T) {
	st := newFakeStore()
	st.convs[1] = &models.Conversation{ID: 1, CustomerID: 2, Status: models.StatusActive, AgentID: sql.NullInt64{Int64: 9, Valid: true}}
	m := New(st, registry.New(time.Minute), &fakeAssigner{}, &fakePusher{})

	err := m.Transfer(context.Background(), 1, 9, models.TransferManual, nil, "")
	require.Error(t, err)
	appErr := err.(*errors.AppError)
	assert.Equal(t, errors.ErrCodeSameAgent, appErr.Code)
}

func TestTransfer_RejectsClosedConversation(t *testing.T) {
	st := newFakeStore()
	st.convs[1] = &models.Conversation{ID: 1, CustomerID: 2, Status: models.StatusClosed, AgentID: sql.NullInt64{Int64: 9, Valid: true}}
	m := New(st, registry.New(time.Minute), &fakeAssigner{}, &fakePusher{})

	err := m.Transfer(context.Background(), 1, 10, models.TransferManual, nil, "")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeConflict, err.(*errors.AppError).Code)
}

func TestTransfer_RejectsTargetOffline(t *testing.T) {
	st := newFakeStore()
	st.convs[1] = &models.Conversation{ID: 1, CustomerID: 2, Status: models.StatusActive, AgentID: sql.NullInt64{Int64: 9, Valid: true}}
	st.agents[10] = &models.Agent{ID: 10, Enabled: true, Capacity: 10}
	m := New(st, registry.New(time.Minute), &fakeAssigner{}, &fakePusher{}) // target 10 never bound -> offline

	err := m.Transfer(context.Background(), 1, 10, models.TransferManual, nil, "")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeTargetOffline, err.(*errors.AppError).Code)
}

func TestTransfer_RejectsTargetFull(t *testing.T) {
	st := newFakeStore()
	st.convs[1] = &models.Conversation{ID: 1, CustomerID: 2, Status: models.StatusActive, AgentID: sql.NullInt64{Int64: 9, Valid: true}}
	st.agents[10] = &models.Agent{ID: 10, Enabled: true, Capacity: 1}
	st.active[10] = 1
	reg := onlineRegistry(10)
	m := New(st, reg, &fakeAssigner{}, &fakePusher{})

	err := m.Transfer(context.Background(), 1, 10, models.TransferManual, nil, "")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeTargetFull, err.(*errors.AppError).Code)
}

func TestTransfer_SucceedsAndNotifiesAllParties(t *testing.T) {
	st := newFakeStore()
	st.convs[1] = &models.Conversation{ID: 1, CustomerID: 2, Status: models.StatusActive, AgentID: sql.NullInt64{Int64: 9, Valid: true}}
	st.agents[9] = &models.Agent{ID: 9, Enabled: true, Capacity: 10, DisplayName: "Alice"}
	st.agents[10] = &models.Agent{ID: 10, Enabled: true, Capacity: 10, DisplayName: "Bob"}
	push := &fakePusher{}
	reg := onlineRegistry(10)
	m := New(st, reg, &fakeAssigner{}, push)

	err := m.Transfer(context.Background(), 1, 10, models.TransferManual, nil, "busy")
	require.NoError(t, err)
	assert.Equal(t, int64(10), st.convs[1].AgentID.Int64)
	assert.True(t, push.has("agent", 9, "conversation_transferred_out"))
	assert.True(t, push.has("agent", 10, "conversation_assigned"))
	assert.True(t, push.has("customer", 2, "agent_changed"))
	require.Len(t, st.transfers, 1)
	assert.Equal(t, models.TransferManual, st.transfers[0].Kind)

	sysMsgs := st.messages[1]
	require.Len(t, sysMsgs, 1)
	assert.Equal(t, models.SenderSystem, sysMsgs[0].SenderKind)
}

func TestTryDrainWaitingFor_SkipsWhenAgentOfflineOrDead(t *testing.T) {
	st := newFakeStore()
	m := New(st, registry.New(time.Minute), &fakeAssigner{}, &fakePusher{})

	n, err := m.TryDrainWaitingFor(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestTryDrainWaitingFor_AssignsUpToFreeCapacity(t *testing.T) {
	st := newFakeStore()
	st.agents[9] = &models.Agent{ID: 9, Enabled: true, Capacity: 2}
	st.convs[1] = &models.Conversation{ID: 1, CustomerID: 100, Status: models.StatusWaiting}
	st.convs[2] = &models.Conversation{ID: 2, CustomerID: 101, Status: models.StatusWaiting}
	st.waitingQueue = []models.Conversation{*st.convs[1], *st.convs[2]}
	push := &fakePusher{}
	reg := onlineRegistry(9)
	m := New(st, reg, &fakeAssigner{}, push)

	n, err := m.TryDrainWaitingFor(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, push.has("agent", 9, "conversation_assigned"))
}

func TestTransferOnAgentOffline_TransfersWhenCandidateAvailable(t *testing.T) {
	st := newFakeStore()
	st.convs[1] = &models.Conversation{ID: 1, CustomerID: 2, Status: models.StatusActive, AgentID: sql.NullInt64{Int64: 9, Valid: true}}
	st.agents[9] = &models.Agent{ID: 9, Enabled: true, Capacity: 10, DisplayName: "Alice"}
	st.agents[11] = &models.Agent{ID: 11, Enabled: true, Capacity: 10, DisplayName: "Carol"}
	push := &fakePusher{}
	reg := onlineRegistry(11)
	assigner := &fakeAssigner{pick: 11, ok: true}
	m := New(st, reg, assigner, push)

	err := m.TransferOnAgentOffline(context.Background(), *st.convs[1])
	require.NoError(t, err)
	assert.Equal(t, int64(11), st.convs[1].AgentID.Int64)
	require.Len(t, st.transfers, 1)
	assert.Equal(t, models.TransferAutoAgentOffline, st.transfers[0].Kind)
}

func TestTransferOnAgentOffline_RevertsToWaitingWhenNoCandidate(t *testing.T) {
	st := newFakeStore()
	st.convs[1] = &models.Conversation{ID: 1, CustomerID: 2, Status: models.StatusActive, AgentID: sql.NullInt64{Int64: 9, Valid: true}}
	assigner := &fakeAssigner{ok: false}
	m := New(st, registry.New(time.Minute), assigner, &fakePusher{})

	err := m.TransferOnAgentOffline(context.Background(), *st.convs[1])
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, st.convs[1].Status)
	assert.False(t, st.convs[1].AgentID.Valid)
}
