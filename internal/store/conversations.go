package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/chatdispatch/dispatcher/internal/errors"
	"github.com/chatdispatch/dispatcher/internal/models"
)

// GetOrOpenFor returns the current non-CLOSED conversation for a customer,
// or opens a new WAITING one. Race-free under concurrent calls for the same
// customer via the partial unique index created in Migrate (invariant ii):
// a racing INSERT hits the constraint and is retried as a lookup.
func (s *Store) GetOrOpenFor(ctx context.Context, customerID int64) (conv *models.Conversation, created bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, errors.DatabaseError(err)
	}
	defer tx.Rollback()

	conv, err = scanConversation(tx.QueryRowContext(ctx, `
		SELECT id, customer_id, agent_id, status, last_message_at, last_agent_reply_at,
		       last_customer_message_at, closed_at, created_at
		FROM conversations WHERE customer_id = $1 AND status <> 'CLOSED'
	`, customerID))
	if err == nil {
		if cErr := tx.Commit(); cErr != nil {
			return nil, false, errors.DatabaseError(cErr)
		}
		return conv, false, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, errors.DatabaseError(err)
	}

	conv, err = scanConversation(tx.QueryRowContext(ctx, `
		INSERT INTO conversations (customer_id, status) VALUES ($1, 'WAITING')
		ON CONFLICT (customer_id) WHERE status <> 'CLOSED' DO NOTHING
		RETURNING id, customer_id, agent_id, status, last_message_at, last_agent_reply_at,
		          last_customer_message_at, closed_at, created_at
	`, customerID))
	if err == sql.ErrNoRows {
		// A concurrent call opened the conversation first; look it up again.
		conv, err = scanConversation(tx.QueryRowContext(ctx, `
			SELECT id, customer_id, agent_id, status, last_message_at, last_agent_reply_at,
			       last_customer_message_at, closed_at, created_at
			FROM conversations WHERE customer_id = $1 AND status <> 'CLOSED'
		`, customerID))
		if err != nil {
			return nil, false, errors.DatabaseError(err)
		}
		if cErr := tx.Commit(); cErr != nil {
			return nil, false, errors.DatabaseError(cErr)
		}
		return conv, false, nil
	}
	if err != nil {
		return nil, false, errors.DatabaseError(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, errors.DatabaseError(err)
	}
	return conv, true, nil
}

func scanConversation(row *sql.Row) (*models.Conversation, error) {
	var c models.Conversation
	if err := row.Scan(&c.ID, &c.CustomerID, &c.AgentID, &c.Status, &c.LastMessageAt,
		&c.LastAgentReplyAt, &c.LastCustomerMsgAt, &c.ClosedAt, &c.CreatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// CurrentConversationForCustomer returns the customer's open (non-CLOSED)
// conversation without creating one, or nil if none exists. Used by
// SessionGateway on customer connect to decide whether to push
// offline_messages.
func (s *Store) CurrentConversationForCustomer(ctx context.Context, customerID int64) (*models.Conversation, error) {
	conv, err := scanConversation(s.db.QueryRowContext(ctx, `
		SELECT id, customer_id, agent_id, status, last_message_at, last_agent_reply_at,
		       last_customer_message_at, closed_at, created_at
		FROM conversations WHERE customer_id = $1 AND status <> 'CLOSED'
	`, customerID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.DatabaseError(err)
	}
	return conv, nil
}

// GetConversation loads a conversation by id.
func (s *Store) GetConversation(ctx context.Context, id int64) (*models.Conversation, error) {
	conv, err := scanConversation(s.db.QueryRowContext(ctx, `
		SELECT id, customer_id, agent_id, status, last_message_at, last_agent_reply_at,
		       last_customer_message_at, closed_at, created_at
		FROM conversations WHERE id = $1
	`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.DatabaseError(err)
	}
	return conv, nil
}

// Assign transitions WAITING -> ACTIVE with agent-id set. Idempotent if
// already ACTIVE to the same agent; fails if ACTIVE under a different agent
// or CLOSED.
func (s *Store) Assign(ctx context.Context, conversationID, agentID int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET agent_id = $2, status = 'ACTIVE'
		WHERE id = $1 AND (status = 'WAITING' OR (status = 'ACTIVE' AND agent_id = $2))
	`, conversationID, agentID)
	if err != nil {
		return errors.DatabaseError(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errors.Conflict("conversation is not assignable (closed or already active under another agent)")
	}
	return nil
}

// Reassign moves an ACTIVE conversation to a new agent. Preconditions
// (target online/capacity/etc.) are checked by LifecycleManager before this
// is called; this is the atomic write half only, gated by a CAS on status.
func (s *Store) Reassign(ctx context.Context, conversationID, newAgentID int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET agent_id = $2 WHERE id = $1 AND status = 'ACTIVE'
	`, conversationID, newAgentID)
	if err != nil {
		return errors.DatabaseError(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errors.Conflict("conversation is not ACTIVE")
	}
	return nil
}

// RevertToWaiting clears the agent id and moves a conversation back to
// WAITING, used by transfer-on-agent-offline (spec.md §4.4.8) when no
// candidate is available.
func (s *Store) RevertToWaiting(ctx context.Context, conversationID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET agent_id = NULL, status = 'WAITING'
		WHERE id = $1 AND status = 'ACTIVE'
	`, conversationID)
	if err != nil {
		return errors.DatabaseError(err)
	}
	return nil
}

// Close transitions a conversation to CLOSED; idempotent.
func (s *Store) Close(ctx context.Context, conversationID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET status = 'CLOSED', closed_at = now()
		WHERE id = $1 AND status <> 'CLOSED'
	`, conversationID)
	if err != nil {
		return errors.DatabaseError(err)
	}
	return nil
}

// AppendMessage inserts a message and advances last-message / last-reply
// timestamps per the points described in spec.md §4.4.
func (s *Store) AppendMessage(ctx context.Context, conversationID int64, senderKind models.SenderKind, senderID int64, contentKind models.ContentKind, body string) (*models.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.DatabaseError(err)
	}
	defer tx.Rollback()

	var m models.Message
	row := tx.QueryRowContext(ctx, `
		INSERT INTO messages (conversation_id, sender_kind, sender_id, content_kind, body)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, conversation_id, sender_kind, sender_id, content_kind, body, read, created_at
	`, conversationID, senderKind, senderID, contentKind, body)
	if err := row.Scan(&m.ID, &m.ConversationID, &m.SenderKind, &m.SenderID, &m.ContentKind, &m.Body, &m.Read, &m.CreatedAt); err != nil {
		return nil, errors.DatabaseError(err)
	}

	switch senderKind {
	case models.SenderCustomer:
		_, err = tx.ExecContext(ctx, `
			UPDATE conversations SET last_message_at = $2, last_customer_message_at = $2 WHERE id = $1
		`, conversationID, m.CreatedAt)
	case models.SenderAgent:
		_, err = tx.ExecContext(ctx, `
			UPDATE conversations SET last_message_at = $2, last_agent_reply_at = $2 WHERE id = $1
		`, conversationID, m.CreatedAt)
	default:
		_, err = tx.ExecContext(ctx, `UPDATE conversations SET last_message_at = $2 WHERE id = $1`, conversationID, m.CreatedAt)
	}
	if err != nil {
		return nil, errors.DatabaseError(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.DatabaseError(err)
	}
	return &m, nil
}

// MarkRead flips read=true on every message in the conversation authored by
// the opposite kind of the reader (AGENT reader marks CUSTOMER messages read).
func (s *Store) MarkRead(ctx context.Context, conversationID int64, reader models.SenderKind) error {
	opposite := models.SenderAgent
	if reader == models.SenderAgent {
		opposite = models.SenderCustomer
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET read = TRUE WHERE conversation_id = $1 AND sender_kind = $2 AND read = FALSE
	`, conversationID, opposite)
	if err != nil {
		return errors.DatabaseError(err)
	}
	return nil
}

// MarkAllUnread resets every message's read flag to false; used on transfer
// so the receiving agent sees a fresh unread badge.
func (s *Store) MarkAllUnread(ctx context.Context, conversationID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE messages SET read = FALSE WHERE conversation_id = $1`, conversationID)
	if err != nil {
		return errors.DatabaseError(err)
	}
	return nil
}

// UnreadCount returns the number of unread messages of the given sender kind
// in a conversation, used to populate conversation_assigned's unread count.
func (s *Store) UnreadCount(ctx context.Context, conversationID int64, senderKind models.SenderKind) (int, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE conversation_id = $1 AND sender_kind = $2 AND read = FALSE
	`, conversationID, senderKind)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, errors.DatabaseError(err)
	}
	return n, nil
}

// Messages returns the full message history of a conversation, oldest first.
func (s *Store) Messages(ctx context.Context, conversationID int64) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, sender_kind, sender_id, content_kind, body, read, created_at
		FROM messages WHERE conversation_id = $1 ORDER BY id ASC
	`, conversationID)
	if err != nil {
		return nil, errors.DatabaseError(err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderKind, &m.SenderID, &m.ContentKind, &m.Body, &m.Read, &m.CreatedAt); err != nil {
			return nil, errors.DatabaseError(err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AppendTransfer records a TransferRecord (append-only).
func (s *Store) AppendTransfer(ctx context.Context, conversationID, fromAgentID, toAgentID int64, kind models.TransferKind, operatorID *int64, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_transfers (conversation_id, from_agent_id, to_agent_id, kind, operator_id, reason)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, conversationID, fromAgentID, toAgentID, kind, operatorID, reason)
	if err != nil {
		return errors.DatabaseError(err)
	}
	return nil
}

// TimeoutCandidates returns ACTIVE conversations whose last customer message
// is older than threshold and unanswered since (spec.md §4.3).
func (s *Store) TimeoutCandidates(ctx context.Context, threshold time.Duration) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, customer_id, agent_id, status, last_message_at, last_agent_reply_at,
		       last_customer_message_at, closed_at, created_at
		FROM conversations
		WHERE status = 'ACTIVE' AND agent_id IS NOT NULL
		  AND last_customer_message_at IS NOT NULL
		  AND last_customer_message_at <= now() - $1::interval
		  AND (last_agent_reply_at IS NULL OR last_agent_reply_at < last_customer_message_at)
	`, fmt.Sprintf("%d seconds", int(threshold.Seconds())))
	if err != nil {
		return nil, errors.DatabaseError(err)
	}
	defer rows.Close()

	var out []models.Conversation
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.CustomerID, &c.AgentID, &c.Status, &c.LastMessageAt,
			&c.LastAgentReplyAt, &c.LastCustomerMsgAt, &c.ClosedAt, &c.CreatedAt); err != nil {
			return nil, errors.DatabaseError(err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// WaitingQueue returns WAITING conversations with no agent, creation-order
// ascending.
func (s *Store) WaitingQueue(ctx context.Context, limit int) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, customer_id, agent_id, status, last_message_at, last_agent_reply_at,
		       last_customer_message_at, closed_at, created_at
		FROM conversations
		WHERE status = 'WAITING' AND agent_id IS NULL
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, errors.DatabaseError(err)
	}
	defer rows.Close()

	var out []models.Conversation
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.CustomerID, &c.AgentID, &c.Status, &c.LastMessageAt,
			&c.LastAgentReplyAt, &c.LastCustomerMsgAt, &c.ClosedAt, &c.CreatedAt); err != nil {
			return nil, errors.DatabaseError(err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ConversationsByAgent returns the ACTIVE conversations currently assigned to
// an agent, used by the heartbeat-sweep reconciler (spec.md §4.6.1).
func (s *Store) ConversationsByAgent(ctx context.Context, agentID int64) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, customer_id, agent_id, status, last_message_at, last_agent_reply_at,
		       last_customer_message_at, closed_at, created_at
		FROM conversations WHERE agent_id = $1 AND status = 'ACTIVE'
	`, agentID)
	if err != nil {
		return nil, errors.DatabaseError(err)
	}
	defer rows.Close()

	var out []models.Conversation
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.CustomerID, &c.AgentID, &c.Status, &c.LastMessageAt,
			&c.LastAgentReplyAt, &c.LastCustomerMsgAt, &c.ClosedAt, &c.CreatedAt); err != nil {
			return nil, errors.DatabaseError(err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
