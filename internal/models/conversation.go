package models

import (
	"database/sql"
	"time"
)

// Conversation is one customer<->agent engagement.
//
// Invariants (enforced by internal/store, not here):
//   - WAITING implies AgentID is null; ACTIVE implies AgentID refers to a
//     non-admin, enabled agent; CLOSED is terminal.
//   - each customer has at most one non-CLOSED conversation at a time.
//   - the assigned agent's non-CLOSED conversation count never exceeds
//     that agent's capacity.
type Conversation struct {
	ID                  int64              `json:"id" db:"id"`
	CustomerID          int64              `json:"customer_id" db:"customer_id"`
	AgentID             sql.NullInt64      `json:"agent_id" db:"agent_id"`
	Status              ConversationStatus `json:"status" db:"status"`
	LastMessageAt       sql.NullTime       `json:"last_message_at" db:"last_message_at"`
	LastAgentReplyAt    sql.NullTime       `json:"last_agent_reply_at" db:"last_agent_reply_at"`
	LastCustomerMsgAt   sql.NullTime       `json:"last_customer_message_at" db:"last_customer_message_at"`
	ClosedAt            sql.NullTime       `json:"closed_at" db:"closed_at"`
	CreatedAt           time.Time          `json:"created_at" db:"created_at"`
}

// Summary is the lightweight view embedded in conversation_assigned frames.
type Summary struct {
	ID         int64  `json:"id"`
	CustomerID int64  `json:"customer_id"`
	Status     string `json:"status"`
}
