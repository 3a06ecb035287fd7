package models

import "time"

// Message is immutable after creation except for the Read flag, which may
// only flip false -> true.
type Message struct {
	ID             int64       `json:"id" db:"id"`
	ConversationID int64       `json:"conversation_id" db:"conversation_id"`
	SenderKind     SenderKind  `json:"sender_kind" db:"sender_kind"`
	SenderID       int64       `json:"sender_id" db:"sender_id"`
	ContentKind    ContentKind `json:"content_kind" db:"content_kind"`
	Body           string      `json:"body" db:"body"`
	Read           bool        `json:"read" db:"read"`
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`
}

// TransferRecord is an append-only log entry for a conversation reassignment.
type TransferRecord struct {
	ID             int64        `json:"id" db:"id"`
	ConversationID int64        `json:"conversation_id" db:"conversation_id"`
	FromAgentID    int64        `json:"from_agent_id" db:"from_agent_id"`
	ToAgentID      int64        `json:"to_agent_id" db:"to_agent_id"`
	Kind           TransferKind `json:"kind" db:"kind"`
	OperatorID     *int64       `json:"operator_id,omitempty" db:"operator_id"`
	Reason         string       `json:"reason" db:"reason"`
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`
}
