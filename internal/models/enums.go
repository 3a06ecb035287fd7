package models

import (
	"database/sql/driver"
	"fmt"
)

// ConversationStatus is the lifecycle state of a Conversation.
// WAITING -> ACTIVE -> CLOSED; CLOSED is terminal.
type ConversationStatus string

const (
	StatusWaiting ConversationStatus = "WAITING"
	StatusActive  ConversationStatus = "ACTIVE"
	StatusClosed  ConversationStatus = "CLOSED"
)

func (s ConversationStatus) Valid() bool {
	switch s {
	case StatusWaiting, StatusActive, StatusClosed:
		return true
	}
	return false
}

func (s *ConversationStatus) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	str, ok := value.(string)
	if !ok {
		if b, ok2 := value.([]byte); ok2 {
			str = string(b)
		} else {
			return fmt.Errorf("models: cannot scan %T into ConversationStatus", value)
		}
	}
	*s = ConversationStatus(str)
	return nil
}

func (s ConversationStatus) Value() (driver.Value, error) {
	return string(s), nil
}

// SenderKind identifies who authored a Message.
type SenderKind string

const (
	SenderCustomer SenderKind = "CUSTOMER"
	SenderAgent    SenderKind = "AGENT"
	SenderSystem   SenderKind = "SYSTEM"
)

func (k *SenderKind) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	str, ok := value.(string)
	if !ok {
		if b, ok2 := value.([]byte); ok2 {
			str = string(b)
		} else {
			return fmt.Errorf("models: cannot scan %T into SenderKind", value)
		}
	}
	*k = SenderKind(str)
	return nil
}

func (k SenderKind) Value() (driver.Value, error) {
	return string(k), nil
}

// ContentKind distinguishes plain text from an uploaded-image reference.
type ContentKind string

const (
	ContentText  ContentKind = "TEXT"
	ContentImage ContentKind = "IMAGE"
)

func (k *ContentKind) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	str, ok := value.(string)
	if !ok {
		if b, ok2 := value.([]byte); ok2 {
			str = string(b)
		} else {
			return fmt.Errorf("models: cannot scan %T into ContentKind", value)
		}
	}
	*k = ContentKind(str)
	return nil
}

func (k ContentKind) Value() (driver.Value, error) {
	return string(k), nil
}

// TransferKind records why a conversation moved from one agent to another.
type TransferKind string

const (
	TransferManual            TransferKind = "MANUAL"
	TransferAutoTimeout       TransferKind = "AUTO_TIMEOUT"
	TransferAutoAgentOffline  TransferKind = "AUTO_AGENT_OFFLINE"
)

func (k *TransferKind) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	str, ok := value.(string)
	if !ok {
		if b, ok2 := value.([]byte); ok2 {
			str = string(b)
		} else {
			return fmt.Errorf("models: cannot scan %T into TransferKind", value)
		}
	}
	*k = TransferKind(str)
	return nil
}

func (k TransferKind) Value() (driver.Value, error) {
	return string(k), nil
}

// AgentStatus is the Registry's volatile online/offline/busy marker for an agent.
type AgentStatus string

const (
	AgentOnline  AgentStatus = "ONLINE"
	AgentOffline AgentStatus = "OFFLINE"
	AgentBusy    AgentStatus = "BUSY"
)
