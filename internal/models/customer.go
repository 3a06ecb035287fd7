package models

import "time"

// Customer is an unauthenticated visitor identified by a stable
// client-supplied id. Created lazily on first connection.
type Customer struct {
	ID          int64     `json:"id" db:"id"`
	UUID        string    `json:"uuid" db:"uuid"`
	Address     string    `json:"address,omitempty" db:"address"`
	UserAgent   string    `json:"user_agent,omitempty" db:"user_agent"`
	Locale      string    `json:"locale,omitempty" db:"locale"`
	SourcePage  string    `json:"source_page,omitempty" db:"source_page"`
	Device      string    `json:"device,omitempty" db:"device"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	LastSeenAt  time.Time `json:"last_seen_at" db:"last_seen_at"`
}
