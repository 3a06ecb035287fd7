// Package store implements ConversationStore: the durable conversation,
// message, and transfer-log records described in spec.md §4.3, on top of
// Postgres via lib/pq — grounded on the teacher's internal/db/database.go
// (migration style) and internal/db/sessions.go (upsert/CAS idiom).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/chatdispatch/dispatcher/internal/errors"
	"github.com/chatdispatch/dispatcher/internal/logger"
	"github.com/chatdispatch/dispatcher/internal/models"
)

// Store is the Postgres-backed ConversationStore.
type Store struct {
	db *sql.DB
}

// Config mirrors the teacher's db.Config shape.
type Config struct {
	DSN string
}

// New opens the database connection pool. It does not migrate; call Migrate
// explicitly so callers can log/observe the schema step separately, matching
// the teacher's cmd/main.go sequencing.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an already-open *sql.DB, letting callers outside this
// package (internal/admin's tests, in particular) exercise Store against a
// sqlmock connection without a real Postgres instance.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

// Migrate applies the schema, following the teacher's CREATE TABLE IF NOT
// EXISTS slice-of-statements convention.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id SERIAL PRIMARY KEY,
			display_name TEXT NOT NULL,
			credential_hash TEXT NOT NULL,
			capacity INT NOT NULL DEFAULT 10,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			admin BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS customers (
			id SERIAL PRIMARY KEY,
			uuid TEXT NOT NULL UNIQUE,
			address TEXT,
			user_agent TEXT,
			locale TEXT,
			source_page TEXT,
			device TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_seen_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id SERIAL PRIMARY KEY,
			customer_id INT NOT NULL REFERENCES customers(id),
			agent_id INT REFERENCES agents(id),
			status TEXT NOT NULL DEFAULT 'WAITING',
			last_message_at TIMESTAMPTZ,
			last_agent_reply_at TIMESTAMPTZ,
			last_customer_message_at TIMESTAMPTZ,
			closed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		// Invariant (ii): each customer has at most one non-CLOSED conversation.
		`CREATE UNIQUE INDEX IF NOT EXISTS conversations_one_open_per_customer
			ON conversations(customer_id) WHERE status <> 'CLOSED'`,
		`CREATE INDEX IF NOT EXISTS conversations_customer_id_idx ON conversations(customer_id)`,
		`CREATE INDEX IF NOT EXISTS conversations_agent_status_idx ON conversations(agent_id, status)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id SERIAL PRIMARY KEY,
			conversation_id INT NOT NULL REFERENCES conversations(id),
			sender_kind TEXT NOT NULL,
			sender_id BIGINT NOT NULL DEFAULT 0,
			content_kind TEXT NOT NULL DEFAULT 'TEXT',
			body TEXT NOT NULL,
			read BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS messages_conversation_id_idx ON messages(conversation_id)`,
		`CREATE INDEX IF NOT EXISTS messages_created_at_idx ON messages(created_at)`,
		`CREATE TABLE IF NOT EXISTS conversation_transfers (
			id SERIAL PRIMARY KEY,
			conversation_id INT NOT NULL REFERENCES conversations(id),
			from_agent_id INT NOT NULL,
			to_agent_id INT NOT NULL,
			kind TEXT NOT NULL,
			operator_id INT,
			reason TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	logger.Database().Info().Int("statements", len(statements)).Msg("schema migrated")
	return nil
}

// GetOrCreateCustomer returns the customer for a stable client-supplied uuid,
// creating one lazily on first sight (spec.md §3 Customer).
func (s *Store) GetOrCreateCustomer(ctx context.Context, uuid string) (*models.Customer, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO customers (uuid) VALUES ($1)
		ON CONFLICT (uuid) DO UPDATE SET last_seen_at = now()
		RETURNING id, uuid, address, user_agent, locale, source_page, device, created_at, last_seen_at
	`, uuid)

	var c models.Customer
	var address, userAgent, locale, sourcePage, device sql.NullString
	if err := row.Scan(&c.ID, &c.UUID, &address, &userAgent, &locale, &sourcePage, &device, &c.CreatedAt, &c.LastSeenAt); err != nil {
		return nil, errors.DatabaseError(err)
	}
	c.Address = address.String
	c.UserAgent = userAgent.String
	c.Locale = locale.String
	c.SourcePage = sourcePage.String
	c.Device = device.String
	return &c, nil
}

// GetAgent loads an agent by id.
func (s *Store) GetAgent(ctx context.Context, agentID int64) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, credential_hash, capacity, enabled, admin, created_at
		FROM agents WHERE id = $1
	`, agentID)
	var a models.Agent
	if err := row.Scan(&a.ID, &a.DisplayName, &a.CredentialHash, &a.Capacity, &a.Enabled, &a.Admin, &a.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.DatabaseError(err)
	}
	return &a, nil
}

// ActiveConversationCount returns the live count of an agent's non-CLOSED
// conversations. Per spec.md §4.2/§9 this MUST be queried live at each
// assignment decision, never trusted from a cached load score.
func (s *Store) ActiveConversationCount(ctx context.Context, agentID int64) (int, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM conversations WHERE agent_id = $1 AND status <> 'CLOSED'
	`, agentID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, errors.DatabaseError(err)
	}
	return n, nil
}

// LoadCounts returns the active (ACTIVE) and waiting (WAITING) conversation
// counts for an agent, the inputs of assignment.LoadScore. Nothing in the
// dispatcher calls it, so Registry load scores are not recomputed from it.
func (s *Store) LoadCounts(ctx context.Context, agentID int64) (active int, waiting int, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'ACTIVE') AS active,
			COUNT(*) FILTER (WHERE status = 'WAITING' AND agent_id IS NOT NULL) AS waiting
		FROM conversations WHERE agent_id = $1
	`, agentID)
	if err = row.Scan(&active, &waiting); err != nil {
		return 0, 0, errors.DatabaseError(err)
	}
	return active, waiting, nil
}
