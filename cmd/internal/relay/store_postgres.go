package relay

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"desk/cmd/internal/ids"
	v1 "desk/shared/contracts/desk/v1"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a ConversationStore backed by PostgreSQL.
//
// PostgresStore does NOT own the pool; Close is a no-op. Writes for one client are serialized
// with a transactional advisory lock so sequence numbers never gap or reorder.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "desk").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("relay: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("relay: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed ConversationStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "desk"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("relay: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// EnsureSchema creates the schema and tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")

	sql := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  client_id  TEXT PRIMARY KEY,
  unread     INTEGER NOT NULL DEFAULT 0 CHECK (unread >= 0),
  next_seq   BIGINT NOT NULL DEFAULT 1,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %s (
  client_id     TEXT NOT NULL REFERENCES %s(client_id) ON DELETE CASCADE,
  seq           BIGINT NOT NULL,
  id            TEXT NOT NULL,
  client_msg_id TEXT,
  text          TEXT NOT NULL,
  is_agent      BOOLEAN NOT NULL,
  created_at    TIMESTAMPTZ NOT NULL,

  PRIMARY KEY (client_id, seq),
  CONSTRAINT uq_messages_id UNIQUE (id),
  CONSTRAINT uq_messages_client_msg UNIQUE (client_id, client_msg_id),
  CONSTRAINT chk_messages_text_len CHECK (char_length(text) > 0 AND char_length(text) <= %d)
);
`, pgx.Identifier{s.schema}.Sanitize(), conversations, messages, conversations, maxMessageChars)

	if _, err := s.pool.Exec(ctx, sql); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Ensure creates an empty conversation row for clientID.
func (s *PostgresStore) Ensure(ctx context.Context, clientID string) error {
	if clientID == "" {
		return ErrInvalidInput
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "conversations")+` (client_id) VALUES ($1)
		 ON CONFLICT (client_id) DO NOTHING`,
		clientID,
	)
	return err
}

// AppendUserMessage appends a visitor message and increments unread.
func (s *PostgresStore) AppendUserMessage(ctx context.Context, in AppendInput) (AppendResult, error) {
	return s.append(ctx, in, false)
}

// AppendAgentMessage appends an agent reply, deduplicated by ClientMsgID.
func (s *PostgresStore) AppendAgentMessage(ctx context.Context, in AppendInput) (AppendResult, error) {
	return s.append(ctx, in, true)
}

func (s *PostgresStore) append(ctx context.Context, in AppendInput, isAgent bool) (AppendResult, error) {
	if err := in.validate(); err != nil {
		return AppendResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}
	now := in.now()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return AppendResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.ClientID); err != nil {
		return AppendResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+conversations+` (client_id) VALUES ($1)
		 ON CONFLICT (client_id) DO NOTHING`,
		in.ClientID,
	); err != nil {
		return AppendResult{}, err
	}

	if isAgent && in.ClientMsgID != "" {
		existing, err := readMessageByClientMsgID(ctx, tx, messages, in.ClientID, in.ClientMsgID)
		if err == nil {
			conv, err := loadConversation(ctx, tx, conversations, messages, in.ClientID)
			if err != nil {
				return AppendResult{}, err
			}
			if err := tx.Commit(ctx); err != nil {
				return AppendResult{}, err
			}
			return AppendResult{Message: existing, Conversation: conv, Duplicated: true}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return AppendResult{}, err
		}
	}

	bump := 1
	if isAgent {
		bump = 0
	}
	var seq int64
	if err := tx.QueryRow(ctx,
		`UPDATE `+conversations+`
		    SET next_seq = next_seq + 1,
		        unread = unread + $2,
		        updated_at = now()
		  WHERE client_id = $1
		RETURNING (next_seq - 1)`,
		in.ClientID, bump,
	).Scan(&seq); err != nil {
		return AppendResult{}, err
	}

	id, err := ids.New(now)
	if err != nil {
		return AppendResult{}, err
	}
	m := v1.Message{
		ID:        id,
		Text:      in.Text,
		ClientID:  in.ClientID,
		Timestamp: now,
		IsAgent:   isAgent,
	}
	var cmid *string
	if isAgent && in.ClientMsgID != "" {
		m.ClientMsgID = in.ClientMsgID
		cmid = &m.ClientMsgID
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (client_id, seq, id, client_msg_id, text, is_agent, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		in.ClientID, seq, m.ID, cmid, m.Text, m.IsAgent, now,
	); err != nil {
		return AppendResult{}, fmt.Errorf("insert message: %w", err)
	}

	conv, err := loadConversation(ctx, tx, conversations, messages, in.ClientID)
	if err != nil {
		return AppendResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return AppendResult{}, err
	}
	return AppendResult{Message: m, Conversation: conv}, nil
}

// Conversation returns the conversation for clientID.
func (s *PostgresStore) Conversation(ctx context.Context, clientID string) (v1.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return v1.Conversation{}, err
	}
	return loadConversation(ctx, s.pool, pgIdent(s.schema, "conversations"), pgIdent(s.schema, "messages"), clientID)
}

// Conversations returns the existing conversations for clientIDs, in the given order.
func (s *PostgresStore) Conversations(ctx context.Context, clientIDs []string) ([]v1.Conversation, error) {
	if len(clientIDs) == 0 {
		return []v1.Conversation{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")

	rows, err := s.pool.Query(ctx,
		`SELECT client_id, unread FROM `+conversations+` WHERE client_id = ANY($1)`,
		clientIDs,
	)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*v1.Conversation, len(clientIDs))
	for rows.Next() {
		c := &v1.Conversation{Messages: []v1.Message{}}
		if err := rows.Scan(&c.ClientID, &c.Unread); err != nil {
			rows.Close()
			return nil, err
		}
		byID[c.ClientID] = c
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	mrows, err := s.pool.Query(ctx,
		`SELECT client_id, id, COALESCE(client_msg_id, ''), text, is_agent, created_at
		   FROM `+messages+`
		  WHERE client_id = ANY($1)
		  ORDER BY client_id, seq ASC`,
		clientIDs,
	)
	if err != nil {
		return nil, err
	}
	defer mrows.Close()

	for mrows.Next() {
		var m v1.Message
		if err := mrows.Scan(&m.ClientID, &m.ID, &m.ClientMsgID, &m.Text, &m.IsAgent, &m.Timestamp); err != nil {
			return nil, err
		}
		if c := byID[m.ClientID]; c != nil {
			c.Messages = append(c.Messages, m)
		}
	}
	if err := mrows.Err(); err != nil {
		return nil, err
	}

	out := make([]v1.Conversation, 0, len(byID))
	for _, id := range clientIDs {
		if c := byID[id]; c != nil {
			out = append(out, *c)
		}
	}
	return out, nil
}

// MarkRead resets unread for clientID.
func (s *PostgresStore) MarkRead(ctx context.Context, clientID string) (v1.Conversation, error) {
	if clientID == "" {
		return v1.Conversation{}, ErrInvalidInput
	}
	conversations := pgIdent(s.schema, "conversations")
	if _, err := s.pool.Exec(ctx,
		`UPDATE `+conversations+` SET unread = 0, updated_at = now() WHERE client_id = $1`,
		clientID,
	); err != nil {
		return v1.Conversation{}, err
	}
	return loadConversation(ctx, s.pool, conversations, pgIdent(s.schema, "messages"), clientID)
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func loadConversation(ctx context.Context, q querier, conversationsTable, messagesTable, clientID string) (v1.Conversation, error) {
	out := v1.Conversation{ClientID: clientID, Messages: []v1.Message{}}

	err := q.QueryRow(ctx,
		`SELECT unread FROM `+conversationsTable+` WHERE client_id = $1`,
		clientID,
	).Scan(&out.Unread)
	if errors.Is(err, pgx.ErrNoRows) {
		return out, nil
	}
	if err != nil {
		return v1.Conversation{}, err
	}

	rows, err := q.Query(ctx,
		`SELECT id, COALESCE(client_msg_id, ''), text, is_agent, created_at
		   FROM (
		     SELECT id, client_msg_id, text, is_agent, created_at, seq
		       FROM `+messagesTable+`
		      WHERE client_id = $1
		      ORDER BY seq DESC
		      LIMIT $2
		   ) recent
		  ORDER BY seq ASC`,
		clientID, memMaxMessagesPerConversation,
	)
	if err != nil {
		return v1.Conversation{}, err
	}
	defer rows.Close()

	for rows.Next() {
		m := v1.Message{ClientID: clientID}
		if err := rows.Scan(&m.ID, &m.ClientMsgID, &m.Text, &m.IsAgent, &m.Timestamp); err != nil {
			return v1.Conversation{}, err
		}
		out.Messages = append(out.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return v1.Conversation{}, err
	}
	return out, nil
}

func readMessageByClientMsgID(ctx context.Context, tx pgx.Tx, messagesTable, clientID, clientMsgID string) (v1.Message, error) {
	m := v1.Message{ClientID: clientID}
	err := tx.QueryRow(ctx,
		`SELECT id, client_msg_id, text, is_agent, created_at
		   FROM `+messagesTable+`
		  WHERE client_id = $1 AND client_msg_id = $2`,
		clientID, clientMsgID,
	).Scan(&m.ID, &m.ClientMsgID, &m.Text, &m.IsAgent, &m.Timestamp)
	return m, err
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
