package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"parley/internal/ids"
)

// PostgresConversationStore is a ConversationStore backed by PostgreSQL.
//
// Ownership model:
// - The store does NOT own the pgx pool. The caller must close the pool.
//
// Concurrency model:
//   - FindOrCreate relies on the (participant_key, project_id) unique constraint
//     and re-fetches on conflict, so concurrent creates converge on one row.
//   - IncrementUnread runs counter bumps and the lastMessage update in one
//     transaction under a per-conversation advisory lock, so concurrent sends
//     serialize per conversation and never lose updates.
type PostgresConversationStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the Postgres-backed stores.
type PostgresOption func(*postgresConfig) error

type postgresConfig struct {
	schema string
}

// WithSchema sets the DB schema used by the store (default: "parley").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(c *postgresConfig) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		c.schema = schema
		return nil
	}
}

func applyPostgresOptions(opts []PostgresOption) (postgresConfig, error) {
	cfg := postgresConfig{schema: "parley"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return postgresConfig{}, err
		}
	}
	return cfg, nil
}

// NewPostgresConversationStore constructs a Postgres-backed ConversationStore.
func NewPostgresConversationStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresConversationStore, error) {
	if pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	cfg, err := applyPostgresOptions(opts)
	if err != nil {
		return nil, err
	}
	return &PostgresConversationStore{pool: pool, schema: cfg.schema}, nil
}

// FindOrCreate returns the conversation for the exact participant set plus
// projectID discriminator, creating it when absent.
func (s *PostgresConversationStore) FindOrCreate(ctx context.Context, participants []string, projectID string) (*Conversation, error) {
	normalized := NormalizeParticipants(participants)
	if len(normalized) < 2 {
		return nil, validationf("conversation requires at least 2 participants")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := ParticipantKey(normalized)
	conversations := pgIdent(s.schema, "conversations")
	unread := pgIdent(s.schema, "conversation_unread")

	if c, err := s.getByKey(ctx, key, projectID); err == nil {
		return c, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, storeErr(err)
	}

	now := time.Now().UTC()
	id := ids.MustULID(now)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return nil, storeErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO `+conversations+` (id, participants, participant_key, project_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)`,
		id, normalized, key, projectID, now,
	)
	if err != nil {
		// Unique violation means a concurrent create won the race; re-fetch.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return s.getByKey(ctx, key, projectID)
		}
		return nil, storeErr(err)
	}

	for _, p := range normalized {
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+unread+` (conversation_id, user_id, unread) VALUES ($1, $2, 0)`,
			id, p,
		); err != nil {
			return nil, storeErr(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, storeErr(err)
	}

	unreadMap := make(map[string]int64, len(normalized))
	for _, p := range normalized {
		unreadMap[p] = 0
	}
	return &Conversation{
		ID:           id,
		Participants: normalized,
		UnreadCount:  unreadMap,
		ProjectID:    projectID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// Get returns the conversation or ErrNotFound.
func (s *PostgresConversationStore) Get(ctx context.Context, id string) (*Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conversations := pgIdent(s.schema, "conversations")
	row := s.pool.QueryRow(ctx,
		`SELECT id, participants, project_id, last_message, last_message_at, created_at, updated_at
		   FROM `+conversations+`
		  WHERE id = $1`,
		id,
	)
	c, err := scanConversation(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadUnread(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// ListForUser returns the user's conversations ordered by most recent activity.
func (s *PostgresConversationStore) ListForUser(ctx context.Context, userID string) ([]*Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conversations := pgIdent(s.schema, "conversations")
	rows, err := s.pool.Query(ctx,
		`SELECT id, participants, project_id, last_message, last_message_at, created_at, updated_at
		   FROM `+conversations+`
		  WHERE $1 = ANY(participants)
		  ORDER BY COALESCE(last_message_at, created_at) DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	out := make([]*Conversation, 0, 16)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err)
	}

	for _, c := range out {
		if err := s.loadUnread(ctx, c); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// IncrementUnread atomically bumps all counters except exceptUserID's and
// records the lastMessage summary.
func (s *PostgresConversationStore) IncrementUnread(ctx context.Context, id, exceptUserID, lastMessage string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return storeErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialize unread/lastMessage writes per conversation so increments become
	// visible in message-creation order. Unrelated conversations do not contend.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, id); err != nil {
		return storeErr(fmt.Errorf("advisory lock: %w", err))
	}

	conversations := pgIdent(s.schema, "conversations")
	unread := pgIdent(s.schema, "conversation_unread")

	tag, err := tx.Exec(ctx,
		`UPDATE `+conversations+`
		    SET last_message = $2, last_message_at = $3, updated_at = $3
		  WHERE id = $1`,
		id, lastMessage, at,
	)
	if err != nil {
		return storeErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+unread+`
		    SET unread = unread + 1
		  WHERE conversation_id = $1 AND user_id <> $2`,
		id, exceptUserID,
	); err != nil {
		return storeErr(err)
	}

	return storeErr(tx.Commit(ctx))
}

// ResetUnread zeroes the user's counter.
func (s *PostgresConversationStore) ResetUnread(ctx context.Context, id, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	unread := pgIdent(s.schema, "conversation_unread")
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+unread+` SET unread = 0 WHERE conversation_id = $1 AND user_id = $2`,
		id, userID,
	)
	if err != nil {
		return storeErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the conversation; messages and counters cascade via FKs.
func (s *PostgresConversationStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	conversations := pgIdent(s.schema, "conversations")
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+conversations+` WHERE id = $1`, id)
	if err != nil {
		return storeErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresConversationStore) getByKey(ctx context.Context, key, projectID string) (*Conversation, error) {
	conversations := pgIdent(s.schema, "conversations")
	row := s.pool.QueryRow(ctx,
		`SELECT id, participants, project_id, last_message, last_message_at, created_at, updated_at
		   FROM `+conversations+`
		  WHERE participant_key = $1 AND project_id = $2`,
		key, projectID,
	)
	c, err := scanConversation(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadUnread(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *PostgresConversationStore) loadUnread(ctx context.Context, c *Conversation) error {
	unread := pgIdent(s.schema, "conversation_unread")
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, unread FROM `+unread+` WHERE conversation_id = $1`,
		c.ID,
	)
	if err != nil {
		return storeErr(err)
	}
	defer rows.Close()

	c.UnreadCount = make(map[string]int64, len(c.Participants))
	for rows.Next() {
		var userID string
		var n int64
		if err := rows.Scan(&userID, &n); err != nil {
			return storeErr(err)
		}
		c.UnreadCount[userID] = n
	}
	if err := rows.Err(); err != nil {
		return storeErr(err)
	}

	// Counter rows are created with the conversation; backfill defensively so
	// the key-set invariant holds even against a hand-edited database.
	for _, p := range c.Participants {
		if _, ok := c.UnreadCount[p]; !ok {
			c.UnreadCount[p] = 0
		}
	}
	return nil
}

func scanConversation(row pgx.Row) (*Conversation, error) {
	var (
		c             Conversation
		lastMessageAt *time.Time
	)
	err := row.Scan(&c.ID, &c.Participants, &c.ProjectID, &c.LastMessage, &lastMessageAt, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr(err)
	}
	if lastMessageAt != nil {
		c.LastMessageAt = *lastMessageAt
	}
	return &c, nil
}

// PostgresMessageStore is a MessageStore backed by PostgreSQL.
type PostgresMessageStore struct {
	pool   *pgxpool.Pool
	schema string
}

// NewPostgresMessageStore constructs a Postgres-backed MessageStore.
func NewPostgresMessageStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresMessageStore, error) {
	if pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	cfg, err := applyPostgresOptions(opts)
	if err != nil {
		return nil, err
	}
	return &PostgresMessageStore{pool: pool, schema: cfg.schema}, nil
}

const messageColumns = `id, conversation_id, sender_id, content, msg_type, attachments, read_by, COALESCE(client_msg_id, ''), created_at, updated_at`

// Create persists a message with optional idempotency on ClientMsgID.
func (s *PostgresMessageStore) Create(ctx context.Context, in CreateMessageInput) (CreateMessageResult, error) {
	if err := ctx.Err(); err != nil {
		return CreateMessageResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return CreateMessageResult{}, storeErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialize writes per conversation so creation order is the order in which
	// sends reach the store, and duplicate keys never insert twice.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.ConversationID); err != nil {
		return CreateMessageResult{}, storeErr(fmt.Errorf("advisory lock: %w", err))
	}

	messages := pgIdent(s.schema, "messages")

	if in.ClientMsgID != "" {
		row := tx.QueryRow(ctx,
			`SELECT `+messageColumns+` FROM `+messages+`
			  WHERE conversation_id = $1 AND client_msg_id = $2`,
			in.ConversationID, in.ClientMsgID,
		)
		existing, err := scanMessage(row)
		if err == nil {
			if err := tx.Commit(ctx); err != nil {
				return CreateMessageResult{}, storeErr(err)
			}
			return CreateMessageResult{Message: existing, Duplicated: true}, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return CreateMessageResult{}, err
		}
	}

	m := &Message{
		ID:             ids.MustULID(now),
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        in.Content,
		Type:           in.Type,
		Attachments:    in.Attachments,
		ReadBy:         []string{in.SenderID},
		ClientMsgID:    in.ClientMsgID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if m.Attachments == nil {
		m.Attachments = []Attachment{}
	}

	var clientMsgID *string
	if in.ClientMsgID != "" {
		clientMsgID = &in.ClientMsgID
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (id, conversation_id, sender_id, content, msg_type, attachments, read_by, client_msg_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`,
		m.ID, m.ConversationID, m.SenderID, m.Content, string(m.Type), m.Attachments, m.ReadBy, clientMsgID, now,
	); err != nil {
		return CreateMessageResult{}, storeErr(fmt.Errorf("insert message: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return CreateMessageResult{}, storeErr(err)
	}
	return CreateMessageResult{Message: m, Duplicated: false}, nil
}

// ListByConversation pages messages newest-first by created_at, ID tiebreak.
func (s *PostgresMessageStore) ListByConversation(ctx context.Context, conversationID string, page, pageSize int) (MessagePage, error) {
	if err := ctx.Err(); err != nil {
		return MessagePage{}, err
	}

	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > DefaultMaxPageSize {
		pageSize = DefaultMaxPageSize
	}
	offset := (page - 1) * pageSize

	messages := pgIdent(s.schema, "messages")

	var total int64
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+messages+` WHERE conversation_id = $1`,
		conversationID,
	).Scan(&total); err != nil {
		return MessagePage{}, storeErr(err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM `+messages+`
		  WHERE conversation_id = $1
		  ORDER BY created_at DESC, id DESC
		  LIMIT $2 OFFSET $3`,
		conversationID, pageSize, offset,
	)
	if err != nil {
		return MessagePage{}, storeErr(err)
	}
	defer rows.Close()

	items := make([]*Message, 0, pageSize)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return MessagePage{}, err
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return MessagePage{}, storeErr(err)
	}

	return MessagePage{Items: items, Total: total, Page: page, PageSize: pageSize}, nil
}

// Get returns the message or ErrNotFound.
func (s *PostgresMessageStore) Get(ctx context.Context, id string) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	messages := pgIdent(s.schema, "messages")
	row := s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM `+messages+` WHERE id = $1`, id,
	)
	return scanMessage(row)
}

// MarkRead idempotently appends userID to read_by.
func (s *PostgresMessageStore) MarkRead(ctx context.Context, messageID, userID string) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	messages := pgIdent(s.schema, "messages")
	row := s.pool.QueryRow(ctx,
		`UPDATE `+messages+`
		    SET read_by = CASE WHEN $2 = ANY(read_by) THEN read_by ELSE array_append(read_by, $2) END,
		        updated_at = CASE WHEN $2 = ANY(read_by) THEN updated_at ELSE now() END
		  WHERE id = $1
		RETURNING `+messageColumns,
		messageID, userID,
	)
	return scanMessage(row)
}

// MarkAllRead acknowledges every message in the conversation not sent by userID.
func (s *PostgresMessageStore) MarkAllRead(ctx context.Context, conversationID, userID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	messages := pgIdent(s.schema, "messages")
	rows, err := s.pool.Query(ctx,
		`UPDATE `+messages+`
		    SET read_by = array_append(read_by, $2), updated_at = now()
		  WHERE conversation_id = $1
		    AND sender_id <> $2
		    AND NOT ($2 = ANY(read_by))
		RETURNING id`,
		conversationID, userID,
	)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var acked []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storeErr(err)
		}
		acked = append(acked, id)
	}
	return acked, storeErr(rows.Err())
}

// Delete removes the message.
func (s *PostgresMessageStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	messages := pgIdent(s.schema, "messages")
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+messages+` WHERE id = $1`, id)
	if err != nil {
		return storeErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteByConversation removes every message owned by the conversation.
// The FK cascade covers the usual path; this exists for stores wired without it.
func (s *PostgresMessageStore) DeleteByConversation(ctx context.Context, conversationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	messages := pgIdent(s.schema, "messages")
	_, err := s.pool.Exec(ctx, `DELETE FROM `+messages+` WHERE conversation_id = $1`, conversationID)
	return storeErr(err)
}

func scanMessage(row pgx.Row) (*Message, error) {
	var (
		m       Message
		msgType string
	)
	err := row.Scan(
		&m.ID,
		&m.ConversationID,
		&m.SenderID,
		&m.Content,
		&msgType,
		&m.Attachments,
		&m.ReadBy,
		&m.ClientMsgID,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr(err)
	}
	m.Type = MessageType(msgType)
	if m.Attachments == nil {
		m.Attachments = []Attachment{}
	}
	return &m, nil
}

// storeErr maps low-level persistence failures onto ErrStoreUnavailable while
// keeping the underlying cause inspectable via errors.Is/As.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrValidation) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
