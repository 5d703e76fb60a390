package store

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
)

// PostgresStore is the production Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - Conversation creation takes a transactional advisory lock on the
//   normalized user pair so concurrent creates converge on one row.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "aura").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("store: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("store: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "aura",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("store: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

func (s *PostgresStore) table(name string) string {
	return pgIdent(s.schema, name)
}

// messageSelect is the canonical message projection, including the reply
// snippet joins used by the client to render reply previews.
func (s *PostgresStore) messageSelect() string {
	messages := s.table("messages")
	users := s.table("users")
	return `SELECT m.id, m.conversation_id, m.sender_id, u.username,
	               m.content, m.timestamp, m.is_edited, m.edited_at,
	               m.reply_to_message_id,
	               COALESCE(rm.content, ''), COALESCE(ru.username, '')
	          FROM ` + messages + ` m
	          JOIN ` + users + ` u ON u.id = m.sender_id
	          LEFT JOIN ` + messages + ` rm ON rm.id = m.reply_to_message_id
	          LEFT JOIN ` + users + ` ru ON ru.id = rm.sender_id`
}

func scanMessage(row pgx.Row) (Message, error) {
	var m Message
	err := row.Scan(
		&m.ID, &m.ConversationID, &m.SenderID, &m.SenderUsername,
		&m.Content, &m.Timestamp, &m.IsEdited, &m.EditedAt,
		&m.ReplyToMessageID, &m.ReplySnippet, &m.ReplySenderName,
	)
	return m, err
}

// ---- users ----

func (s *PostgresStore) CreateUser(ctx context.Context, username, passwordHash string, isAdmin bool, now time.Time) (User, error) {
	users := s.table("users")

	var u User
	err := s.pool.QueryRow(ctx,
		`INSERT INTO `+users+` (username, password_hash, is_admin, created_at, last_active_ts)
		 VALUES ($1, $2, $3, $4, $4)
		 RETURNING id, username, password_hash, is_admin, created_at, last_active_ts`,
		username, passwordHash, isAdmin, now,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.IsAdmin, &u.CreatedAt, &u.LastActiveTS)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return User{}, ErrUsernameExists
		}
		return User{}, err
	}
	return u, nil
}

func (s *PostgresStore) UserByID(ctx context.Context, id int64) (User, error) {
	users := s.table("users")

	var u User
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, password_hash, is_admin, created_at, last_active_ts
		   FROM `+users+` WHERE id = $1`,
		id,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.IsAdmin, &u.CreatedAt, &u.LastActiveTS)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	return u, nil
}

func (s *PostgresStore) UserByUsername(ctx context.Context, username string) (User, error) {
	users := s.table("users")

	var u User
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, password_hash, is_admin, created_at, last_active_ts
		   FROM `+users+` WHERE lower(username) = lower($1)`,
		username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.IsAdmin, &u.CreatedAt, &u.LastActiveTS)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	return u, nil
}

func (s *PostgresStore) ListPeers(ctx context.Context, userID int64) ([]User, error) {
	users := s.table("users")
	blocks := s.table("blocks")

	rows, err := s.pool.Query(ctx,
		`SELECT u.id, u.username, u.is_admin, u.created_at, u.last_active_ts
		   FROM `+users+` u
		  WHERE u.id <> $1 AND NOT u.is_admin
		    AND NOT EXISTS (
		        SELECT 1 FROM `+blocks+` b
		         WHERE (b.blocker_id = u.id AND b.blocked_id = $1)
		            OR (b.blocker_id = $1 AND b.blocked_id = u.id))
		  ORDER BY lower(u.username) ASC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectUsers(rows)
}

func (s *PostgresStore) ListUsersAdmin(ctx context.Context) ([]User, error) {
	users := s.table("users")

	rows, err := s.pool.Query(ctx,
		`SELECT id, username, is_admin, created_at, last_active_ts
		   FROM `+users+` WHERE NOT is_admin
		  ORDER BY lower(username) ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectUsers(rows)
}

func (s *PostgresStore) AdminIDs(ctx context.Context) ([]int64, error) {
	users := s.table("users")

	rows, err := s.pool.Query(ctx, `SELECT id FROM `+users+` WHERE is_admin ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteUser(ctx context.Context, id int64) (bool, error) {
	users := s.table("users")

	tag, err := s.pool.Exec(ctx, `DELETE FROM `+users+` WHERE id = $1 AND NOT is_admin`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) TouchLastActive(ctx context.Context, userID int64, ts time.Time) error {
	users := s.table("users")

	_, err := s.pool.Exec(ctx,
		`UPDATE `+users+` SET last_active_ts = GREATEST(last_active_ts, $1) WHERE id = $2`,
		ts, userID,
	)
	return err
}

func (s *PostgresStore) CollectStats(ctx context.Context, activeSince time.Time) (Stats, error) {
	users := s.table("users")
	messages := s.table("messages")
	conversations := s.table("conversations")

	var st Stats
	err := s.pool.QueryRow(ctx,
		`SELECT
		    (SELECT COUNT(*) FROM `+users+` WHERE NOT is_admin),
		    (SELECT COUNT(*) FROM `+messages+`),
		    (SELECT COUNT(*) FROM `+conversations+`),
		    (SELECT COUNT(*) FROM `+users+` WHERE NOT is_admin AND last_active_ts > $1)`,
		activeSince,
	).Scan(&st.UserCount, &st.MessageCount, &st.ConversationCount, &st.ActiveUsers)
	return st, err
}

// ---- conversations ----

func (s *PostgresStore) CreateConversation(ctx context.Context, userID, partnerID int64, now time.Time) (int64, bool, error) {
	conversations := s.table("conversations")
	participants := s.table("conversation_participants")

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return 0, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialize creation per unordered pair so two concurrent creates
	// converge on the same conversation.
	lo, hi := userID, partnerID
	if lo > hi {
		lo, hi = hi, lo
	}
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1, $2)`, int32(lo), int32(hi)); err != nil {
		return 0, false, fmt.Errorf("advisory lock: %w", err)
	}

	var existing int64
	err = tx.QueryRow(ctx,
		`SELECT p1.conversation_id
		   FROM `+participants+` p1
		   JOIN `+participants+` p2 ON p1.conversation_id = p2.conversation_id
		  WHERE p1.user_id = $1 AND p2.user_id = $2
		  LIMIT 1`,
		userID, partnerID,
	).Scan(&existing)
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return 0, false, err
		}
		return existing, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, err
	}

	var convID int64
	if err := tx.QueryRow(ctx,
		`INSERT INTO `+conversations+` (creator_id, last_activity_ts) VALUES ($1, $2) RETURNING id`,
		userID, now,
	).Scan(&convID); err != nil {
		return 0, false, err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+participants+` (conversation_id, user_id) VALUES ($1, $2), ($1, $3)`,
		convID, userID, partnerID,
	); err != nil {
		return 0, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, false, err
	}
	return convID, false, nil
}

func (s *PostgresStore) ListConversations(ctx context.Context, userID int64) ([]ConversationSummary, error) {
	conversations := s.table("conversations")
	participants := s.table("conversation_participants")
	messages := s.table("messages")
	users := s.table("users")
	blocks := s.table("blocks")
	reads := s.table("message_read_status")

	rows, err := s.pool.Query(ctx,
		`WITH latest AS (
		    SELECT m.conversation_id, m.content, m.timestamp, m.sender_id,
		           ROW_NUMBER() OVER (PARTITION BY m.conversation_id
		                              ORDER BY m.timestamp DESC, m.id DESC) AS rn
		      FROM `+messages+` m
		 )
		 SELECT c.id, c.last_activity_ts,
		        p.id, p.username, p.last_active_ts,
		        COALESCE(lm.content, ''), lm.timestamp, COALESCE(su.username, ''),
		        (SELECT COUNT(*) FROM `+messages+` mu
		          WHERE mu.conversation_id = c.id AND mu.sender_id <> $1
		            AND NOT EXISTS (SELECT 1 FROM `+reads+` r
		                             WHERE r.message_id = mu.id AND r.user_id = $1))
		   FROM `+conversations+` c
		   JOIN `+participants+` self ON self.conversation_id = c.id AND self.user_id = $1
		   JOIN `+participants+` other ON other.conversation_id = c.id AND other.user_id <> $1
		   JOIN `+users+` p ON p.id = other.user_id
		   LEFT JOIN latest lm ON lm.conversation_id = c.id AND lm.rn = 1
		   LEFT JOIN `+users+` su ON su.id = lm.sender_id
		  WHERE NOT EXISTS (SELECT 1 FROM `+blocks+` b
		                     WHERE b.blocker_id = p.id AND b.blocked_id = $1)
		  ORDER BY c.last_activity_ts DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ConversationSummary
	for rows.Next() {
		var sum ConversationSummary
		if err := rows.Scan(
			&sum.ID, &sum.LastActivityTS,
			&sum.PartnerID, &sum.PartnerUsername, &sum.PartnerLastActiveTS,
			&sum.LastMessageContent, &sum.LastMessageTS, &sum.LastMessageSender,
			&sum.UnreadCount,
		); err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Participants(ctx context.Context, conversationID int64, excludeUserID *int64) ([]int64, error) {
	participants := s.table("conversation_participants")

	var (
		rows pgx.Rows
		err  error
	)
	if excludeUserID == nil {
		rows, err = s.pool.Query(ctx,
			`SELECT user_id FROM `+participants+` WHERE conversation_id = $1 ORDER BY user_id`,
			conversationID,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT user_id FROM `+participants+` WHERE conversation_id = $1 AND user_id <> $2 ORDER BY user_id`,
			conversationID, *excludeUserID,
		)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ConversationPartners(ctx context.Context, userID int64) ([]int64, error) {
	participants := s.table("conversation_participants")

	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT other.user_id
		   FROM `+participants+` self
		   JOIN `+participants+` other
		     ON other.conversation_id = self.conversation_id AND other.user_id <> $1
		  WHERE self.user_id = $1
		  ORDER BY other.user_id`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *PostgresStore) IsParticipant(ctx context.Context, conversationID, userID int64) (bool, error) {
	participants := s.table("conversation_participants")

	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM `+participants+` WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ---- messages ----

func (s *PostgresStore) CreateMessage(ctx context.Context, in CreateMessageInput) (Message, error) {
	messages := s.table("messages")
	conversations := s.table("conversations")

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return Message{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id int64
	if err := tx.QueryRow(ctx,
		`INSERT INTO `+messages+` (conversation_id, sender_id, content, timestamp, reply_to_message_id)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		in.ConversationID, in.SenderID, in.Content, now, in.ReplyToMessageID,
	).Scan(&id); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+conversations+` SET last_activity_ts = GREATEST(last_activity_ts, $1) WHERE id = $2`,
		now, in.ConversationID,
	); err != nil {
		return Message{}, err
	}

	m, err := scanMessage(tx.QueryRow(ctx, s.messageSelect()+` WHERE m.id = $1`, id))
	if err != nil {
		return Message{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, err
	}
	return m, nil
}

func (s *PostgresStore) MessageByID(ctx context.Context, id int64) (Message, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx, s.messageSelect()+` WHERE m.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, err
	}
	return m, nil
}

func (s *PostgresStore) EditMessage(ctx context.Context, id int64, newContent string, editedAt time.Time) error {
	messages := s.table("messages")

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+messages+` SET content = $1, is_edited = TRUE, edited_at = $2 WHERE id = $3`,
		newContent, editedAt, id,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteMessage(ctx context.Context, id int64) (bool, error) {
	messages := s.table("messages")

	tag, err := s.pool.Exec(ctx, `DELETE FROM `+messages+` WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, in ListMessagesInput) ([]Message, error) {
	var (
		rows pgx.Rows
		err  error
	)

	switch {
	case in.Since != nil:
		rows, err = s.pool.Query(ctx,
			s.messageSelect()+`
			 WHERE m.conversation_id = $1 AND m.timestamp > $2
			 ORDER BY m.timestamp ASC, m.id ASC`,
			in.ConversationID, *in.Since,
		)
	case in.Before != nil:
		rows, err = s.pool.Query(ctx,
			s.messageSelect()+`
			 WHERE m.conversation_id = $1 AND m.timestamp < $2
			 ORDER BY m.timestamp DESC, m.id DESC
			 LIMIT $3`,
			in.ConversationID, *in.Before, in.Limit,
		)
	default:
		rows, err = s.pool.Query(ctx,
			s.messageSelect()+`
			 WHERE m.conversation_id = $1
			 ORDER BY m.timestamp DESC, m.id DESC
			 LIMIT $2`,
			in.ConversationID, in.Limit,
		)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Descending windows are reversed so every page reads oldest-to-newest.
	if in.Since == nil {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

func (s *PostgresStore) MarkRead(ctx context.Context, messageIDs []int64, readerID int64) ([]Message, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}

	reads := s.table("message_read_status")
	messages := s.table("messages")

	// ON CONFLICT DO NOTHING + RETURNING yields exactly the newly marked
	// pairs, which is what the notification path needs.
	rows, err := s.pool.Query(ctx,
		`WITH marked AS (
		    INSERT INTO `+reads+` (message_id, user_id)
		    SELECT m.id, $2 FROM `+messages+` m
		     WHERE m.id = ANY($1) AND m.sender_id <> $2
		    ON CONFLICT (message_id, user_id) DO NOTHING
		    RETURNING message_id
		 )
		 `+s.messageSelect()+`
		 WHERE m.id IN (SELECT message_id FROM marked)`,
		messageIDs, readerID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ---- blocks ----

func (s *PostgresStore) Block(ctx context.Context, blockerID, blockedID int64) error {
	blocks := s.table("blocks")

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+blocks+` (blocker_id, blocked_id) VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`,
		blockerID, blockedID,
	)
	return err
}

func (s *PostgresStore) Unblock(ctx context.Context, blockerID, blockedID int64) error {
	blocks := s.table("blocks")

	_, err := s.pool.Exec(ctx,
		`DELETE FROM `+blocks+` WHERE blocker_id = $1 AND blocked_id = $2`,
		blockerID, blockedID,
	)
	return err
}

func (s *PostgresStore) IsBlocked(ctx context.Context, a, b int64) (bool, error) {
	blocks := s.table("blocks")

	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM `+blocks+`
		  WHERE (blocker_id = $1 AND blocked_id = $2)
		     OR (blocker_id = $2 AND blocked_id = $1)`,
		a, b,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *PostgresStore) ListBlocked(ctx context.Context, blockerID int64) ([]User, error) {
	blocks := s.table("blocks")
	users := s.table("users")

	rows, err := s.pool.Query(ctx,
		`SELECT u.id, u.username, u.is_admin, u.created_at, u.last_active_ts
		   FROM `+blocks+` b
		   JOIN `+users+` u ON u.id = b.blocked_id
		  WHERE b.blocker_id = $1
		  ORDER BY lower(u.username) ASC`,
		blockerID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectUsers(rows)
}

// ---- config ----

func (s *PostgresStore) ConfigValue(ctx context.Context, key string) (string, error) {
	config := s.table("app_config")

	var v string
	err := s.pool.QueryRow(ctx,
		`SELECT config_value FROM `+config+` WHERE config_key = $1`, key,
	).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

func (s *PostgresStore) SetConfigValue(ctx context.Context, key, value string) error {
	config := s.table("app_config")

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+config+` (config_key, config_value) VALUES ($1, $2)
		 ON CONFLICT (config_key) DO UPDATE SET config_value = EXCLUDED.config_value`,
		key, value,
	)
	return err
}

// ---- helpers ----

func collectUsers(rows pgx.Rows) ([]User, error) {
	var out []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.IsAdmin, &u.CreatedAt, &u.LastActiveTS); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
