package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	_ "modernc.org/sqlite"

	"github.com/kalambet/annotd/internal/apperr"
	"github.com/kalambet/annotd/internal/conversation"
)

// dialect captures the differences between the SQL backends. Both store one
// JSON document per conversation row.
type dialect struct {
	driver    string
	forUpdate string
	numbered  bool // $1-style placeholders
}

var (
	sqliteDialect   = dialect{driver: "sqlite"}
	postgresDialect = dialect{driver: "pgx", forUpdate: " FOR UPDATE", numbered: true}
)

// rebind rewrites ? placeholders for dialects that use numbered ones.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

type sqlStore struct {
	db      *sql.DB
	dialect dialect
	table   string
}

func openSQL(ctx context.Context, d dialect, dsn, container string) (*sqlStore, error) {
	if !tableName.MatchString(container) {
		return nil, apperr.Invalid("containerId", "%q is not a valid table name", container)
	}

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", d.driver, err)
	}
	if d.driver == "sqlite" {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging %s: %w", d.driver, err)
	}

	s := &sqlStore{db: db, dialect: d, table: `"` + container + `"`}
	ddl := `CREATE TABLE IF NOT EXISTS ` + s.table + ` (
		id  TEXT PRIMARY KEY,
		doc TEXT NOT NULL
	)`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensuring table %s: %w", container, err)
	}
	return s, nil
}

func (s *sqlStore) q(query string) string {
	return s.dialect.rebind(strings.ReplaceAll(query, "{table}", s.table))
}

func (s *sqlStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *sqlStore) Close() error { return s.db.Close() }

func (s *sqlStore) ListConversations(ctx context.Context, q Query) ([]conversation.Conversation, error) {
	if q.Restricted && len(q.IDs) == 0 {
		return []conversation.Conversation{}, nil
	}

	query := `SELECT doc FROM {table}`
	var args []any
	if q.Restricted {
		query += ` WHERE id IN (?` + strings.Repeat(",?", len(q.IDs)-1) + `)`
		for _, id := range q.IDs {
			args = append(args, id)
		}
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()

	out := []conversation.Conversation{}
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		c, err := decodeDoc(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return filterSearch(out, q.Search), nil
}

func (s *sqlStore) ConversationIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id FROM {table} ORDER BY id`))
	if err != nil {
		return nil, fmt.Errorf("listing conversation ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *sqlStore) GetConversation(ctx context.Context, id string) (conversation.Conversation, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT doc FROM {table} WHERE id = ?`), id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return conversation.Conversation{}, notFoundConversation(id)
	}
	if err != nil {
		return conversation.Conversation{}, fmt.Errorf("reading conversation %s: %w", id, err)
	}
	return decodeDoc(doc)
}

func (s *sqlStore) InsertConversations(ctx context.Context, convs []conversation.Conversation) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning insert: %w", err)
	}
	defer tx.Rollback()

	inserted := 0
	stmt := s.q(`INSERT INTO {table} (id, doc) VALUES (?, ?) ON CONFLICT (id) DO NOTHING`)
	for i := range convs {
		if err := validateInsert(&convs[i]); err != nil {
			return 0, err
		}
		doc, err := json.Marshal(convs[i])
		if err != nil {
			return 0, fmt.Errorf("encoding conversation %s: %w", convs[i].ID, err)
		}
		res, err := tx.ExecContext(ctx, stmt, convs[i].ID, string(doc))
		if err != nil {
			return 0, fmt.Errorf("inserting conversation %s: %w", convs[i].ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// mutate loads one conversation inside a transaction, applies fn and writes
// the document back. Nothing is written when fn fails.
func (s *sqlStore) mutate(ctx context.Context, id string, fn func(*conversation.Conversation) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning update: %w", err)
	}
	defer tx.Rollback()

	var doc string
	err = tx.QueryRowContext(ctx, s.q(`SELECT doc FROM {table} WHERE id = ?`+s.dialect.forUpdate), id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return notFoundConversation(id)
	}
	if err != nil {
		return fmt.Errorf("reading conversation %s: %w", id, err)
	}
	c, err := decodeDoc(doc)
	if err != nil {
		return err
	}
	if err := fn(&c); err != nil {
		return err
	}

	next, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding conversation %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, s.q(`UPDATE {table} SET doc = ? WHERE id = ?`), string(next), id); err != nil {
		return fmt.Errorf("writing conversation %s: %w", id, err)
	}
	return tx.Commit()
}

func (s *sqlStore) UpdateAnnotation(ctx context.Context, t conversation.Target, p conversation.AnnotationPatch) error {
	return s.mutate(ctx, t.ConversationID, func(c *conversation.Conversation) error {
		return c.PatchAnnotation(t.MessageID, t.AnnotationID, p)
	})
}

func (s *sqlStore) AddAnnotation(ctx context.Context, conversationID, messageID string, a conversation.Annotation) error {
	return s.mutate(ctx, conversationID, func(c *conversation.Conversation) error {
		return c.AddAnnotation(messageID, a)
	})
}

func (s *sqlStore) RemoveAnnotation(ctx context.Context, t conversation.Target) error {
	return s.mutate(ctx, t.ConversationID, func(c *conversation.Conversation) error {
		return c.RemoveAnnotation(t.MessageID, t.AnnotationID)
	})
}

func (s *sqlStore) AddComment(ctx context.Context, conversationID, messageID string, cm conversation.Comment) error {
	return s.mutate(ctx, conversationID, func(c *conversation.Conversation) error {
		return c.AddComment(messageID, cm)
	})
}

func (s *sqlStore) DeleteComment(ctx context.Context, conversationID, messageID, commentID string) error {
	return s.mutate(ctx, conversationID, func(c *conversation.Conversation) error {
		return c.DeleteComment(messageID, commentID)
	})
}

func decodeDoc(doc string) (conversation.Conversation, error) {
	var c conversation.Conversation
	if err := json.Unmarshal([]byte(doc), &c); err != nil {
		return conversation.Conversation{}, fmt.Errorf("decoding conversation: %w", err)
	}
	return c, nil
}
