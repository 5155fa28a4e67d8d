// Package docstore reads and mutates conversations held in a backing store.
// One Store addresses a single container (table or collection) inside the
// store identified by a descriptor.
package docstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/kalambet/annotd/internal/apperr"
	"github.com/kalambet/annotd/internal/conversation"
	"github.com/kalambet/annotd/internal/storage"
)

// Query narrows ListConversations. When Restricted is set only conversations
// whose id is in IDs are returned, so an empty IDs yields nothing. Search is
// a case-insensitive substring filter (see conversation.Matches).
type Query struct {
	IDs        []string
	Restricted bool
	Search     string
}

// Store is the conversation document store. Every mutation is atomic per
// call and touches a single conversation.
type Store interface {
	ListConversations(ctx context.Context, q Query) ([]conversation.Conversation, error)
	ConversationIDs(ctx context.Context) ([]string, error)
	GetConversation(ctx context.Context, id string) (conversation.Conversation, error)
	// InsertConversations stores new conversations and returns how many were
	// written. Conversations whose id already exists are skipped.
	InsertConversations(ctx context.Context, convs []conversation.Conversation) (int, error)

	// UpdateAnnotation patches exactly one annotation and returns
	// ErrNotFound when the target does not exist.
	UpdateAnnotation(ctx context.Context, t conversation.Target, p conversation.AnnotationPatch) error
	AddAnnotation(ctx context.Context, conversationID, messageID string, a conversation.Annotation) error
	RemoveAnnotation(ctx context.Context, t conversation.Target) error
	AddComment(ctx context.Context, conversationID, messageID string, c conversation.Comment) error
	DeleteComment(ctx context.Context, conversationID, messageID, commentID string) error

	Ping(ctx context.Context) error
	Close() error
}

// Open connects to the store described by d. The scheme of d.URI selects the
// backend: mongodb:// and mongodb+srv:// use MongoDB with d.StoreID as the
// database, postgres:// and postgresql:// use Postgres, and sqlite: URIs or
// bare file paths use SQLite, and memory: keeps conversations in process
// until Close. d.ContainerID names the collection or table.
// Failures to reach the store are returned as *apperr.ConnectionError.
func Open(ctx context.Context, d storage.StoreDescriptor) (Store, error) {
	if d.URI == "" {
		return nil, apperr.Invalid("uri", "required")
	}
	if d.ContainerID == "" {
		return nil, apperr.Invalid("containerId", "required")
	}

	var (
		s   Store
		err error
	)
	switch scheme(d.URI) {
	case "mongodb", "mongodb+srv":
		s, err = openMongo(ctx, d)
	case "postgres", "postgresql":
		s, err = openSQL(ctx, postgresDialect, d.URI, d.ContainerID)
	case "sqlite", "file", "":
		s, err = openSQL(ctx, sqliteDialect, sqlitePath(d.URI), d.ContainerID)
	case "memory":
		s = NewMemory()
	default:
		return nil, apperr.Invalid("uri", "unsupported scheme in %q", Redact(d.URI))
	}
	if err != nil {
		if apperr.IsValidation(err) {
			return nil, err
		}
		return nil, &apperr.ConnectionError{Target: Redact(d.URI), Err: err}
	}
	return s, nil
}

func scheme(uri string) string {
	i := strings.Index(uri, ":")
	if i <= 0 {
		return ""
	}
	s := strings.ToLower(uri[:i])
	// Windows drive letters and relative paths are not schemes.
	if len(s) == 1 || strings.ContainsAny(s, "/\\.") {
		return ""
	}
	return s
}

// sqlitePath maps sqlite:, sqlite://, and file: URIs to a modernc DSN.
func sqlitePath(uri string) string {
	switch {
	case strings.HasPrefix(uri, "sqlite://"):
		return strings.TrimPrefix(uri, "sqlite://")
	case strings.HasPrefix(uri, "sqlite:"):
		return strings.TrimPrefix(uri, "sqlite:")
	}
	return uri
}

// Redact strips credentials from a connection URI for logs and errors.
func Redact(uri string) string {
	at := strings.LastIndex(uri, "@")
	sep := strings.Index(uri, "://")
	if at < 0 || sep < 0 || at < sep {
		return uri
	}
	return uri[:sep+3] + "***" + uri[at:]
}

func notFoundConversation(id string) error {
	return apperr.NotFound("conversation %s", id)
}

func filterSearch(convs []conversation.Conversation, search string) []conversation.Conversation {
	if strings.TrimSpace(search) == "" {
		return convs
	}
	out := convs[:0]
	for i := range convs {
		if convs[i].Matches(search) {
			out = append(out, convs[i])
		}
	}
	return out
}

func validateInsert(c *conversation.Conversation) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("conversation %s: %w", c.ID, err)
	}
	return nil
}
