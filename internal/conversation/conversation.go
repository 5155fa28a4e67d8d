// Package conversation holds the annotated conversation model: conversations,
// their messages and comments, and the annotation variants attached to both.
package conversation

import (
	"slices"
	"strings"
	"time"

	"github.com/kalambet/annotd/internal/apperr"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known message role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Moment is a display label plus unix-millisecond timestamp.
type Moment struct {
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

type Comment struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Timestamp time.Time `json:"timestamp"`
	Content   string    `json:"content"`
}

// Message is one turn of a conversation. ID is assigned at ingestion and is
// the only way messages are addressed; array position carries no identity.
type Message struct {
	ID          string       `json:"id"`
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	Annotations []Annotation `json:"annotations,omitempty"`
	Comments    []Comment    `json:"comments,omitempty"`
}

type Conversation struct {
	ID               string       `json:"id"`
	Participant      string       `json:"participant"`
	FirstInteraction Moment       `json:"firstInteraction"`
	LastInteraction  Moment       `json:"lastInteraction"`
	Messages         []Message    `json:"messages"`
	Annotations      []Annotation `json:"annotations,omitempty"`
}

// Target addresses one annotation. An empty MessageID targets the
// conversation-level annotation list.
type Target struct {
	ConversationID string
	MessageID      string
	AnnotationID   string
}

// AssignIDs fills in missing conversation, message, annotation and comment ids.
func (c *Conversation) AssignIDs(newID func() string) {
	if c.ID == "" {
		c.ID = newID()
	}
	for i := range c.Annotations {
		if c.Annotations[i].ID == "" {
			c.Annotations[i].ID = newID()
		}
	}
	for i := range c.Messages {
		m := &c.Messages[i]
		if m.ID == "" {
			m.ID = newID()
		}
		for j := range m.Annotations {
			if m.Annotations[j].ID == "" {
				m.Annotations[j].ID = newID()
			}
		}
		for j := range m.Comments {
			if m.Comments[j].ID == "" {
				m.Comments[j].ID = newID()
			}
		}
	}
}

// Validate checks structural invariants of a conversation before it is stored.
func (c *Conversation) Validate() error {
	if c.ID == "" {
		return apperr.Invalid("id", "required")
	}
	seen := make(map[string]bool, len(c.Messages))
	for i, m := range c.Messages {
		if m.ID == "" {
			return apperr.Invalid("messages", "message %d has no id", i)
		}
		if seen[m.ID] {
			return apperr.Invalid("messages", "duplicate message id %q", m.ID)
		}
		seen[m.ID] = true
		if !m.Role.Valid() {
			return apperr.Invalid("messages", "message %s has unknown role %q", m.ID, m.Role)
		}
	}
	return nil
}

// Message returns the message with id.
func (c *Conversation) Message(id string) (*Message, error) {
	for i := range c.Messages {
		if c.Messages[i].ID == id {
			return &c.Messages[i], nil
		}
	}
	return nil, apperr.NotFound("message %s in conversation %s", id, c.ID)
}

func (c *Conversation) annotationList(messageID string) (*[]Annotation, error) {
	if messageID == "" {
		return &c.Annotations, nil
	}
	m, err := c.Message(messageID)
	if err != nil {
		return nil, err
	}
	return &m.Annotations, nil
}

// Annotation returns the annotation addressed by messageID and annotationID.
func (c *Conversation) Annotation(messageID, annotationID string) (*Annotation, error) {
	list, err := c.annotationList(messageID)
	if err != nil {
		return nil, err
	}
	for i := range *list {
		if (*list)[i].ID == annotationID {
			return &(*list)[i], nil
		}
	}
	return nil, apperr.NotFound("annotation %s in conversation %s", annotationID, c.ID)
}

// PatchAnnotation applies p to exactly one annotation.
func (c *Conversation) PatchAnnotation(messageID, annotationID string, p AnnotationPatch) error {
	a, err := c.Annotation(messageID, annotationID)
	if err != nil {
		return err
	}
	return p.Apply(a)
}

// AddAnnotation appends a to the conversation (messageID == "") or to a message.
func (c *Conversation) AddAnnotation(messageID string, a Annotation) error {
	list, err := c.annotationList(messageID)
	if err != nil {
		return err
	}
	for _, existing := range *list {
		if existing.ID == a.ID {
			return apperr.Conflict("annotation %s in conversation %s", a.ID, c.ID)
		}
	}
	*list = append(*list, a)
	return nil
}

// RemoveAnnotation deletes the annotation with annotationID.
func (c *Conversation) RemoveAnnotation(messageID, annotationID string) error {
	list, err := c.annotationList(messageID)
	if err != nil {
		return err
	}
	idx := slices.IndexFunc(*list, func(a Annotation) bool { return a.ID == annotationID })
	if idx < 0 {
		return apperr.NotFound("annotation %s in conversation %s", annotationID, c.ID)
	}
	*list = slices.Delete(*list, idx, idx+1)
	return nil
}

// AddComment appends cm to a message.
func (c *Conversation) AddComment(messageID string, cm Comment) error {
	m, err := c.Message(messageID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(cm.Content) == "" {
		return apperr.Invalid("content", "required")
	}
	m.Comments = append(m.Comments, cm)
	return nil
}

// DeleteComment removes a comment from a message.
func (c *Conversation) DeleteComment(messageID, commentID string) error {
	m, err := c.Message(messageID)
	if err != nil {
		return err
	}
	idx := slices.IndexFunc(m.Comments, func(cm Comment) bool { return cm.ID == commentID })
	if idx < 0 {
		return apperr.NotFound("comment %s on message %s", commentID, messageID)
	}
	m.Comments = slices.Delete(m.Comments, idx, idx+1)
	return nil
}

// Matches reports whether query occurs, case-insensitively, in the
// participant, the interaction labels or any message content.
func (c *Conversation) Matches(query string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return true
	}
	fields := []string{c.Participant, c.FirstInteraction.Text, c.LastInteraction.Text}
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), q) {
			return true
		}
	}
	for _, m := range c.Messages {
		if strings.Contains(strings.ToLower(m.Content), q) {
			return true
		}
	}
	return false
}
