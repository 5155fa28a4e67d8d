package docstore

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/kalambet/annotd/internal/conversation"
)

// Memory is an in-process Store. It backs memory: URIs and the tests of
// packages that sit above the document store.
type Memory struct {
	mu     sync.Mutex
	convs  map[string]conversation.Conversation
	closed bool
}

func NewMemory(convs ...conversation.Conversation) *Memory {
	m := &Memory{convs: make(map[string]conversation.Conversation)}
	for _, c := range convs {
		m.convs[c.ID] = clone(c)
	}
	return m
}

// clone deep-copies the slices a mutation may touch.
func clone(c conversation.Conversation) conversation.Conversation {
	c.Annotations = cloneAnnotations(c.Annotations)
	msgs := make([]conversation.Message, len(c.Messages))
	for i, m := range c.Messages {
		m.Annotations = cloneAnnotations(m.Annotations)
		m.Comments = slices.Clone(m.Comments)
		msgs[i] = m
	}
	c.Messages = msgs
	return c
}

func cloneAnnotations(in []conversation.Annotation) []conversation.Annotation {
	if in == nil {
		return nil
	}
	out := make([]conversation.Annotation, len(in))
	for i, a := range in {
		a.Answers = slices.Clone(a.Answers)
		out[i] = a
	}
	return out
}

func (m *Memory) ListConversations(_ context.Context, q Query) ([]conversation.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []conversation.Conversation{}
	if q.Restricted {
		for _, id := range q.IDs {
			if c, ok := m.convs[id]; ok {
				out = append(out, clone(c))
			}
		}
	} else {
		for _, c := range m.convs {
			out = append(out, clone(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return filterSearch(out, q.Search), nil
}

func (m *Memory) ConversationIDs(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.convs))
	for id := range m.convs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) GetConversation(_ context.Context, id string) (conversation.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return conversation.Conversation{}, notFoundConversation(id)
	}
	return clone(c), nil
}

func (m *Memory) InsertConversations(_ context.Context, convs []conversation.Conversation) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range convs {
		if err := validateInsert(&convs[i]); err != nil {
			return 0, err
		}
	}
	n := 0
	for _, c := range convs {
		if _, ok := m.convs[c.ID]; ok {
			continue
		}
		m.convs[c.ID] = clone(c)
		n++
	}
	return n, nil
}

func (m *Memory) mutate(id string, fn func(*conversation.Conversation) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return notFoundConversation(id)
	}
	next := clone(c)
	if err := fn(&next); err != nil {
		return err
	}
	m.convs[id] = next
	return nil
}

func (m *Memory) UpdateAnnotation(_ context.Context, t conversation.Target, p conversation.AnnotationPatch) error {
	return m.mutate(t.ConversationID, func(c *conversation.Conversation) error {
		return c.PatchAnnotation(t.MessageID, t.AnnotationID, p)
	})
}

func (m *Memory) AddAnnotation(_ context.Context, conversationID, messageID string, a conversation.Annotation) error {
	return m.mutate(conversationID, func(c *conversation.Conversation) error {
		return c.AddAnnotation(messageID, a)
	})
}

func (m *Memory) RemoveAnnotation(_ context.Context, t conversation.Target) error {
	return m.mutate(t.ConversationID, func(c *conversation.Conversation) error {
		return c.RemoveAnnotation(t.MessageID, t.AnnotationID)
	})
}

func (m *Memory) AddComment(_ context.Context, conversationID, messageID string, cm conversation.Comment) error {
	return m.mutate(conversationID, func(c *conversation.Conversation) error {
		return c.AddComment(messageID, cm)
	})
}

func (m *Memory) DeleteComment(_ context.Context, conversationID, messageID, commentID string) error {
	return m.mutate(conversationID, func(c *conversation.Conversation) error {
		return c.DeleteComment(messageID, commentID)
	})
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Closed reports whether Close has been called.
func (m *Memory) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
