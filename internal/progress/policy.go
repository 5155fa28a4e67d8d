package progress

import (
	"github.com/kalambet/annotd/internal/docstore"
	"github.com/kalambet/annotd/internal/storage"
)

// AccessPolicy decides which conversations of a store a user works on.
type AccessPolicy interface {
	// Allows reports whether the conversation is in scope.
	Allows(conversationID string) bool
	// Query narrows a store listing to the policy's scope.
	Query() docstore.Query
}

// PolicyFor selects the policy for u in storeID: admins see every
// conversation, annotators only the ones assigned to them in that store.
func PolicyFor(u storage.User, storeID string) AccessPolicy {
	if u.Role == storage.RoleAdmin {
		return FullAccess{}
	}
	return Scoped(u.AssignedConversations[storeID].ConversationIDs())
}

// PolicyForAssignment narrows u's scope to one named assignment in storeID,
// whatever the role. An empty title falls back to PolicyFor.
func PolicyForAssignment(u storage.User, storeID, title string) AccessPolicy {
	if title == "" {
		return PolicyFor(u, storeID)
	}
	for _, a := range u.AssignedConversations[storeID].Assignments {
		if a.Title == title {
			return Scoped(a.Conversations)
		}
	}
	return Scoped(nil)
}

// Participates reports whether u shows up on storeID's dashboards: admins
// always do, annotators once they hold an assignment there.
func Participates(u storage.User, storeID string) bool {
	if u.Role == storage.RoleAdmin {
		return true
	}
	_, ok := u.AssignedConversations[storeID]
	return ok
}

// FullAccess allows every conversation.
type FullAccess struct{}

func (FullAccess) Allows(string) bool    { return true }
func (FullAccess) Query() docstore.Query { return docstore.Query{} }

// ScopedAccess allows an explicit set of conversation ids.
type ScopedAccess struct {
	ids []string
	set map[string]struct{}
}

// Scoped builds a ScopedAccess over ids, dropping duplicates.
func Scoped(ids []string) ScopedAccess {
	s := ScopedAccess{set: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		if _, dup := s.set[id]; dup {
			continue
		}
		s.set[id] = struct{}{}
		s.ids = append(s.ids, id)
	}
	return s
}

func (s ScopedAccess) Allows(id string) bool {
	_, ok := s.set[id]
	return ok
}

func (s ScopedAccess) Query() docstore.Query {
	return docstore.Query{IDs: append([]string(nil), s.ids...), Restricted: true}
}

// IDs returns the allowed ids in first-seen order.
func (s ScopedAccess) IDs() []string {
	return append([]string(nil), s.ids...)
}
