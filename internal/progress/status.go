// Package progress computes completion status and label coverage of
// annotation work over conversations.
package progress

import (
	"github.com/kalambet/annotd/internal/conversation"
	"github.com/kalambet/annotd/internal/storage"
)

// State is the completion state of one conversation.
type State string

const (
	Annotated    State = "annotated"
	InProgress   State = "inProgress"
	NotAnnotated State = "notAnnotated"
)

// Classify returns Annotated when every conversation-level and
// message-level annotation is answered, InProgress when at least one is,
// and NotAnnotated otherwise. A conversation without annotations is
// Annotated. An empty answer list counts as unanswered.
func Classify(c conversation.Conversation) State {
	all, some := true, false
	visit := func(anns []conversation.Annotation) {
		for _, a := range anns {
			if a.Completed() {
				some = true
			} else {
				all = false
			}
		}
	}
	visit(c.Annotations)
	for _, m := range c.Messages {
		visit(m.Annotations)
	}

	switch {
	case all:
		return Annotated
	case some:
		return InProgress
	default:
		return NotAnnotated
	}
}

type Status struct {
	Annotated    int `json:"annotated"`
	InProgress   int `json:"inProgress"`
	NotAnnotated int `json:"notAnnotated"`
}

// Total is the number of conversations counted.
func (s Status) Total() int {
	return s.Annotated + s.InProgress + s.NotAnnotated
}

func (s *Status) add(st State) {
	switch st {
	case Annotated:
		s.Annotated++
	case InProgress:
		s.InProgress++
	default:
		s.NotAnnotated++
	}
}

// ComputeStatus counts the conversations in convs that p allows, once per
// conversation id.
func ComputeStatus(convs []conversation.Conversation, p AccessPolicy) Status {
	var s Status
	seen := make(map[string]bool, len(convs))
	for _, c := range convs {
		if seen[c.ID] || !p.Allows(c.ID) {
			continue
		}
		seen[c.ID] = true
		s.add(Classify(c))
	}
	return s
}

// UserStatus is one dashboard row.
type UserStatus struct {
	UserID   string       `json:"userId"`
	Username string       `json:"username"`
	Role     storage.Role `json:"role"`
	Status
}

// Dashboard computes one row per user that participates in storeID, in the
// order of users.
func Dashboard(users []storage.User, storeID string, convs []conversation.Conversation) []UserStatus {
	rows := make([]UserStatus, 0, len(users))
	for _, u := range users {
		if !Participates(u, storeID) {
			continue
		}
		rows = append(rows, UserStatus{
			UserID:   u.ID,
			Username: u.Username,
			Role:     u.Role,
			Status:   ComputeStatus(convs, PolicyFor(u, storeID)),
		})
	}
	return rows
}
