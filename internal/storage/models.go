package storage

import (
	"time"

	"github.com/kalambet/annotd/internal/apperr"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = apperr.ErrNotFound

// ErrConflict is returned when a unique record already exists.
var ErrConflict = apperr.ErrConflict

// StoreDescriptor identifies one backing conversation store. The four
// fields together are the registry key; Name is only a display label.
type StoreDescriptor struct {
	URI         string `json:"uri"`
	StoreID     string `json:"storeId"`
	ContainerID string `json:"containerId"`
	Name        string `json:"name"`
}

// Validate checks that every descriptor field is present.
func (d StoreDescriptor) Validate() error {
	switch {
	case d.URI == "":
		return apperr.Invalid("uri", "required")
	case d.StoreID == "":
		return apperr.Invalid("storeId", "required")
	case d.ContainerID == "":
		return apperr.Invalid("containerId", "required")
	case d.Name == "":
		return apperr.Invalid("name", "required")
	}
	return nil
}

// StoreRecord is a registered descriptor.
type StoreRecord struct {
	ID string `json:"id"`
	StoreDescriptor
	CreatedAt time.Time `json:"createdAt"`
}

type Role string

const (
	RoleAdmin     Role = "admin"
	RoleAnnotator Role = "annotator"
)

func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleAnnotator
}

type Assignment struct {
	Title         string   `json:"assignmentTitle"`
	Conversations []string `json:"conversations"`
}

// AssignedStore is the per-store slice of a user's work: the team that last
// assigned to them there and their named assignments in insertion order.
type AssignedStore struct {
	TeamID      string       `json:"teamId"`
	Assignments []Assignment `json:"assignments"`
}

// ConversationIDs flattens every assignment into one de-duplicated list.
func (a AssignedStore) ConversationIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, as := range a.Assignments {
		for _, id := range as.Conversations {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids
}

type User struct {
	ID                    string                   `json:"id"`
	Username              string                   `json:"username"`
	Role                  Role                     `json:"role"`
	ActiveStoreID         string                   `json:"activeStoreId,omitempty"`
	ActiveAssignment      string                   `json:"activeAssignment,omitempty"`
	AssignedConversations map[string]AssignedStore `json:"assignedConversations"`
	CreatedAt             time.Time                `json:"createdAt"`
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
