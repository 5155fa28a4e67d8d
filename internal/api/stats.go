package api

import (
	"context"
	"net/http"

	"github.com/kalambet/annotd/internal/conversation"
	"github.com/kalambet/annotd/internal/docstore"
	"github.com/kalambet/annotd/internal/progress"
	"github.com/kalambet/annotd/internal/router"
	"github.com/kalambet/annotd/internal/storage"
)

// Stats answers the dashboard queries for both the HTTP API and MCP tools.
type Stats struct {
	Registry *storage.Store
	Router   *router.Router
}

// conversations loads every conversation of storeID, or of the process-wide
// binding when storeID is empty.
func (s Stats) conversations(ctx context.Context, storeID string) ([]conversation.Conversation, storage.StoreDescriptor, error) {
	var (
		st  docstore.Store
		d   storage.StoreDescriptor
		err error
	)
	if storeID == "" {
		d = s.Router.Active()
		st, err = s.Router.Open(ctx, d)
	} else {
		st, d, err = s.Router.OpenStoreID(ctx, storeID)
	}
	if err != nil {
		return nil, d, err
	}
	convs, err := st.ListConversations(ctx, docstore.Query{})
	return convs, d, err
}

// UserCompletion classifies the conversations userID works on in storeID.
func (s Stats) UserCompletion(ctx context.Context, storeID, userID string) (progress.UserStatus, error) {
	u, err := s.Registry.GetUser(ctx, userID)
	if err != nil {
		return progress.UserStatus{}, err
	}
	convs, d, err := s.conversations(ctx, storeID)
	if err != nil {
		return progress.UserStatus{}, err
	}
	return progress.UserStatus{
		UserID:   u.ID,
		Username: u.Username,
		Role:     u.Role,
		Status:   progress.ComputeStatus(convs, progress.PolicyFor(u, d.StoreID)),
	}, nil
}

// Dashboard returns one completion row per participating user in storeID.
func (s Stats) Dashboard(ctx context.Context, storeID string) ([]progress.UserStatus, error) {
	users, err := s.Registry.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	convs, d, err := s.conversations(ctx, storeID)
	if err != nil {
		return nil, err
	}
	return progress.Dashboard(users, d.StoreID, convs), nil
}

// Labels counts answered and unanswered annotations per title across the
// users participating in storeID.
func (s Stats) Labels(ctx context.Context, storeID string) ([]progress.LabelCount, error) {
	users, err := s.Registry.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	convs, d, err := s.conversations(ctx, storeID)
	if err != nil {
		return nil, err
	}
	var policies []progress.AccessPolicy
	for _, u := range users {
		if progress.Participates(u, d.StoreID) {
			policies = append(policies, progress.PolicyFor(u, d.StoreID))
		}
	}
	return progress.LabelDistribution(convs, policies), nil
}

func handleCompletion(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		storeID := r.URL.Query().Get("storeId")
		userID := r.URL.Query().Get("userId")
		if userID == "" {
			rows, err := deps.stats().Dashboard(r.Context(), storeID)
			if err != nil {
				writeError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, rows)
			return
		}
		st, err := deps.stats().UserCompletion(r.Context(), storeID, userID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func handleLabels(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := deps.stats().Labels(r.Context(), r.URL.Query().Get("storeId"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, counts)
	}
}
