package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/annotd/internal/apperr"
	"github.com/kalambet/annotd/internal/conversation"
	"github.com/kalambet/annotd/internal/docstore"
	"github.com/kalambet/annotd/internal/progress"
	"github.com/kalambet/annotd/internal/storage"
)

// scope is the store and access policy a request acts under. Requests
// without ?user= act with full access on the process-wide binding.
type scope struct {
	store  docstore.Store
	desc   storage.StoreDescriptor
	policy progress.AccessPolicy
	user   *storage.User
}

func resolveScope(ctx context.Context, deps AppDeps, userID, assignment string) (scope, error) {
	if userID == "" {
		d := deps.Router.Active()
		st, err := deps.Router.Open(ctx, d)
		if err != nil {
			return scope{}, err
		}
		return scope{store: st, desc: d, policy: progress.FullAccess{}}, nil
	}
	u, err := deps.Registry.GetUser(ctx, userID)
	if err != nil {
		return scope{}, err
	}
	if assignment == "" && u.Role != storage.RoleAdmin {
		assignment = u.ActiveAssignment
	}
	st, d, err := deps.Router.StoreFor(ctx, userID)
	if err != nil {
		return scope{}, err
	}
	return scope{
		store:  st,
		desc:   d,
		policy: progress.PolicyForAssignment(u, d.StoreID, assignment),
		user:   &u,
	}, nil
}

// allow reports conversations outside the policy as missing.
func (s scope) allow(conversationID string) error {
	if !s.policy.Allows(conversationID) {
		return apperr.NotFound("conversation %s", conversationID)
	}
	return nil
}

type conversationList struct {
	Store         storage.StoreDescriptor     `json:"store"`
	Conversations []conversation.Conversation `json:"conversations"`
}

func handleListConversations(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		sc, err := resolveScope(r.Context(), deps, q.Get("user"), q.Get("assignment"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		query := sc.policy.Query()
		query.Search = strings.TrimSpace(q.Get("query"))
		convs, err := sc.store.ListConversations(r.Context(), query)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if convs == nil {
			convs = []conversation.Conversation{}
		}
		writeJSON(w, http.StatusOK, conversationList{Store: sc.desc, Conversations: convs})
	}
}

func handleGetConversation(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		sc, err := resolveScope(r.Context(), deps, r.URL.Query().Get("user"), "")
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := sc.allow(id); err != nil {
			writeError(w, r, err)
			return
		}
		c, err := sc.store.GetConversation(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

type answerRequest struct {
	Answers []string `json:"answers"`
}

// handleAnswer sets one annotation's answers. Without a messageId path
// parameter it targets the conversation-level annotation.
func handleAnswer(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req answerRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		t := conversation.Target{
			ConversationID: chi.URLParam(r, "id"),
			MessageID:      chi.URLParam(r, "messageId"),
			AnnotationID:   chi.URLParam(r, "annotationId"),
		}
		sc, err := resolveScope(r.Context(), deps, r.URL.Query().Get("user"), "")
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := sc.allow(t.ConversationID); err != nil {
			writeError(w, r, err)
			return
		}
		answers := req.Answers
		if answers == nil {
			answers = []string{}
		}
		if err := sc.store.UpdateAnnotation(r.Context(), t, conversation.AnnotationPatch{Answers: &answers}); err != nil {
			writeError(w, r, err)
			return
		}
		c, err := sc.store.GetConversation(r.Context(), t.ConversationID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

type commentRequest struct {
	Author  string `json:"author"`
	Content string `json:"content"`
}

func handleAddComment(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req commentRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		if strings.TrimSpace(req.Content) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content is required")
			return
		}
		convID := chi.URLParam(r, "id")
		sc, err := resolveScope(r.Context(), deps, r.URL.Query().Get("user"), "")
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := sc.allow(convID); err != nil {
			writeError(w, r, err)
			return
		}
		if req.Author == "" && sc.user != nil {
			req.Author = sc.user.Username
		}
		cm := conversation.Comment{
			ID:        uuid.New().String(),
			Author:    req.Author,
			Timestamp: time.Now().UTC(),
			Content:   req.Content,
		}
		if err := sc.store.AddComment(r.Context(), convID, chi.URLParam(r, "messageId"), cm); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, cm)
	}
}

func handleDeleteComment(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		convID := chi.URLParam(r, "id")
		sc, err := resolveScope(r.Context(), deps, r.URL.Query().Get("user"), "")
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := sc.allow(convID); err != nil {
			writeError(w, r, err)
			return
		}
		err = sc.store.DeleteComment(r.Context(), convID, chi.URLParam(r, "messageId"), chi.URLParam(r, "commentId"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
