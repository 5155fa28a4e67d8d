package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/annotd/internal/storage"
)

type createUserRequest struct {
	Username string       `json:"username"`
	Role     storage.Role `json:"role"`
}

func handleCreateUser(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createUserRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		if req.Role == "" {
			req.Role = storage.RoleAnnotator
		}
		u, err := deps.Registry.CreateUser(r.Context(), req.Username, req.Role)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, u)
	}
}

func handleListUsers(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		users, err := deps.Registry.ListUsers(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		if users == nil {
			users = []storage.User{}
		}
		writeJSON(w, http.StatusOK, users)
	}
}

func handleGetUser(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, err := deps.Registry.GetUser(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, u)
	}
}

func handleUserAssignments(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, err := deps.Registry.GetUser(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		assigned := u.AssignedConversations
		if assigned == nil {
			assigned = map[string]storage.AssignedStore{}
		}
		writeJSON(w, http.StatusOK, assigned)
	}
}
