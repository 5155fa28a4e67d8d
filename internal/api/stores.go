package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/annotd/internal/storage"
)

func handleListStores(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recs, err := deps.Registry.ListStores(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		if recs == nil {
			recs = []storage.StoreRecord{}
		}
		writeJSON(w, http.StatusOK, recs)
	}
}

func handleAddStore(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var d storage.StoreDescriptor
		if !decodeBody(w, r, maxRequestBodySize, &d) {
			return
		}
		rec, err := deps.Registry.AddStore(r.Context(), d)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, rec)
	}
}

func handleDeleteStore(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := deps.Registry.DeleteStore(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		deps.Router.Forget(r.Context(), rec)
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleActiveStore resolves the store for ?user=, or the process-wide
// binding when no user is given.
func handleActiveStore(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Router.Resolve(r.Context(), r.URL.Query().Get("user")))
	}
}

func handleSwitchStore(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var d storage.StoreDescriptor
		if !decodeBody(w, r, maxRequestBodySize, &d) {
			return
		}
		active, err := deps.Router.SwitchGlobal(r.Context(), d)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, active)
	}
}

type switchUserStoreRequest struct {
	StoreID         string `json:"storeId"`
	AssignmentTitle string `json:"assignmentTitle"`
}

func handleSwitchUserStore(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req switchUserStoreRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		d, err := deps.Router.SwitchForUser(r.Context(), chi.URLParam(r, "id"), req.StoreID, req.AssignmentTitle)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"storeId": d.StoreID})
	}
}
