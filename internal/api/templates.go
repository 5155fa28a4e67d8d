package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/annotd/internal/conversation"
	"github.com/kalambet/annotd/internal/docstore"
)

// templateStore returns the store a broadcast targets: ?storeId= when
// given, otherwise the process-wide binding.
func templateStore(ctx context.Context, deps AppDeps, storeID string) (docstore.Store, error) {
	if storeID != "" {
		s, _, err := deps.Router.OpenStoreID(ctx, storeID)
		return s, err
	}
	return deps.Router.Open(ctx, deps.Router.Active())
}

type templateResponse struct {
	ID string `json:"id"`
	docstore.BroadcastResult
}

func handleAddTemplate(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var t docstore.Template
		if !decodeBody(w, r, maxRequestBodySize, &t) {
			return
		}
		s, err := templateStore(r.Context(), deps, r.URL.Query().Get("storeId"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		if t.ID == "" {
			t.ID = uuid.New().String()
		}
		res, err := docstore.BroadcastAdd(r.Context(), s, t, uuid.NewString)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, templateResponse{ID: t.ID, BroadcastResult: res})
	}
}

func handleUpdateTemplate(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p conversation.AnnotationPatch
		if !decodeBody(w, r, maxRequestBodySize, &p) {
			return
		}
		s, err := templateStore(r.Context(), deps, r.URL.Query().Get("storeId"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		id := chi.URLParam(r, "id")
		res, err := docstore.BroadcastUpdate(r.Context(), s, id, p)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, templateResponse{ID: id, BroadcastResult: res})
	}
}

func handleRemoveTemplate(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := templateStore(r.Context(), deps, r.URL.Query().Get("storeId"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		id := chi.URLParam(r, "id")
		res, err := docstore.BroadcastRemove(r.Context(), s, id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, templateResponse{ID: id, BroadcastResult: res})
	}
}
