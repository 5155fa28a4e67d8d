// Package api serves the annotd HTTP API and the MCP tool server.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/annotd/internal/assign"
	"github.com/kalambet/annotd/internal/docstore"
	"github.com/kalambet/annotd/internal/router"
	"github.com/kalambet/annotd/internal/storage"
)

type AppDeps struct {
	Registry *storage.Store
	Router   *router.Router
	Assign   *assign.Engine
	Token    string
	Metrics  http.Handler // optional; if nil, /metrics is not served
}

func (d AppDeps) stats() Stats {
	return Stats{Registry: d.Registry, Router: d.Router}
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/stores", handleListStores(deps))
		r.Post("/stores", handleAddStore(deps))
		r.Delete("/stores/{id}", handleDeleteStore(deps))
		r.Get("/stores/active", handleActiveStore(deps))
		r.Post("/stores/active", handleSwitchStore(deps))

		r.Get("/users", handleListUsers(deps))
		r.Post("/users", handleCreateUser(deps))
		r.Get("/users/{id}", handleGetUser(deps))
		r.Get("/users/{id}/assignments", handleUserAssignments(deps))
		r.Post("/users/{id}/store", handleSwitchUserStore(deps))

		r.Post("/assignments/manual", handleAssignManual(deps))
		r.Post("/assignments/auto", handleAssignAuto(deps))

		r.Get("/stats/completion", handleCompletion(deps))
		r.Get("/stats/labels", handleLabels(deps))

		r.Get("/conversations", handleListConversations(deps))
		r.Get("/conversations/{id}", handleGetConversation(deps))
		r.Patch("/conversations/{id}/annotations/{annotationId}", handleAnswer(deps))
		r.Patch("/conversations/{id}/messages/{messageId}/annotations/{annotationId}", handleAnswer(deps))
		r.Post("/conversations/{id}/messages/{messageId}/comments", handleAddComment(deps))
		r.Delete("/conversations/{id}/messages/{messageId}/comments/{commentId}", handleDeleteComment(deps))

		r.Post("/templates", handleAddTemplate(deps))
		r.Patch("/templates/{id}", handleUpdateTemplate(deps))
		r.Delete("/templates/{id}", handleRemoveTemplate(deps))

		r.Get("/imports", handleListImports(deps))
		r.Post("/imports", handleImport(deps))
		r.Post("/imports/{id}/retry", handleRetryImport(deps))
	})

	return r
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		active := deps.Router.Active()
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
			"active_store": map[string]string{
				"uri":         docstore.Redact(active.URI),
				"storeId":     active.StoreID,
				"containerId": active.ContainerID,
				"name":        active.Name,
			},
		})
	}
}
