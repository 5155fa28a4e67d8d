package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/annotd/internal/ingest"
	"github.com/kalambet/annotd/internal/storage"
)

const maxImportBodySize = 32 << 20 // 32MB

type importJob struct {
	ID        string                  `json:"id"`
	Status    string                  `json:"status"`
	Store     storage.StoreDescriptor `json:"store"`
	Path      string                  `json:"path,omitempty"`
	Attempts  int                     `json:"attempts"`
	LastError string                  `json:"lastError,omitempty"`
	CreatedAt time.Time               `json:"createdAt"`
	UpdatedAt time.Time               `json:"updatedAt"`
}

func toImportJob(j storage.Job) importJob {
	out := importJob{
		ID:        j.ID,
		Status:    j.Status,
		Attempts:  j.Attempts,
		LastError: j.LastError,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
	var p ingest.Payload
	if json.Unmarshal([]byte(j.PayloadJSON), &p) == nil {
		out.Store = p.Store
		out.Path = p.Path
	}
	return out
}

// handleImport queues conversations for import. The body is a JSON array of
// conversation documents, or empty when ?path= names a file on the server.
// ?storeId= selects the target; by default the process-wide binding is used.
func handleImport(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxImportBodySize)
		defer r.Body.Close()

		q := r.URL.Query()
		var data []byte
		if q.Get("path") == "" {
			var err error
			data, err = io.ReadAll(r.Body)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "failed to read body: %v", err)
				return
			}
		}

		target := deps.Router.Active()
		if storeID := q.Get("storeId"); storeID != "" {
			rec, err := deps.Registry.FindStoreByStoreID(r.Context(), storeID)
			if err != nil {
				writeError(w, r, err)
				return
			}
			target = rec.StoreDescriptor
		}

		job, err := ingest.NewJob(target, q.Get("path"), data)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := deps.Registry.EnqueueJob(r.Context(), job); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"id": job.ID, "status": storage.JobPending})
	}
}

func handleListImports(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		jobs, err := deps.Registry.ListJobs(r.Context(), ingest.JobType, limit)
		if err != nil {
			writeError(w, r, err)
			return
		}
		out := make([]importJob, 0, len(jobs))
		for _, j := range jobs {
			out = append(out, toImportJob(j))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleRetryImport(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := deps.Registry.RetryJob(r.Context(), id); err != nil {
			writeError(w, r, err)
			return
		}
		j, err := deps.Registry.GetJob(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toImportJob(j))
	}
}
