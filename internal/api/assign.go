package api

import (
	"errors"
	"net/http"

	"github.com/kalambet/annotd/internal/apperr"
	"github.com/kalambet/annotd/internal/assign"
)

type assignmentResponse struct {
	assign.Result
	Failed map[string]string `json:"failed"`
}

func handleAssignManual(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req assign.ManualRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		res, err := deps.Assign.AssignManual(r.Context(), req)
		writeAssignment(w, r, res, err)
	}
}

func handleAssignAuto(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req assign.AutoRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		res, err := deps.Assign.AssignAuto(r.Context(), req)
		writeAssignment(w, r, res, err)
	}
}

// writeAssignment reports one error per failed annotator. A partial failure
// is a 207 carrying the team id; a call where every write failed has no
// team id and takes the status of its first failure.
func writeAssignment(w http.ResponseWriter, r *http.Request, res assign.Result, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, assignmentResponse{Result: res, Failed: map[string]string{}})
		return
	}
	var pe *apperr.PartialError
	if !errors.As(err, &pe) {
		writeError(w, r, err)
		return
	}
	body := assignmentResponse{Result: res, Failed: failureMessages(pe)}
	if len(pe.Succeeded) > 0 {
		writeJSON(w, http.StatusMultiStatus, body)
		return
	}
	code, _ := errorStatus(firstFailure(pe))
	writeJSON(w, code, body)
}
