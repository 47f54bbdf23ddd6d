package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/mnemo-dev/mnemo"
	"github.com/mnemo-dev/mnemo/retrieval"
)

type handler struct {
	mem mnemo.Memory
}

func newHandler(m mnemo.Memory) *handler {
	return &handler{mem: m}
}

// POST /rpc/remember
func (h *handler) handleRemember(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	var req mnemo.RememberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, mnemo.NewError(mnemo.CodeValidation, "invalid JSON"))
		return
	}

	receipt, err := h.mem.Remember(ctx, req)
	if err != nil {
		writeRPCError(w, err)
		slog.Error("remember error", "source_system", req.SourceSystem, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// POST /rpc/recall
func (h *handler) handleRecall(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	var req retrieval.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, mnemo.NewError(mnemo.CodeValidation, "invalid JSON"))
		return
	}

	resp, err := h.mem.Recall(ctx, req)
	if err != nil {
		writeRPCError(w, err)
		if mnemo.CodeOf(err) == mnemo.CodeTransient {
			slog.Error("recall error", "error", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// POST /rpc/forget
func (h *handler) handleForget(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID      string `json:"id"`
		Confirm bool   `json:"confirm"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, mnemo.NewError(mnemo.CodeValidation, "invalid JSON"))
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, mnemo.NewError(mnemo.CodeValidation, "id is required"))
		return
	}

	result, err := h.mem.Forget(r.Context(), req.ID, req.Confirm)
	if err != nil {
		writeRPCError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// POST /rpc/status
func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id,omitempty"`
	}
	// An empty body asks for system-wide status only.
	_ = json.NewDecoder(r.Body).Decode(&req)

	result, err := h.mem.Status(r.Context(), req.ID)
	if err != nil {
		writeRPCError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// POST /rpc/reextract
func (h *handler) handleReextract(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ArtifactUID string `json:"artifact_uid"`
		RevisionID  string `json:"revision_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, mnemo.NewError(mnemo.CodeValidation, "invalid JSON"))
		return
	}
	if req.ArtifactUID == "" || req.RevisionID == "" {
		writeError(w, http.StatusBadRequest, mnemo.NewError(mnemo.CodeValidation, "artifact_uid and revision_id are required"))
		return
	}

	job, err := h.mem.Reextract(r.Context(), req.ArtifactUID, req.RevisionID)
	if err != nil {
		writeRPCError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, e *mnemo.Error) {
	writeJSON(w, status, e)
}

// writeRPCError maps an internal error to the wire envelope. Stack traces
// and internal detail stay in the logs.
func writeRPCError(w http.ResponseWriter, err error) {
	code := mnemo.CodeOf(err)

	var we *mnemo.Error
	if !errors.As(err, &we) {
		we = mnemo.NewError(code, err.Error())
		if code == mnemo.CodeTransient {
			we.Message = "temporary failure, retry later"
		}
	}

	status := http.StatusInternalServerError
	switch code {
	case mnemo.CodeValidation:
		status = http.StatusBadRequest
	case mnemo.CodeNotFound:
		status = http.StatusNotFound
	case mnemo.CodeTransient:
		status = http.StatusServiceUnavailable
	case mnemo.CodeMaxAttempts:
		status = http.StatusConflict
	}
	writeJSON(w, status, we)
}
