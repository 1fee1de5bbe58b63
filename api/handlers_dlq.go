package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/formlake/hookrelay/dlq"
	"github.com/formlake/hookrelay/id"
)

type dlqHandler struct {
	svc *dlq.Service
}

func newDLQHandler(svc *dlq.Service) *dlqHandler {
	return &dlqHandler{svc: svc}
}

func (h *dlqHandler) get(w http.ResponseWriter, r *http.Request) {
	dlqID, err := id.ParseDLQID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid dlq id")
		return
	}

	entry, err := h.svc.Get(r.Context(), dlqID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *dlqHandler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	opts := dlq.ListOpts{
		Offset:         queryInt(r, "offset"),
		Limit:          queryInt(r, "limit"),
		OrganizationID: q.Get("organization_id"),
		NotRedriven:    q.Get("not_redriven") == "true",
	}
	if raw := q.Get("endpoint_id"); raw != "" {
		epID, err := id.ParseEndpointID(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid endpoint_id filter")
			return
		}
		opts.EndpointID = &epID
	}
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from timestamp")
			return
		}
		opts.From = &t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid to timestamp")
			return
		}
		opts.To = &t
	}

	entries, err := h.svc.List(r.Context(), opts)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if entries == nil {
		entries = []*dlq.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *dlqHandler) redrive(w http.ResponseWriter, r *http.Request) {
	dlqID, err := id.ParseDLQID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid dlq id")
		return
	}

	d, err := h.svc.Redrive(r.Context(), dlqID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, d)
}

type redriveBulkRequest struct {
	EndpointID string `json:"endpoint_id"`
	Limit      int    `json:"limit"`
}

func (h *dlqHandler) redriveBulk(w http.ResponseWriter, r *http.Request) {
	var req redriveBulkRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	opts := dlq.BulkOpts{Limit: req.Limit}
	if req.EndpointID != "" {
		epID, err := id.ParseEndpointID(req.EndpointID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid endpoint_id")
			return
		}
		opts.EndpointID = &epID
	}

	n, err := h.svc.RedriveBulk(r.Context(), opts)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"redriven": n})
}

func (h *dlqHandler) purge(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("before")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "before is required")
		return
	}
	before, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid before timestamp")
		return
	}

	n, err := h.svc.Purge(r.Context(), before)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"purged": n})
}
