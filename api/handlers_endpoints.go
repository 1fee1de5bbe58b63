package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/formlake/hookrelay"
	"github.com/formlake/hookrelay/endpoint"
	"github.com/formlake/hookrelay/id"
)

type endpointHandler struct {
	relay *hookrelay.Relay
}

func newEndpointHandler(relay *hookrelay.Relay) *endpointHandler {
	return &endpointHandler{relay: relay}
}

// endpointResponse carries the signing secret only on create and rotate;
// the Endpoint struct itself never serializes it.
type endpointResponse struct {
	*endpoint.Endpoint
	Secret string `json:"secret,omitempty"`
}

func (h *endpointHandler) create(w http.ResponseWriter, r *http.Request) {
	var in endpoint.Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ep, err := h.relay.Endpoints().Create(r.Context(), in)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, endpointResponse{Endpoint: ep, Secret: ep.Secret})
}

func (h *endpointHandler) get(w http.ResponseWriter, r *http.Request) {
	epID, err := id.ParseEndpointID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid endpoint id")
		return
	}

	ep, err := h.relay.Endpoints().Get(r.Context(), epID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

func (h *endpointHandler) list(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("organization_id")
	if orgID == "" {
		writeError(w, http.StatusBadRequest, "organization_id is required")
		return
	}

	opts := endpoint.ListOpts{
		Offset:     queryInt(r, "offset"),
		Limit:      queryInt(r, "limit"),
		ActiveOnly: r.URL.Query().Get("active") == "true",
	}

	eps, err := h.relay.Endpoints().List(r.Context(), orgID, opts)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if eps == nil {
		eps = []*endpoint.Endpoint{}
	}
	writeJSON(w, http.StatusOK, eps)
}

func (h *endpointHandler) update(w http.ResponseWriter, r *http.Request) {
	epID, err := id.ParseEndpointID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid endpoint id")
		return
	}

	var in endpoint.Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ep, err := h.relay.Endpoints().Update(r.Context(), epID, in)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

func (h *endpointHandler) delete(w http.ResponseWriter, r *http.Request) {
	epID, err := id.ParseEndpointID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid endpoint id")
		return
	}

	if err := h.relay.Endpoints().Delete(r.Context(), epID); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *endpointHandler) activate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

func (h *endpointHandler) deactivate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

func (h *endpointHandler) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	epID, err := id.ParseEndpointID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid endpoint id")
		return
	}

	if err := h.relay.Endpoints().SetActive(r.Context(), epID, active); err != nil {
		writeServiceError(w, err)
		return
	}

	ep, err := h.relay.Endpoints().Get(r.Context(), epID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

func (h *endpointHandler) rotateSecret(w http.ResponseWriter, r *http.Request) {
	epID, err := id.ParseEndpointID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid endpoint id")
		return
	}

	secret, err := h.relay.Endpoints().RotateSecret(r.Context(), epID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"secret": secret})
}

func (h *endpointHandler) testDelivery(w http.ResponseWriter, r *http.Request) {
	epID, err := id.ParseEndpointID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid endpoint id")
		return
	}

	d, err := h.relay.TestDelivery(r.Context(), epID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, d)
}
