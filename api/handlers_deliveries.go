package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/formlake/hookrelay"
	"github.com/formlake/hookrelay/delivery"
	"github.com/formlake/hookrelay/id"
)

type deliveryHandler struct {
	relay *hookrelay.Relay
}

func newDeliveryHandler(relay *hookrelay.Relay) *deliveryHandler {
	return &deliveryHandler{relay: relay}
}

func (h *deliveryHandler) get(w http.ResponseWriter, r *http.Request) {
	delID, err := id.ParseDeliveryID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid delivery id")
		return
	}

	d, err := h.relay.Store().GetDelivery(r.Context(), delID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *deliveryHandler) listLogs(w http.ResponseWriter, r *http.Request) {
	delID, err := id.ParseDeliveryID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid delivery id")
		return
	}

	if _, err := h.relay.Store().GetDelivery(r.Context(), delID); err != nil {
		writeServiceError(w, err)
		return
	}

	logs, err := h.relay.Store().ListLogs(r.Context(), delID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if logs == nil {
		logs = []*delivery.Log{}
	}
	writeJSON(w, http.StatusOK, logs)
}

func (h *deliveryHandler) retry(w http.ResponseWriter, r *http.Request) {
	delID, err := id.ParseDeliveryID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid delivery id")
		return
	}

	d, err := h.relay.RetryDelivery(r.Context(), delID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, d)
}

func (h *deliveryHandler) listByEndpoint(w http.ResponseWriter, r *http.Request) {
	epID, err := id.ParseEndpointID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid endpoint id")
		return
	}

	opts := delivery.ListOpts{
		Offset: queryInt(r, "offset"),
		Limit:  queryInt(r, "limit"),
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		st := delivery.Status(raw)
		switch st {
		case delivery.StatusPending, delivery.StatusProcessing, delivery.StatusSuccess,
			delivery.StatusFailed, delivery.StatusDeadLetter:
			opts.Status = &st
		default:
			writeError(w, http.StatusBadRequest, "invalid status filter")
			return
		}
	}

	ds, err := h.relay.Store().ListByEndpoint(r.Context(), epID, opts)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if ds == nil {
		ds = []*delivery.Delivery{}
	}
	writeJSON(w, http.StatusOK, ds)
}
