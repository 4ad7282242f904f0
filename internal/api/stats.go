package api

import "net/http"

type statsResponse struct {
	Tables   int   `json:"tables"`
	Queued   int   `json:"queued"`
	Pending  int64 `json:"pending"`
	InFlight int64 `json:"in_flight"`
}

func (h *handler) stats(w http.ResponseWriter, _ *http.Request) {
	s := h.status.Stats()

	jsonResponse(w, http.StatusOK, statsResponse{
		Tables:   s.Tables,
		Queued:   s.Queued,
		Pending:  s.Pending,
		InFlight: s.InFlight,
	})
}
