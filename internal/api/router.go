package api

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/Oxygenesis/yb-kafka-sink/internal/core/sink"
	"github.com/Oxygenesis/yb-kafka-sink/internal/metrics"
)

// Status is the view of the running pipeline served by the API.
type Status interface {
	Healthy() bool
	Stats() sink.Stats
}

type handler struct {
	log *slog.Logger

	status Status
}

func NewRouter(log *slog.Logger, status Status) http.Handler {
	h := handler{
		log: log,

		status: status,
	}

	r := mux.NewRouter()

	r.HandleFunc("/healthz", h.healthz).Methods("GET")
	r.HandleFunc("/stats", h.stats).Methods("GET")
	r.Handle("/metrics", metrics.MetricsHandler()).Methods("GET")

	r.Use(Recovery(log), RequestLogging(log), metrics.InstrumentHTTP)

	return r
}
