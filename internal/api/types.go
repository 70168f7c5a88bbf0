package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/common/model"
)

// SampleRequest is one ingested sample. A zero timestamp means "now".
type SampleRequest struct {
	Metric    string         `json:"metric"`
	Labels    model.LabelSet `json:"labels,omitempty"`
	Value     float64        `json:"value"`
	Timestamp time.Time      `json:"timestamp,omitempty"`
}

// IngestResponse reports how many samples were accepted.
type IngestResponse struct {
	Accepted int `json:"accepted"`
}

// SilenceRequest creates a new silence. StartsAt zero means "now".
type SilenceRequest struct {
	Matchers  string    `json:"matchers"`
	StartsAt  time.Time `json:"starts_at,omitempty"`
	EndsAt    time.Time `json:"ends_at"`
	CreatedBy string    `json:"created_by"`
	Comment   string    `json:"comment,omitempty"`
}

// HealthResponse summarizes engine state.
type HealthResponse struct {
	Status   string `json:"status"`
	Series   int    `json:"series"`
	Firing   int    `json:"firing"`
	Pending  int    `json:"pending"`
	Resolved int    `json:"resolved"`
	Groups   int    `json:"groups"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func jsonResp(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("api: write response", "err", err)
	}
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}
