package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/prometheus/common/model"

	"github.com/alertflow/alertflow/internal/dispatch"
	"github.com/alertflow/alertflow/internal/labels"
	"github.com/alertflow/alertflow/internal/metrics"
	"github.com/alertflow/alertflow/internal/rules"
	"github.com/alertflow/alertflow/internal/silence"
	"github.com/alertflow/alertflow/internal/store"
)

// maxIngestBatch caps the sample count of one ingest request;
// maxIngestBytes caps its body size before decoding, so a bad client
// cannot buffer unbounded JSON.
const (
	maxIngestBatch = 10000
	maxIngestBytes = 5 << 20
)

// Handler serves all /api/v1/* endpoints.
type Handler struct {
	store      *store.Store
	evaluator  *rules.Evaluator
	dispatcher *dispatch.Dispatcher
	silences   *silence.Silences
	metrics    *metrics.Metrics
	mux        *http.ServeMux
}

// New creates a Handler wired to the engine's subsystems and registers
// all routes.
func New(st *store.Store, ev *rules.Evaluator, d *dispatch.Dispatcher, sil *silence.Silences, m *metrics.Metrics) http.Handler {
	h := &Handler{store: st, evaluator: ev, dispatcher: d, silences: sil, metrics: m, mux: http.NewServeMux()}

	h.mux.HandleFunc("/api/v1/health", h.health)
	h.mux.HandleFunc("/api/v1/samples", h.ingest)
	h.mux.HandleFunc("/api/v1/alerts", h.alerts)
	h.mux.HandleFunc("/api/v1/rules", h.rules)
	h.mux.HandleFunc("/api/v1/groups", h.groups)
	h.mux.HandleFunc("/api/v1/silences", h.silencesRoot)
	h.mux.HandleFunc("/api/v1/silences/", h.silenceByID) // subtree, extracts {id}

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

// health returns GET /api/v1/health with state counts across subsystems.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	resp := HealthResponse{
		Status: "ok",
		Series: h.store.SeriesCount(),
		Groups: len(h.dispatcher.Groups()),
	}
	for _, a := range h.evaluator.Alerts(nil) {
		switch a.State {
		case rules.StateFiring:
			resp.Firing++
		case rules.StatePending:
			resp.Pending++
		case rules.StateResolved:
			resp.Resolved++
		}
	}
	jsonResp(w, http.StatusOK, resp)
}

// ingest handles POST /api/v1/samples, a JSON array of samples.
func (h *Handler) ingest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxIngestBytes)
	var batch []SampleRequest
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			jsonErr(w, http.StatusRequestEntityTooLarge, "body too large")
			return
		}
		jsonErr(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if len(batch) > maxIngestBatch {
		jsonErr(w, http.StatusRequestEntityTooLarge, "batch too large")
		return
	}

	now := model.Now()
	accepted := 0
	for _, s := range batch {
		if s.Metric == "" {
			jsonErr(w, http.StatusBadRequest, "sample without metric name")
			return
		}
		metric := model.Metric{model.MetricNameLabel: model.LabelValue(s.Metric)}
		for ln, lv := range s.Labels {
			metric[ln] = lv
		}
		ts := now
		if !s.Timestamp.IsZero() {
			ts = model.TimeFromUnixNano(s.Timestamp.UnixNano())
		}
		h.store.Add(metric, ts, model.SampleValue(s.Value))
		accepted++
	}
	h.metrics.SamplesIngested.Add(float64(accepted))
	jsonResp(w, http.StatusOK, IngestResponse{Accepted: accepted})
}

// alerts handles GET /api/v1/alerts?filter=k=v,k=~re&state=firing.
// Silenced alerts remain visible here; suppression affects only
// notifications.
func (h *Handler) alerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ms, err := labels.Parse(r.URL.Query().Get("filter"))
	if err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}
	var states []rules.State
	if s := r.URL.Query().Get("state"); s != "" {
		for _, part := range strings.Split(s, ",") {
			switch st := rules.State(part); st {
			case rules.StatePending, rules.StateFiring, rules.StateResolved:
				states = append(states, st)
			default:
				jsonErr(w, http.StatusBadRequest, "unknown state "+part)
				return
			}
		}
	}
	jsonResp(w, http.StatusOK, h.evaluator.Alerts(ms, states...))
}

// rules handles GET /api/v1/rules, per-rule evaluation health.
func (h *Handler) rules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jsonResp(w, http.StatusOK, h.evaluator.RuleHealth())
}

// groups handles GET /api/v1/groups, current notification groups.
func (h *Handler) groups(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jsonResp(w, http.StatusOK, h.dispatcher.Groups())
}

// silencesRoot handles GET (list) and POST (create) /api/v1/silences.
func (h *Handler) silencesRoot(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		jsonResp(w, http.StatusOK, h.silences.List())
	case http.MethodPost:
		var req SilenceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonErr(w, http.StatusBadRequest, "invalid body: "+err.Error())
			return
		}
		sil, err := h.silences.Create(req.Matchers, req.StartsAt, req.EndsAt, req.CreatedBy, req.Comment)
		if err != nil {
			jsonErr(w, http.StatusBadRequest, err.Error())
			return
		}
		jsonResp(w, http.StatusCreated, sil)
	default:
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// silenceByID handles DELETE /api/v1/silences/{id}, expiring early.
func (h *Handler) silenceByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/silences/")
	if id == "" {
		jsonErr(w, http.StatusBadRequest, "silence id required")
		return
	}
	if err := h.silences.Expire(id); err != nil {
		jsonErr(w, http.StatusNotFound, err.Error())
		return
	}
	jsonResp(w, http.StatusOK, map[string]string{"status": "expired"})
}
