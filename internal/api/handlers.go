package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/amplistack/qpcr-engine/internal/models"
	"github.com/amplistack/qpcr-engine/internal/services"
)

// Handler exposes the analysis service over JSON. The browser dashboard is the
// primary consumer: it uploads curves once and then drives strategy/scale/manual
// threshold changes from UI events.
type Handler struct {
	svc    *services.AnalysisService
	logger *slog.Logger
}

// NewHandler wires the HTTP handlers around the analysis service.
func NewHandler(svc *services.AnalysisService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, logger: logger}
}

// Router builds the API route table.
func (h *Handler) Router() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.health)
	mux.HandleFunc("POST /api/v1/sessions", h.createSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}/results", h.results)
	mux.HandleFunc("PUT /api/v1/sessions/{id}/strategy", h.setStrategy)
	mux.HandleFunc("PUT /api/v1/sessions/{id}/scale", h.setScale)
	mux.HandleFunc("PUT /api/v1/sessions/{id}/threshold", h.setManualThreshold)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}/threshold", h.clearManualThreshold)
	return mux
}

type thresholdJSON struct {
	Channel  string   `json:"channel"`
	Scale    string   `json:"scale"`
	Value    *float64 `json:"value"`
	IsManual bool     `json:"is_manual"`
}

type wellResultJSON struct {
	WellID      string   `json:"well_id"`
	Channel     string   `json:"channel"`
	CQJ         *float64 `json:"cqj"`
	CalcJ       *float64 `json:"calcj"`
	CalcJMethod string   `json:"calcj_method"`
}

type recalcJSON struct {
	Generation uint64           `json:"generation"`
	Trigger    string           `json:"trigger"`
	Complete   bool             `json:"complete"`
	Thresholds []thresholdJSON  `json:"thresholds"`
	Wells      []wellResultJSON `json:"wells"`
}

type sessionResponse struct {
	SessionID string     `json:"session_id"`
	Result    recalcJSON `json:"result"`
}

type resultsResponse struct {
	SessionID  string           `json:"session_id"`
	Strategy   string           `json:"strategy"`
	Scale      string           `json:"scale"`
	Thresholds []thresholdJSON  `json:"thresholds"`
	Wells      []wellResultJSON `json:"wells"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req models.CreateSessionRequest
	if !h.decode(w, r, &req) {
		return
	}

	id, result, err := h.svc.CreateSession(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, sessionResponse{SessionID: id, Result: toRecalcJSON(result)})
}

func (h *Handler) results(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Results(r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resultsResponse{
		SessionID:  res.SessionID,
		Strategy:   string(res.Strategy.Kind),
		Scale:      string(res.Scale),
		Thresholds: toThresholdJSON(res.Thresholds),
		Wells:      toWellResults(res.CQJ, res.CalcJ),
	})
}

func (h *Handler) setStrategy(w http.ResponseWriter, r *http.Request) {
	var req models.SetStrategyRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.svc.SetStrategy(r.Context(), r.PathValue("id"), req.Strategy)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toRecalcJSON(result))
}

func (h *Handler) setScale(w http.ResponseWriter, r *http.Request) {
	var req models.SetScaleRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.svc.SetScale(r.Context(), r.PathValue("id"), req.Scale)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toRecalcJSON(result))
}

func (h *Handler) setManualThreshold(w http.ResponseWriter, r *http.Request) {
	var req models.ManualThresholdRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.svc.SetManualThreshold(r.Context(), r.PathValue("id"), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toRecalcJSON(result))
}

func (h *Handler) clearManualThreshold(w http.ResponseWriter, r *http.Request) {
	channel := r.URL.Query().Get("channel")
	scale := r.URL.Query().Get("scale")

	result, err := h.svc.ClearManualThreshold(r.Context(), r.PathValue("id"), channel, scale)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toRecalcJSON(result))
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed JSON body"})
		return false
	}
	return true
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrSessionNotFound):
		h.writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, services.ErrInvalidRequest):
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	default:
		h.logger.Error("request failed", slog.Any("error", err))
		h.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Warn("encode response", slog.Any("error", err))
	}
}

func toThresholdJSON(thresholds []models.ChannelThreshold) []thresholdJSON {
	out := make([]thresholdJSON, 0, len(thresholds))
	for _, t := range thresholds {
		out = append(out, thresholdJSON{
			Channel:  t.Channel,
			Scale:    string(t.Scale),
			Value:    t.Value,
			IsManual: t.IsManual,
		})
	}
	return out
}

func toWellResults(cqj []models.CQJResult, calcj []models.CalcJResult) []wellResultJSON {
	calcjByWell := make(map[string]models.CalcJResult, len(calcj))
	for _, c := range calcj {
		calcjByWell[c.WellID] = c
	}

	out := make([]wellResultJSON, 0, len(cqj))
	for _, c := range cqj {
		row := wellResultJSON{WellID: c.WellID, Channel: c.Channel, CQJ: c.Value, CalcJMethod: string(models.MethodUnavailable)}
		if cj, ok := calcjByWell[c.WellID]; ok {
			row.CalcJ = cj.Value
			row.CalcJMethod = string(cj.Method)
		}
		out = append(out, row)
	}
	return out
}

func toRecalcJSON(result models.RecalculationResult) recalcJSON {
	return recalcJSON{
		Generation: result.Generation,
		Trigger:    string(result.Trigger),
		Complete:   result.Complete,
		Thresholds: toThresholdJSON(result.Thresholds),
		Wells:      toWellResults(result.CQJ, result.CalcJ),
	}
}
