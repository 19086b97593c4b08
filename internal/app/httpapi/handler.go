package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	app "github.com/haven-app/usage_layer/internal/app"
	"github.com/haven-app/usage_layer/internal/app/domain/insight"
	"github.com/haven-app/usage_layer/internal/app/services/aggregates"
	"github.com/haven-app/usage_layer/internal/app/services/recorder"
	"github.com/haven-app/usage_layer/internal/app/storage"
)

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app *app.Application
}

// NewHandler returns a router exposing the core REST API.
func NewHandler(application *app.Application) http.Handler {
	h := &handler{app: application}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
	r.HandleFunc("/ws", application.Stream.HandleWS).Methods(http.MethodGet)

	r.HandleFunc("/users", h.createUser).Methods(http.MethodPost)
	r.HandleFunc("/users", h.listUsers).Methods(http.MethodGet)
	r.HandleFunc("/users/{id}", h.getUser).Methods(http.MethodGet)
	r.HandleFunc("/users/{id}", h.updateUser).Methods(http.MethodPatch)
	r.HandleFunc("/users/{id}", h.deleteUser).Methods(http.MethodDelete)

	r.HandleFunc("/users/{id}/sessions/start", h.startSession).Methods(http.MethodPost)
	r.HandleFunc("/users/{id}/sessions/end", h.endSession).Methods(http.MethodPost)
	r.HandleFunc("/users/{id}/sessions/heartbeat", h.heartbeat).Methods(http.MethodPost)
	r.HandleFunc("/users/{id}/sessions/current", h.currentSession).Methods(http.MethodGet)

	r.HandleFunc("/users/{id}/days", h.listDays).Methods(http.MethodGet)
	r.HandleFunc("/users/{id}/days/{date}", h.getDay).Methods(http.MethodGet)
	r.HandleFunc("/users/{id}/rollup", h.weeklyRollup).Methods(http.MethodGet)
	r.HandleFunc("/users/{id}/insights", h.insights).Methods(http.MethodGet)

	r.HandleFunc("/users/{id}/settings", h.getSettings).Methods(http.MethodGet)
	r.HandleFunc("/users/{id}/settings", h.updateSettings).Methods(http.MethodPatch)

	r.HandleFunc("/users/{id}/rules", h.createRule).Methods(http.MethodPost)
	r.HandleFunc("/users/{id}/rules", h.listRules).Methods(http.MethodGet)
	r.HandleFunc("/users/{id}/rules/{ruleID}", h.deleteRule).Methods(http.MethodDelete)

	return r
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	type health struct {
		Status        string  `json:"status"`
		UptimeSeconds uint64  `json:"uptime_seconds"`
		MemoryPercent float64 `json:"memory_percent"`
	}
	out := health{Status: "ok"}
	if uptime, err := host.Uptime(); err == nil {
		out.UptimeSeconds = uptime
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		out.MemoryPercent = vm.UsedPercent
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) createUser(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		DisplayName string `json:"display_name"`
		Timezone    string `json:"timezone"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	u, err := h.app.Users.Create(r.Context(), payload.DisplayName, payload.Timezone)
	if err != nil {
		writeError(w, statusFor(err, http.StatusBadRequest), err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (h *handler) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.app.Users.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *handler) getUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.app.Users.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err, http.StatusInternalServerError), err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *handler) updateUser(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		DisplayName *string `json:"display_name"`
		Timezone    *string `json:"timezone"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	u, err := h.app.Users.Update(r.Context(), mux.Vars(r)["id"], payload.DisplayName, payload.Timezone)
	if err != nil {
		writeError(w, statusFor(err, http.StatusBadRequest), err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *handler) deleteUser(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Users.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, statusFor(err, http.StatusBadRequest), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) startSession(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Category string `json:"category"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	open, err := h.app.Recorder.StartSession(r.Context(), mux.Vars(r)["id"], payload.Category)
	if err != nil {
		writeError(w, statusFor(err, http.StatusBadRequest), err)
		return
	}
	writeJSON(w, http.StatusCreated, open)
}

func (h *handler) endSession(w http.ResponseWriter, r *http.Request) {
	closed, err := h.app.Recorder.EndSession(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err, http.StatusBadRequest), err)
		return
	}
	writeJSON(w, http.StatusOK, closed)
}

func (h *handler) heartbeat(w http.ResponseWriter, r *http.Request) {
	open, err := h.app.Recorder.Heartbeat(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err, http.StatusBadRequest), err)
		return
	}
	writeJSON(w, http.StatusOK, open)
}

func (h *handler) currentSession(w http.ResponseWriter, r *http.Request) {
	open, err := h.app.Recorder.Current(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err, http.StatusInternalServerError), err)
		return
	}
	writeJSON(w, http.StatusOK, open)
}

func (h *handler) listDays(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	days, err := h.app.Aggregates.Range(r.Context(), mux.Vars(r)["id"], query.Get("from"), query.Get("to"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, days)
}

func (h *handler) getDay(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	day, err := h.app.Aggregates.Day(r.Context(), vars["id"], vars["date"])
	if err != nil {
		writeError(w, statusFor(err, http.StatusBadRequest), err)
		return
	}
	writeJSON(w, http.StatusOK, day)
}

func (h *handler) weeklyRollup(w http.ResponseWriter, r *http.Request) {
	anchor := time.Now().UTC()
	if raw := r.URL.Query().Get("anchor"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("anchor must be YYYY-MM-DD"))
			return
		}
		anchor = parsed
	}
	rollup, err := h.app.Insights.WeeklyRollup(r.Context(), mux.Vars(r)["id"], anchor)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rollup)
}

func (h *handler) insights(w http.ResponseWriter, r *http.Request) {
	suggestions, err := h.app.Insights.Insights(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if suggestions == nil {
		suggestions = []insight.Suggestion{}
	}
	writeJSON(w, http.StatusOK, suggestions)
}

func (h *handler) getSettings(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.app.Settings.For(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *handler) updateSettings(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		TrackingEnabled     *bool  `json:"tracking_enabled"`
		DailyGoalSeconds    *int64 `json:"daily_goal_seconds"`
		AbandonAfterSeconds *int64 `json:"abandon_after_seconds"`
		RetentionDays       *int   `json:"retention_days"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cfg, err := h.app.Settings.Update(r.Context(), mux.Vars(r)["id"],
		payload.TrackingEnabled, payload.DailyGoalSeconds, payload.AbandonAfterSeconds, payload.RetentionDays)
	if err != nil {
		writeError(w, statusFor(err, http.StatusBadRequest), err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *handler) createRule(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name      string  `json:"name"`
		Kind      string  `json:"kind"`
		Selector  string  `json:"selector"`
		Operator  string  `json:"operator"`
		Threshold float64 `json:"threshold"`
		Message   string  `json:"message"`
		Source    string  `json:"source"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rule := insight.Rule{
		UserID:    mux.Vars(r)["id"],
		Name:      payload.Name,
		Kind:      insight.Kind(payload.Kind),
		Selector:  payload.Selector,
		Operator:  insight.Operator(payload.Operator),
		Threshold: payload.Threshold,
		Message:   payload.Message,
		Source:    payload.Source,
	}
	created, err := h.app.Insights.CreateRule(r.Context(), rule)
	if err != nil {
		writeError(w, statusFor(err, http.StatusBadRequest), err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *handler) listRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.app.Insights.ListRules(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if rules == nil {
		rules = []insight.Rule{}
	}
	writeJSON(w, http.StatusOK, rules)
}

func (h *handler) deleteRule(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.app.Insights.DeleteRule(r.Context(), vars["id"], vars["ruleID"]); err != nil {
		writeError(w, statusFor(err, http.StatusBadRequest), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// statusFor maps well-known service errors to HTTP statuses, falling back
// to the given default.
func statusFor(err error, fallback int) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, storage.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, recorder.ErrNoOpenSession):
		return http.StatusConflict
	case errors.Is(err, aggregates.ErrTrackingDisabled):
		return http.StatusConflict
	default:
		return fallback
	}
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
