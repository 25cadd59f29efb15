package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/funnyzak/viewaudit/internal/logger"
	"github.com/funnyzak/viewaudit/internal/report"
	"github.com/funnyzak/viewaudit/internal/storage"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
	contentTypeJSON  = "application/json"
)

// Handler serves the read-only API.
type Handler struct {
	store      storage.Store
	reportPath string
	fieldsPath string
	logger     logger.Logger
}

// NewHandler creates a handler. store may be nil.
func NewHandler(store storage.Store, reportPath, fieldsPath string, log logger.Logger) *Handler {
	return &Handler{
		store:      store,
		reportPath: reportPath,
		fieldsPath: fieldsPath,
		logger:     log,
	}
}

// RegisterRoutes wires the API into router.
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/healthz", h.handleHealth).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/runs", h.handleRuns).Methods(http.MethodGet)
	api.HandleFunc("/replays", h.handleReplays).Methods(http.MethodGet)
	api.HandleFunc("/replays/export", h.handleExport).Methods(http.MethodGet)
	api.HandleFunc("/replays/{id:[0-9]+}", h.handleReplay).Methods(http.MethodGet)
	api.HandleFunc("/report", h.handleReport).Methods(http.MethodGet)
	api.HandleFunc("/report/fields", h.handleFields).Methods(http.MethodGet)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"ledger": h.store != nil,
	})
}

func (h *Handler) handleRuns(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w) {
		return
	}
	limit := clampLimit(parseIntDefault(r.URL.Query().Get("limit"), defaultListLimit))
	runs, err := h.store.ListRuns(limit)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"data": runs})
}

func (h *Handler) listOptions(r *http.Request) storage.ListOptions {
	query := r.URL.Query()
	return storage.ListOptions{
		RunID:    query.Get("run"),
		View:     query.Get("view"),
		DiffOnly: parseBool(query.Get("diff_only")),
		Limit:    clampLimit(parseIntDefault(query.Get("limit"), defaultListLimit)),
		Offset:   parseIntDefault(query.Get("offset"), 0),
	}
}

func (h *Handler) handleReplays(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w) {
		return
	}
	opts := h.listOptions(r)
	items, total, err := h.store.ListReplays(opts)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"data":   items,
		"total":  total,
		"limit":  opts.Limit,
		"offset": opts.Offset,
	})
}

func (h *Handler) handleReplay(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w) {
		return
	}
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err)
		return
	}
	rec, err := h.store.GetReplay(id)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err)
		return
	}
	if rec == nil {
		h.respondError(w, http.StatusNotFound, fmt.Errorf("replay %d not found", id))
		return
	}
	h.respondJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w) {
		return
	}
	opts := h.listOptions(r)
	opts.Limit = 0
	opts.Offset = 0
	items, _, err := h.store.ListReplays(opts)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err)
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}
	data, contentType, ext, err := ExportReplays(items, format)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=replays.%s", ext))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		h.logger.Warn("Failed to write export", "error", err)
	}
}

func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request) {
	found, err := report.Load(h.reportPath)
	if err != nil {
		h.respondReportError(w, err)
		return
	}
	if field := r.URL.Query().Get("field"); field != "" {
		h.respondJSON(w, http.StatusOK, map[string]interface{}{field: found[field]})
		return
	}
	h.respondJSON(w, http.StatusOK, found)
}

func (h *Handler) handleFields(w http.ResponseWriter, r *http.Request) {
	fields, err := report.LoadFields(h.fieldsPath)
	if err != nil {
		h.respondReportError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, fields)
}

func (h *Handler) respondReportError(w http.ResponseWriter, err error) {
	if errors.Is(err, fs.ErrNotExist) {
		h.respondError(w, http.StatusNotFound, errors.New("no correlation report has been written yet"))
		return
	}
	h.respondError(w, http.StatusInternalServerError, err)
}

func (h *Handler) requireStore(w http.ResponseWriter) bool {
	if h.store == nil {
		h.respondError(w, http.StatusServiceUnavailable, errors.New("replay ledger is disabled"))
		return false
	}
	return true
}

func (h *Handler) respondError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		h.logger.Error("API request failed", "status", status, "error", err)
	}
	h.respondJSON(w, status, map[string]string{"error": err.Error()})
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("Failed to encode JSON response", "error", err)
	}
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	if parsed, err := strconv.Atoi(value); err == nil {
		return parsed
	}
	return def
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
