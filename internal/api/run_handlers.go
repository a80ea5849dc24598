package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/metaverse-indexer/internal/clock/system"
	"github.com/JakeFAU/metaverse-indexer/internal/crawler"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 500
	storeTimeout    = 3 * time.Second
)

// RunHandler exposes read-only run history and indexed content.
type RunHandler struct {
	runs    crawler.RunStore
	content crawler.ContentStore
	clock   crawler.Clock
	timeout time.Duration
	logger  *zap.Logger
}

// NewRunHandler wires the stores, clock and logger. A nil clock reads the
// system time.
func NewRunHandler(runs crawler.RunStore, content crawler.ContentStore, clock crawler.Clock, logger *zap.Logger) *RunHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = system.New()
	}
	return &RunHandler{
		runs:    runs,
		content: content,
		clock:   clock,
		timeout: storeTimeout,
		logger:  logger,
	}
}

// ListRuns handles GET /v1/runs?indexer=&status=&limit=&offset=. It returns
// {"runs": [...]} newest first, 400 for invalid filters, 503 when no store is
// wired, or 500 if the store call fails.
func (h *RunHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run store unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	filter := crawler.RunFilter{
		IndexerID: strings.ToLower(strings.TrimSpace(q.Get("indexer"))),
		Limit:     limit,
		Offset:    offset,
	}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		status, err := parseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Status = status
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	runs, err := h.runs.ListRuns(ctx, filter)
	if err != nil {
		h.logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []crawler.IndexingRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// GetRun handles GET /v1/runs/{run_id}.
func (h *RunHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run store unavailable")
		return
	}
	runID := chi.URLParam(r, "run_id")
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	run, err := h.runs.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		h.logger.Error("get run failed", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run":              run,
		"duration_seconds": run.Duration(h.clock.Now()).Seconds(),
		"success_rate":     run.SuccessRate(),
	})
}

// GetContent handles GET /v1/content/{platform}/{external_id}.
func (h *RunHandler) GetContent(w http.ResponseWriter, r *http.Request) {
	if h.content == nil {
		writeError(w, http.StatusServiceUnavailable, "content store unavailable")
		return
	}
	platform := strings.ToLower(chi.URLParam(r, "platform"))
	externalID := chi.URLParam(r, "external_id")
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	content, ok, err := h.content.FindContent(ctx, platform, externalID)
	if err != nil {
		h.logger.Error("find content failed", zap.String("platform", platform), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load content")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "content not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"content": content})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseStatus(input string) (crawler.RunStatus, error) {
	switch strings.ToLower(input) {
	case "pending":
		return crawler.RunStatusPending, nil
	case "running":
		return crawler.RunStatusRunning, nil
	case "completed", "success":
		return crawler.RunStatusCompleted, nil
	case "failed", "error":
		return crawler.RunStatusFailed, nil
	default:
		return "", errors.New("invalid status")
	}
}
