package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/discernus/discernus/ledger"
	"github.com/discernus/discernus/orchestrator"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// ManifestLoader 读取运行清单
type ManifestLoader interface {
	Load(ctx context.Context, runID string) (*orchestrator.Manifest, error)
}

// AttemptLister 读取运行账本
type AttemptLister interface {
	List(ctx context.Context, runID string, limit int) ([]ledger.RunAttempt, error)
}

// RunHandler 暴露运行清单与运行历史
type RunHandler struct {
	manifests ManifestLoader
	attempts  AttemptLister
	logger    *zap.Logger
}

// NewRunHandler 创建处理器。attempts 为 nil 表示账本未配置。
func NewRunHandler(manifests ManifestLoader, attempts AttemptLister, logger *zap.Logger) *RunHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunHandler{
		manifests: manifests,
		attempts:  attempts,
		logger:    logger.With(zap.String("handler", "runs")),
	}
}

// HandleManifest GET /api/v1/runs/{id}/manifest
func (h *RunHandler) HandleManifest(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if err := orchestrator.CheckRunID(runID); err != nil {
		WriteError(w, r, http.StatusBadRequest, CodeInvalidRequest, "invalid run id", err, h.logger)
		return
	}

	m, err := h.manifests.Load(r.Context(), runID)
	if errors.Is(err, orchestrator.ErrManifestNotFound) {
		WriteError(w, r, http.StatusNotFound, CodeNotFound, "manifest not found", err, h.logger)
		return
	}
	if err != nil {
		WriteError(w, r, http.StatusInternalServerError, CodeInternal, "failed to load manifest", err, h.logger)
		return
	}
	WriteSuccess(w, r, m)
}

// HandleList GET /api/v1/runs?run_id=&limit=
func (h *RunHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	if h.attempts == nil {
		WriteError(w, r, http.StatusServiceUnavailable, CodeUnavailable, "run ledger is not configured", nil, h.logger)
		return
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			WriteError(w, r, http.StatusBadRequest, CodeInvalidRequest, "limit must be a positive integer", err, h.logger)
			return
		}
		limit = min(n, maxListLimit)
	}

	attempts, err := h.attempts.List(r.Context(), r.URL.Query().Get("run_id"), limit)
	if err != nil {
		WriteError(w, r, http.StatusInternalServerError, CodeInternal, "failed to list runs", err, h.logger)
		return
	}
	if attempts == nil {
		attempts = []ledger.RunAttempt{}
	}
	WriteSuccess(w, r, attempts)
}
