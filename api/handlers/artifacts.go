package handlers

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/discernus/discernus/artifact"
)

// ArtifactHandler 按哈希读取制品
type ArtifactHandler struct {
	store  artifact.Store
	logger *zap.Logger
}

// NewArtifactHandler 创建处理器
func NewArtifactHandler(store artifact.Store, logger *zap.Logger) *ArtifactHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArtifactHandler{store: store, logger: logger.With(zap.String("handler", "artifacts"))}
}

// HandleGet GET /api/v1/artifacts/{hash}，返回原始字节
func (h *ArtifactHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("hash")
	if !artifact.ValidHash(raw) {
		WriteError(w, r, http.StatusBadRequest, CodeInvalidRequest, "invalid artifact hash", nil, h.logger)
		return
	}
	hash := artifact.NormalizeHash(raw)

	// 内容寻址，ETag 即哈希
	etag := strconv.Quote(hash)
	if r.Header.Get("If-None-Match") == etag && h.store.Exists(r.Context(), hash) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	data, err := h.store.Get(r.Context(), hash)
	if artifact.IsNotFound(err) {
		WriteError(w, r, http.StatusNotFound, CodeNotFound, "artifact not found", err, h.logger)
		return
	}
	if err != nil {
		WriteError(w, r, http.StatusInternalServerError, CodeInternal, "failed to read artifact", err, h.logger)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
