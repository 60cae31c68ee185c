package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/kakuyomu-crawler/internal/progress"
)

// SnapshotSource supplies the current run view.
type SnapshotSource interface {
	Snapshot() progress.Snapshot
}

// ProgressHandler exposes the read-only run progress endpoint.
type ProgressHandler struct {
	source SnapshotSource
	logger *zap.Logger
}

// NewProgressHandler wires the snapshot source and logger.
func NewProgressHandler(source SnapshotSource, logger *zap.Logger) *ProgressHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressHandler{source: source, logger: logger}
}

// Get handles GET /v1/progress. It returns the run snapshot as JSON, or 503
// when no tracker is attached.
func (h *ProgressHandler) Get(w http.ResponseWriter, _ *http.Request) {
	if h.source == nil {
		writeError(w, http.StatusServiceUnavailable, "progress tracker unavailable")
		return
	}
	writeJSON(w, http.StatusOK, h.source.Snapshot())
}
