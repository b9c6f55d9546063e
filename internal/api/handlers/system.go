package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/posprint/internal/archive"
	"github.com/orrn/posprint/internal/core"
)

type WorkerStater interface {
	State() core.WorkerState
}

type ArchiveLister interface {
	ListArchives() ([]*archive.ArchiveFile, error)
}

type SystemHandler struct {
	worker   WorkerStater
	archives ArchiveLister
}

// NewSystemHandler builds the health and archive endpoints. archives may be
// nil when archiving is disabled.
func NewSystemHandler(worker WorkerStater, archives ArchiveLister) *SystemHandler {
	return &SystemHandler{worker: worker, archives: archives}
}

func (h *SystemHandler) Health(c *gin.Context) {
	state := h.worker.State()
	if state == core.StateStopped {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "stopped", "worker": state.String()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "worker": state.String()})
}

func (h *SystemHandler) ListArchives(c *gin.Context) {
	if h.archives == nil {
		c.JSON(http.StatusOK, gin.H{"archives": []*archive.ArchiveFile{}})
		return
	}

	archives, err := h.archives.ListArchives()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list archives"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"archives": archives})
}
