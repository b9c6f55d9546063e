package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/orrn/posprint/internal/api/middleware"
	"github.com/orrn/posprint/internal/core"
)

// ReceiptService is what the front door needs from the spooler.
type ReceiptService interface {
	Register(ctx context.Context, job *core.Job) (string, error)
	Status(ctx context.Context, id string) (core.Status, error)
	Get(ctx context.Context, id string) (*core.Job, error)
	Requeue(ctx context.Context, id string) (*core.Job, error)
	Remove(ctx context.Context, id string) (*core.Job, error)
	Find(ctx context.Context, filter core.JobFilter) ([]*core.Job, error)
	Stats(ctx context.Context) (map[core.Status]int, error)
}

type PrintRequest struct {
	SourceIP   string        `json:"sourceIp"`
	OperatorID string        `json:"operatorId"`
	Fiscal     bool          `json:"fiscal"`
	Receipt    *core.Receipt `json:"receipt" binding:"required"`
}

type PrintResponse struct {
	ReceiptID string      `json:"receiptId"`
	Status    core.Status `json:"status"`
}

type ListReceiptsQuery struct {
	Status     string `form:"status"`
	SourceIP   string `form:"sourceIp"`
	OperatorID string `form:"operatorId"`
}

type ReceiptHandler struct {
	receipts ReceiptService
	log      zerolog.Logger
}

func NewReceiptHandler(receipts ReceiptService, log zerolog.Logger) *ReceiptHandler {
	return &ReceiptHandler{
		receipts: receipts,
		log:      log.With().Str("component", "receipt_handler").Logger(),
	}
}

func (h *ReceiptHandler) Print(c *gin.Context) {
	var req PrintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job := &core.Job{
		Receipt:    *req.Receipt,
		SourceIP:   req.SourceIP,
		OperatorID: req.OperatorID,
		IsFiscal:   req.Fiscal,
	}
	if job.SourceIP == "" {
		job.SourceIP = c.ClientIP()
	}
	if operatorID, ok := middleware.OperatorID(c); ok {
		job.OperatorID = operatorID
	}

	id, err := h.receipts.Register(c.Request.Context(), job)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, PrintResponse{ReceiptID: id, Status: core.StatusPrinting})
}

func (h *ReceiptHandler) GetStatus(c *gin.Context) {
	id := c.Param("id")
	status, err := h.receipts.Status(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, PrintResponse{ReceiptID: id, Status: status})
}

func (h *ReceiptHandler) GetReceipt(c *gin.Context) {
	job, err := h.receipts.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *ReceiptHandler) Requeue(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	job, err := h.receipts.Requeue(ctx, id)
	if err != nil {
		// A receipt that exists but cannot go back to printing is a conflict,
		// not a missing resource.
		if errors.Is(err, core.ErrNotQueued) {
			if _, statusErr := h.receipts.Status(ctx, id); statusErr == nil {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
				return
			}
		}
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, job)
}

func (h *ReceiptHandler) Remove(c *gin.Context) {
	job, err := h.receipts.Remove(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *ReceiptHandler) List(c *gin.Context) {
	var query ListReceiptsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	filter := core.JobFilter{SourceIP: query.SourceIP, OperatorID: query.OperatorID}
	if query.Status != "" {
		status, err := core.ParseStatus(query.Status)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		filter.Status = status
	}
	if filter == (core.JobFilter{}) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "one of status, sourceIp or operatorId is required"})
		return
	}

	jobs, err := h.receipts.Find(c.Request.Context(), filter)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"receipts": jobs,
		"total":    len(jobs),
	})
}

func (h *ReceiptHandler) Stats(c *gin.Context) {
	counts, err := h.receipts.Stats(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}

	resp := gin.H{}
	total := 0
	for _, s := range []core.Status{core.StatusPrinting, core.StatusPrinted, core.StatusFailed, core.StatusRejected} {
		resp[string(s)] = counts[s]
		total += counts[s]
	}
	resp["total"] = total
	c.JSON(http.StatusOK, resp)
}

func (h *ReceiptHandler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, core.ErrInvalidReceipt):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, core.ErrAlreadyQueued):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, core.ErrNotQueued):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		h.log.Error().Err(err).Str("request_id", middleware.GetRequestID(c)).Msg("receipt request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
