package handler

import (
	"encoding/base64"
	"strconv"

	"github.com/gin-gonic/gin"

	"flowmint/internal/service"
)

type ReservationHandler struct {
	Invoices *service.InvoiceService
	Executor *service.LegExecutor
}

type executeRequest struct {
	// Artifact is the payer-signed transaction, base64 encoded, for legs that
	// require one.
	Artifact string `json:"artifact,omitempty"`
}

func (h *ReservationHandler) Register(r *gin.Engine) {
	group := r.Group("/api/v1/reservations")
	group.GET("/:id", h.get)
	group.POST("/:id/legs/:index/execute", h.execute)
}

// @Summary Get reservation with its legs
// @Tags reservations
// @Produce json
// @Param id path string true "reservation id"
// @Success 200 {object} apiResponse
// @Failure 404 {object} apiResponse
// @Router /api/v1/reservations/{id} [get]
func (h *ReservationHandler) get(c *gin.Context) {
	view, err := h.Invoices.GetReservation(c.Request.Context(), c.Param("id"))
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, view, nil)
}

// @Summary Execute one payment leg
// @Description Legs run in index order. A retryable failure returns status
// @Description "retrying" with retry_after_ms; the caller re-invokes the same leg.
// @Tags reservations
// @Accept json
// @Produce json
// @Param id path string true "reservation id"
// @Param index path int true "leg index"
// @Param body body executeRequest false "artifact"
// @Success 200 {object} apiResponse
// @Failure 409 {object} apiResponse
// @Router /api/v1/reservations/{id}/legs/{index}/execute [post]
func (h *ReservationHandler) execute(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 {
		badRequest(c, "leg index must be a non-negative integer")
		return
	}
	var req executeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body")
			return
		}
	}
	var artifact []byte
	if req.Artifact != "" {
		artifact, err = base64.StdEncoding.DecodeString(req.Artifact)
		if err != nil {
			badRequest(c, "artifact must be base64")
			return
		}
	}
	out, err := h.Executor.ExecuteLeg(c.Request.Context(), c.Param("id"), index, artifact)
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, out, nil)
}
