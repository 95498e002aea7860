package handler

import (
	"strings"

	"github.com/gin-gonic/gin"

	"flowmint/internal/service"
)

type AttestationHandler struct {
	Attestations *service.AttestationService
}

func (h *AttestationHandler) Register(r *gin.Engine) {
	group := r.Group("/api/v1/attestations")
	group.GET("/:id", h.get)
	group.GET("/:id/verify", h.verify)
}

// @Summary Get attestation
// @Tags attestations
// @Produce json
// @Param id path string true "attestation id"
// @Success 200 {object} apiResponse
// @Failure 404 {object} apiResponse
// @Router /api/v1/attestations/{id} [get]
func (h *AttestationHandler) get(c *gin.Context) {
	item, err := h.Attestations.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, item, nil)
}

// @Summary Verify an attestation or a single leg proof
// @Description Read-only. Reports every failed check instead of stopping at the first.
// @Tags attestations
// @Produce json
// @Param id path string true "attestation id"
// @Param leg query int false "leg index"
// @Success 200 {object} apiResponse
// @Router /api/v1/attestations/{id}/verify [get]
func (h *AttestationHandler) verify(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if strings.TrimSpace(c.Query("leg")) != "" {
		leg := intQueryPtr(c, "leg")
		if leg == nil || *leg < 0 {
			badRequest(c, "leg must be a non-negative integer")
			return
		}
		out, err := h.Attestations.VerifyLegProof(ctx, id, *leg)
		if err != nil {
			Fail(c, err)
			return
		}
		Ok(c, out, nil)
		return
	}
	out, err := h.Attestations.VerifyAttestation(ctx, id)
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, out, nil)
}
