package handler

import (
	"github.com/gin-gonic/gin"

	"flowmint/internal/auth"
	"flowmint/internal/models"
	"flowmint/internal/service"
)

type PolicyHandler struct {
	Policies     *service.PolicyService
	MerchantAuth gin.HandlerFunc
}

type policyResponse struct {
	Policy models.MerchantPolicy `json:"policy"`
	Hash   string                `json:"hash"`
}

func (h *PolicyHandler) Register(r *gin.Engine) {
	group := r.Group("/api/v1/policies")
	scope := auth.MerchantScope("merchant")
	if h.MerchantAuth == nil {
		scope = nil
	}
	group.GET("/:merchant", h.get)
	group.PUT("/:merchant", guarded(h.upsert, h.MerchantAuth, scope)...)
}

// @Summary Get merchant policy
// @Description Returns the stored policy or the defaults when none is configured.
// @Tags policies
// @Produce json
// @Param merchant path string true "merchant id"
// @Success 200 {object} apiResponse
// @Router /api/v1/policies/{merchant} [get]
func (h *PolicyHandler) get(c *gin.Context) {
	p, err := h.Policies.Get(c.Request.Context(), c.Param("merchant"))
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, policyResponse{Policy: p, Hash: service.HashPolicy(p)}, nil)
}

// @Summary Upsert merchant policy
// @Tags policies
// @Accept json
// @Produce json
// @Param merchant path string true "merchant id"
// @Param body body models.MerchantPolicy true "policy"
// @Success 200 {object} apiResponse
// @Failure 400 {object} apiResponse
// @Router /api/v1/policies/{merchant} [put]
func (h *PolicyHandler) upsert(c *gin.Context) {
	var req models.MerchantPolicy
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	req.MerchantID = c.Param("merchant")
	saved, err := h.Policies.Upsert(c.Request.Context(), req)
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, policyResponse{Policy: *saved, Hash: service.HashPolicy(*saved)}, nil)
}
