package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"flowmint/internal/apperr"
	"flowmint/internal/auth"
	"flowmint/internal/repository"
	"flowmint/internal/service"
)

type InvoiceHandler struct {
	Invoices     *service.InvoiceService
	Attestations *service.AttestationService
	// MerchantAuth guards merchant-side routes; nil leaves them open.
	MerchantAuth gin.HandlerFunc
}

type payerRequest struct {
	Payer string `json:"payer" binding:"required"`
}

type planRequest struct {
	Payer string `json:"payer" binding:"required"`
	service.PlanRequest
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *InvoiceHandler) Register(r *gin.Engine) {
	group := r.Group("/api/v1/invoices")
	group.POST("", guarded(h.create, h.MerchantAuth)...)
	group.GET("", guarded(h.list, h.MerchantAuth)...)
	group.GET("/:id", h.get)
	group.POST("/:id/reserve", h.reserve)
	group.POST("/:id/extend", h.extend)
	group.GET("/:id/payable", h.payable)
	group.POST("/:id/plan", h.plan)
	group.POST("/:id/cancel", guarded(h.cancel, h.MerchantAuth)...)
	group.GET("/:id/attestation", h.attestation)
}

// @Summary Create invoice
// @Tags invoices
// @Accept json
// @Produce json
// @Param Idempotency-Key header string false "idempotency key"
// @Param body body service.CreateInvoiceParams true "invoice"
// @Success 201 {object} apiResponse
// @Failure 400 {object} apiResponse
// @Router /api/v1/invoices [post]
func (h *InvoiceHandler) create(c *gin.Context) {
	var req service.CreateInvoiceParams
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	if key := strings.TrimSpace(c.GetHeader("Idempotency-Key")); key != "" {
		req.IdempotencyKey = &key
	}
	if claims, ok := auth.ClaimsFrom(c); ok && claims.Role == auth.RoleMerchant {
		if req.MerchantID == "" {
			req.MerchantID = claims.MerchantID
		}
		if req.MerchantID != claims.MerchantID {
			Error(c, http.StatusForbidden, "merchant mismatch", nil)
			return
		}
	}
	item, err := h.Invoices.CreateInvoice(c.Request.Context(), req)
	if err != nil {
		Fail(c, err)
		return
	}
	Created(c, item)
}

// @Summary List invoices
// @Tags invoices
// @Produce json
// @Param merchant_id query string false "merchant"
// @Param status query string false "status"
// @Param limit query int false "limit"
// @Param offset query int false "offset"
// @Success 200 {object} apiResponse
// @Router /api/v1/invoices [get]
func (h *InvoiceHandler) list(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	merchant := strQueryPtr(c, "merchant_id")
	if claims, ok := auth.ClaimsFrom(c); ok && claims.Role == auth.RoleMerchant {
		merchant = &claims.MerchantID
	}
	items, total, err := h.Invoices.List(c.Request.Context(), repository.ListInvoicesParams{
		Limit:      limit,
		Offset:     offset,
		MerchantID: merchant,
		Status:     strQueryPtr(c, "status"),
		OrderBy:    "created_at",
		Asc:        boolPtr(false),
	})
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, items, paginationMeta(limit, offset, total))
}

// @Summary Get invoice
// @Tags invoices
// @Produce json
// @Param id path string true "invoice id"
// @Success 200 {object} apiResponse
// @Failure 404 {object} apiResponse
// @Router /api/v1/invoices/{id} [get]
func (h *InvoiceHandler) get(c *gin.Context) {
	item, err := h.Invoices.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, item, nil)
}

// @Summary Reserve invoice for a payer
// @Tags invoices
// @Accept json
// @Produce json
// @Param id path string true "invoice id"
// @Param body body payerRequest true "payer"
// @Success 200 {object} apiResponse
// @Failure 409 {object} apiResponse
// @Router /api/v1/invoices/{id}/reserve [post]
func (h *InvoiceHandler) reserve(c *gin.Context) {
	var req payerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "payer is required")
		return
	}
	item, err := h.Invoices.ReserveForPayer(c.Request.Context(), c.Param("id"), req.Payer)
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, item, nil)
}

// @Summary Extend a reservation
// @Tags invoices
// @Accept json
// @Produce json
// @Param id path string true "invoice id"
// @Param body body payerRequest true "payer"
// @Success 200 {object} apiResponse
// @Router /api/v1/invoices/{id}/extend [post]
func (h *InvoiceHandler) extend(c *gin.Context) {
	var req payerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "payer is required")
		return
	}
	item, err := h.Invoices.ExtendReservation(c.Request.Context(), c.Param("id"), req.Payer)
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, item, nil)
}

// @Summary Check whether an invoice is payable
// @Tags invoices
// @Produce json
// @Param id path string true "invoice id"
// @Param payer query string false "payer"
// @Success 200 {object} apiResponse
// @Router /api/v1/invoices/{id}/payable [get]
func (h *InvoiceHandler) payable(c *gin.Context) {
	out, err := h.Invoices.ValidatePayable(c.Request.Context(), c.Param("id"), strings.TrimSpace(c.Query("payer")))
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, out, nil)
}

// @Summary Submit a multi-leg payment plan
// @Tags invoices
// @Accept json
// @Produce json
// @Param id path string true "invoice id"
// @Param body body planRequest true "plan"
// @Success 201 {object} apiResponse
// @Failure 422 {object} apiResponse
// @Router /api/v1/invoices/{id}/plan [post]
func (h *InvoiceHandler) plan(c *gin.Context) {
	var req planRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	view, err := h.Invoices.SubmitPlan(c.Request.Context(), c.Param("id"), req.Payer, req.PlanRequest)
	if err != nil {
		Fail(c, err)
		return
	}
	Created(c, view)
}

// @Summary Cancel invoice
// @Tags invoices
// @Accept json
// @Produce json
// @Param id path string true "invoice id"
// @Param body body cancelRequest false "reason"
// @Success 200 {object} apiResponse
// @Router /api/v1/invoices/{id}/cancel [post]
func (h *InvoiceHandler) cancel(c *gin.Context) {
	var req cancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body")
			return
		}
	}
	ctx := c.Request.Context()
	id := c.Param("id")
	if claims, ok := auth.ClaimsFrom(c); ok && claims.Role == auth.RoleMerchant {
		inv, err := h.Invoices.Get(ctx, id)
		if err != nil {
			Fail(c, err)
			return
		}
		if inv.MerchantID != claims.MerchantID {
			Fail(c, apperr.NotFound(apperr.CodeInvoiceNotFound, "invoice not found"))
			return
		}
	}
	item, err := h.Invoices.CancelInvoice(ctx, id, req.Reason)
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, item, nil)
}

// @Summary Get the attestation for an invoice
// @Tags attestations
// @Produce json
// @Param id path string true "invoice id"
// @Success 200 {object} apiResponse
// @Failure 404 {object} apiResponse
// @Router /api/v1/invoices/{id}/attestation [get]
func (h *InvoiceHandler) attestation(c *gin.Context) {
	item, err := h.Attestations.GetByInvoice(c.Request.Context(), c.Param("id"))
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, item, nil)
}
