package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"flowmint/internal/circuit"
	"flowmint/internal/service"
)

// OperationsHandler exposes circuit state, engine totals and feature switches.
type OperationsHandler struct {
	Circuits     *circuit.Registry
	Invoices     *service.InvoiceService
	Settings     *service.SystemSettingsService
	OperatorAuth gin.HandlerFunc
}

type switchRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (h *OperationsHandler) Register(r *gin.Engine) {
	api := r.Group("/api/v1")
	api.GET("/circuits", h.listCircuits)
	api.POST("/circuits/:id/reset", guarded(h.resetCircuit, h.OperatorAuth)...)
	api.GET("/stats", h.stats)
	api.GET("/system-settings/switches", h.listSwitches)
	api.GET("/system-settings/switches/:name", h.getSwitch)
	api.PUT("/system-settings/switches/:name", guarded(h.setSwitch, h.OperatorAuth)...)
}

// @Summary List circuit breakers
// @Tags operations
// @Produce json
// @Param state query string false "closed|open|half-open"
// @Success 200 {object} apiResponse
// @Router /api/v1/circuits [get]
func (h *OperationsHandler) listCircuits(c *gin.Context) {
	if h.Circuits == nil {
		Ok(c, []circuit.Stats{}, nil)
		return
	}
	state := strings.TrimSpace(c.Query("state"))
	items := h.Circuits.Snapshot()
	out := make([]circuit.Stats, 0, len(items))
	for _, it := range items {
		if state != "" && string(it.State) != state {
			continue
		}
		out = append(out, it)
	}
	Ok(c, out, map[string]any{"total": len(out)})
}

// @Summary Force a circuit closed
// @Tags operations
// @Produce json
// @Param id path string true "circuit id, e.g. route:jupiter/poolA"
// @Success 200 {object} apiResponse
// @Failure 404 {object} apiResponse
// @Router /api/v1/circuits/{id}/reset [post]
func (h *OperationsHandler) resetCircuit(c *gin.Context) {
	id := strings.TrimPrefix(c.Param("id"), "/")
	if h.Circuits == nil || !h.Circuits.Reset(id) {
		Error(c, http.StatusNotFound, "circuit not found", map[string]any{"id": id})
		return
	}
	Ok(c, gin.H{"id": id, "state": circuit.StateClosed}, nil)
}

// @Summary Settlement totals per asset
// @Tags operations
// @Produce json
// @Success 200 {object} apiResponse
// @Router /api/v1/stats [get]
func (h *OperationsHandler) stats(c *gin.Context) {
	items, err := h.Invoices.Stats(c.Request.Context())
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, items, nil)
}

// @Summary List feature switches
// @Tags operations
// @Produce json
// @Success 200 {object} apiResponse
// @Router /api/v1/system-settings/switches [get]
func (h *OperationsHandler) listSwitches(c *gin.Context) {
	items, err := h.Settings.Switches(c.Request.Context())
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, items, map[string]any{"total": len(items)})
}

// @Summary Read a feature switch
// @Tags operations
// @Produce json
// @Param name path string true "switch name, e.g. feature.leg_execution"
// @Success 200 {object} apiResponse
// @Router /api/v1/system-settings/switches/{name} [get]
func (h *OperationsHandler) getSwitch(c *gin.Context) {
	name := c.Param("name")
	def, known := service.DefaultFeatureSwitches()[name]
	if !known {
		Error(c, http.StatusNotFound, "unknown switch", map[string]any{"name": name})
		return
	}
	Ok(c, gin.H{"name": name, "enabled": h.Settings.IsEnabled(c.Request.Context(), name, def)}, nil)
}

// @Summary Set a feature switch
// @Tags operations
// @Accept json
// @Produce json
// @Param name path string true "switch name"
// @Param body body switchRequest true "enabled"
// @Success 200 {object} apiResponse
// @Router /api/v1/system-settings/switches/{name} [put]
func (h *OperationsHandler) setSwitch(c *gin.Context) {
	name := c.Param("name")
	var req switchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "enabled is required")
		return
	}
	if err := h.Settings.SetEnabled(c.Request.Context(), name, *req.Enabled); err != nil {
		Fail(c, err)
		return
	}
	Ok(c, gin.H{"name": name, "enabled": *req.Enabled}, nil)
}
