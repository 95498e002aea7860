package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"flowmint/internal/apperr"
)

type apiResponse struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    any            `json:"data,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

func Ok(c *gin.Context, data any, meta map[string]any) {
	c.JSON(http.StatusOK, apiResponse{
		Code:    0,
		Message: "ok",
		Data:    data,
		Meta:    meta,
	})
}

func Created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, apiResponse{
		Code:    0,
		Message: "ok",
		Data:    data,
	})
}

func Error(c *gin.Context, status int, message string, meta map[string]any) {
	c.JSON(status, apiResponse{
		Code:    status,
		Message: message,
		Meta:    meta,
	})
}

// Fail writes err with the status its kind maps to. The machine-readable
// code and offending fields go into meta.
func Fail(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	code, msg := apperr.Describe(err)
	meta := map[string]any{"error_code": code}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		meta["kind"] = string(ae.Kind)
		if len(ae.Fields) > 0 {
			meta["fields"] = ae.Fields
		}
		if ae.Resource != "" {
			meta["resource"] = ae.Resource
		}
	}
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		_ = c.Error(err)
	}
	Error(c, status, msg, meta)
}

func badRequest(c *gin.Context, message string) {
	Fail(c, apperr.Validation(apperr.CodeInvalidInput, message))
}
