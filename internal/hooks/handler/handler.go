package handler

import (
	"net/http"

	"mole_automation/internal/hooks/service"
	"mole_automation/internal/hooks/transport"
	"mole_automation/platform/httpkit"
	"mole_automation/platform/validator"

	"github.com/gin-gonic/gin"
)

const (
	msgInvalidRequest   = "invalid request"
	msgValidationFailed = "validation failed"
)

// Handler handles the domain store's hook calls
type Handler struct {
	svc *service.Service
	val *validator.Validator
}

// New creates a new hooks handler
func New(svc *service.Service, val *validator.Validator) *Handler {
	return &Handler{svc: svc, val: val}
}

// RegisterRoutes registers the hook routes
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/events", h.RecordEvent)
	rg.POST("/config-changed", h.ConfigChanged)
}

// RecordEvent handles POST /api/v1/hooks/events
func (h *Handler) RecordEvent(c *gin.Context) {
	var req transport.EventHookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, validator.FieldErrors(err))
		return
	}

	result, err := h.svc.RecordEvent(c.Request.Context(), req)
	if httpkit.HandleError(c, err) {
		return
	}

	httpkit.OK(c, result)
}

// ConfigChanged handles POST /api/v1/hooks/config-changed
func (h *Handler) ConfigChanged(c *gin.Context) {
	var req transport.ConfigChangedRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
			return
		}
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, validator.FieldErrors(err))
		return
	}

	if httpkit.HandleError(c, h.svc.ConfigurationChanged(c.Request.Context(), httpkit.Caller(c), req)) {
		return
	}

	c.Status(http.StatusNoContent)
}
