package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/uni-registrar-api/internal/service"
	appErrors "github.com/noah-isme/uni-registrar-api/pkg/errors"
	"github.com/noah-isme/uni-registrar-api/pkg/response"
)

// HoldHandler exposes registration hold endpoints.
type HoldHandler struct {
	holds *service.HoldService
}

// NewHoldHandler constructs HoldHandler.
func NewHoldHandler(holds *service.HoldService) *HoldHandler {
	return &HoldHandler{holds: holds}
}

// Place godoc
// @Summary Place a hold on a student
// @Tags Holds
// @Accept json
// @Produce json
// @Param payload body service.PlaceHoldRequest true "Hold payload"
// @Success 201 {object} response.Envelope
// @Router /holds [post]
func (h *HoldHandler) Place(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req service.PlaceHoldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	hold, err := h.holds.Place(c.Request.Context(), claims.UserID, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, hold)
}

// Resolve godoc
// @Summary Resolve a hold
// @Tags Holds
// @Produce json
// @Param id path string true "Hold ID"
// @Success 204
// @Router /holds/{id} [delete]
func (h *HoldHandler) Resolve(c *gin.Context) {
	if err := h.holds.Resolve(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// ListByStudent godoc
// @Summary List holds for a student
// @Tags Holds
// @Produce json
// @Param id path string true "Student ID"
// @Success 200 {object} response.Envelope
// @Router /students/{id}/holds [get]
func (h *HoldHandler) ListByStudent(c *gin.Context) {
	holds, err := h.holds.ListByStudent(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, holds, nil)
}
