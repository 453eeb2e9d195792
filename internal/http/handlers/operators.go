package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/dztow/backend/internal/models"
	"github.com/dztow/backend/internal/presence"
)

type availabilityBody struct {
	IsAvailable *bool `json:"is_available" validate:"required"`
}

type positionBody struct {
	Position models.Position `json:"position"`
}

type registerBody struct {
	DisplayName   string               `json:"display_name" validate:"max=120"`
	Phone         string               `json:"phone" validate:"max=32"`
	Language      string               `json:"language" validate:"omitempty,oneof=ar fr en"`
	CompanyName   string               `json:"company_name" validate:"max=120"`
	TruckCategory models.TruckCategory `json:"truck_category" validate:"required"`
	IsAvailable   bool                 `json:"is_available"`
	Position      models.Position      `json:"position"`
}

// @Summary List operators
// @Description Live operator set, optionally filtered by availability and distance
// @Tags operators
// @Produce json
// @Param filter query string false "all | online | offline"
// @Param lat query number false "origin latitude"
// @Param lng query number false "origin longitude"
// @Param radius_km query number false "radius in km, clamped to 5..50"
// @Success 200 {object} map[string]any
// @Failure 400 {object} map[string]any
// @Router /api/operators [get]
func (h *Handler) OperatorsList(c *gin.Context) {
	filter, err := presence.ParseFilter(c.Query("filter"))
	if err != nil {
		h.writeAppError(c, "Invalid filter", err)
		return
	}
	items := presence.Apply(h.Presence.Current(), filter)

	if c.Query("lat") == "" && c.Query("lng") == "" {
		c.JSON(http.StatusOK, gin.H{"items": items, "filter": filter})
		return
	}
	lat, errLat := strconv.ParseFloat(strings.TrimSpace(c.Query("lat")), 64)
	lng, errLng := strconv.ParseFloat(strings.TrimSpace(c.Query("lng")), 64)
	if errLat != nil || errLng != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "lat and lng must both be numbers", nil)
		return
	}
	radius, _ := strconv.ParseFloat(c.DefaultQuery("radius_km", "25"), 64)
	radius = presence.ClampRadius(radius)
	nearby := presence.Within(items, models.Position{Lat: lat, Lng: lng}, radius)
	c.JSON(http.StatusOK, gin.H{"items": nearby, "filter": filter, "radius_km": radius})
}

// @Summary Stream operators
// @Description Server-sent events carrying full operator snapshots
// @Tags operators
// @Produce text/event-stream
// @Router /api/operators/stream [get]
func (h *Handler) OperatorsStream(c *gin.Context) {
	stream(c, "operators", h.Presence.Subscribe(c.Request.Context()))
}

// @Summary Register operator
// @Tags operators
// @Accept json
// @Produce json
// @Param id path string true "operator id"
// @Success 200 {object} models.Operator
// @Failure 400 {object} map[string]any
// @Router /api/operators/{id} [put]
func (h *Handler) OperatorRegister(c *gin.Context) {
	var body registerBody
	if !h.bind(c, &body, false) {
		return
	}
	op, err := h.Presence.RegisterOperator(c.Request.Context(), models.Operator{
		Profile: models.Profile{
			ID:          c.Param("id"),
			DisplayName: body.DisplayName,
			Phone:       body.Phone,
			Language:    body.Language,
		},
		CompanyName:   body.CompanyName,
		TruckCategory: body.TruckCategory,
		IsAvailable:   body.IsAvailable,
		Position:      body.Position,
	})
	if err != nil {
		h.writeAppError(c, "Failed to register operator", err)
		return
	}
	c.JSON(http.StatusOK, op)
}

// @Summary Set availability
// @Tags operators
// @Accept json
// @Produce json
// @Param id path string true "operator id"
// @Success 200 {object} models.Operator
// @Failure 403 {object} map[string]any
// @Router /api/operators/{id}/availability [put]
func (h *Handler) OperatorAvailability(c *gin.Context) {
	var body availabilityBody
	if !h.bind(c, &body, false) {
		return
	}
	op, err := h.Presence.SetAvailability(c.Request.Context(), actor(c), c.Param("id"), *body.IsAvailable)
	if err != nil {
		h.writeAppError(c, "Failed to set availability", err)
		return
	}
	c.JSON(http.StatusOK, op)
}

// @Summary Update position
// @Tags operators
// @Accept json
// @Produce json
// @Param id path string true "operator id"
// @Success 200 {object} models.Operator
// @Failure 403 {object} map[string]any
// @Router /api/operators/{id}/position [put]
func (h *Handler) OperatorPosition(c *gin.Context) {
	var body positionBody
	if !h.bind(c, &body, false) {
		return
	}
	op, err := h.Presence.UpdatePosition(c.Request.Context(), actor(c), c.Param("id"), body.Position)
	if err != nil {
		h.writeAppError(c, "Failed to update position", err)
		return
	}
	c.JSON(http.StatusOK, op)
}
