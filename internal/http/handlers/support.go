package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dztow/backend/internal/service"
)

// @Summary Support chat
// @Description Asks the roadside support assistant. Assistant outages still answer 200 with a fixed text.
// @Tags support
// @Accept json
// @Produce json
// @Param body body service.SupportInput true "prompt and language"
// @Success 200 {object} map[string]any
// @Failure 429 {object} map[string]any
// @Router /api/support/chat [post]
func (h *Handler) SupportChat(c *gin.Context) {
	var in service.SupportInput
	if !h.bind(c, &in, false) {
		return
	}
	text, err := h.Support.Chat(c.Request.Context(), actor(c).ActorProfile().ID, in)
	if err != nil {
		h.writeAppError(c, "Support chat unavailable", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"text": text})
}
