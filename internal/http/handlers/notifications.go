package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dztow/backend/internal/notify"
)

type permissionBody struct {
	Permission string `json:"permission" validate:"required"`
}

// @Summary Set notification permission
// @Description Records the caller's platform permission: default, granted or denied
// @Tags notifications
// @Accept json
// @Produce json
// @Success 200 {object} map[string]any
// @Failure 400 {object} map[string]any
// @Router /api/notifications/permission [put]
func (h *Handler) NotificationPermission(c *gin.Context) {
	var body permissionBody
	if !h.bind(c, &body, false) {
		return
	}
	p, err := notify.ParsePermission(body.Permission)
	if err != nil {
		h.writeAppError(c, "Invalid permission", err)
		return
	}
	id := actor(c).ActorProfile().ID
	h.Notifications.Set(id, p)
	c.JSON(http.StatusOK, gin.H{"recipient_id": id, "permission": p})
}
