package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dztow/backend/internal/models"
	"github.com/dztow/backend/internal/service"
)

type notesBody struct {
	Notes string `json:"notes" validate:"max=500"`
}

// @Summary Create request
// @Description Opens a PENDING assistance request and notifies every available operator
// @Tags requests
// @Accept json
// @Produce json
// @Param body body service.CreateInput true "position and optional note"
// @Success 201 {object} models.AssistanceRequest
// @Failure 409 {object} map[string]any
// @Router /api/requests [post]
func (h *Handler) RequestCreate(c *gin.Context) {
	var in service.CreateInput
	if !h.bind(c, &in, false) {
		return
	}
	req, err := h.Coordinator.Create(c.Request.Context(), actor(c), in)
	if err != nil {
		h.writeAppError(c, "Failed to create request", err)
		return
	}
	c.JSON(http.StatusCreated, req)
}

// @Summary Active request
// @Tags requests
// @Produce json
// @Success 200 {object} models.AssistanceRequest
// @Failure 404 {object} map[string]any
// @Router /api/requests/active [get]
func (h *Handler) RequestActive(c *gin.Context) {
	req, err := h.Coordinator.ActiveFor(c.Request.Context(), actor(c).ActorProfile().ID)
	if err != nil {
		h.writeAppError(c, "No active request", err)
		return
	}
	c.JSON(http.StatusOK, req)
}

// @Summary List requests
// @Description A seeker's own requests, or the requests an operator was notified about or is assigned to
// @Tags requests
// @Produce json
// @Param status query string false "comma separated statuses, e.g. PENDING"
// @Success 200 {array} models.AssistanceRequest
// @Failure 400 {object} map[string]any
// @Router /api/requests [get]
func (h *Handler) RequestsList(c *gin.Context) {
	statuses, err := service.ParseStatuses(c.Query("status"))
	if err != nil {
		h.writeAppError(c, "Invalid status filter", err)
		return
	}
	reqs, err := h.Coordinator.List(c.Request.Context(), actor(c), statuses)
	if err != nil {
		h.writeAppError(c, "Failed to list requests", err)
		return
	}
	c.JSON(http.StatusOK, reqs)
}

// @Summary Stream request list
// @Tags requests
// @Produce text/event-stream
// @Param status query string false "comma separated statuses, e.g. PENDING"
// @Router /api/requests/stream [get]
func (h *Handler) RequestsStream(c *gin.Context) {
	statuses, err := service.ParseStatuses(c.Query("status"))
	if err != nil {
		h.writeAppError(c, "Invalid status filter", err)
		return
	}
	stream(c, "requests", h.Coordinator.WatchList(c.Request.Context(), actor(c), statuses))
}

// @Summary Request details
// @Description Visible to the seeker, the assigned operator and the notified operators only
// @Tags requests
// @Produce json
// @Param id path string true "request id"
// @Success 200 {object} models.AssistanceRequest
// @Failure 404 {object} map[string]any
// @Router /api/requests/{id} [get]
func (h *Handler) RequestDetails(c *gin.Context) {
	req, err := h.Coordinator.GetFor(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		h.writeAppError(c, "Request not found", err)
		return
	}
	c.JSON(http.StatusOK, req)
}

// @Summary Stream request
// @Tags requests
// @Produce text/event-stream
// @Param id path string true "request id"
// @Router /api/requests/{id}/stream [get]
func (h *Handler) RequestStream(c *gin.Context) {
	if _, err := h.Coordinator.GetFor(c.Request.Context(), actor(c), c.Param("id")); err != nil {
		h.writeAppError(c, "Request not found", err)
		return
	}
	stream(c, "request", h.Coordinator.Watch(c.Request.Context(), c.Param("id")))
}

// @Summary Accept request
// @Tags requests
// @Produce json
// @Param id path string true "request id"
// @Success 200 {object} models.AssistanceRequest
// @Failure 409 {object} map[string]any
// @Router /api/requests/{id}/accept [post]
func (h *Handler) RequestAccept(c *gin.Context) {
	h.transition(c, func(caller models.Actor, id, _ string) (models.AssistanceRequest, error) {
		return h.Coordinator.Accept(c.Request.Context(), caller, id)
	})
}

// @Summary Mark arrived
// @Tags requests
// @Accept json
// @Produce json
// @Param id path string true "request id"
// @Success 200 {object} models.AssistanceRequest
// @Failure 409 {object} map[string]any
// @Router /api/requests/{id}/arrive [post]
func (h *Handler) RequestArrive(c *gin.Context) {
	h.transition(c, func(caller models.Actor, id, notes string) (models.AssistanceRequest, error) {
		return h.Coordinator.Arrive(c.Request.Context(), caller, id, notes)
	})
}

// @Summary Complete request
// @Tags requests
// @Accept json
// @Produce json
// @Param id path string true "request id"
// @Success 200 {object} models.AssistanceRequest
// @Failure 409 {object} map[string]any
// @Router /api/requests/{id}/complete [post]
func (h *Handler) RequestComplete(c *gin.Context) {
	h.transition(c, func(caller models.Actor, id, notes string) (models.AssistanceRequest, error) {
		return h.Coordinator.Complete(c.Request.Context(), caller, id, notes)
	})
}

// @Summary Cancel request
// @Tags requests
// @Produce json
// @Param id path string true "request id"
// @Success 200 {object} models.AssistanceRequest
// @Failure 409 {object} map[string]any
// @Router /api/requests/{id}/cancel [post]
func (h *Handler) RequestCancel(c *gin.Context) {
	h.transition(c, func(caller models.Actor, id, _ string) (models.AssistanceRequest, error) {
		return h.Coordinator.Cancel(c.Request.Context(), caller, id)
	})
}

func (h *Handler) transition(c *gin.Context, apply func(caller models.Actor, id, notes string) (models.AssistanceRequest, error)) {
	var body notesBody
	if !h.bind(c, &body, true) {
		return
	}
	req, err := apply(actor(c), c.Param("id"), body.Notes)
	if err != nil {
		h.writeAppError(c, "Transition rejected", err)
		return
	}
	c.JSON(http.StatusOK, req)
}
