package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dztow/backend/internal/models"
)

type messageBody struct {
	Body string `json:"body" validate:"required"`
}

// locationBody carries the device fix. A missing position means the device had
// none and the fallback coordinate is sent.
type locationBody struct {
	Position *models.Position `json:"position"`
}

type flagBody struct {
	Value *bool `json:"value"`
}

// @Summary List conversations
// @Description Every conversation the caller has messages in, newest first, with the last message and the caller's flags
// @Tags conversations
// @Produce json
// @Success 200 {array} models.ConversationSummary
// @Router /api/conversations [get]
func (h *Handler) ConversationsList(c *gin.Context) {
	convs, err := h.Channel.Conversations(c.Request.Context(), actor(c))
	if err != nil {
		h.writeAppError(c, "Failed to list conversations", err)
		return
	}
	c.JSON(http.StatusOK, convs)
}

// @Summary Stream conversation list
// @Tags conversations
// @Produce text/event-stream
// @Router /api/conversations/stream [get]
func (h *Handler) ConversationsStream(c *gin.Context) {
	stream(c, "conversations", h.Channel.WatchConversations(c.Request.Context(), actor(c)))
}

// @Summary Conversation history
// @Tags conversations
// @Produce json
// @Param contactId path string true "other participant id"
// @Success 200 {object} models.Conversation
// @Router /api/conversations/{contactId}/messages [get]
func (h *Handler) ConversationHistory(c *gin.Context) {
	conv, err := h.Channel.History(c.Request.Context(), actor(c), c.Param("contactId"))
	if err != nil {
		h.writeAppError(c, "Failed to load conversation", err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

// @Summary Stream conversation
// @Tags conversations
// @Produce text/event-stream
// @Param contactId path string true "other participant id"
// @Router /api/conversations/{contactId}/stream [get]
func (h *Handler) ConversationStream(c *gin.Context) {
	sub, err := h.Channel.Watch(c.Request.Context(), actor(c), c.Param("contactId"))
	if err != nil {
		h.writeAppError(c, "Failed to watch conversation", err)
		return
	}
	stream(c, "conversation", sub)
}

// @Summary Send message
// @Tags conversations
// @Accept json
// @Produce json
// @Param contactId path string true "receiver id"
// @Success 201 {object} models.ChatMessage
// @Failure 403 {object} map[string]any
// @Router /api/conversations/{contactId}/messages [post]
func (h *Handler) MessageSend(c *gin.Context) {
	var body messageBody
	if !h.bind(c, &body, false) {
		return
	}
	msg, err := h.Channel.Send(c.Request.Context(), actor(c), c.Param("contactId"), body.Body)
	if err != nil {
		h.writeAppError(c, "Message not sent", err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// @Summary Share location
// @Tags conversations
// @Accept json
// @Produce json
// @Param contactId path string true "receiver id"
// @Success 201 {object} models.ChatMessage
// @Failure 403 {object} map[string]any
// @Router /api/conversations/{contactId}/location [post]
func (h *Handler) LocationSend(c *gin.Context) {
	var body locationBody
	if !h.bind(c, &body, true) {
		return
	}
	msg, err := h.Channel.SendLocation(c.Request.Context(), actor(c), c.Param("contactId"), body.Position)
	if err != nil {
		h.writeAppError(c, "Location not sent", err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// @Summary Mark delivered
// @Tags conversations
// @Produce json
// @Param contactId path string true "sender id"
// @Param messageId path string true "message id"
// @Success 200 {object} models.ChatMessage
// @Router /api/conversations/{contactId}/messages/{messageId}/delivered [post]
func (h *Handler) MessageDelivered(c *gin.Context) {
	msg, err := h.Channel.MarkDelivered(c.Request.Context(), actor(c), c.Param("contactId"), c.Param("messageId"))
	if err != nil {
		h.writeAppError(c, "Status not updated", err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

// @Summary Mark read
// @Tags conversations
// @Produce json
// @Param contactId path string true "sender id"
// @Param messageId path string true "message id"
// @Success 200 {object} models.ChatMessage
// @Router /api/conversations/{contactId}/messages/{messageId}/read [post]
func (h *Handler) MessageRead(c *gin.Context) {
	msg, err := h.Channel.MarkRead(c.Request.Context(), actor(c), c.Param("contactId"), c.Param("messageId"))
	if err != nil {
		h.writeAppError(c, "Status not updated", err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

// @Summary Conversation flags
// @Tags conversations
// @Produce json
// @Param contactId path string true "contact id"
// @Success 200 {object} models.ConversationFlags
// @Router /api/conversations/{contactId}/flags [get]
func (h *Handler) ConversationFlags(c *gin.Context) {
	f, err := h.Channel.Flags(c.Request.Context(), actor(c), c.Param("contactId"))
	if err != nil {
		h.writeAppError(c, "Failed to load flags", err)
		return
	}
	c.JSON(http.StatusOK, f)
}

// @Summary Block contact
// @Description Without a body the flag is toggled; {"value": bool} sets it
// @Tags conversations
// @Accept json
// @Produce json
// @Param contactId path string true "contact id"
// @Success 200 {object} models.ConversationFlags
// @Router /api/conversations/{contactId}/block [post]
func (h *Handler) ConversationBlock(c *gin.Context) {
	var body flagBody
	if !h.bind(c, &body, true) {
		return
	}
	ctx, caller, contact := c.Request.Context(), actor(c), c.Param("contactId")
	var (
		f   models.ConversationFlags
		err error
	)
	if body.Value != nil {
		f, err = h.Channel.SetBlocked(ctx, caller, contact, *body.Value)
	} else {
		f, err = h.Channel.ToggleBlock(ctx, caller, contact)
	}
	if err != nil {
		h.writeAppError(c, "Failed to update block", err)
		return
	}
	c.JSON(http.StatusOK, f)
}

// @Summary Mute contact
// @Description Without a body the flag is toggled; {"value": bool} sets it
// @Tags conversations
// @Accept json
// @Produce json
// @Param contactId path string true "contact id"
// @Success 200 {object} models.ConversationFlags
// @Router /api/conversations/{contactId}/mute [post]
func (h *Handler) ConversationMute(c *gin.Context) {
	var body flagBody
	if !h.bind(c, &body, true) {
		return
	}
	ctx, caller, contact := c.Request.Context(), actor(c), c.Param("contactId")
	var (
		f   models.ConversationFlags
		err error
	)
	if body.Value != nil {
		f, err = h.Channel.SetMuted(ctx, caller, contact, *body.Value)
	} else {
		f, err = h.Channel.ToggleMute(ctx, caller, contact)
	}
	if err != nil {
		h.writeAppError(c, "Failed to update mute", err)
		return
	}
	c.JSON(http.StatusOK, f)
}
