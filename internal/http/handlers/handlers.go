package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/dztow/backend/internal/apperr"
	"github.com/dztow/backend/internal/http/middleware"
	"github.com/dztow/backend/internal/messaging"
	"github.com/dztow/backend/internal/models"
	"github.com/dztow/backend/internal/notify"
	"github.com/dztow/backend/internal/presence"
	"github.com/dztow/backend/internal/realtime"
	"github.com/dztow/backend/internal/service"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	Store         Pinger
	Presence      *presence.Model
	Coordinator   *service.Coordinator
	Channel       *messaging.Channel
	Notifications *notify.Registry
	Support       *service.Support
	Validator     *validator.Validate
	Logger        zerolog.Logger
}

// @Summary Health check
// @Tags health
// @Produce json
// @Success 200 {object} map[string]any
// @Failure 503 {object} map[string]any
// @Router /healthz [get]
func (h *Handler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()
	if err := h.Store.Ping(ctx); err != nil {
		writeError(c, http.StatusServiceUnavailable, "DB_UNAVAILABLE", "Database unavailable", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func writeError(c *gin.Context, status int, code string, message string, details any) {
	c.JSON(status, gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
			"details": details,
		},
	})
}

var statusByErr = []struct {
	err    error
	status int
}{
	{apperr.ErrInvalidTransition, http.StatusConflict},
	{apperr.ErrBlocked, http.StatusForbidden},
	{apperr.ErrWriteRejected, http.StatusForbidden},
	{apperr.ErrRateLimited, http.StatusTooManyRequests},
	{apperr.ErrUnavailable, http.StatusServiceUnavailable},
	{apperr.ErrNotFound, http.StatusNotFound},
	{apperr.ErrValidation, http.StatusBadRequest},
}

// writeAppError maps a domain error to its status and stable code.
func (h *Handler) writeAppError(c *gin.Context, message string, err error) {
	status := http.StatusInternalServerError
	for _, m := range statusByErr {
		if errors.Is(err, m.err) {
			status = m.status
			break
		}
	}
	if status >= 500 {
		h.Logger.Error().Err(err).Str("path", c.FullPath()).Msg(message)
	}
	writeError(c, status, apperr.Code(err), message, err.Error())
}

// bind decodes and validates a JSON body. An empty body is allowed when
// optional is set.
func (h *Handler) bind(c *gin.Context, dst any, optional bool) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		if !(optional && errors.Is(err, io.EOF)) {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", err.Error())
			return false
		}
	}
	if err := h.Validator.Struct(dst); err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request", err.Error())
		return false
	}
	return true
}

func actor(c *gin.Context) models.Actor {
	a, _ := middleware.CurrentActor(c)
	return a
}

// stream pushes every snapshot of sub to the client as a server-sent event
// until either side goes away.
func stream[T any](c *gin.Context, event string, sub *realtime.Subscription[T]) {
	defer sub.Close()
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case snap, ok := <-sub.C():
			if !ok {
				return false
			}
			c.SSEvent(event, snap)
			return true
		case <-ctx.Done():
			return false
		}
	})
}
