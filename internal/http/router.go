package httpapi

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/dztow/backend/internal/config"
	"github.com/dztow/backend/internal/http/handlers"
	"github.com/dztow/backend/internal/http/middleware"
	"github.com/dztow/backend/internal/messaging"
	"github.com/dztow/backend/internal/notify"
	"github.com/dztow/backend/internal/presence"
	"github.com/dztow/backend/internal/service"

	_ "github.com/dztow/backend/docs"
)

func Router(
	cfg config.Config,
	store handlers.Pinger,
	model *presence.Model,
	coordinator *service.Coordinator,
	channel *messaging.Channel,
	registry *notify.Registry,
	support *service.Support,
	logger zerolog.Logger,
) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(logger))

	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Admin-Key", "X-Request-Id", middleware.ActorIDHeader, middleware.ActorRoleHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if cfg.CORSAllowed == "*" {
		corsCfg.AllowAllOrigins = true
		corsCfg.AllowCredentials = false
	} else {
		corsCfg.AllowOrigins = []string{cfg.CORSAllowed}
	}
	r.Use(cors.New(corsCfg))

	h := &handlers.Handler{
		Store:         store,
		Presence:      model,
		Coordinator:   coordinator,
		Channel:       channel,
		Notifications: registry,
		Support:       support,
		Validator:     validator.New(),
		Logger:        logger,
	}

	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.Use(middleware.Identity(middleware.IdentityConfig{
		Secret:       cfg.JWTSecret,
		AllowHeaders: cfg.IsDev(),
	}))
	{
		api.GET("/operators", h.OperatorsList)
		api.GET("/operators/stream", h.OperatorsStream)
		api.PUT("/operators/:id/availability", h.OperatorAvailability)
		api.PUT("/operators/:id/position", h.OperatorPosition)

		api.POST("/requests", h.RequestCreate)
		api.GET("/requests", h.RequestsList)
		api.GET("/requests/stream", h.RequestsStream)
		api.GET("/requests/active", h.RequestActive)
		api.GET("/requests/:id", h.RequestDetails)
		api.GET("/requests/:id/stream", h.RequestStream)
		api.POST("/requests/:id/accept", h.RequestAccept)
		api.POST("/requests/:id/arrive", h.RequestArrive)
		api.POST("/requests/:id/complete", h.RequestComplete)
		api.POST("/requests/:id/cancel", h.RequestCancel)

		api.GET("/conversations", h.ConversationsList)
		api.GET("/conversations/stream", h.ConversationsStream)
		api.GET("/conversations/:contactId/messages", h.ConversationHistory)
		api.POST("/conversations/:contactId/messages", h.MessageSend)
		api.GET("/conversations/:contactId/stream", h.ConversationStream)
		api.POST("/conversations/:contactId/location", h.LocationSend)
		api.POST("/conversations/:contactId/messages/:messageId/delivered", h.MessageDelivered)
		api.POST("/conversations/:contactId/messages/:messageId/read", h.MessageRead)
		api.GET("/conversations/:contactId/flags", h.ConversationFlags)
		api.POST("/conversations/:contactId/block", h.ConversationBlock)
		api.POST("/conversations/:contactId/mute", h.ConversationMute)

		api.PUT("/notifications/permission", h.NotificationPermission)
		api.POST("/support/chat", h.SupportChat)
	}

	admin := r.Group("/api")
	admin.Use(middleware.AdminKey(cfg.AdminKey))
	{
		admin.PUT("/operators/:id", h.OperatorRegister)
	}

	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	return r
}
