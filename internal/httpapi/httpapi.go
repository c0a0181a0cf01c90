// SPDX-License-Identifier: AGPL-3.0-or-later
// Parlor - real-time chat and voice coordination server

// Package httpapi is the REST surface of spec.md §6.1: login,
// server/channel management, and channel history. Every mutation here
// delegates to internal/identity, which owns the Store writes and the
// domain-event broadcasts; this package is just gin routing, request
// binding, and error-to-status translation.
package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	ratelimit "github.com/JGLTechnologies/gin-rate-limit"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/parlor-chat/parlor/internal/config"
	"github.com/parlor-chat/parlor/internal/gatewayerr"
	"github.com/parlor-chat/parlor/internal/identity"
	"github.com/parlor-chat/parlor/internal/store"
)

const (
	loginRateLimit = 5
	loginRateRate  = time.Minute

	createRateLimit = 20
	createRateRate  = time.Minute
)

// NewRouter builds the gin.Engine serving spec.md §6.1 over dir.
func NewRouter(dir *identity.Directory, st store.Store, logger *slog.Logger) *gin.Engine {
	if config.GetConfig().Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(logger.With("component", "httpapi")))

	if config.GetConfig().Metrics.OTLPEndpoint != "" {
		r.Use(otelgin.Middleware("api"))
	}

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = config.GetConfig().CORSOrigins()
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	loginLimiter := newRateLimiter(loginRateRate, loginRateLimit)
	createLimiter := newRateLimiter(createRateRate, createRateLimit)

	api := r.Group("/api")
	api.POST("/auth/login", loginLimiter, postLogin(dir))
	api.GET("/servers", getServers(dir))
	api.POST("/servers", createLimiter, postServer(dir))
	api.POST("/servers/:serverId/channels", createLimiter, postChannel(dir))
	api.GET("/servers/:serverId/channels/:channelId/messages", getMessages(st))

	return r
}

// requestLogger mirrors the teacher's gin.LoggerWithWriter, but through
// slog so every access line carries the same structured attributes as
// the rest of the service.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()
		logger.Info("request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func newRateLimiter(rate time.Duration, limit uint) gin.HandlerFunc {
	rlStore := ratelimit.InMemoryStore(&ratelimit.InMemoryOptions{
		Rate:  rate,
		Limit: limit,
	})
	return ratelimit.RateLimiter(rlStore, &ratelimit.Options{
		ErrorHandler: func(c *gin.Context, info ratelimit.Info) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "too many requests, retry after " + time.Until(info.ResetTime).String(),
			})
		},
		KeyFunc: func(c *gin.Context) string {
			return c.ClientIP()
		},
	})
}

// writeError translates a gatewayerr.Error (or any other error) to the
// HTTP status spec.md §7 implies for its Kind.
func writeError(c *gin.Context, err error) {
	var gwErr *gatewayerr.Error
	if !errors.As(err, &gwErr) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	status := http.StatusInternalServerError
	switch gwErr.Kind {
	case gatewayerr.BadRequest:
		status = http.StatusBadRequest
	case gatewayerr.NotFound:
		status = http.StatusNotFound
	case gatewayerr.InvalidState:
		status = http.StatusConflict
	case gatewayerr.IncompatibleCodecs:
		status = http.StatusUnprocessableEntity
	case gatewayerr.Internal:
		status = http.StatusInternalServerError
	}
	c.JSON(status, gin.H{"error": gwErr.Message})
}
