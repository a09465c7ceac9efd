package main

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/gzip"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/watchkit/watchdog/cmd/watchdog/registry"
	"github.com/watchkit/watchdog/cmd/watchdog/shared"
	"go.uber.org/zap"
)

var reg *registry.Registry

// SetupRestAPI maps the four registry operations 1:1 onto HTTP routes and
// blocks serving them.
func SetupRestAPI(registry *registry.Registry, listenAddress string) {
	reg = registry

	router := buildRouter()
	err := router.Run(listenAddress)
	if err != nil {
		panic(err)
	}
}

func buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	// Add a ginzap middleware, which:
	//   - Logs all requests, like a combined access and error log.
	//   - Logs to stdout.
	//   - RFC3339 with UTC time format.
	router.Use(ginzap.Ginzap(zap.L(), time.RFC3339, true))

	// Logs all panic to error log
	//   - stack means whether output the stack info.
	router.Use(ginzap.RecoveryWithZap(zap.L(), true))

	router.Use(gzip.Gzip(gzip.DefaultCompression))

	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "online")
	})

	router.POST("/watchdog", createHandler)
	router.POST("/watchdog/:id", upsertHandler)
	router.GET("/watchdog/:id", getHandler)
	router.GET("/watchdog/:id/ping", pingHandler)
	router.DELETE("/watchdog/:id", deleteHandler)

	return router
}

// createHandler registers a watchdog under a server-assigned id, for callers
// that do not bring their own identifier.
func createHandler(c *gin.Context) {
	doUpsert(c, uuid.NewString())
}

func upsertHandler(c *gin.Context) {
	doUpsert(c, c.Param("id"))
}

func doUpsert(c *gin.Context, id string) {
	var cfg shared.WatchdogConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid body: %s", err)})
		return
	}

	stored, err := reg.Upsert(c.Request.Context(), id, cfg)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":      id,
		"timeout": stored.TimeoutSeconds,
		"expire":  stored.ExpireSeconds,
		"ping":    fmt.Sprintf("/watchdog/%s/ping", id),
	})
}

func getHandler(c *gin.Context) {
	info, err := reg.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func pingHandler(c *gin.Context) {
	id := c.Param("id")
	status, err := reg.Ping(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": status})
}

func deleteHandler(c *gin.Context) {
	id := c.Param("id")
	if err := reg.Delete(c.Request.Context(), id); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": "deleted"})
}

func abortWithError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, shared.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case shared.IsValidationError(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		zap.S().Errorf("Store error for %s %s: %s", c.Request.Method, c.Request.URL.Path, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store unavailable"})
	}
}
