// Package httpapi assembles the gin engine of the session store.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"collabsync/backend/internal/auth"
	"collabsync/backend/internal/cache"
	"collabsync/backend/internal/httpapi/handlers"
	"collabsync/backend/internal/httpapi/middleware"
	"collabsync/backend/internal/store"
)

type Options struct {
	Store       store.Store
	Signer      *auth.Signer
	Presence    cache.Presence
	PresenceTTL time.Duration
	CORS        bool
	// RequestLog enables gin's request logger.
	RequestLog bool
	Logger     *zap.Logger
}

func NewRouter(opts Options) *gin.Engine {
	r := gin.New()
	if opts.RequestLog {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	if opts.CORS {
		r.Use(cors.New(cors.Config{
			AllowOriginFunc: func(origin string) bool { return true },
			AllowMethods:    []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:    []string{"Origin", "Content-Type", "Accept", "Authorization"},
			ExposeHeaders:   []string{"Content-Length"},
			MaxAge:          12 * time.Hour,
		}))
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	v1 := r.Group("/v1")
	v1.Use(middleware.Auth(opts.Signer))
	handlers.NewSessionHandler(opts.Store, opts.Presence, opts.PresenceTTL, opts.Logger).Register(v1)
	return r
}
