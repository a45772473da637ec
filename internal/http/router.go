package http

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RouterConfig struct {
	AllowedOrigins []string

	// Gatherer backs /metrics; nil leaves the route out.
	Gatherer prometheus.Gatherer
}

func NewRouter(h *Handler, cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	r.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		AllowCredentials: true,
	}))

	api := r.Group("/api")
	{
		api.GET("/health", h.Health)

		api.GET("/session", h.Session)
		api.POST("/session/check", h.CheckIsReady)
		api.POST("/session/reset", h.ResetOnboard)
		api.GET("/tokens", h.Tokens)

		api.POST("/wallet/select", h.SelectWallet)
		api.POST("/gas/refresh", h.RefreshGasPrice)

		api.POST("/sign", h.SignMessage)
		api.POST("/verify", h.VerifySignature)

		api.GET("/stream", h.Stream)
	}

	if cfg.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	return r
}
