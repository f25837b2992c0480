package apis

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bujia-iot/iot-evhub/internal/infrastructure/config"
	"github.com/bujia-iot/iot-evhub/internal/infrastructure/logger"
	"github.com/bujia-iot/iot-evhub/pkg/dlm"
	"github.com/bujia-iot/iot-evhub/pkg/hub"
)

// Server 基于Gin的本地快照API服务器
// 只读接口，暴露枢纽、节点与负载管理的当前视图供运维排查。
type Server struct {
	server *http.Server
	router *gin.Engine
	api    *hubAPI
}

// NewServer 创建HTTP快照API服务器
func NewServer(cfg *config.HTTPAPIServerConfig, h *hub.Hub, dlmService *dlm.Service) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	api := &hubAPI{hub: h, dlm: dlmService}
	registerRoutes(router, api)

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	server := &http.Server{
		Addr:         config.FormatHTTPAddress(),
		Handler:      router,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		IdleTimeout:  120 * time.Second,
	}

	return &Server{
		server: server,
		router: router,
		api:    api,
	}
}

// registerRoutes 注册所有路由
func registerRoutes(router *gin.Engine, api *hubAPI) {
	v1 := router.Group("/api/v1")
	{
		v1.GET("/hub", api.GetHub)

		nodes := v1.Group("/nodes")
		{
			nodes.GET("", api.GetNodes)
			nodes.GET("/:node_id", api.GetNode)
		}

		dlmGroup := v1.Group("/dlm")
		{
			dlmGroup.GET("/allocations", api.GetAllocations)
			dlmGroup.GET("/events", api.GetEvents)
		}
	}

	router.GET("/health", api.GetHealth)
	router.GET("/ping", api.Ping)
}

// corsMiddleware CORS中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Start 启动HTTP服务器，阻塞直至关闭
func (s *Server) Start() error {
	logger.WithField("addr", s.server.Addr).Info("🚀 HTTP快照API已启动")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop 优雅停止HTTP服务器
func (s *Server) Stop(ctx context.Context) error {
	logger.Info("停止HTTP快照API...")
	return s.server.Shutdown(ctx)
}
