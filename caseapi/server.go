// Package caseapi 把 workflow.CaseRepository 暴露成REST接口, 以及对应的客户端
package caseapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/blingmoon/case-workflow/workflow"
)

// CaseIntake 支持案件录入的仓库, 例如 *workflow.CaseRepo
type CaseIntake interface {
	CreateCase(ctx context.Context, param *workflow.CreateCaseParams) (*workflow.Case, error)
}

type ServerConfig struct {
	Addr         string        `mapstructure:"addr" validate:"required"`
	AuthToken    string        `mapstructure:"auth_token"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         "0.0.0.0:8080",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

type Server struct {
	config     ServerConfig
	router     *gin.Engine
	httpServer *http.Server
	handlers   *Handlers
	gatherer   prometheus.Gatherer
	logger     *zap.Logger
}

// NewServer gatherer为nil时/metrics使用默认registry
func NewServer(config ServerConfig, repo workflow.CaseRepository, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		config:   config,
		router:   gin.New(),
		handlers: NewHandlers(repo, logger),
		gatherer: gatherer,
		logger:   logger,
	}
	s.router.Use(gin.Recovery(), s.loggingMiddleware())
	s.setupRoutes()
	return s
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()))
	}
}

// authMiddleware token为空时不校验
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.config.AuthToken == "" {
			c.Next()
			return
		}
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || token != s.config.AuthToken {
			c.AbortWithStatusJSON(http.StatusUnauthorized, Response{Success: false, Code: CodeUnauthorized, Error: "invalid auth token"})
			return
		}
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	api := s.router.Group("/api/v1", s.authMiddleware())
	{
		api.GET("/cases", s.handlers.ListByState)
		api.POST("/cases", s.handlers.CreateCase)
		api.GET("/cases/:case_number", s.handlers.GetCase)
		api.GET("/cases/:case_number/timeline", s.handlers.GetTimeline)
		api.POST("/cases/:case_number/transitions", s.handlers.ApplyTransition)
		api.GET("/search", s.handlers.Search)
		api.GET("/statistics", s.handlers.GetStatistics)
	}
}

// Router 测试使用
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start 阻塞直到ctx结束或者服务出错
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	s.logger.Info("starting http server", zap.String("addr", s.config.Addr))

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errCh:
		return errors.WithMessage(err, "http server failed")
	}
}

func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return errors.WithMessage(err, "http server shutdown failed")
	}
	s.logger.Info("http server stopped")
	return nil
}
