// Package server exposes the harvester over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gitlab.com/slon/harvest/backend"
	"gitlab.com/slon/harvest/datetime"
	"gitlab.com/slon/harvest/repository"
)

// Core is the part of the harvester the HTTP layer needs.
type Core interface {
	Add(ctx context.Context, origin, backend string, args map[string]interface{}) error
	Remove(origin string) error
	List() []*repository.Repository
	Items(ctx context.Context) ([]backend.Item, error)
}

// ItemWriter consumes the items drained by the background writer loop.
type ItemWriter interface {
	Write(items []backend.Item) error
}

const defaultWriteInterval = time.Second

// Options configure a Server. When Writer is set, queued items are
// drained to it every WriteInterval instead of waiting for GET /items.
type Options struct {
	Logger        *zap.Logger
	Writer        ItemWriter
	WriteInterval time.Duration
}

type Server struct {
	core   Core
	log    *zap.Logger
	engine *gin.Engine

	writer        ItemWriter
	writeInterval time.Duration
}

func New(core Core, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.WriteInterval <= 0 {
		opts.WriteInterval = defaultWriteInterval
	}

	s := &Server{
		core:          core,
		log:           opts.Logger.Named("server"),
		writer:        opts.Writer,
		writeInterval: opts.WriteInterval,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(s.recoveryMiddleware(), s.loggingMiddleware())

	engine.POST("/add", s.handleAdd)
	engine.GET("/items", s.handleItems)
	engine.GET("/repositories", s.handleRepositories)
	engine.DELETE("/repositories", s.handleRemove)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.engine = engine
	return s
}

// Handler returns the HTTP handler, for mounting and for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		s.log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	})
	if s.writer != nil {
		g.Go(func() error { return s.writeItems(ctx) })
	}
	return g.Wait()
}

// writeItems periodically drains queued items to the configured writer.
func (s *Server) writeItems(ctx context.Context) error {
	ticker := time.NewTicker(s.writeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			items, err := s.core.Items(ctx)
			if err != nil {
				s.log.Warn("draining items failed", zap.Error(err))
				continue
			}
			if len(items) == 0 {
				continue
			}
			if err := s.writer.Write(items); err != nil {
				s.log.Warn("writing items failed", zap.Error(err))
			}
		}
	}
}

type addRequest struct {
	Repositories []addRepository `json:"repositories" binding:"required"`
}

type addRepository struct {
	Origin  string                 `json:"origin" binding:"required"`
	Backend string                 `json:"backend" binding:"required"`
	Args    map[string]interface{} `json:"args"`
}

func (s *Server) handleAdd(c *gin.Context) {
	var req addRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// from_date строки нормализуем до постановки в очередь
	for _, repo := range req.Repositories {
		if fd, ok := repo.Args["from_date"]; ok && fd != nil {
			str, _ := fd.(string)
			parsed, err := datetime.StrToDatetime(str)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			repo.Args["from_date"] = parsed.Format(time.RFC3339)
		}
	}

	added := 0
	for _, repo := range req.Repositories {
		err := s.core.Add(c.Request.Context(), repo.Origin, repo.Backend, repo.Args)
		switch {
		case err == nil:
			added++
		case isAlreadyExists(err):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "added": added})
			return
		case isUnknownBackend(err):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "added": added})
			return
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "added": added})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"added": added})
}

func (s *Server) handleItems(c *gin.Context) {
	items, err := s.core.Items(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (s *Server) handleRepositories(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"repositories": s.core.List()})
}

func (s *Server) handleRemove(c *gin.Context) {
	origin := c.Query("origin")
	if origin == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "origin is required"})
		return
	}

	err := s.core.Remove(origin)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"removed": origin})
	case isNotRegistered(err):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func isAlreadyExists(err error) bool {
	var e *repository.AlreadyExistsError
	return errors.As(err, &e)
}

func isUnknownBackend(err error) bool {
	var e *backend.NotFoundError
	return errors.As(err, &e)
}

func isNotRegistered(err error) bool {
	var e *repository.NotFoundError
	return errors.As(err, &e)
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Info("request processed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Int64("latency_ms", time.Since(start).Milliseconds()),
			zap.String("client_ip", c.ClientIP()))
	}
}

func (s *Server) recoveryMiddleware() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		s.log.Error("panic recovered",
			zap.Any("error", recovered),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	})
}
