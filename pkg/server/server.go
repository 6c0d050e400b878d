// Package server exposes conversations, branches and streaming fan-out runs over HTTP.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/branchchat/pkg/events"
	"github.com/go-go-golems/branchchat/pkg/orchestrator"
	"github.com/go-go-golems/branchchat/pkg/store"
)

const defaultObserverBuffer = 256

type Server struct {
	store        store.Store
	orchestrator *orchestrator.Orchestrator
	router       *events.EventRouter
	engine       *gin.Engine

	observerBuffer  int
	shutdownTimeout time.Duration
}

type Option func(*Server)

// WithEventRouter enables the observer stream at /api/events.
func WithEventRouter(r *events.EventRouter) Option {
	return func(s *Server) {
		s.router = r
	}
}

// WithObserverBuffer sets how many events a slow observer may lag behind before
// events are dropped for it.
func WithObserverBuffer(n int) Option {
	return func(s *Server) {
		s.observerBuffer = n
	}
}

func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.shutdownTimeout = d
	}
}

func NewServer(st store.Store, o *orchestrator.Orchestrator, options ...Option) *Server {
	ret := &Server{
		store:           st,
		orchestrator:    o,
		observerBuffer:  defaultObserverBuffer,
		shutdownTimeout: 10 * time.Second,
	}
	for _, option := range options {
		option(ret)
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), RequestLogger())
	ret.engine = engine
	ret.routes()
	return ret
}

func (s *Server) routes() {
	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	api := s.engine.Group("/api")
	{
		api.GET("/providers", s.listProviders)

		conversations := api.Group("/conversations")
		conversations.POST("", s.createConversation)
		conversations.GET("", s.listConversations)
		conversations.GET("/:id", s.getConversation)
		conversations.DELETE("/:id", s.deleteConversation)
		conversations.GET("/:id/turns", s.listTurns)
		conversations.GET("/:id/branches", s.listBranches)
		conversations.POST("/:id/fanout", s.fanOut)

		turns := api.Group("/turns")
		turns.GET("/:id", s.getTurn)
		turns.GET("/:id/path", s.getTurnPath)
		turns.POST("/:id/compare", s.compare)

		runs := api.Group("/runs")
		runs.GET("", s.listRuns)
		runs.GET("/:id", s.getRun)
		runs.POST("/:id/cancel", s.cancelRun)

		api.GET("/events", s.observe)
	}
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.Info().Str("addr", addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server failed")
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		log.Info().Msg("shutting down http server")
		return srv.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}
