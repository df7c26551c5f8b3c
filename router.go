package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/shieldauth/shieldauth/pkg/config"
	"github.com/shieldauth/shieldauth/pkg/db"
	"github.com/shieldauth/shieldauth/pkg/event"
	"github.com/shieldauth/shieldauth/pkg/handler"
	"github.com/shieldauth/shieldauth/pkg/service"
	"github.com/shieldauth/shieldauth/pkg/utils"
)

type Server struct {
	ginEngine *gin.Engine
	cfg       *config.AppConfig
	logger    *slog.Logger
	port      int
}

func NewServer(cfg *config.AppConfig) (*Server, error) {
	ginEngine := gin.New()
	ginEngine.Use(gin.Recovery())

	server := &Server{
		ginEngine: ginEngine,
		cfg:       cfg,
		logger:    utils.GetLogger(),
	}

	if err := server.SetupRoutes(); err != nil {
		return nil, err
	}
	return server, nil
}

// Start runs the HTTP server until ctx is cancelled, then drains in-flight
// requests. It returns once the server has fully stopped.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host(), s.cfg.Port())
	srv := &http.Server{Addr: addr, Handler: s.ginEngine}

	// Listen first; a busy port should fail fast, not after startup logs.
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		s.port = tcpAddr.Port
	}
	s.logger.Info("server listening", "addr", ln.Addr().String())

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Serve(ln)
	}()

	shutdownErr := make(chan error, 1)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownErr <- srv.Shutdown(shutdownCtx)
	}()

	// Serve returns as soon as Shutdown is initiated; wait for the drain to
	// finish before reporting.
	if err := <-errChan; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	if ctx.Err() != nil {
		return <-shutdownErr
	}
	return nil
}

func (s *Server) SetupRoutes() error {
	database, err := db.Open(s.cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	store := service.NewMessageStore(database)
	tree := service.NewVersionTree(store)
	generator := service.NewEinoGenerator(s.cfg)

	index, err := service.NewVectorIndex(s.cfg)
	if err != nil {
		// Chat works without retrieval; documents just stay unindexed.
		s.logger.Warn("vector index unavailable, retrieval disabled", "error", err)
		index = nil
	}

	var retriever service.Retriever
	if index != nil {
		retriever = index
	}
	chatService := service.NewChatService(store, tree, generator, retriever)
	documentService := service.NewDocumentService(database, index)

	chatHandler := handler.NewChatHandler(chatService)
	documentHandler := handler.NewDocumentHandler(documentService)
	wsHandler := event.NewWSHandler()

	s.ginEngine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	apiGroup := s.ginEngine.Group("/api/v1")
	chatHandler.RegisterRoutes(apiGroup)
	documentHandler.RegisterRoutes(apiGroup)
	apiGroup.GET("/events/ws", wsHandler.Handle)

	return nil
}
