package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/shieldauth/shieldauth/pkg/config"
)

func testServerConfig(t *testing.T) *config.AppConfig {
	t.Helper()
	dir := t.TempDir()
	host := "127.0.0.1"
	port := 0 // ephemeral
	dbPath := filepath.Join(dir, "test.db")
	vectors := filepath.Join(dir, "vectors")
	return &config.AppConfig{
		Server:    config.ServerConfig{Host: &host, Port: &port},
		Database:  config.DatabaseConfig{Path: &dbPath},
		Retrieval: config.RetrievalConfig{VectorStorePath: &vectors},
	}
}

func TestStartBlocksUntilShutdown(t *testing.T) {
	gin.SetMode(gin.TestMode)
	server, err := NewServer(testServerConfig(t))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- server.Start(ctx) }()

	// Start must keep serving while the context is live.
	select {
	case err := <-done:
		t.Fatalf("Start returned before shutdown: %v", err)
	case <-time.After(200 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start returned error after shutdown: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after shutdown")
	}
}
