package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"genmedia-backend/internal/app"
	"genmedia-backend/internal/config"
	"genmedia-backend/internal/db"
	"genmedia-backend/internal/router"

	"github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: config.yaml, prefers config.local.yaml)")
	flag.Parse()

	setupLogging()

	if err := config.LoadConfig(*configPath); err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if config.AppConfig.Database.DSN != "" {
		db.InitDB()
	} else {
		log.Println("⚠️ No database DSN configured, running with in-memory state only")
	}

	container, err := app.InitializeContainer()
	if err != nil {
		log.Fatalf("Failed to initialize services: %v", err)
	}
	if err := container.Start(); err != nil {
		log.Fatalf("Failed to start services: %v", err)
	}

	r := router.SetupRouter(container)

	addr := fmt.Sprintf("%s:%d", config.AppConfig.Server.Host, config.AppConfig.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Printf("🚀 Server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("🛑 Shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("⚠️ HTTP server shutdown error: %v", err)
	}

	container.Cleanup()
	log.Println("👋 Server stopped")
}

func setupLogging() {
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	level := logrus.InfoLevel
	if envLevel := os.Getenv("LOG_LEVEL"); envLevel != "" {
		if parsed, err := logrus.ParseLevel(envLevel); err == nil {
			level = parsed
		}
	}
	logrus.SetLevel(level)
}
