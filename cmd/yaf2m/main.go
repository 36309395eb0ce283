package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/ignite/yaf2m/internal/api"
	"github.com/ignite/yaf2m/internal/email"
	"github.com/ignite/yaf2m/internal/pkg/logger"
	"github.com/ignite/yaf2m/internal/store"
	"github.com/ignite/yaf2m/internal/worker"
)

func main() {
	godotenv.Load()
	logger.SetLevel(logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	configPath := os.Getenv("YAF2M_CONFIG_PATH")
	if configPath == "" {
		configPath = "config.toml"
	}

	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		log.Fatalf("POSTGRES_URL is required")
	}
	smtpURL := os.Getenv("SMTP_URL")
	if smtpURL == "" {
		log.Fatalf("SMTP_URL is required")
	}
	smtpFrom := os.Getenv("SMTP_FROM")
	if smtpFrom == "" {
		log.Fatalf("SMTP_FROM is required")
	}

	maxConcurrent := 8
	if v := os.Getenv("YAF2M_MAX_CONCURRENT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			log.Fatalf("invalid YAF2M_MAX_CONCURRENT %q", v)
		}
		maxConcurrent = n
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = db.PingContext(pingCtx)
	cancel()
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := store.Migrate(ctx, db); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	sender, err := email.NewSender(smtpURL, smtpFrom)
	if err != nil {
		log.Fatalf("failed to configure SMTP sender: %v", err)
	}

	st := store.New(db)
	w := worker.New(st, sender, configPath, maxConcurrent)

	if addr := os.Getenv("YAF2M_STATUS_ADDR"); addr != "" {
		srv := &http.Server{
			Addr:    addr,
			Handler: api.NewServer(db, st, w).Router(),
		}
		go func() {
			logger.Info("status server listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("status server failed: %v", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("starting feed dispatch loop",
		"config", configPath, "max_concurrent", strconv.Itoa(maxConcurrent))
	if err := w.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("worker stopped: %v", err)
	}
}
