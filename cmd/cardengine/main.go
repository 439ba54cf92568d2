// Package main запускает HTTP-сервер движка карточных решений.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/cardengine-system/internal/config"
	"github.com/mmeshcher/cardengine-system/internal/handler"
	"github.com/mmeshcher/cardengine-system/internal/middleware"
	"github.com/mmeshcher/cardengine-system/internal/notification"
	"github.com/mmeshcher/cardengine-system/internal/policy"
	"github.com/mmeshcher/cardengine-system/internal/repository"
	"github.com/mmeshcher/cardengine-system/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	policies, err := policy.Load(cfg.PolicyFile)
	if err != nil {
		sugar.Fatalw("policy load error", "error", err.Error())
	}

	var cache *repository.Cache
	if cfg.RedisAddress != "" {
		cache = repository.NewCache(cfg.RedisAddress)
	}

	var notifier *notification.Client
	if cfg.NotificationAddress != "" {
		notifier = notification.NewClient(cfg.NotificationAddress)
	}

	svc := service.NewService(repo, policies, notifier, cache, logger)
	defer svc.Close()

	identity := middleware.NewIdentityMiddleware(cfg.IdentitySecret)
	adminAuth := middleware.NewAdminAuth(cfg.AdminKey)
	h := handler.NewHandler(svc, logger, identity, adminAuth)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting cardengine server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
