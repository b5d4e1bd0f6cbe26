// Пакет server — HTTP-сервер Access Gateway с graceful shutdown.
// Без TLS — HTTP внутри кластера, TLS termination на API Gateway.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/assetgate/internal/api/handlers"
	"github.com/bigkaa/assetgate/internal/api/middleware"
	"github.com/bigkaa/assetgate/internal/config"
	"github.com/bigkaa/assetgate/internal/service"
)

// Limiters — rate limiter'ы по классам маршрутов.
// Каждый класс троттлится независимо: нагрузка на файловый маршрут
// не выедает лимиты API и наоборот.
type Limiters struct {
	// API — общие JSON-маршруты (аудит)
	API *service.RateLimiter
	// Files — защищённый файловый маршрут
	Files *service.RateLimiter
	// Thumbnails — выдача миниатюр
	Thumbnails *service.RateLimiter
	// Tokens — выпуск и отзыв access-токенов
	Tokens *service.RateLimiter
}

// Server — HTTP-сервер Access Gateway.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт HTTP-сервер с настроенными routes и middleware.
//
// Защищённый файловый маршрут аутентифицируется access-токеном в query
// и НЕ проходит JWT middleware; остальные бизнес-маршруты требуют JWT.
func New(
	cfg *config.Config,
	logger *slog.Logger,
	handler *handlers.APIHandler,
	jwtAuth *middleware.JWTAuth,
	limiters Limiters,
) *Server {
	router := chi.NewRouter()

	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.MetricsMiddleware())

	// Служебные маршруты — без аутентификации и троттлинга
	router.Get("/health/live", handler.HealthLive)
	router.Get("/health/ready", handler.HealthReady)
	router.Get("/metrics", handler.GetMetrics)

	router.Route("/api/v1", func(r chi.Router) {
		// Токен-аутентифицированный файловый маршрут: ссылка работает
		// в <img>/<a> без заголовка Authorization
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(limiters.Files))
			r.Get("/files/secure/{external_file_id}", handler.ServeSecureFile)
		})

		// JWT-аутентифицированные маршруты
		r.Group(func(r chi.Router) {
			r.Use(jwtAuth.Middleware())

			r.With(middleware.RateLimit(limiters.Thumbnails)).
				Get("/assets/{asset_id}/thumbnail", handler.GetThumbnail)

			r.With(middleware.RateLimit(limiters.Tokens)).
				Post("/assets/{asset_id}/access-token", handler.MintAccessToken)
			r.With(middleware.RateLimit(limiters.Tokens)).
				Delete("/assets/{asset_id}/access-token", handler.RevokeAssetTokens)

			r.With(middleware.RateLimit(limiters.API)).
				Get("/audit", handler.ListAudit)
		})
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM).
// При получении сигнала выполняется graceful shutdown.
func (s *Server) Run() error {
	// Канал для ошибок сервера
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
		)

		err := s.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Ожидание сигнала завершения
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
