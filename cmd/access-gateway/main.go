// main.go — точка входа Access Gateway.
// Последовательность запуска: конфигурация → логгер → миграции →
// пул PostgreSQL → репозитории → Drive-провайдер → сервисы →
// фоновые очистки → dephealth → HTTP-сервер.
package main

import (
	"context"
	"log"
	"log/slog"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/assetgate/internal/api/handlers"
	"github.com/bigkaa/assetgate/internal/api/middleware"
	"github.com/bigkaa/assetgate/internal/config"
	"github.com/bigkaa/assetgate/internal/database"
	"github.com/bigkaa/assetgate/internal/provider"
	"github.com/bigkaa/assetgate/internal/repository"
	"github.com/bigkaa/assetgate/internal/server"
	"github.com/bigkaa/assetgate/internal/service"
	"github.com/bigkaa/assetgate/internal/storage/thumbstore"
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	// 2. Настройка логгера
	logger := config.SetupLogger(cfg)
	logger.Info("Access Gateway запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
	)

	ctx := context.Background()

	// 3. Применение миграций БД
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка применения миграций", slog.String("error", err.Error()))
		log.Fatalf("Миграции не применены: %v", err)
	}

	// 4. Пул подключений PostgreSQL
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		log.Fatalf("PostgreSQL недоступен: %v", err)
	}
	defer pool.Close()

	// 5. Репозитории
	assetRepo := repository.NewAssetRepository(pool)
	userRepo := repository.NewUserRepository(pool)
	tokenRepo := repository.NewTokenRepository(pool)
	credRepo := repository.NewCredentialRepository(pool)
	auditRepo := repository.NewAuditRepository(pool)

	// 6. Drive-провайдер: креденшалы, HTTP-клиент, retry executor
	creds := provider.NewCredentialProvider(
		cfg.DriveTokenURL, cfg.DriveClientID, cfg.DriveClientSecret,
		cfg.DriveTimeout, credRepo, logger,
	)
	driveClient, err := provider.NewClient(
		cfg.DriveAPIURL, cfg.DriveCACertPath, cfg.DriveTimeout, creds, logger,
	)
	if err != nil {
		logger.Error("Ошибка создания Drive-клиента", slog.String("error", err.Error()))
		log.Fatalf("Drive-клиент не создан: %v", err)
	}
	retryExec := provider.NewExecutor(logger)

	// 7. Квота исходящих вызовов Drive API
	quota := service.NewQuotaMonitor(
		service.NewMemoryWindowStore(),
		cfg.QuotaCallerCapacity, cfg.QuotaGlobalCapacity, cfg.QuotaWindow,
		cfg.QuotaWarnPct, cfg.QuotaCritPct, cfg.QuotaSweepInterval, logger,
	)

	// 8. Сервисы: токены, кэш ресурсов, миниатюры, аудит, доступ
	tokens := service.NewAccessTokenService(
		tokenRepo, cfg.TokenDefaultTTL, cfg.TokenMaxTTL, cfg.TokenSweepInterval, logger,
	)

	assetCache := service.NewAssetCacheService(cfg.AssetCacheSize, cfg.AssetCacheTTL)

	thumbStore, err := thumbstore.New(cfg.ThumbnailDir)
	if err != nil {
		logger.Error("Ошибка инициализации хранилища миниатюр", slog.String("error", err.Error()))
		log.Fatalf("Хранилище миниатюр не создано: %v", err)
	}
	thumbnails := service.NewThumbnailService(
		assetRepo, assetCache, driveClient, creds, thumbStore, retryExec, quota,
		cfg.ThumbnailMaxAge, cfg.DriveMaxRetries, cfg.ThumbnailSweepInterval, logger,
	)

	audit := service.NewAuditLogger(auditRepo, cfg.AuditRetention, cfg.AuditSweepInterval, logger)

	perms := service.NewPermissionEvaluator()
	secure := service.NewSecureFileService(
		tokens, perms, userRepo, assetRepo, assetCache,
		driveClient, creds, retryExec, quota, cfg.DriveMaxRetries, logger,
	)

	// 9. Фоновые очистки: истёкшие токены, устаревшие миниатюры,
	// старые записи аудита, окна квот
	tokens.Start(ctx)
	defer tokens.Stop()
	thumbnails.Start(ctx)
	defer thumbnails.Stop()
	audit.Start(ctx)
	defer audit.Stop()
	quota.Start(ctx)
	defer quota.Stop()

	// 10. Мониторинг зависимостей (topologymetrics)
	sqlDB := stdlib.OpenDBFromPool(pool)
	defer sqlDB.Close()
	deph, err := service.NewDephealthService(
		"access-gateway", cfg.DephealthGroup, sqlDB, cfg.DatabaseDSN(),
		cfg.DriveAPIURL, cfg.DephealthCheckInterval, cfg.DephealthIsEntry, logger,
	)
	if err != nil {
		logger.Error("Ошибка инициализации dephealth", slog.String("error", err.Error()))
		log.Fatalf("Dephealth не создан: %v", err)
	}
	if err := deph.Start(ctx); err != nil {
		logger.Error("Ошибка запуска dephealth", slog.String("error", err.Error()))
		log.Fatalf("Dephealth не запущен: %v", err)
	}
	defer deph.Stop()

	// 11. JWT middleware и readiness checkers
	jwtAuth, err := middleware.NewJWTAuth(
		cfg.JWKSURL, cfg.JWKSCACertPath, cfg.JWTIssuer,
		cfg.JWKSClientTimeout, cfg.JWKSRefreshInterval, cfg.JWTLeeway, logger,
	)
	if err != nil {
		logger.Error("Ошибка инициализации JWT middleware", slog.String("error", err.Error()))
		log.Fatalf("JWT middleware не создан: %v", err)
	}
	defer jwtAuth.Close()

	idpChecker, err := middleware.NewIdPReadinessChecker(cfg.JWKSURL, cfg.JWKSCACertPath, cfg.JWKSClientTimeout)
	if err != nil {
		logger.Error("Ошибка инициализации IdP checker", slog.String("error", err.Error()))
		log.Fatalf("IdP checker не создан: %v", err)
	}

	// 12. Обработчики API
	healthHandler := handlers.NewHealthHandler(database.NewReadinessChecker(pool), idpChecker)
	apiHandler := handlers.NewAPIHandler(
		healthHandler, secure, thumbnails, tokens, perms, audit,
		userRepo, assetRepo, logger,
	)

	// 13. Rate limiter'ы по классам маршрутов
	limitStore := service.NewMemoryWindowStore()
	limiters := server.Limiters{
		API:        service.NewRateLimiter(limitStore, "api", cfg.RateLimitAPI, cfg.RateLimitWindow),
		Files:      service.NewRateLimiter(limitStore, "files", cfg.RateLimitFiles, cfg.RateLimitWindow),
		Thumbnails: service.NewRateLimiter(limitStore, "thumbnails", cfg.RateLimitThumbnails, cfg.RateLimitWindow),
		Tokens:     service.NewRateLimiter(limitStore, "tokens", cfg.RateLimitTokens, cfg.RateLimitWindow),
	}

	// 14. HTTP-сервер (блокирующий вызов с graceful shutdown)
	srv := server.New(cfg, logger, apiHandler, jwtAuth, limiters)
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		log.Fatalf("Сервер завершился с ошибкой: %v", err)
	}

	logger.Info("Access Gateway остановлен")
}
