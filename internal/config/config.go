// Пакет config — загрузка и валидация конфигурации Access Gateway
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации Access Gateway.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера (диапазон 8040-8049)
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- HTTP Server Timeouts ---

	// Таймаут чтения HTTP-сервера (по умолчанию 30s)
	HTTPReadTimeout time.Duration
	// Таймаут записи HTTP-сервера (по умолчанию 120s — streaming больших файлов)
	HTTPWriteTimeout time.Duration
	// Таймаут простоя HTTP-сервера (по умолчанию 120s)
	HTTPIdleTimeout time.Duration

	// --- Graceful shutdown ---

	// Таймаут graceful shutdown (по умолчанию 5s)
	ShutdownTimeout time.Duration

	// --- PostgreSQL ---

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string

	// --- JWT / JWKS ---

	// URL JWKS endpoint провайдера идентификации
	JWKSURL string
	// Ожидаемый issuer JWT
	JWTIssuer string
	// Путь к CA-сертификату для TLS к IdP (пустая строка — стандартный пул)
	JWKSCACertPath string
	// Таймаут HTTP-клиента JWKS
	JWKSClientTimeout time.Duration
	// Интервал фонового обновления JWKS-ключей
	JWKSRefreshInterval time.Duration
	// Допустимое отклонение времени при проверке JWT
	JWTLeeway time.Duration

	// --- Drive API ---

	// Базовый URL Drive API
	DriveAPIURL string
	// OAuth2 token endpoint для refresh grant
	DriveTokenURL string
	// Креденшалы приложения для refresh grant
	DriveClientID     string
	DriveClientSecret string
	// Путь к CA-сертификату для TLS (пустая строка — стандартный пул)
	DriveCACertPath string
	// Таймаут HTTP-запросов к Drive API
	DriveTimeout time.Duration
	// Максимум повторов исходящего вызова
	DriveMaxRetries int

	// --- Исходящая квота провайдера ---

	QuotaCallerCapacity int
	QuotaGlobalCapacity int
	QuotaWindow         time.Duration
	QuotaWarnPct        float64
	QuotaCritPct        float64
	QuotaSweepInterval  time.Duration

	// --- Inbound rate limiting (на класс эндпоинтов) ---

	RateLimitWindow        time.Duration
	RateLimitAPI           int
	RateLimitFiles         int
	RateLimitThumbnails    int
	RateLimitTokens        int

	// --- Токены доступа ---

	// TTL токена по умолчанию (минуты, не часы — delivery-механизм)
	TokenDefaultTTL time.Duration
	// Верхняя граница каллер-заданного TTL
	TokenMaxTTL time.Duration
	// Интервал фоновой очистки истёкших токенов
	TokenSweepInterval time.Duration

	// --- Кэш миниатюр ---

	// Директория хранения миниатюр
	ThumbnailDir string
	// Максимальный возраст кэшированной миниатюры
	ThumbnailMaxAge time.Duration
	// Интервал фоновой очистки миниатюр
	ThumbnailSweepInterval time.Duration

	// --- LRU-кэш метаданных ресурсов ---

	AssetCacheSize int
	AssetCacheTTL  time.Duration

	// --- Аудит ---

	// Срок хранения записей журнала (0 — без очистки)
	AuditRetention time.Duration
	// Интервал фоновой очистки журнала
	AuditSweepInterval time.Duration

	// --- Dephealth ---

	DephealthGroup         string
	DephealthCheckInterval time.Duration
	DephealthIsEntry       bool
}

// Load загружает конфигурацию из переменных окружения.
// Возвращает ошибку, если обязательные переменные не заданы
// или значения некорректны.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// AG_PORT — порт HTTP-сервера (по умолчанию 8040)
	cfg.Port, err = getEnvInt("AG_PORT", 8040)
	if err != nil {
		return nil, fmt.Errorf("AG_PORT: %w", err)
	}

	// AG_LOG_LEVEL — уровень логирования (по умолчанию info)
	logLevel := getEnvDefault("AG_LOG_LEVEL", "info")
	cfg.LogLevel, err = parseLogLevel(logLevel)
	if err != nil {
		return nil, fmt.Errorf("AG_LOG_LEVEL: %w", err)
	}

	// AG_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("AG_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("AG_LOG_FORMAT: недопустимый формат %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- HTTP Server Timeouts ---

	cfg.HTTPReadTimeout, err = getEnvDuration("AG_HTTP_READ_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AG_HTTP_READ_TIMEOUT: %w", err)
	}

	// Запас на streaming больших файлов из Drive
	cfg.HTTPWriteTimeout, err = getEnvDuration("AG_HTTP_WRITE_TIMEOUT", 120*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AG_HTTP_WRITE_TIMEOUT: %w", err)
	}

	cfg.HTTPIdleTimeout, err = getEnvDuration("AG_HTTP_IDLE_TIMEOUT", 120*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AG_HTTP_IDLE_TIMEOUT: %w", err)
	}

	// --- Graceful shutdown ---

	cfg.ShutdownTimeout, err = getEnvDuration("AG_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AG_SHUTDOWN_TIMEOUT: %w", err)
	}

	// --- PostgreSQL ---

	cfg.DBHost = getEnvDefault("AG_DB_HOST", "localhost")
	cfg.DBPort, err = getEnvInt("AG_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("AG_DB_PORT: %w", err)
	}
	cfg.DBName = getEnvDefault("AG_DB_NAME", "assetgate")
	cfg.DBUser, err = getEnvRequired("AG_DB_USER")
	if err != nil {
		return nil, err
	}
	cfg.DBPassword, err = getEnvRequired("AG_DB_PASSWORD")
	if err != nil {
		return nil, err
	}
	cfg.DBSSLMode = getEnvDefault("AG_DB_SSLMODE", "disable")

	// --- JWT / JWKS ---

	cfg.JWKSURL, err = getEnvRequired("AG_JWKS_URL")
	if err != nil {
		return nil, err
	}
	cfg.JWTIssuer = getEnvDefault("AG_JWT_ISSUER", "")
	cfg.JWKSCACertPath = getEnvDefault("AG_JWKS_CA_CERT_PATH", "")
	cfg.JWKSClientTimeout, err = getEnvDuration("AG_JWKS_CLIENT_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AG_JWKS_CLIENT_TIMEOUT: %w", err)
	}
	cfg.JWKSRefreshInterval, err = getEnvDuration("AG_JWKS_REFRESH_INTERVAL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("AG_JWKS_REFRESH_INTERVAL: %w", err)
	}
	cfg.JWTLeeway, err = getEnvDuration("AG_JWT_LEEWAY", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AG_JWT_LEEWAY: %w", err)
	}

	// --- Drive API ---

	cfg.DriveAPIURL = getEnvDefault("AG_DRIVE_API_URL", "https://www.googleapis.com/drive/v3")
	cfg.DriveTokenURL = getEnvDefault("AG_DRIVE_TOKEN_URL", "https://oauth2.googleapis.com/token")
	cfg.DriveClientID, err = getEnvRequired("AG_DRIVE_CLIENT_ID")
	if err != nil {
		return nil, err
	}
	cfg.DriveClientSecret, err = getEnvRequired("AG_DRIVE_CLIENT_SECRET")
	if err != nil {
		return nil, err
	}
	cfg.DriveCACertPath = getEnvDefault("AG_DRIVE_CA_CERT_PATH", "")
	cfg.DriveTimeout, err = getEnvDuration("AG_DRIVE_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AG_DRIVE_TIMEOUT: %w", err)
	}
	cfg.DriveMaxRetries, err = getEnvInt("AG_DRIVE_MAX_RETRIES", 3)
	if err != nil {
		return nil, fmt.Errorf("AG_DRIVE_MAX_RETRIES: %w", err)
	}

	// --- Исходящая квота провайдера ---

	cfg.QuotaCallerCapacity, err = getEnvInt("AG_QUOTA_CALLER_CAPACITY", 100)
	if err != nil {
		return nil, fmt.Errorf("AG_QUOTA_CALLER_CAPACITY: %w", err)
	}
	cfg.QuotaGlobalCapacity, err = getEnvInt("AG_QUOTA_GLOBAL_CAPACITY", 1000)
	if err != nil {
		return nil, fmt.Errorf("AG_QUOTA_GLOBAL_CAPACITY: %w", err)
	}
	cfg.QuotaWindow, err = getEnvDuration("AG_QUOTA_WINDOW", 100*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AG_QUOTA_WINDOW: %w", err)
	}
	cfg.QuotaWarnPct, err = getEnvFloat("AG_QUOTA_WARN_PCT", 80)
	if err != nil {
		return nil, fmt.Errorf("AG_QUOTA_WARN_PCT: %w", err)
	}
	cfg.QuotaCritPct, err = getEnvFloat("AG_QUOTA_CRIT_PCT", 95)
	if err != nil {
		return nil, fmt.Errorf("AG_QUOTA_CRIT_PCT: %w", err)
	}
	cfg.QuotaSweepInterval, err = getEnvDuration("AG_QUOTA_SWEEP_INTERVAL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("AG_QUOTA_SWEEP_INTERVAL: %w", err)
	}

	// --- Inbound rate limiting ---

	cfg.RateLimitWindow, err = getEnvDuration("AG_RATELIMIT_WINDOW", time.Minute)
	if err != nil {
		return nil, fmt.Errorf("AG_RATELIMIT_WINDOW: %w", err)
	}
	cfg.RateLimitAPI, err = getEnvInt("AG_RATELIMIT_API", 300)
	if err != nil {
		return nil, fmt.Errorf("AG_RATELIMIT_API: %w", err)
	}
	cfg.RateLimitFiles, err = getEnvInt("AG_RATELIMIT_FILES", 60)
	if err != nil {
		return nil, fmt.Errorf("AG_RATELIMIT_FILES: %w", err)
	}
	cfg.RateLimitThumbnails, err = getEnvInt("AG_RATELIMIT_THUMBNAILS", 120)
	if err != nil {
		return nil, fmt.Errorf("AG_RATELIMIT_THUMBNAILS: %w", err)
	}
	cfg.RateLimitTokens, err = getEnvInt("AG_RATELIMIT_TOKENS", 30)
	if err != nil {
		return nil, fmt.Errorf("AG_RATELIMIT_TOKENS: %w", err)
	}

	// --- Токены доступа ---

	cfg.TokenDefaultTTL, err = getEnvDuration("AG_TOKEN_DEFAULT_TTL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("AG_TOKEN_DEFAULT_TTL: %w", err)
	}
	cfg.TokenMaxTTL, err = getEnvDuration("AG_TOKEN_MAX_TTL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("AG_TOKEN_MAX_TTL: %w", err)
	}
	cfg.TokenSweepInterval, err = getEnvDuration("AG_TOKEN_SWEEP_INTERVAL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("AG_TOKEN_SWEEP_INTERVAL: %w", err)
	}

	// --- Кэш миниатюр ---

	cfg.ThumbnailDir = getEnvDefault("AG_THUMBNAIL_DIR", "/var/lib/assetgate/thumbnails")
	cfg.ThumbnailMaxAge, err = getEnvDuration("AG_THUMBNAIL_MAX_AGE", 7*24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("AG_THUMBNAIL_MAX_AGE: %w", err)
	}
	cfg.ThumbnailSweepInterval, err = getEnvDuration("AG_THUMBNAIL_SWEEP_INTERVAL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("AG_THUMBNAIL_SWEEP_INTERVAL: %w", err)
	}

	// --- LRU-кэш метаданных ресурсов ---

	cfg.AssetCacheSize, err = getEnvInt("AG_ASSET_CACHE_SIZE", 1000)
	if err != nil {
		return nil, fmt.Errorf("AG_ASSET_CACHE_SIZE: %w", err)
	}
	cfg.AssetCacheTTL, err = getEnvDuration("AG_ASSET_CACHE_TTL", time.Minute)
	if err != nil {
		return nil, fmt.Errorf("AG_ASSET_CACHE_TTL: %w", err)
	}

	// --- Аудит ---

	// Журнал append-only: очистка по сроку хранения выключена, пока
	// оператор явно не задаст retention
	cfg.AuditRetention, err = getEnvDuration("AG_AUDIT_RETENTION", 0)
	if err != nil {
		return nil, fmt.Errorf("AG_AUDIT_RETENTION: %w", err)
	}
	cfg.AuditSweepInterval, err = getEnvDuration("AG_AUDIT_SWEEP_INTERVAL", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("AG_AUDIT_SWEEP_INTERVAL: %w", err)
	}

	// --- Dephealth ---

	cfg.DephealthGroup = getEnvDefault("AG_DEPHEALTH_GROUP", "assetgate")
	cfg.DephealthCheckInterval, err = getEnvDuration("AG_DEPHEALTH_CHECK_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AG_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}
	cfg.DephealthIsEntry, err = getEnvBool("DEPHEALTH_ISENTRY", false)
	if err != nil {
		return nil, fmt.Errorf("DEPHEALTH_ISENTRY: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(c.DBUser), url.QueryEscape(c.DBPassword),
		c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvFloat возвращает вещественное значение переменной окружения или значение по умолчанию.
func getEnvFloat(key string, defaultVal float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное число: %q", val)
	}
	return f, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// getEnvBool возвращает булево значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q (допустимые: true, false, 1, 0)", val)
	}
	return b, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
