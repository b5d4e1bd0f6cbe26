package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/assetgate/internal/domain/model"
	"github.com/bigkaa/assetgate/internal/provider"
	"github.com/bigkaa/assetgate/internal/repository"
)

// Prometheus-метрики защищённого файлового маршрута.
var (
	secureAuthorizeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ag_secure_authorize_total",
		Help: "Решения авторизации защищённого файлового маршрута по результату.",
	}, []string{"result"})
	driveDownloadSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ag_drive_download_seconds",
		Help:    "Длительность загрузки файла из Drive API в секундах.",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
	})
)

// Ошибки авторизации доступа к файлу. Обёртки токеновых ошибок
// (ErrTokenNotFound и далее) пробрасываются как есть.
var (
	// ErrTokenFileMismatch — токен выпущен для другого файла.
	ErrTokenFileMismatch = errors.New("токен выпущен для другого файла")
	// ErrActionNotPermitted — действие запроса не совпадает с привязкой токена.
	ErrActionNotPermitted = errors.New("действие не разрешено токеном")
	// ErrAssetNotFound — ресурс для файла отсутствует или мягко удалён.
	ErrAssetNotFound = errors.New("ресурс не найден")
	// ErrUserNotFound — пользователь из токена больше не существует.
	ErrUserNotFound = errors.New("пользователь не найден")
)

// PermissionDeniedError — отказ живой проверки прав.
type PermissionDeniedError struct {
	Reason string
}

// Error реализует интерфейс error.
func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("доступ запрещён: %s", e.Reason)
}

// Downloader — streaming-загрузка файла из Drive API.
// Реализуется *provider.Client.
type Downloader interface {
	Download(ctx context.Context, userID, fileID, rangeHeader string) (*http.Response, error)
}

// AccessGrant — результат успешной авторизации запроса к файлу.
type AccessGrant struct {
	Token *model.AccessToken
	User  *model.User
	Asset *model.Asset
}

// SecureFileService — конвейер защищённого файлового маршрута:
// валидация токена, живая проверка прав, затем загрузка байтов из
// Drive с повторами, гейтом квоты и refresh креденшалов.
type SecureFileService struct {
	tokens     *AccessTokenService
	perms      *PermissionEvaluator
	users      repository.UserRepository
	assets     repository.AssetRepository
	assetCache *AssetCacheService
	drive      Downloader
	creds      CredentialRefresher
	retry      *provider.Executor
	quota      *QuotaMonitor
	maxRetries int
	logger     *slog.Logger
}

// NewSecureFileService создаёт конвейер защищённого доступа к файлам.
func NewSecureFileService(
	tokens *AccessTokenService,
	perms *PermissionEvaluator,
	users repository.UserRepository,
	assets repository.AssetRepository,
	assetCache *AssetCacheService,
	drive Downloader,
	creds CredentialRefresher,
	retry *provider.Executor,
	quota *QuotaMonitor,
	maxRetries int,
	logger *slog.Logger,
) *SecureFileService {
	return &SecureFileService{
		tokens:     tokens,
		perms:      perms,
		users:      users,
		assets:     assets,
		assetCache: assetCache,
		drive:      drive,
		creds:      creds,
		retry:      retry,
		quota:      quota,
		maxRetries: maxRetries,
		logger:     logger.With(slog.String("component", "secure_files")),
	}
}

// Authorize проверяет токен и живые права на (файл, действие).
//
// Токен — не кэш прав: роль и видимость могли измениться после выпуска,
// поэтому права пересчитываются из БД на каждом запросе.
func (s *SecureFileService) Authorize(ctx context.Context, tokenString, externalFileID, action string) (*AccessGrant, error) {
	token, err := s.tokens.Validate(ctx, tokenString)
	if err != nil {
		secureAuthorizeTotal.WithLabelValues("invalid_token").Inc()
		return nil, err
	}

	if token.ExternalFileID != externalFileID {
		secureAuthorizeTotal.WithLabelValues("file_mismatch").Inc()
		return nil, ErrTokenFileMismatch
	}
	if token.Action != action {
		secureAuthorizeTotal.WithLabelValues("action_mismatch").Inc()
		return nil, ErrActionNotPermitted
	}

	asset, err := s.lookupAsset(ctx, externalFileID)
	if err != nil {
		secureAuthorizeTotal.WithLabelValues("asset_not_found").Inc()
		return nil, err
	}

	user, err := s.users.GetByID(ctx, token.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			secureAuthorizeTotal.WithLabelValues("user_not_found").Inc()
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	if decision := s.perms.Evaluate(user, asset, action); !decision.Allowed {
		secureAuthorizeTotal.WithLabelValues("permission_denied").Inc()
		return nil, &PermissionDeniedError{Reason: decision.Reason}
	}

	secureAuthorizeTotal.WithLabelValues("allowed").Inc()
	return &AccessGrant{Token: token, User: user, Asset: asset}, nil
}

// Stream загружает содержимое файла из Drive через RetryExecutor.
// Возвращает *http.Response — вызывающий код ОБЯЗАН закрыть resp.Body.
func (s *SecureFileService) Stream(ctx context.Context, grant *AccessGrant, rangeHeader string) (*http.Response, error) {
	start := time.Now()

	var resp *http.Response
	op := func(ctx context.Context) error {
		r, err := s.drive.Download(ctx, grant.User.UserID, grant.Asset.ExternalFileID, rangeHeader)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}

	opts := provider.RetryOptions{
		MaxRetries:    s.maxRetries,
		BeforeAttempt: s.quota.Gate(grant.User.UserID),
	}
	if s.creds != nil {
		opts.OnCredentialRefresh = func(ctx context.Context) error {
			return s.creds.Refresh(ctx, grant.User.UserID)
		}
	}

	if err := s.retry.Run(ctx, op, opts); err != nil {
		return nil, err
	}

	driveDownloadSeconds.Observe(time.Since(start).Seconds())
	return resp, nil
}

// FinishDownload завершает выдачу: download-токен одноразовый
// и отзывается после успешного стрима; read/thumbnail живут до
// естественного истечения.
func (s *SecureFileService) FinishDownload(ctx context.Context, grant *AccessGrant) {
	if grant.Token.Action != model.ActionDownload {
		return
	}
	if err := s.tokens.Revoke(ctx, grant.Token.Token); err != nil {
		s.logger.Warn("Не удалось отозвать download-токен",
			slog.String("asset_id", grant.Asset.AssetID),
			slog.String("error", err.Error()),
		)
	}
}

// lookupAsset ищет активный ресурс по идентификатору файла:
// сначала LRU-кэш, затем БД.
func (s *SecureFileService) lookupAsset(ctx context.Context, externalFileID string) (*model.Asset, error) {
	if s.assetCache != nil {
		if asset, ok := s.assetCache.Get(externalFileID); ok {
			return asset, nil
		}
	}

	asset, err := s.assets.GetByExternalFileID(ctx, externalFileID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrAssetNotFound
		}
		return nil, err
	}

	if s.assetCache != nil {
		s.assetCache.Set(externalFileID, asset)
	}
	return asset, nil
}
