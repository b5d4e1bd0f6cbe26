package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/assetgate/internal/domain/model"
	"github.com/bigkaa/assetgate/internal/repository"
)

// Prometheus-метрики токенов доступа.
var (
	tokensMintedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ag_access_tokens_minted_total",
		Help: "Общее количество выпущенных токенов доступа.",
	})
	tokensRevokedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ag_access_tokens_revoked_total",
		Help: "Общее количество отозванных токенов доступа.",
	})
	tokenSweepDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ag_access_tokens_swept_total",
		Help: "Количество истёкших токенов, удалённых фоновой очисткой.",
	})
)

// Ошибки валидации токенов. Различаются, чтобы API мог отдать
// TOKEN_EXPIRED отдельно от INVALID_TOKEN.
var (
	ErrTokenNotFound = errors.New("токен не найден")
	ErrTokenExpired  = errors.New("срок действия токена истёк")
	ErrTokenRevoked  = errors.New("токен отозван")
)

// tokenRandomBytes — энтропия токена (32 байта, URL-safe base64).
const tokenRandomBytes = 32

// tokenActions — действия, для которых выпускаются токены.
var tokenActions = map[string]bool{
	model.ActionRead:      true,
	model.ActionDownload:  true,
	model.ActionThumbnail: true,
}

// AccessTokenService выпускает, валидирует и отзывает короткоживущие
// токены доступа к файлам. Токен — delivery-механизм, не кэш прав:
// каждый потребитель валидного токена обязан отдельно проверить живые
// права через PermissionEvaluator.
type AccessTokenService struct {
	repo       repository.TokenRepository
	defaultTTL time.Duration
	maxTTL     time.Duration
	logger     *slog.Logger

	sweepEvery time.Duration
	mu         sync.Mutex // защита от параллельного запуска sweep
	cancel     context.CancelFunc
}

// NewAccessTokenService создаёт сервис токенов доступа.
// defaultTTL применяется, когда вызывающий код не задал TTL;
// maxTTL — верхняя граница каллер-заданного TTL.
func NewAccessTokenService(
	repo repository.TokenRepository,
	defaultTTL time.Duration,
	maxTTL time.Duration,
	sweepEvery time.Duration,
	logger *slog.Logger,
) *AccessTokenService {
	return &AccessTokenService{
		repo:       repo,
		defaultTTL: defaultTTL,
		maxTTL:     maxTTL,
		sweepEvery: sweepEvery,
		logger:     logger.With(slog.String("component", "access_tokens")),
	}
}

// Mint выпускает токен, привязанный к (ресурс, пользователь, действие).
// Токен генерируется из криптографического ГПСЧ, никогда из счётчиков
// или времени.
func (s *AccessTokenService) Mint(
	ctx context.Context,
	assetID string,
	externalFileID string,
	userID string,
	action string,
	ttl time.Duration,
) (*model.AccessToken, error) {
	if !tokenActions[action] {
		return nil, fmt.Errorf("недопустимое действие токена: %s", action)
	}

	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	if ttl > s.maxTTL {
		ttl = s.maxTTL
	}

	raw := make([]byte, tokenRandomBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("генерация токена: %w", err)
	}

	now := time.Now().UTC()
	token := &model.AccessToken{
		Token:          base64.RawURLEncoding.EncodeToString(raw),
		AssetID:        assetID,
		ExternalFileID: externalFileID,
		UserID:         userID,
		Action:         action,
		ExpiresAt:      now.Add(ttl),
		CreatedAt:      now,
	}

	if err := s.repo.Create(ctx, token); err != nil {
		return nil, err
	}

	tokensMintedTotal.Inc()
	s.logger.Debug("Токен доступа выпущен",
		slog.String("asset_id", assetID),
		slog.String("action", action),
		slog.Time("expires_at", token.ExpiresAt),
	)

	return token, nil
}

// Validate возвращает запись токена, если он пригоден к использованию.
//
// Истечение проверяется раньше отзыва: истёкший токен отсутствует
// независимо от revoked_at и удаляется на месте (lazy cleanup).
func (s *AccessTokenService) Validate(ctx context.Context, token string) (*model.AccessToken, error) {
	record, err := s.repo.GetByToken(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}

	now := time.Now().UTC()
	if record.IsExpired(now) {
		if delErr := s.repo.Delete(ctx, token); delErr != nil {
			s.logger.Warn("Не удалось удалить истёкший токен",
				slog.String("error", delErr.Error()),
			)
		}
		return nil, ErrTokenExpired
	}

	if record.IsRevoked() {
		return nil, ErrTokenRevoked
	}

	return record, nil
}

// Revoke отзывает токен. Используется после единственного разрешённого
// download-стрима и при явном отзыве.
func (s *AccessTokenService) Revoke(ctx context.Context, token string) error {
	err := s.repo.Revoke(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Уже отозван или удалён — отзыв идемпотентен
			return nil
		}
		return err
	}
	tokensRevokedTotal.Inc()
	return nil
}

// RevokeByAsset отзывает все активные токены ресурса
// (при soft-delete или смене видимости).
func (s *AccessTokenService) RevokeByAsset(ctx context.Context, assetID string) (int64, error) {
	n, err := s.repo.RevokeByAsset(ctx, assetID)
	if err != nil {
		return 0, err
	}
	tokensRevokedTotal.Add(float64(n))
	return n, nil
}

// Start запускает фоновую очистку истёкших токенов.
// Очистка — advisory: Validate и так считает истёкшие токены
// отсутствующими, sweep лишь ограничивает рост таблицы.
func (s *AccessTokenService) Start(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go func() {
		ticker := time.NewTicker(s.sweepEvery)
		defer ticker.Stop()

		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				s.RunSweepOnce(context.Background())
			}
		}
	}()

	s.logger.Info("Очистка истёкших токенов запущена",
		slog.String("interval", s.sweepEvery.String()),
	)
}

// Stop останавливает фоновую очистку.
func (s *AccessTokenService) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.logger.Info("Очистка истёкших токенов остановлена")
}

// RunSweepOnce удаляет истёкшие токены.
// Потокобезопасен: mutex защищает от параллельного запуска.
func (s *AccessTokenService) RunSweepOnce(ctx context.Context) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted, err := s.repo.DeleteExpired(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Error("Ошибка очистки истёкших токенов",
			slog.String("error", err.Error()),
		)
		return 0
	}

	if deleted > 0 {
		tokenSweepDeletedTotal.Add(float64(deleted))
		s.logger.Debug("Истёкшие токены удалены",
			slog.Int64("deleted", deleted),
		)
	}
	return deleted
}
