package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/assetgate/internal/domain/model"
	"github.com/bigkaa/assetgate/internal/provider"
	"github.com/bigkaa/assetgate/internal/repository"
	"github.com/bigkaa/assetgate/internal/storage/thumbstore"
)

// Prometheus-метрики кэша миниатюр.
var (
	thumbnailCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ag_thumbnail_cache_hits_total",
		Help: "Общее количество попаданий в дисковый кэш миниатюр.",
	})
	thumbnailCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ag_thumbnail_cache_misses_total",
		Help: "Общее количество промахов дискового кэша миниатюр.",
	})
	thumbnailFetchErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ag_thumbnail_fetch_errors_total",
		Help: "Количество неудачных загрузок миниатюр из Drive API.",
	})
	thumbnailSweepDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ag_thumbnail_sweep_deleted_total",
		Help: "Количество миниатюр, удалённых фоновой очисткой.",
	})
)

// ErrUnsupportedSize — запрошен размер вне закрытого набора small/medium/large.
var ErrUnsupportedSize = errors.New("неподдерживаемый размер миниатюры")

// thumbnailSizePixels — закрытый набор размеров и их ширина в пикселях
// для суффикса =sNNN в URL миниатюры.
var thumbnailSizePixels = map[string]int{
	"small":  128,
	"medium": 320,
	"large":  640,
}

// ThumbnailFetcher — загрузка миниатюр и метаданных файлов из Drive API.
// Реализуется *provider.Client.
type ThumbnailFetcher interface {
	FetchThumbnail(ctx context.Context, userID, thumbnailURL string) ([]byte, string, error)
	GetFileMeta(ctx context.Context, userID, fileID string) (*provider.FileMeta, error)
}

// CredentialRefresher — обновление Drive-креденшалов пользователя.
// Реализуется *provider.CredentialProvider.
type CredentialRefresher interface {
	Refresh(ctx context.Context, userID string) error
}

// ThumbnailResult — результат выдачи миниатюры.
type ThumbnailResult struct {
	// Path — абсолютный путь к файлу миниатюры на диске.
	Path string
	// Cached — true, если миниатюра отдана из валидного кэша.
	Cached bool
	// ExpiresAt — когда кэшированная запись перестанет быть валидной по возрасту.
	ExpiresAt time.Time
}

// ThumbnailService — content-addressed кэш миниатюр на локальном диске.
//
// Валидность записи: отпечаток (sourceURL + mtime источника) совпадает
// со свежевычисленным И возраст меньше maxAge И файл существует на диске.
// Пропавший из-под валидной записи файл приводит к повторной загрузке,
// а не к ошибке (self-healing).
type ThumbnailService struct {
	assets     repository.AssetRepository
	assetCache *AssetCacheService
	fetcher    ThumbnailFetcher
	creds      CredentialRefresher
	store      *thumbstore.Store
	retry      *provider.Executor
	quota      *QuotaMonitor
	maxAge     time.Duration
	maxRetries int
	logger     *slog.Logger

	sweepEvery time.Duration
	mu         sync.Mutex // защита от параллельного запуска sweep
	cancel     context.CancelFunc
}

// NewThumbnailService создаёт сервис миниатюр.
// assetCache может быть nil — тогда LRU-инвалидация пропускается.
func NewThumbnailService(
	assets repository.AssetRepository,
	assetCache *AssetCacheService,
	fetcher ThumbnailFetcher,
	creds CredentialRefresher,
	store *thumbstore.Store,
	retry *provider.Executor,
	quota *QuotaMonitor,
	maxAge time.Duration,
	maxRetries int,
	sweepEvery time.Duration,
	logger *slog.Logger,
) *ThumbnailService {
	return &ThumbnailService{
		assets:     assets,
		assetCache: assetCache,
		fetcher:    fetcher,
		creds:      creds,
		store:      store,
		retry:      retry,
		quota:      quota,
		maxAge:     maxAge,
		maxRetries: maxRetries,
		sweepEvery: sweepEvery,
		logger:     logger.With(slog.String("component", "thumbnail_cache")),
	}
}

// Fingerprint вычисляет отпечаток версии миниатюры из URL источника
// и времени его последнего изменения.
func Fingerprint(sourceURL string, lastModifiedAt *time.Time) string {
	modified := ""
	if lastModifiedAt != nil {
		modified = lastModifiedAt.UTC().Format(time.RFC3339Nano)
	}
	sum := sha256.Sum256([]byte(sourceURL + "|" + modified))
	return hex.EncodeToString(sum[:])
}

// ValidSize сообщает, входит ли размер в закрытый набор.
func ValidSize(size string) bool {
	_, ok := thumbnailSizePixels[size]
	return ok
}

// GetOrFetch возвращает миниатюру ресурса: из кэша при валидном
// попадании, иначе загружает из Drive API, сохраняет на диск и
// обновляет cache-поля ресурса.
//
// Одновременные промахи по одному ресурсу допустимы: оба запроса
// загрузят и запишут один и тот же артефакт, последняя запись побеждает.
func (s *ThumbnailService) GetOrFetch(ctx context.Context, asset *model.Asset, userID, size string) (*ThumbnailResult, error) {
	if !ValidSize(size) {
		return nil, ErrUnsupportedSize
	}

	fingerprint := Fingerprint(asset.ThumbnailSourceURL, asset.LastModifiedAt)

	if res, ok := s.cacheHit(asset, fingerprint); ok {
		thumbnailCacheHitsTotal.Inc()
		return res, nil
	}
	thumbnailCacheMissesTotal.Inc()

	// Перед загрузкой сверяем mtime источника с живыми метаданными:
	// отставшее значение в БД даёт ложные промахи и лишние загрузки
	if s.refreshSourceVersion(ctx, asset, userID) {
		fingerprint = Fingerprint(asset.ThumbnailSourceURL, asset.LastModifiedAt)
		if res, ok := s.cacheHit(asset, fingerprint); ok {
			thumbnailCacheHitsTotal.Inc()
			return res, nil
		}
	}

	data, err := s.fetch(ctx, asset, userID, size)
	if err != nil {
		thumbnailFetchErrorsTotal.Inc()
		return nil, err
	}

	storagePath, err := s.store.Save(asset.ExternalFileID, size, data)
	if err != nil {
		return nil, fmt.Errorf("сохранение миниатюры: %w", err)
	}

	cachedAt := time.Now().UTC()
	if err := s.assets.UpdateThumbnailCache(ctx, asset.AssetID, storagePath, fingerprint, cachedAt); err != nil {
		// Файл записан, но метаданные не обновились: запись будет
		// перезагружена при следующем промахе
		s.logger.Warn("Не удалось обновить cache-поля ресурса",
			slog.String("asset_id", asset.AssetID),
			slog.String("error", err.Error()),
		)
	} else {
		// LRU держит копию строки с уже устаревшими cache-полями
		s.invalidateAssetCache(asset.ExternalFileID)
	}

	return &ThumbnailResult{
		Path:      s.store.FullPath(storagePath),
		Cached:    false,
		ExpiresAt: cachedAt.Add(s.maxAge),
	}, nil
}

// cacheHit проверяет валидность кэшированной записи:
// отпечаток, возраст и наличие файла на диске.
func (s *ThumbnailService) cacheHit(asset *model.Asset, fingerprint string) (*ThumbnailResult, bool) {
	if asset.CachedThumbnailPath == nil || asset.CacheVersion == nil || asset.CachedAt == nil {
		return nil, false
	}
	if *asset.CacheVersion != fingerprint {
		return nil, false
	}
	if time.Since(*asset.CachedAt) >= s.maxAge {
		return nil, false
	}
	if !s.store.Exists(*asset.CachedThumbnailPath) {
		// Файл удалён мимо нас — перезагружаем вместо ошибки
		return nil, false
	}

	return &ThumbnailResult{
		Path:      s.store.FullPath(*asset.CachedThumbnailPath),
		Cached:    true,
		ExpiresAt: asset.CachedAt.Add(s.maxAge),
	}, true
}

// fetch загружает миниатюру через RetryExecutor с гейтом квоты
// и refresh креденшалов.
func (s *ThumbnailService) fetch(ctx context.Context, asset *model.Asset, userID, size string) ([]byte, error) {
	url := sizedThumbnailURL(asset.ThumbnailSourceURL, size)

	var data []byte
	op := func(ctx context.Context) error {
		d, _, err := s.fetcher.FetchThumbnail(ctx, userID, url)
		if err != nil {
			return err
		}
		data = d
		return nil
	}

	opts := provider.RetryOptions{
		MaxRetries:    s.maxRetries,
		BeforeAttempt: s.quota.Gate(userID),
	}
	if s.creds != nil {
		opts.OnCredentialRefresh = func(ctx context.Context) error {
			return s.creds.Refresh(ctx, userID)
		}
	}

	if err := s.retry.Run(ctx, op, opts); err != nil {
		return nil, fmt.Errorf("загрузка миниатюры из Drive: %w", err)
	}
	return data, nil
}

// refreshSourceVersion подтягивает живой mtime файла из Drive и
// сохраняет его в БД. Best effort: недоступные метаданные не срывают
// выдачу, работаем по сохранённому значению.
// Возвращает true, если mtime изменился.
func (s *ThumbnailService) refreshSourceVersion(ctx context.Context, asset *model.Asset, userID string) bool {
	var meta *provider.FileMeta
	op := func(ctx context.Context) error {
		m, err := s.fetcher.GetFileMeta(ctx, userID, asset.ExternalFileID)
		if err != nil {
			return err
		}
		meta = m
		return nil
	}

	opts := provider.RetryOptions{
		MaxRetries:    s.maxRetries,
		BeforeAttempt: s.quota.Gate(userID),
	}
	if s.creds != nil {
		opts.OnCredentialRefresh = func(ctx context.Context) error {
			return s.creds.Refresh(ctx, userID)
		}
	}

	if err := s.retry.Run(ctx, op, opts); err != nil {
		s.logger.Warn("Не удалось получить метаданные файла",
			slog.String("external_file_id", asset.ExternalFileID),
			slog.String("error", err.Error()),
		)
		return false
	}

	if meta.ModifiedTime.IsZero() {
		return false
	}
	if asset.LastModifiedAt != nil && asset.LastModifiedAt.Equal(meta.ModifiedTime) {
		return false
	}

	modified := meta.ModifiedTime.UTC()
	asset.LastModifiedAt = &modified
	if err := s.assets.UpdateLastModified(ctx, asset.AssetID, modified); err != nil {
		s.logger.Warn("Не удалось сохранить mtime источника",
			slog.String("asset_id", asset.AssetID),
			slog.String("error", err.Error()),
		)
	} else {
		s.invalidateAssetCache(asset.ExternalFileID)
	}
	return true
}

// invalidateAssetCache выбрасывает строку ресурса из LRU после записи
// в БД: следующий запрос перечитает свежие cache-поля.
func (s *ThumbnailService) invalidateAssetCache(externalFileID string) {
	if s.assetCache != nil {
		s.assetCache.Delete(externalFileID)
	}
}

// Invalidate удаляет миниатюру ресурса: файл с диска и cache-поля в БД.
func (s *ThumbnailService) Invalidate(ctx context.Context, assetID string) error {
	asset, err := s.assets.GetByID(ctx, assetID)
	if err != nil {
		return err
	}

	if asset.CachedThumbnailPath != nil {
		if err := s.store.Delete(*asset.CachedThumbnailPath); err != nil {
			s.logger.Warn("Не удалось удалить файл миниатюры",
				slog.String("asset_id", assetID),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := s.assets.ClearThumbnailCache(ctx, assetID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	s.invalidateAssetCache(asset.ExternalFileID)
	return nil
}

// Start запускает фоновую очистку устаревших миниатюр.
func (s *ThumbnailService) Start(ctx context.Context) {
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

	s.logger.Info("Очистка кэша миниатюр запущена",
		slog.String("interval", s.sweepEvery.String()),
		slog.String("max_age", s.maxAge.String()),
	)
}

// Stop останавливает фоновую очистку.
func (s *ThumbnailService) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.logger.Info("Очистка кэша миниатюр остановлена")
}

// RunSweepOnce удаляет записи кэша старше maxAge: cache-поля в БД,
// файлы с диска и осиротевшие файлы без записей.
// Потокобезопасен: mutex защищает от параллельного запуска.
func (s *ThumbnailService) RunSweepOnce(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-s.maxAge)
	deleted := 0

	stale, err := s.assets.ListStaleThumbnails(ctx, cutoff)
	if err != nil {
		s.logger.Error("Ошибка выборки устаревших миниатюр",
			slog.String("error", err.Error()),
		)
	}
	for _, asset := range stale {
		if asset.CachedThumbnailPath != nil {
			if err := s.store.Delete(*asset.CachedThumbnailPath); err != nil {
				s.logger.Error("Ошибка удаления файла миниатюры",
					slog.String("asset_id", asset.AssetID),
					slog.String("error", err.Error()),
				)
				continue
			}
		}
		if err := s.assets.ClearThumbnailCache(ctx, asset.AssetID); err != nil {
			s.logger.Error("Ошибка очистки cache-полей",
				slog.String("asset_id", asset.AssetID),
				slog.String("error", err.Error()),
			)
			continue
		}
		deleted++
	}

	// Осиротевшие файлы без записей в БД
	orphans, err := s.store.ListOlderThan(cutoff)
	if err != nil {
		s.logger.Error("Ошибка сканирования директории миниатюр",
			slog.String("error", err.Error()),
		)
	}
	for _, path := range orphans {
		if err := s.store.Delete(path); err == nil {
			deleted++
		}
	}

	if deleted > 0 {
		thumbnailSweepDeletedTotal.Add(float64(deleted))
		s.logger.Info("Очистка кэша миниатюр завершена",
			slog.Int("deleted", deleted),
		)
	}
	return deleted
}

// sizedThumbnailURL добавляет к URL миниатюры суффикс размера =sNNN.
func sizedThumbnailURL(sourceURL, size string) string {
	px, ok := thumbnailSizePixels[size]
	if !ok {
		return sourceURL
	}
	return fmt.Sprintf("%s=s%d", sourceURL, px)
}
