package service

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/assetgate/internal/domain/model"
)

// Prometheus-метрики кэша метаданных ресурсов.
var (
	assetCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ag_asset_cache_hits_total",
		Help: "Общее количество попаданий в LRU-кэш метаданных ресурсов.",
	})
	assetCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ag_asset_cache_misses_total",
		Help: "Общее количество промахов LRU-кэша метаданных ресурсов.",
	})
)

// AssetCacheService — LRU-кэш метаданных ресурсов с автоматическим TTL,
// ключ — идентификатор Drive-файла. Снимает повторные чтения БД с
// горячего пути выдачи файлов. Каждый экземпляр гейтвея имеет
// собственный in-memory кэш (per-instance, stateless архитектура).
type AssetCacheService struct {
	cache *expirable.LRU[string, *model.Asset]
}

// NewAssetCacheService создаёт LRU-кэш с указанным максимальным размером и TTL.
// maxSize — максимальное количество записей в кэше.
// ttl — время жизни записи после добавления.
func NewAssetCacheService(maxSize int, ttl time.Duration) *AssetCacheService {
	cache := expirable.NewLRU[string, *model.Asset](maxSize, nil, ttl)
	return &AssetCacheService{cache: cache}
}

// Get возвращает ресурс из кэша по externalFileID.
// Возвращает (ресурс, true) при hit или (nil, false) при miss.
// Обновляет Prometheus-метрики hit/miss.
func (c *AssetCacheService) Get(externalFileID string) (*model.Asset, bool) {
	val, ok := c.cache.Get(externalFileID)
	if ok {
		assetCacheHitsTotal.Inc()
		return val, true
	}
	assetCacheMissesTotal.Inc()
	return nil, false
}

// Set добавляет или обновляет запись в кэше.
func (c *AssetCacheService) Set(externalFileID string, asset *model.Asset) {
	c.cache.Add(externalFileID, asset)
}

// Delete удаляет запись из кэша (инвалидация при soft-delete или
// изменении ресурса).
func (c *AssetCacheService) Delete(externalFileID string) {
	c.cache.Remove(externalFileID)
}
