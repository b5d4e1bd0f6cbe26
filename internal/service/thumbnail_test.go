package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bigkaa/assetgate/internal/domain/model"
	"github.com/bigkaa/assetgate/internal/provider"
	"github.com/bigkaa/assetgate/internal/repository"
	"github.com/bigkaa/assetgate/internal/storage/thumbstore"
)

// fakeAssetRepo — in-memory реализация AssetRepository для тестов.
type fakeAssetRepo struct {
	mu     sync.Mutex
	assets map[string]*model.Asset
}

func newFakeAssetRepo(assets ...*model.Asset) *fakeAssetRepo {
	r := &fakeAssetRepo{assets: make(map[string]*model.Asset)}
	for _, a := range assets {
		cp := *a
		r.assets[a.AssetID] = &cp
	}
	return r
}

func (f *fakeAssetRepo) GetByID(ctx context.Context, assetID string) (*model.Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.assets[assetID]
	if !ok || a.IsDeleted() {
		return nil, repository.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (f *fakeAssetRepo) GetByExternalFileID(ctx context.Context, externalFileID string) (*model.Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.assets {
		if a.ExternalFileID == externalFileID && a.IsExternal && !a.IsDeleted() {
			cp := *a
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeAssetRepo) UpdateThumbnailCache(ctx context.Context, assetID, path, version string, cachedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.assets[assetID]
	if !ok {
		return repository.ErrNotFound
	}
	a.CachedThumbnailPath = &path
	a.CacheVersion = &version
	a.CachedAt = &cachedAt
	return nil
}

func (f *fakeAssetRepo) UpdateLastModified(ctx context.Context, assetID string, modifiedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.assets[assetID]
	if !ok {
		return repository.ErrNotFound
	}
	a.LastModifiedAt = &modifiedAt
	return nil
}

func (f *fakeAssetRepo) ClearThumbnailCache(ctx context.Context, assetID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.assets[assetID]
	if !ok {
		return repository.ErrNotFound
	}
	a.CachedThumbnailPath = nil
	a.CacheVersion = nil
	a.CachedAt = nil
	return nil
}

func (f *fakeAssetRepo) ListStaleThumbnails(ctx context.Context, olderThan time.Time) ([]*model.Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []*model.Asset
	for _, a := range f.assets {
		if a.CachedAt != nil && a.CachedAt.Before(olderThan) {
			cp := *a
			result = append(result, &cp)
		}
	}
	return result, nil
}

// fakeFetcher — счётчик загрузок миниатюр и запросов метаданных.
// meta == nil означает недоступные метаданные (best-effort путь).
type fakeFetcher struct {
	mu        sync.Mutex
	calls     int
	metaCalls int
	data      []byte
	err       error
	meta      *provider.FileMeta
}

func (f *fakeFetcher) FetchThumbnail(ctx context.Context, userID, thumbnailURL string) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, "", f.err
	}
	return f.data, "image/png", nil
}

func (f *fakeFetcher) GetFileMeta(ctx context.Context, userID, fileID string) (*provider.FileMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metaCalls++
	if f.meta == nil {
		return nil, errors.New("метаданные недоступны")
	}
	cp := *f.meta
	return &cp, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestThumbnailService(t *testing.T, repo repository.AssetRepository, fetcher ThumbnailFetcher) *ThumbnailService {
	t.Helper()
	return newTestThumbnailServiceWithCache(t, repo, nil, fetcher)
}

func newTestThumbnailServiceWithCache(t *testing.T, repo repository.AssetRepository, cache *AssetCacheService, fetcher ThumbnailFetcher) *ThumbnailService {
	t.Helper()
	store, err := thumbstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("thumbstore.New: %v", err)
	}
	return NewThumbnailService(
		repo,
		cache,
		fetcher,
		nil,
		store,
		provider.NewExecutor(discardLogger()),
		newTestQuota(1000, 10000),
		7*24*time.Hour,
		2,
		time.Minute,
		discardLogger(),
	)
}

func externalAsset() *model.Asset {
	modified := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	return &model.Asset{
		AssetID:            "a0000000-0000-0000-0000-000000000001",
		ClientID:           "c1",
		UploadedBy:         "u1",
		Visibility:         model.VisibilityShared,
		IsExternal:         true,
		ExternalFileID:     "1a2B3c4D5e6F7g8H9i0J",
		LastModifiedAt:     &modified,
		ThumbnailSourceURL: "https://drive.example/thumb/abc",
	}
}

func TestGetOrFetch_MissThenHit(t *testing.T) {
	asset := externalAsset()
	repo := newFakeAssetRepo(asset)
	fetcher := &fakeFetcher{data: []byte("png")}
	svc := newTestThumbnailService(t, repo, fetcher)
	ctx := context.Background()

	res, err := svc.GetOrFetch(ctx, asset, "u1", "small")
	if err != nil {
		t.Fatalf("GetOrFetch промах: %v", err)
	}
	if res.Cached {
		t.Error("первый запрос вернул Cached = true")
	}
	if fetcher.callCount() != 1 {
		t.Errorf("fetch вызван %d раз, хотели 1", fetcher.callCount())
	}

	// Повторный запрос с обновлёнными cache-полями — попадание без загрузки
	updated, err := repo.GetByID(ctx, asset.AssetID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	res, err = svc.GetOrFetch(ctx, updated, "u1", "small")
	if err != nil {
		t.Fatalf("GetOrFetch попадание: %v", err)
	}
	if !res.Cached {
		t.Error("второй запрос вернул Cached = false")
	}
	if fetcher.callCount() != 1 {
		t.Errorf("fetch вызван %d раз после попадания, хотели 1", fetcher.callCount())
	}
}

func TestGetOrFetch_MtimeChangeInvalidates(t *testing.T) {
	asset := externalAsset()
	repo := newFakeAssetRepo(asset)
	fetcher := &fakeFetcher{data: []byte("png")}
	svc := newTestThumbnailService(t, repo, fetcher)
	ctx := context.Background()

	if _, err := svc.GetOrFetch(ctx, asset, "u1", "medium"); err != nil {
		t.Fatalf("GetOrFetch: %v", err)
	}

	// Источник изменился: отпечаток перестаёт совпадать
	updated, _ := repo.GetByID(ctx, asset.AssetID)
	newModified := updated.LastModifiedAt.Add(time.Hour)
	updated.LastModifiedAt = &newModified

	res, err := svc.GetOrFetch(ctx, updated, "u1", "medium")
	if err != nil {
		t.Fatalf("GetOrFetch после смены mtime: %v", err)
	}
	if res.Cached {
		t.Error("изменённый источник отдан из кэша")
	}
	if fetcher.callCount() != 2 {
		t.Errorf("fetch вызван %d раз, хотели 2", fetcher.callCount())
	}
}

func TestGetOrFetch_MissingFileRefetched(t *testing.T) {
	asset := externalAsset()
	repo := newFakeAssetRepo(asset)
	fetcher := &fakeFetcher{data: []byte("png")}
	svc := newTestThumbnailService(t, repo, fetcher)
	ctx := context.Background()

	if _, err := svc.GetOrFetch(ctx, asset, "u1", "large"); err != nil {
		t.Fatalf("GetOrFetch: %v", err)
	}

	// Удаляем файл мимо сервиса
	updated, _ := repo.GetByID(ctx, asset.AssetID)
	if err := svc.store.Delete(*updated.CachedThumbnailPath); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	res, err := svc.GetOrFetch(ctx, updated, "u1", "large")
	if err != nil {
		t.Fatalf("GetOrFetch после удаления файла: %v", err)
	}
	if res.Cached {
		t.Error("отсутствующий файл отдан как попадание")
	}
	if fetcher.callCount() != 2 {
		t.Errorf("fetch вызван %d раз, хотели 2 (self-healing)", fetcher.callCount())
	}
}

func TestGetOrFetch_UnsupportedSize(t *testing.T) {
	svc := newTestThumbnailService(t, newFakeAssetRepo(), &fakeFetcher{})

	_, err := svc.GetOrFetch(context.Background(), externalAsset(), "u1", "огромный")
	if !errors.Is(err, ErrUnsupportedSize) {
		t.Errorf("err = %v, хотели ErrUnsupportedSize", err)
	}
}

func TestGetOrFetch_InvalidatesAssetLRU(t *testing.T) {
	asset := externalAsset()
	repo := newFakeAssetRepo(asset)
	cache := NewAssetCacheService(16, time.Hour)
	fetcher := &fakeFetcher{data: []byte("png")}
	svc := newTestThumbnailServiceWithCache(t, repo, cache, fetcher)
	ctx := context.Background()

	cache.Set(asset.ExternalFileID, asset)

	if _, err := svc.GetOrFetch(ctx, asset, "u1", "small"); err != nil {
		t.Fatalf("GetOrFetch: %v", err)
	}

	// Копия строки в LRU несла пустые cache-поля и должна быть выброшена
	if _, ok := cache.Get(asset.ExternalFileID); ok {
		t.Fatal("строка ресурса осталась в LRU после записи кэша миниатюры")
	}

	// Перечитанная строка попадает в дисковый кэш без повторной загрузки
	updated, err := repo.GetByID(ctx, asset.AssetID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	cache.Set(updated.ExternalFileID, updated)

	res, err := svc.GetOrFetch(ctx, updated, "u1", "small")
	if err != nil {
		t.Fatalf("GetOrFetch повтор: %v", err)
	}
	if !res.Cached {
		t.Error("повторный запрос вернул Cached = false")
	}
	if fetcher.callCount() != 1 {
		t.Errorf("повторная загрузка из Drive: загрузок = %d, хотели 1", fetcher.callCount())
	}
}

func TestGetOrFetch_RefreshesSourceMtime(t *testing.T) {
	asset := externalAsset()
	repo := newFakeAssetRepo(asset)
	live := asset.LastModifiedAt.Add(2 * time.Hour).UTC()
	fetcher := &fakeFetcher{
		data: []byte("png"),
		meta: &provider.FileMeta{ID: asset.ExternalFileID, ModifiedTime: live},
	}
	svc := newTestThumbnailService(t, repo, fetcher)
	ctx := context.Background()

	if _, err := svc.GetOrFetch(ctx, asset, "u1", "small"); err != nil {
		t.Fatalf("GetOrFetch: %v", err)
	}

	// Живой mtime сохранён в БД
	updated, err := repo.GetByID(ctx, asset.AssetID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if updated.LastModifiedAt == nil || !updated.LastModifiedAt.Equal(live) {
		t.Errorf("LastModifiedAt = %v, хотели %v", updated.LastModifiedAt, live)
	}

	// Строка с отставшим mtime из БД не приводит к повторной загрузке:
	// отпечаток пересчитывается от живых метаданных
	oldModified := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	stale, _ := repo.GetByID(ctx, asset.AssetID)
	stale.LastModifiedAt = &oldModified

	res, err := svc.GetOrFetch(ctx, stale, "u1", "small")
	if err != nil {
		t.Fatalf("GetOrFetch со старым mtime: %v", err)
	}
	if !res.Cached {
		t.Error("запрос со старым mtime не попал в кэш после сверки метаданных")
	}
	if fetcher.callCount() != 1 {
		t.Errorf("fetch вызван %d раз, хотели 1", fetcher.callCount())
	}
}

func TestInvalidate(t *testing.T) {
	asset := externalAsset()
	repo := newFakeAssetRepo(asset)
	fetcher := &fakeFetcher{data: []byte("png")}
	svc := newTestThumbnailService(t, repo, fetcher)
	ctx := context.Background()

	if _, err := svc.GetOrFetch(ctx, asset, "u1", "small"); err != nil {
		t.Fatalf("GetOrFetch: %v", err)
	}

	if err := svc.Invalidate(ctx, asset.AssetID); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}

	updated, _ := repo.GetByID(ctx, asset.AssetID)
	if updated.CachedThumbnailPath != nil || updated.CacheVersion != nil {
		t.Error("cache-поля не очищены после Invalidate")
	}
}

func TestThumbnailSweep_DeletesStale(t *testing.T) {
	asset := externalAsset()
	repo := newFakeAssetRepo(asset)
	fetcher := &fakeFetcher{data: []byte("png")}
	svc := newTestThumbnailService(t, repo, fetcher)
	ctx := context.Background()

	if _, err := svc.GetOrFetch(ctx, asset, "u1", "small"); err != nil {
		t.Fatalf("GetOrFetch: %v", err)
	}

	// Состариваем запись в БД
	old := time.Now().Add(-30 * 24 * time.Hour)
	updated, _ := repo.GetByID(ctx, asset.AssetID)
	if err := repo.UpdateThumbnailCache(ctx, asset.AssetID, *updated.CachedThumbnailPath, *updated.CacheVersion, old); err != nil {
		t.Fatalf("UpdateThumbnailCache: %v", err)
	}

	if deleted := svc.RunSweepOnce(ctx); deleted == 0 {
		t.Error("sweep не удалил устаревшую запись")
	}

	after, _ := repo.GetByID(ctx, asset.AssetID)
	if after.CachedThumbnailPath != nil {
		t.Error("cache-поля не очищены после sweep")
	}
}

func TestFingerprint_URLAndMtime(t *testing.T) {
	modified := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	later := modified.Add(time.Second)

	a := Fingerprint("https://x/thumb", &modified)
	b := Fingerprint("https://x/thumb", &modified)
	if a != b {
		t.Error("отпечаток недетерминирован")
	}
	if Fingerprint("https://x/thumb", &later) == a {
		t.Error("смена mtime не меняет отпечаток")
	}
	if Fingerprint("https://y/thumb", &modified) == a {
		t.Error("смена URL не меняет отпечаток")
	}
	if Fingerprint("https://x/thumb", nil) == a {
		t.Error("nil mtime даёт тот же отпечаток")
	}
}
