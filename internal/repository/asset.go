package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/assetgate/internal/domain/model"
)

// assetColumns — список столбцов таблицы assets для SELECT-запросов.
// DRY: одно место для всех SELECT'ов.
const assetColumns = `asset_id, client_id, uploaded_by, visibility, is_external,
	external_file_id, external_owner, last_modified_at, thumbnail_source_url,
	shared_with, cached_thumbnail_path, cached_at, cache_version,
	created_at, updated_at, deleted_at`

// AssetRepository — интерфейс доступа к ресурсам.
// Мягко удалённые ресурсы (deleted_at IS NOT NULL) исключаются из всех
// методов чтения: для путей доступа они отсутствуют.
type AssetRepository interface {
	// GetByID возвращает активный ресурс по UUID.
	GetByID(ctx context.Context, assetID string) (*model.Asset, error)
	// GetByExternalFileID возвращает активный ресурс по идентификатору Drive-файла.
	GetByExternalFileID(ctx context.Context, externalFileID string) (*model.Asset, error)
	// UpdateThumbnailCache записывает поля кэша миниатюры (путь, версию, время).
	UpdateThumbnailCache(ctx context.Context, assetID, path, version string, cachedAt time.Time) error
	// UpdateLastModified сохраняет mtime источника из живых метаданных Drive.
	UpdateLastModified(ctx context.Context, assetID string, modifiedAt time.Time) error
	// ClearThumbnailCache очищает поля кэша миниатюры.
	ClearThumbnailCache(ctx context.Context, assetID string) error
	// ListStaleThumbnails возвращает ресурсы с кэшем миниатюры старше olderThan.
	ListStaleThumbnails(ctx context.Context, olderThan time.Time) ([]*model.Asset, error)
}

// assetRepo — реализация AssetRepository через pgx.
type assetRepo struct {
	db DBTX
}

// NewAssetRepository создаёт репозиторий ресурсов.
func NewAssetRepository(db DBTX) AssetRepository {
	return &assetRepo{db: db}
}

// GetByID возвращает активный ресурс по UUID или ErrNotFound.
func (r *assetRepo) GetByID(ctx context.Context, assetID string) (*model.Asset, error) {
	query := fmt.Sprintf(`SELECT %s FROM assets WHERE asset_id = $1 AND deleted_at IS NULL`, assetColumns)
	return r.scanAsset(r.db.QueryRow(ctx, query, assetID))
}

// GetByExternalFileID возвращает активный ресурс по идентификатору Drive-файла.
func (r *assetRepo) GetByExternalFileID(ctx context.Context, externalFileID string) (*model.Asset, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM assets WHERE external_file_id = $1 AND is_external AND deleted_at IS NULL`,
		assetColumns,
	)
	return r.scanAsset(r.db.QueryRow(ctx, query, externalFileID))
}

// UpdateThumbnailCache записывает поля кэша миниатюры.
// Единственный штатный мутатор cache-полей — ThumbnailService.
func (r *assetRepo) UpdateThumbnailCache(ctx context.Context, assetID, path, version string, cachedAt time.Time) error {
	query := `
		UPDATE assets
		SET cached_thumbnail_path = $2, cache_version = $3, cached_at = $4, updated_at = now()
		WHERE asset_id = $1 AND deleted_at IS NULL`

	tag, err := r.db.Exec(ctx, query, assetID, path, version, cachedAt)
	if err != nil {
		return fmt.Errorf("ошибка обновления кэша миниатюры: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateLastModified сохраняет mtime источника, полученный из метаданных Drive.
func (r *assetRepo) UpdateLastModified(ctx context.Context, assetID string, modifiedAt time.Time) error {
	query := `
		UPDATE assets
		SET last_modified_at = $2, updated_at = now()
		WHERE asset_id = $1 AND deleted_at IS NULL`

	tag, err := r.db.Exec(ctx, query, assetID, modifiedAt)
	if err != nil {
		return fmt.Errorf("ошибка обновления mtime источника: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearThumbnailCache очищает поля кэша миниатюры (явная инвалидация).
func (r *assetRepo) ClearThumbnailCache(ctx context.Context, assetID string) error {
	query := `
		UPDATE assets
		SET cached_thumbnail_path = NULL, cache_version = NULL, cached_at = NULL, updated_at = now()
		WHERE asset_id = $1`

	tag, err := r.db.Exec(ctx, query, assetID)
	if err != nil {
		return fmt.Errorf("ошибка очистки кэша миниатюры: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListStaleThumbnails возвращает ресурсы с кэшем миниатюры старше olderThan.
// Используется фоновой очисткой кэша.
func (r *assetRepo) ListStaleThumbnails(ctx context.Context, olderThan time.Time) ([]*model.Asset, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM assets WHERE cached_at IS NOT NULL AND cached_at < $1`,
		assetColumns,
	)

	rows, err := r.db.Query(ctx, query, olderThan)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки устаревших миниатюр: %w", err)
	}
	defer rows.Close()

	var result []*model.Asset
	for rows.Next() {
		a, scanErr := r.scanAssetRow(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации результатов: %w", err)
	}
	return result, nil
}

// scanAsset сканирует одну строку pgx.Row в модель Asset.
func (r *assetRepo) scanAsset(row pgx.Row) (*model.Asset, error) {
	a := &model.Asset{}
	err := row.Scan(
		&a.AssetID, &a.ClientID, &a.UploadedBy, &a.Visibility, &a.IsExternal,
		&a.ExternalFileID, &a.ExternalOwner, &a.LastModifiedAt, &a.ThumbnailSourceURL,
		&a.SharedWith, &a.CachedThumbnailPath, &a.CachedAt, &a.CacheVersion,
		&a.CreatedAt, &a.UpdatedAt, &a.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения ресурса: %w", err)
	}
	return a, nil
}

// scanAssetRow сканирует строку pgx.Rows в модель Asset.
func (r *assetRepo) scanAssetRow(rows pgx.Rows) (*model.Asset, error) {
	a := &model.Asset{}
	if err := rows.Scan(
		&a.AssetID, &a.ClientID, &a.UploadedBy, &a.Visibility, &a.IsExternal,
		&a.ExternalFileID, &a.ExternalOwner, &a.LastModifiedAt, &a.ThumbnailSourceURL,
		&a.SharedWith, &a.CachedThumbnailPath, &a.CachedAt, &a.CacheVersion,
		&a.CreatedAt, &a.UpdatedAt, &a.DeletedAt,
	); err != nil {
		return nil, fmt.Errorf("ошибка сканирования ресурса: %w", err)
	}
	return a, nil
}
