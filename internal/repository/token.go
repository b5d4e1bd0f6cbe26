package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/assetgate/internal/domain/model"
)

// tokenColumns — список столбцов таблицы access_tokens для SELECT-запросов.
const tokenColumns = `token, asset_id, external_file_id, user_id, action,
	expires_at, revoked_at, created_at`

// TokenRepository — интерфейс доступа к токенам доступа к файлам.
type TokenRepository interface {
	// Create сохраняет новый токен.
	Create(ctx context.Context, t *model.AccessToken) error
	// GetByToken возвращает токен по его значению.
	GetByToken(ctx context.Context, token string) (*model.AccessToken, error)
	// Revoke помечает токен отозванным.
	Revoke(ctx context.Context, token string) error
	// Delete удаляет токен (lazy cleanup при валидации истёкшего).
	Delete(ctx context.Context, token string) error
	// RevokeByAsset отзывает все активные токены ресурса.
	RevokeByAsset(ctx context.Context, assetID string) (int64, error)
	// DeleteExpired удаляет токены, истёкшие раньше cutoff. Возвращает число удалённых.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// tokenRepo — реализация TokenRepository через pgx.
type tokenRepo struct {
	db DBTX
}

// NewTokenRepository создаёт репозиторий токенов.
func NewTokenRepository(db DBTX) TokenRepository {
	return &tokenRepo{db: db}
}

// Create сохраняет новый токен.
func (r *tokenRepo) Create(ctx context.Context, t *model.AccessToken) error {
	query := `
		INSERT INTO access_tokens (token, asset_id, external_file_id, user_id, action, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.db.Exec(ctx, query,
		t.Token, t.AssetID, t.ExternalFileID, t.UserID, t.Action, t.ExpiresAt, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("ошибка создания токена: %w", err)
	}
	return nil
}

// GetByToken возвращает токен по его значению или ErrNotFound.
func (r *tokenRepo) GetByToken(ctx context.Context, token string) (*model.AccessToken, error) {
	query := fmt.Sprintf(`SELECT %s FROM access_tokens WHERE token = $1`, tokenColumns)

	t := &model.AccessToken{}
	err := r.db.QueryRow(ctx, query, token).Scan(
		&t.Token, &t.AssetID, &t.ExternalFileID, &t.UserID, &t.Action,
		&t.ExpiresAt, &t.RevokedAt, &t.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения токена: %w", err)
	}
	return t, nil
}

// Revoke помечает токен отозванным. Повторный отзыв — no-op.
func (r *tokenRepo) Revoke(ctx context.Context, token string) error {
	query := `UPDATE access_tokens SET revoked_at = now() WHERE token = $1 AND revoked_at IS NULL`

	tag, err := r.db.Exec(ctx, query, token)
	if err != nil {
		return fmt.Errorf("ошибка отзыва токена: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete удаляет токен. Отсутствующий токен — не ошибка.
func (r *tokenRepo) Delete(ctx context.Context, token string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM access_tokens WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("ошибка удаления токена: %w", err)
	}
	return nil
}

// RevokeByAsset отзывает все активные токены ресурса.
func (r *tokenRepo) RevokeByAsset(ctx context.Context, assetID string) (int64, error) {
	query := `UPDATE access_tokens SET revoked_at = now() WHERE asset_id = $1 AND revoked_at IS NULL`

	tag, err := r.db.Exec(ctx, query, assetID)
	if err != nil {
		return 0, fmt.Errorf("ошибка отзыва токенов ресурса: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteExpired удаляет токены, истёкшие раньше cutoff.
// Вызывается фоновой очисткой.
func (r *tokenRepo) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM access_tokens WHERE expires_at < $1`

	tag, err := r.db.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("ошибка удаления истёкших токенов: %w", err)
	}
	return tag.RowsAffected(), nil
}
