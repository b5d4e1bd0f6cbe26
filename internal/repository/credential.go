package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// DriveCredential — сохранённые учётные данные пользователя для Drive API.
// refresh_token долгоживущий, access_token обновляется по мере истечения.
type DriveCredential struct {
	UserID       string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	UpdatedAt    time.Time
}

// CredentialRepository — интерфейс доступа к Drive-креденшалам.
type CredentialRepository interface {
	// Get возвращает креденшалы пользователя.
	Get(ctx context.Context, userID string) (*DriveCredential, error)
	// UpdateAccessToken сохраняет свежий access_token после refresh-гранта.
	UpdateAccessToken(ctx context.Context, userID, accessToken string, expiresAt time.Time) error
}

// credentialRepo — реализация CredentialRepository через pgx.
type credentialRepo struct {
	db DBTX
}

// NewCredentialRepository создаёт репозиторий Drive-креденшалов.
func NewCredentialRepository(db DBTX) CredentialRepository {
	return &credentialRepo{db: db}
}

// Get возвращает креденшалы пользователя или ErrNotFound.
func (r *credentialRepo) Get(ctx context.Context, userID string) (*DriveCredential, error) {
	query := `
		SELECT user_id, access_token, refresh_token, expires_at, updated_at
		FROM drive_credentials WHERE user_id = $1`

	c := &DriveCredential{}
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&c.UserID, &c.AccessToken, &c.RefreshToken, &c.ExpiresAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения креденшалов: %w", err)
	}
	return c, nil
}

// UpdateAccessToken сохраняет свежий access_token после refresh-гранта.
func (r *credentialRepo) UpdateAccessToken(ctx context.Context, userID, accessToken string, expiresAt time.Time) error {
	query := `
		UPDATE drive_credentials
		SET access_token = $2, expires_at = $3, updated_at = now()
		WHERE user_id = $1`

	tag, err := r.db.Exec(ctx, query, userID, accessToken, expiresAt)
	if err != nil {
		return fmt.Errorf("ошибка обновления access_token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
