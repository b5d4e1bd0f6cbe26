package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/assetgate/internal/domain/model"
)

// userColumns — список столбцов таблицы users для SELECT-запросов.
const userColumns = `user_id, subject, email, display_name, role, client_ids,
	created_at, updated_at`

// UserRepository — интерфейс доступа к пользователям.
// Это контракт user-lookup для авторизации: роль и область клиентов
// читаются из БД при каждом решении, а не кэшируются в токенах.
type UserRepository interface {
	// GetByID возвращает пользователя по UUID.
	GetByID(ctx context.Context, userID string) (*model.User, error)
	// GetBySubject возвращает пользователя по sub из JWT.
	GetBySubject(ctx context.Context, subject string) (*model.User, error)
}

// userRepo — реализация UserRepository через pgx.
type userRepo struct {
	db DBTX
}

// NewUserRepository создаёт репозиторий пользователей.
func NewUserRepository(db DBTX) UserRepository {
	return &userRepo{db: db}
}

// GetByID возвращает пользователя по UUID или ErrNotFound.
func (r *userRepo) GetByID(ctx context.Context, userID string) (*model.User, error) {
	query := fmt.Sprintf(`SELECT %s FROM users WHERE user_id = $1`, userColumns)
	return r.scanUser(r.db.QueryRow(ctx, query, userID))
}

// GetBySubject возвращает пользователя по sub из JWT или ErrNotFound.
func (r *userRepo) GetBySubject(ctx context.Context, subject string) (*model.User, error) {
	query := fmt.Sprintf(`SELECT %s FROM users WHERE subject = $1`, userColumns)
	return r.scanUser(r.db.QueryRow(ctx, query, subject))
}

// scanUser сканирует строку pgx.Row в модель User.
func (r *userRepo) scanUser(row pgx.Row) (*model.User, error) {
	u := &model.User{}
	err := row.Scan(
		&u.UserID, &u.Subject, &u.Email, &u.DisplayName, &u.Role, &u.ClientIDs,
		&u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения пользователя: %w", err)
	}
	return u, nil
}
