package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bigkaa/assetgate/internal/domain/model"
)

// auditColumns — список столбцов таблицы audit_log для SELECT-запросов.
const auditColumns = `entry_id, user_id, asset_id, external_file_id, action,
	success, error_code, error_message, role, client_id,
	ip_address, user_agent, metadata, created_at`

// AuditFilter — параметры выборки журнала аудита.
// Пустые поля не участвуют в фильтрации.
type AuditFilter struct {
	UserID  string
	AssetID string
	Action  string
	Success *bool
	Since   time.Time
	Until   time.Time
	Limit   int
	Offset  int
}

// AuditRepository — интерфейс записи и выборки журнала аудита.
type AuditRepository interface {
	// Insert добавляет запись в журнал.
	Insert(ctx context.Context, e *model.AuditEntry) error
	// List возвращает записи по фильтру, новые первыми.
	List(ctx context.Context, f AuditFilter) ([]*model.AuditEntry, error)
	// DeleteOlderThan удаляет записи старше cutoff. Возвращает число удалённых.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// auditRepo — реализация AuditRepository через pgx.
type auditRepo struct {
	db DBTX
}

// NewAuditRepository создаёт репозиторий журнала аудита.
func NewAuditRepository(db DBTX) AuditRepository {
	return &auditRepo{db: db}
}

// Insert добавляет запись в журнал.
func (r *auditRepo) Insert(ctx context.Context, e *model.AuditEntry) error {
	query := `
		INSERT INTO audit_log (entry_id, user_id, asset_id, external_file_id, action,
			success, error_code, error_message, role, client_id,
			ip_address, user_agent, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := r.db.Exec(ctx, query,
		e.EntryID, e.UserID, e.AssetID, e.ExternalFileID, e.Action,
		e.Success, e.ErrorCode, e.ErrorMessage, e.Role, e.ClientID,
		e.IPAddress, e.UserAgent, e.Metadata, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("ошибка записи в журнал аудита: %w", err)
	}
	return nil
}

// List возвращает записи по фильтру, новые первыми.
func (r *auditRepo) List(ctx context.Context, f AuditFilter) ([]*model.AuditEntry, error) {
	where, args := buildAuditWhere(f)

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	query := fmt.Sprintf(
		`SELECT %s FROM audit_log %s ORDER BY created_at DESC LIMIT %d OFFSET %d`,
		auditColumns, where, limit, offset,
	)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки журнала аудита: %w", err)
	}
	defer rows.Close()

	var result []*model.AuditEntry
	for rows.Next() {
		e := &model.AuditEntry{}
		if err := rows.Scan(
			&e.EntryID, &e.UserID, &e.AssetID, &e.ExternalFileID, &e.Action,
			&e.Success, &e.ErrorCode, &e.ErrorMessage, &e.Role, &e.ClientID,
			&e.IPAddress, &e.UserAgent, &e.Metadata, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования записи аудита: %w", err)
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации результатов: %w", err)
	}
	return result, nil
}

// DeleteOlderThan удаляет записи старше cutoff. Вызывается фоновой очисткой.
func (r *auditRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM audit_log WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("ошибка удаления старых записей аудита: %w", err)
	}
	return tag.RowsAffected(), nil
}

// buildAuditWhere собирает WHERE-условие по заполненным полям фильтра.
// Значения передаются параметрами, конкатенации пользовательского ввода нет.
func buildAuditWhere(f AuditFilter) (string, []any) {
	var conds []string
	var args []any

	add := func(cond string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.AssetID != "" {
		add("asset_id = $%d", f.AssetID)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.Success != nil {
		add("success = $%d", *f.Success)
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("created_at < $%d", f.Until)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}
