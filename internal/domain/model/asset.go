// Пакет model — доменные модели Access Gateway.
// asset.go — модель Asset: бизнес-объект (брендовый ресурс), опционально
// привязанный к файлу во внешнем Drive-аккаунте пользователя.
package model

import (
	"time"
)

// Видимость ресурса.
const (
	// VisibilityPrivate — ресурс виден только внутри клиента с достаточной ролью.
	VisibilityPrivate = "private"
	// VisibilityShared — ресурс доступен для чтения в том числе роли guest.
	VisibilityShared = "shared"
)

// Asset — бизнес-ресурс, опционально привязанный к внешнему файлу.
// Для не-external ресурсов Drive-специфичные проверки не выполняются вовсе.
type Asset struct {
	// AssetID — UUID ресурса
	AssetID string
	// ClientID — UUID клиента-владельца
	ClientID string
	// UploadedBy — UUID пользователя, загрузившего ресурс
	UploadedBy string
	// Visibility — видимость ресурса (private/shared)
	Visibility string

	// --- Привязка к Drive ---

	// IsExternal — true если ресурс привязан к файлу во внешнем Drive
	IsExternal bool
	// ExternalFileID — идентификатор файла в Drive (пустая строка для локальных)
	ExternalFileID string
	// ExternalOwner — владелец файла на стороне Drive (email аккаунта)
	ExternalOwner string
	// LastModifiedAt — время последнего изменения файла на стороне Drive
	LastModifiedAt *time.Time
	// ThumbnailSourceURL — URL источника миниатюры на стороне Drive
	ThumbnailSourceURL string
	// SharedWith — UUID пользователей с явным external-sharing грантом
	SharedWith []string

	// --- Кэш миниатюры (поля изменяются только ThumbnailService) ---

	// CachedThumbnailPath — относительный путь закэшированной миниатюры
	CachedThumbnailPath *string
	// CachedAt — время записи миниатюры в кэш
	CachedAt *time.Time
	// CacheVersion — fingerprint версии источника на момент кэширования
	CacheVersion *string

	// CreatedAt — время создания записи
	CreatedAt time.Time
	// UpdatedAt — время последнего обновления записи
	UpdatedAt time.Time
	// DeletedAt — время мягкого удаления (nil — ресурс активен)
	DeletedAt *time.Time
}

// IsDeleted возвращает true для мягко удалённого ресурса.
// Удалённые ресурсы исключаются из всех путей доступа.
func (a *Asset) IsDeleted() bool {
	return a.DeletedAt != nil
}

// IsSharedWith проверяет наличие явного external-sharing гранта для пользователя.
func (a *Asset) IsSharedWith(userID string) bool {
	for _, id := range a.SharedWith {
		if id == userID {
			return true
		}
	}
	return false
}
