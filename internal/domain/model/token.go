// token.go — модель AccessToken: одноцелевой короткоживущий токен доступа,
// привязанный к тройке (ресурс, пользователь, действие).
// Токен — удобство доставки байтов, а не кэш прав: каждый потребитель
// обязан повторно проверить живые права через PermissionEvaluator.
package model

import "time"

// Действия, к которым привязываются токены и решения авторизации.
const (
	// ActionRead — просмотр содержимого файла
	ActionRead = "read"
	// ActionDownload — скачивание файла (токен одноразовый)
	ActionDownload = "download"
	// ActionThumbnail — получение миниатюры
	ActionThumbnail = "thumbnail"
	// ActionWrite — изменение ресурса
	ActionWrite = "write"
	// ActionDelete — удаление ресурса
	ActionDelete = "delete"
	// ActionShare — управление доступом к ресурсу
	ActionShare = "share"
)

// AccessToken — персистентный токен доступа к внешнему файлу.
type AccessToken struct {
	// Token — криптослучайная строка (32 байта, base64url)
	Token string
	// AssetID — UUID ресурса, к которому привязан токен
	AssetID string
	// ExternalFileID — идентификатор файла в Drive
	ExternalFileID string
	// UserID — UUID пользователя, для которого выпущен токен
	UserID string
	// Action — действие, разрешённое токеном (read/download/thumbnail)
	Action string
	// ExpiresAt — время истечения токена
	ExpiresAt time.Time
	// RevokedAt — время отзыва (nil — токен не отозван)
	RevokedAt *time.Time
	// CreatedAt — время выпуска
	CreatedAt time.Time
}

// IsExpired возвращает true, если токен истёк на момент now.
// Истечение проверяется раньше отзыва: просроченный токен считается
// отсутствующим независимо от RevokedAt.
func (t *AccessToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// IsRevoked возвращает true для отозванного токена.
func (t *AccessToken) IsRevoked() bool {
	return t.RevokedAt != nil
}
