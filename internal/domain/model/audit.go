// audit.go — модель AuditEntry: неизменяемая запись о решении доступа.
// Записи только добавляются; обновление и удаление штатно не выполняются.
package model

import "time"

// AuditEntry — запись журнала аудита о решении/исходе доступа.
type AuditEntry struct {
	// EntryID — UUID записи
	EntryID string
	// UserID — UUID пользователя (пустая строка — аноним)
	UserID string
	// AssetID — UUID ресурса (опционально)
	AssetID string
	// ExternalFileID — идентификатор файла в Drive (опционально)
	ExternalFileID string
	// Action — запрошенное действие
	Action string
	// Success — true если доступ разрешён и операция успешна
	Success bool
	// ErrorCode — машиночитаемый код ошибки (пустая строка при успехе)
	ErrorCode string
	// ErrorMessage — человекочитаемое описание ошибки
	ErrorMessage string
	// Role — роль пользователя на момент доступа
	Role string
	// ClientID — UUID клиента (контекст запроса, опционально)
	ClientID string
	// IPAddress — сетевой адрес источника запроса
	IPAddress string
	// UserAgent — User-Agent клиента
	UserAgent string
	// Metadata — произвольные дополнительные поля (сериализуются в JSONB)
	Metadata map[string]string
	// CreatedAt — время записи
	CreatedAt time.Time
}
