// user.go — модель Caller: аутентифицированный пользователь с ролью
// и областью доступных клиентов. Роль берётся из БД, не из JWT.
package model

import "time"

// User — аутентифицированный субъект запроса.
type User struct {
	// UserID — UUID пользователя
	UserID string
	// Subject — sub из JWT (идентификатор в IdP)
	Subject string
	// Email — электронная почта
	Email string
	// DisplayName — отображаемое имя
	DisplayName string
	// Role — роль из фиксированного набора (см. пакет rbac)
	Role string
	// ClientIDs — UUID клиентов, к которым пользователь имеет доступ
	ClientIDs []string
	// CreatedAt — время создания записи
	CreatedAt time.Time
	// UpdatedAt — время последнего обновления записи
	UpdatedAt time.Time
}

// HasClient проверяет, входит ли клиент в область доступа пользователя.
func (u *User) HasClient(clientID string) bool {
	for _, id := range u.ClientIDs {
		if id == clientID {
			return true
		}
	}
	return false
}
