// Пакет rbac — ролевая модель Access Gateway.
// Пять ролей в порядке возрастания привилегий:
// guest < standard < editor < admin < superadmin.
// Роль задаёт базовый набор действий; владение ресурсом — вторичное,
// action-специфичное дополнение (проверяется в PermissionEvaluator).
package rbac

// Роли в порядке возрастания привилегий.
const (
	RoleGuest      = "guest"
	RoleStandard   = "standard"
	RoleEditor     = "editor"
	RoleAdmin      = "admin"
	RoleSuperadmin = "superadmin"
)

// roleWeight — вес роли для сравнения.
// Чем выше вес, тем больше привилегий.
var roleWeight = map[string]int{
	RoleGuest:      1,
	RoleStandard:   2,
	RoleEditor:     3,
	RoleAdmin:      4,
	RoleSuperadmin: 5,
}

// roleActions — базовая таблица роль → допустимые действия.
// Действия read/download/thumbnail нормализуются в "read" (ActionClass).
var roleActions = map[string]map[string]bool{
	RoleGuest:      {"read": true},
	RoleStandard:   {"read": true, "write": true},
	RoleEditor:     {"read": true, "write": true, "delete": true, "share": true},
	RoleAdmin:      {"read": true, "write": true, "delete": true, "share": true},
	RoleSuperadmin: {"read": true, "write": true, "delete": true, "share": true},
}

// IsValidRole проверяет, является ли строка допустимой ролью.
func IsValidRole(role string) bool {
	_, ok := roleWeight[role]
	return ok
}

// AtLeast возвращает true, если роль role имеет привилегии не ниже min.
// Неизвестные роли имеют вес 0 и не проходят ни одну проверку.
func AtLeast(role, min string) bool {
	return roleWeight[role] >= roleWeight[min]
}

// ActionClass нормализует действие для базовой таблицы:
// read, download и thumbnail — разные способы чтения одного файла.
func ActionClass(action string) string {
	switch action {
	case "read", "download", "thumbnail":
		return "read"
	default:
		return action
	}
}

// RoleAllows проверяет, входит ли действие в базовый набор роли.
func RoleAllows(role, action string) bool {
	actions, ok := roleActions[role]
	if !ok {
		return false
	}
	return actions[ActionClass(action)]
}

// IsMutating возвращает true для действий, изменяющих ресурс.
// Для таких действий роль standard дополнительно ограничена владением.
func IsMutating(action string) bool {
	return action == "write" || action == "delete"
}
