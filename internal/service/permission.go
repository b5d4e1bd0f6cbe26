package service

import (
	"github.com/bigkaa/assetgate/internal/domain/model"
	"github.com/bigkaa/assetgate/internal/domain/rbac"
)

// Причины отказа PermissionEvaluator. Строки пригодны для показа
// пользователю как есть.
const (
	ReasonNotInClient       = "ресурс вне клиентской области пользователя"
	ReasonActionNotAllowed  = "действие не разрешено для роли"
	ReasonNotShared         = "гостевая роль может читать только shared-ресурсы"
	ReasonNotOwner          = "можно изменять только собственные ресурсы"
	ReasonExternalNoAccess  = "нет доступа к внешнему файлу"
)

// Decision — результат проверки прав.
type Decision struct {
	Allowed bool
	// Reason — структурированная причина отказа (пустая при разрешении).
	Reason string
}

// PermissionEvaluator — чистая проверка прав для тройки
// (пользователь, ресурс, действие). Побочных эффектов нет, аудит —
// обязанность вызывающего кода.
type PermissionEvaluator struct{}

// NewPermissionEvaluator создаёт проверку прав.
func NewPermissionEvaluator() *PermissionEvaluator {
	return &PermissionEvaluator{}
}

// Evaluate проверяет права пользователя на действие с ресурсом.
//
// Порядок проверок:
//  1. Клиентская область: ресурс должен принадлежать одному из клиентов
//     пользователя; superadmin проверку обходит.
//  2. Матрица роль-действия (rbac.RoleAllows).
//  3. Правило видимости: guest читает только shared-ресурсы.
//  4. Правило владения: write/delete для ролей ниже admin — только над
//     собственными ресурсами.
//  5. Для внешних файлов — дополнительный слой: владелец, явный sharing
//     grant или роль editor и выше. Проверяется В ДОПОЛНЕНИЕ к шагам 1-4.
func (e *PermissionEvaluator) Evaluate(caller *model.User, asset *model.Asset, action string) Decision {
	// 1. Клиентская область
	if caller.Role != rbac.RoleSuperadmin && !caller.HasClient(asset.ClientID) {
		return Decision{Reason: ReasonNotInClient}
	}

	// 2. Матрица роль-действия
	if !rbac.RoleAllows(caller.Role, action) {
		return Decision{Reason: ReasonActionNotAllowed}
	}

	// 3. Видимость для гостевой роли
	if caller.Role == rbac.RoleGuest && asset.Visibility != model.VisibilityShared {
		return Decision{Reason: ReasonNotShared}
	}

	// 4. Владение для изменяющих действий
	if rbac.IsMutating(action) && !rbac.AtLeast(caller.Role, rbac.RoleAdmin) && asset.UploadedBy != caller.UserID {
		return Decision{Reason: ReasonNotOwner}
	}

	// 5. Внешний файл: слой провайдерских правил поверх базовых.
	// Не-внешние ресурсы этот слой обходят полностью.
	if asset.IsExternal && !e.externalAllowed(caller, asset) {
		return Decision{Reason: ReasonExternalNoAccess}
	}

	return Decision{Allowed: true}
}

// externalAllowed — провайдерский слой для внешних файлов:
// владелец ресурса, явный sharing grant или привилегированная роль.
func (e *PermissionEvaluator) externalAllowed(caller *model.User, asset *model.Asset) bool {
	if asset.UploadedBy == caller.UserID {
		return true
	}
	if asset.IsSharedWith(caller.UserID) {
		return true
	}
	return rbac.AtLeast(caller.Role, rbac.RoleEditor)
}
