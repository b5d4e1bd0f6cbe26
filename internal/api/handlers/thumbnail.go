// thumbnail.go — выдача миниатюр внешних файлов.
// GET /api/v1/assets/{asset_id}/thumbnail?size=small|medium|large
//
// Маршрут аутентифицируется JWT; права проверяются живьём по роли
// из БД. Миниатюра отдаётся из дискового кэша, промах приводит
// к загрузке из Drive API через ThumbnailService.
package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	apierrors "github.com/bigkaa/assetgate/internal/api/errors"
	"github.com/bigkaa/assetgate/internal/domain/model"
	"github.com/bigkaa/assetgate/internal/provider"
	"github.com/bigkaa/assetgate/internal/service"
)

// GetThumbnail — выдача миниатюры ресурса.
func (h *APIHandler) GetThumbnail(w http.ResponseWriter, r *http.Request) {
	assetID := chi.URLParam(r, "asset_id")
	if _, err := uuid.Parse(assetID); err != nil {
		apierrors.ValidationError(w, "Некорректный идентификатор ресурса")
		return
	}

	size := r.URL.Query().Get("size")
	if size == "" {
		size = "medium"
	}
	if !service.ValidSize(size) {
		apierrors.ValidationError(w, "Недопустимый размер миниатюры: ожидается small, medium или large")
		return
	}

	user := h.currentUser(w, r)
	if user == nil {
		return
	}

	asset, ok := h.activeAsset(w, r, assetID)
	if !ok {
		return
	}

	if decision := h.perms.Evaluate(user, asset, model.ActionThumbnail); !decision.Allowed {
		h.auditSecure(r, user.UserID, asset.ExternalFileID, model.ActionThumbnail,
			false, apierrors.CodePermissionDenied, decision.Reason)
		apierrors.WriteError(w, http.StatusForbidden, apierrors.CodePermissionDenied, decision.Reason)
		return
	}

	if !asset.IsExternal || asset.ThumbnailSourceURL == "" {
		apierrors.WriteError(w, http.StatusNotFound, apierrors.CodeNotFound, "У ресурса нет миниатюры")
		return
	}

	result, err := h.thumbnails.GetOrFetch(r.Context(), asset, user.UserID, size)
	if err != nil {
		code := h.writeThumbnailError(w, err)
		h.auditSecure(r, user.UserID, asset.ExternalFileID, model.ActionThumbnail, false, code, err.Error())
		return
	}

	// Кэш-хит можно долго держать на клиенте: отпечаток версии
	// инвалидирует запись при изменении источника
	maxAge := 300
	if result.Cached {
		if secs := int(time.Until(result.ExpiresAt).Seconds()); secs > maxAge {
			maxAge = secs
		}
	}
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", maxAge))

	h.auditSecure(r, user.UserID, asset.ExternalFileID, model.ActionThumbnail, true, "", "")
	http.ServeFile(w, r, result.Path)
}

// writeThumbnailError пишет ответ об ошибке выдачи миниатюры и
// возвращает код для аудита.
func (h *APIHandler) writeThumbnailError(w http.ResponseWriter, err error) string {
	if errors.Is(err, service.ErrUnsupportedSize) {
		apierrors.ValidationError(w, "Недопустимый размер миниатюры")
		return apierrors.CodeValidationError
	}

	var quotaErr *service.QuotaExceededError
	if errors.As(err, &quotaErr) {
		apierrors.TooManyRequests(w, "Исчерпана квота обращений к Drive API", int(quotaErr.RetryAfter.Seconds()))
		return apierrors.CodeQuotaExceeded
	}

	parsed := provider.Classify(err)
	switch parsed.Code {
	case provider.CodePermissionDenied:
		apierrors.WriteError(w, http.StatusForbidden, apierrors.CodeDrivePermission,
			"Drive отклонил доступ к миниатюре")
		return apierrors.CodeDrivePermission
	case provider.CodeNotFound:
		apierrors.WriteError(w, http.StatusNotFound, apierrors.CodeFileNotFound,
			"Миниатюра не найдена в Drive")
		return apierrors.CodeFileNotFound
	case provider.CodeRateLimited, provider.CodeQuotaExceeded:
		apierrors.TooManyRequests(w, "Drive API ограничил частоту запросов", int(parsed.RetryAfter.Seconds()))
		return apierrors.CodeRateLimited
	default:
		apierrors.DriveUnavailable(w, "Drive API недоступен")
		return apierrors.CodeDriveUnavailable
	}
}
