// secure.go — защищённый файловый маршрут Access Gateway.
// GET /api/v1/files/secure/{external_file_id}?token=...&action=read|download|thumbnail
//
// Аутентификация маршрута — access-токен в query, не JWT: ссылку можно
// открыть в <img>/<a> без заголовков. Права пересчитываются живьём
// на каждом запросе; каждый исход пишется в журнал аудита.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/assetgate/internal/api/errors"
	"github.com/bigkaa/assetgate/internal/domain/model"
	"github.com/bigkaa/assetgate/internal/provider"
	"github.com/bigkaa/assetgate/internal/service"
)

// ServeSecureFile — выдача содержимого внешнего файла по access-токену.
func (h *APIHandler) ServeSecureFile(w http.ResponseWriter, r *http.Request) {
	externalFileID := chi.URLParam(r, "external_file_id")
	if !provider.ValidFileID(externalFileID) {
		apierrors.ValidationError(w, "Некорректный идентификатор файла")
		return
	}

	action := r.URL.Query().Get("action")
	if action == "" {
		action = model.ActionRead
	}
	if action != model.ActionRead && action != model.ActionDownload && action != model.ActionThumbnail {
		apierrors.ValidationError(w, "Недопустимое действие: ожидается read, download или thumbnail")
		return
	}

	tokenString := r.URL.Query().Get("token")
	if tokenString == "" {
		h.auditSecure(r, "", externalFileID, action, false, apierrors.CodeMissingToken, "токен не передан")
		apierrors.WriteError(w, http.StatusBadRequest, apierrors.CodeMissingToken, "Отсутствует параметр token")
		return
	}

	grant, err := h.secure.Authorize(r.Context(), tokenString, externalFileID, action)
	if err != nil {
		code, status, message := mapAuthorizeError(err)
		h.auditSecure(r, "", externalFileID, action, false, code, err.Error())
		apierrors.WriteError(w, status, code, message)
		return
	}

	// Токен с действием thumbnail отдаёт миниатюру из кэша,
	// а не оригинальные байты файла
	if action == model.ActionThumbnail {
		h.serveTokenThumbnail(w, r, grant)
		return
	}

	resp, err := h.secure.Stream(r.Context(), grant, r.Header.Get("Range"))
	if err != nil {
		code := h.writeStreamError(w, err)
		h.auditSecureGrant(r, grant, action, false, code, err.Error())
		return
	}
	defer resp.Body.Close()

	copyFileHeaders(w.Header(), resp.Header)
	if action == model.ActionDownload {
		if w.Header().Get("Content-Disposition") == "" {
			w.Header().Set("Content-Disposition", "attachment")
		}
	}
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		// Заголовки уже ушли клиенту: фиксируем обрыв только в логе и аудите
		h.logger.Warn("Обрыв стрима файла",
			slog.String("external_file_id", externalFileID),
			slog.String("error", err.Error()),
		)
		h.auditSecureGrant(r, grant, action, false, "STREAM_ABORTED", err.Error())
		return
	}

	// download-токен одноразовый: отзывается после успешной выдачи
	h.secure.FinishDownload(r.Context(), grant)
	h.auditSecureGrant(r, grant, action, true, "", "")
}

// serveTokenThumbnail выдаёт миниатюру по thumbnail-токену через тот же
// кэш, что и JWT-маршрут миниатюр.
func (h *APIHandler) serveTokenThumbnail(w http.ResponseWriter, r *http.Request, grant *service.AccessGrant) {
	size := r.URL.Query().Get("size")
	if size == "" {
		size = "medium"
	}
	if !service.ValidSize(size) {
		apierrors.ValidationError(w, "Недопустимый размер миниатюры: ожидается small, medium или large")
		return
	}

	if !grant.Asset.IsExternal || grant.Asset.ThumbnailSourceURL == "" {
		apierrors.WriteError(w, http.StatusNotFound, apierrors.CodeNotFound, "У ресурса нет миниатюры")
		return
	}

	result, err := h.thumbnails.GetOrFetch(r.Context(), grant.Asset, grant.User.UserID, size)
	if err != nil {
		code := h.writeThumbnailError(w, err)
		h.auditSecureGrant(r, grant, model.ActionThumbnail, false, code, err.Error())
		return
	}

	maxAge := 300
	if result.Cached {
		if secs := int(time.Until(result.ExpiresAt).Seconds()); secs > maxAge {
			maxAge = secs
		}
	}
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", maxAge))

	h.auditSecureGrant(r, grant, model.ActionThumbnail, true, "", "")
	http.ServeFile(w, r, result.Path)
}

// mapAuthorizeError переводит ошибку авторизации в (код, статус, сообщение).
func mapAuthorizeError(err error) (code string, status int, message string) {
	var denied *service.PermissionDeniedError
	switch {
	case errors.Is(err, service.ErrTokenNotFound), errors.Is(err, service.ErrTokenRevoked):
		return apierrors.CodeInvalidToken, http.StatusUnauthorized, "Токен не существует или отозван"
	case errors.Is(err, service.ErrTokenExpired):
		return apierrors.CodeTokenExpired, http.StatusUnauthorized, "Срок действия токена истёк"
	case errors.Is(err, service.ErrTokenFileMismatch):
		return apierrors.CodeTokenFileMismatch, http.StatusForbidden, "Токен выпущен для другого файла"
	case errors.Is(err, service.ErrActionNotPermitted):
		return apierrors.CodeActionNotPermitted, http.StatusForbidden, "Действие не разрешено токеном"
	case errors.Is(err, service.ErrAssetNotFound):
		return apierrors.CodeAssetNotFound, http.StatusNotFound, "Ресурс не найден"
	case errors.Is(err, service.ErrUserNotFound):
		return apierrors.CodeInvalidToken, http.StatusUnauthorized, "Пользователь токена не существует"
	case errors.As(err, &denied):
		return apierrors.CodePermissionDenied, http.StatusForbidden, denied.Reason
	default:
		return apierrors.CodeInternalError, http.StatusInternalServerError, "Внутренняя ошибка сервера"
	}
}

// writeStreamError пишет ответ об ошибке загрузки из Drive и возвращает
// код ошибки для аудита.
func (h *APIHandler) writeStreamError(w http.ResponseWriter, err error) string {
	var quotaErr *service.QuotaExceededError
	if errors.As(err, &quotaErr) {
		retryAfter := int(quotaErr.RetryAfter.Seconds())
		if retryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		}
		apierrors.WriteError(w, http.StatusTooManyRequests, apierrors.CodeQuotaExceeded,
			"Исчерпана квота обращений к Drive API")
		return apierrors.CodeQuotaExceeded
	}

	parsed := provider.Classify(err)
	switch parsed.Code {
	case provider.CodePermissionDenied:
		apierrors.WriteError(w, http.StatusForbidden, apierrors.CodeDrivePermission,
			"Drive отклонил доступ к файлу")
		return apierrors.CodeDrivePermission
	case provider.CodeNotFound:
		apierrors.WriteError(w, http.StatusNotFound, apierrors.CodeFileNotFound,
			"Файл не найден в Drive")
		return apierrors.CodeFileNotFound
	case provider.CodeRateLimited, provider.CodeQuotaExceeded:
		retryAfter := int(parsed.RetryAfter.Seconds())
		apierrors.TooManyRequests(w, "Drive API ограничил частоту запросов", retryAfter)
		return apierrors.CodeRateLimited
	case provider.CodeAuthExpired, provider.CodeAuthInvalid:
		apierrors.WriteError(w, http.StatusBadGateway, apierrors.CodeDriveUnavailable,
			"Не удалось авторизоваться в Drive API")
		return apierrors.CodeDriveUnavailable
	default:
		apierrors.DriveUnavailable(w, "Drive API недоступен")
		return apierrors.CodeDriveUnavailable
	}
}

// auditSecure пишет запись аудита защищённого маршрута без гранта.
func (h *APIHandler) auditSecure(r *http.Request, userID, externalFileID, action string, success bool, errorCode, errorMessage string) {
	h.audit.Record(contextWithoutCancel(r), &model.AuditEntry{
		UserID:         userID,
		ExternalFileID: externalFileID,
		Action:         action,
		Success:        success,
		ErrorCode:      errorCode,
		ErrorMessage:   errorMessage,
		IPAddress:      clientIP(r),
		UserAgent:      r.UserAgent(),
	})
}

// auditSecureGrant пишет запись аудита с контекстом авторизованного гранта.
func (h *APIHandler) auditSecureGrant(r *http.Request, grant *service.AccessGrant, action string, success bool, errorCode, errorMessage string) {
	h.audit.Record(contextWithoutCancel(r), &model.AuditEntry{
		UserID:         grant.User.UserID,
		AssetID:        grant.Asset.AssetID,
		ExternalFileID: grant.Asset.ExternalFileID,
		Action:         action,
		Success:        success,
		ErrorCode:      errorCode,
		ErrorMessage:   errorMessage,
		Role:           grant.User.Role,
		ClientID:       grant.Asset.ClientID,
		IPAddress:      clientIP(r),
		UserAgent:      r.UserAgent(),
	})
}

// contextWithoutCancel отвязывает запись аудита от контекста запроса:
// обрыв клиента не должен терять запись.
func contextWithoutCancel(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

// copyFileHeaders переносит файловые заголовки ответа Drive клиенту.
func copyFileHeaders(dst, src http.Header) {
	for _, name := range []string{
		"Content-Type",
		"Content-Length",
		"Content-Range",
		"Content-Disposition",
		"Accept-Ranges",
		"ETag",
		"Last-Modified",
	} {
		if v := src.Get(name); v != "" {
			dst.Set(name, v)
		}
	}
}
