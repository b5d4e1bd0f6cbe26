// handler.go — основной обработчик API Access Gateway.
// Объединяет health-обработчики и бизнес-маршруты: защищённый файловый
// маршрут, миниатюры, выпуск access-токенов и журнал аудита.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	apierrors "github.com/bigkaa/assetgate/internal/api/errors"
	"github.com/bigkaa/assetgate/internal/api/middleware"
	"github.com/bigkaa/assetgate/internal/domain/model"
	"github.com/bigkaa/assetgate/internal/repository"
	"github.com/bigkaa/assetgate/internal/service"
)

// APIHandler — основной обработчик API Access Gateway.
// Делегирует запросы в сервисный слой; сам не содержит бизнес-логики.
type APIHandler struct {
	health     *HealthHandler
	secure     *service.SecureFileService
	thumbnails *service.ThumbnailService
	tokens     *service.AccessTokenService
	perms      *service.PermissionEvaluator
	audit      *service.AuditLogger
	users      repository.UserRepository
	assets     repository.AssetRepository
	logger     *slog.Logger
}

// NewAPIHandler создаёт основной обработчик API.
func NewAPIHandler(
	health *HealthHandler,
	secure *service.SecureFileService,
	thumbnails *service.ThumbnailService,
	tokens *service.AccessTokenService,
	perms *service.PermissionEvaluator,
	audit *service.AuditLogger,
	users repository.UserRepository,
	assets repository.AssetRepository,
	logger *slog.Logger,
) *APIHandler {
	return &APIHandler{
		health:     health,
		secure:     secure,
		thumbnails: thumbnails,
		tokens:     tokens,
		perms:      perms,
		audit:      audit,
		users:      users,
		assets:     assets,
		logger:     logger.With(slog.String("component", "api_handler")),
	}
}

// --- Health endpoints (делегируются в HealthHandler) ---

// HealthLive — liveness probe.
func (h *APIHandler) HealthLive(w http.ResponseWriter, r *http.Request) {
	h.health.HealthLive(w, r)
}

// HealthReady — readiness probe.
func (h *APIHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	h.health.HealthReady(w, r)
}

// GetMetrics — Prometheus метрики.
func (h *APIHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.health.GetMetrics(w, r)
}

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// currentUser ищет пользователя БД по субъекту JWT из контекста запроса.
// Пишет ответ ошибки и возвращает nil, если субъект отсутствует
// или пользователь не зарегистрирован.
func (h *APIHandler) currentUser(w http.ResponseWriter, r *http.Request) *model.User {
	subject := middleware.SubjectFromContext(r.Context())
	if subject == "" {
		apierrors.Unauthorized(w, "Отсутствуют claims в контексте")
		return nil
	}

	user, err := h.users.GetBySubject(r.Context(), subject)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			apierrors.Forbidden(w, "Пользователь не зарегистрирован в системе")
			return nil
		}
		h.logger.Error("Ошибка поиска пользователя по субъекту",
			slog.String("subject", subject),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка сервера")
		return nil
	}

	return user
}

// clientIP извлекает IP клиента для записи в аудит.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
