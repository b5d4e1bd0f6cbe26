// token.go — выпуск и отзыв access-токенов к внешним файлам.
// POST   /api/v1/assets/{asset_id}/access-token — выпустить токен
// DELETE /api/v1/assets/{asset_id}/access-token — отозвать все токены ресурса
//
// Токен выпускается только после живой проверки прав на запрошенное
// действие: токен — удобство доставки, а не обход PermissionEvaluator.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	apierrors "github.com/bigkaa/assetgate/internal/api/errors"
	"github.com/bigkaa/assetgate/internal/domain/model"
	"github.com/bigkaa/assetgate/internal/repository"
)

// mintTokenRequest — тело запроса выпуска токена.
type mintTokenRequest struct {
	// Action — действие токена: read, download или thumbnail.
	Action string `json:"action"`
	// TTLSeconds — запрошенный срок жизни; 0 — срок по умолчанию.
	// Сервис ограничивает значение верхней границей конфигурации.
	TTLSeconds int `json:"ttl_seconds,omitempty"`
}

// mintTokenResponse — тело ответа выпуска токена.
type mintTokenResponse struct {
	Token          string `json:"token"`
	AssetID        string `json:"asset_id"`
	ExternalFileID string `json:"external_file_id"`
	Action         string `json:"action"`
	ExpiresAt      string `json:"expires_at"`
	// URL — готовая ссылка на защищённый файловый маршрут.
	URL string `json:"url"`
}

// MintAccessToken — выпуск access-токена для внешнего файла ресурса.
func (h *APIHandler) MintAccessToken(w http.ResponseWriter, r *http.Request) {
	assetID := chi.URLParam(r, "asset_id")
	if _, err := uuid.Parse(assetID); err != nil {
		apierrors.ValidationError(w, "Некорректный идентификатор ресурса")
		return
	}

	var req mintTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Некорректное тело запроса: "+err.Error())
		return
	}
	if req.Action == "" {
		req.Action = model.ActionRead
	}

	user := h.currentUser(w, r)
	if user == nil {
		return
	}

	asset, ok := h.activeAsset(w, r, assetID)
	if !ok {
		return
	}
	if !asset.IsExternal {
		apierrors.ValidationError(w, "Ресурс не привязан к внешнему файлу")
		return
	}

	if decision := h.perms.Evaluate(user, asset, req.Action); !decision.Allowed {
		h.auditSecure(r, user.UserID, asset.ExternalFileID, req.Action,
			false, apierrors.CodePermissionDenied, decision.Reason)
		apierrors.WriteError(w, http.StatusForbidden, apierrors.CodePermissionDenied, decision.Reason)
		return
	}

	token, err := h.tokens.Mint(r.Context(), asset.AssetID, asset.ExternalFileID,
		user.UserID, req.Action, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, mintTokenResponse{
		Token:          token.Token,
		AssetID:        token.AssetID,
		ExternalFileID: token.ExternalFileID,
		Action:         token.Action,
		ExpiresAt:      token.ExpiresAt.UTC().Format(time.RFC3339),
		URL:            "/api/v1/files/secure/" + token.ExternalFileID + "?token=" + token.Token + "&action=" + token.Action,
	})
}

// RevokeAssetTokens — отзыв всех активных токенов ресурса.
// Требует права share на ресурс (владелец-editor либо admin).
func (h *APIHandler) RevokeAssetTokens(w http.ResponseWriter, r *http.Request) {
	assetID := chi.URLParam(r, "asset_id")
	if _, err := uuid.Parse(assetID); err != nil {
		apierrors.ValidationError(w, "Некорректный идентификатор ресурса")
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

	if decision := h.perms.Evaluate(user, asset, model.ActionShare); !decision.Allowed {
		apierrors.WriteError(w, http.StatusForbidden, apierrors.CodePermissionDenied, decision.Reason)
		return
	}

	revoked, err := h.tokens.RevokeByAsset(r.Context(), asset.AssetID)
	if err != nil {
		apierrors.InternalError(w, "Не удалось отозвать токены ресурса")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"asset_id": asset.AssetID,
		"revoked":  revoked,
	})
}

// activeAsset загружает активный (не удалённый) ресурс или пишет 404.
func (h *APIHandler) activeAsset(w http.ResponseWriter, r *http.Request, assetID string) (*model.Asset, bool) {
	asset, err := h.assets.GetByID(r.Context(), assetID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			apierrors.WriteError(w, http.StatusNotFound, apierrors.CodeAssetNotFound, "Ресурс не найден")
			return nil, false
		}
		apierrors.InternalError(w, "Внутренняя ошибка сервера")
		return nil, false
	}
	if asset.IsDeleted() {
		apierrors.WriteError(w, http.StatusNotFound, apierrors.CodeAssetNotFound, "Ресурс не найден")
		return nil, false
	}
	return asset, true
}
