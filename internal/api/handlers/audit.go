// audit.go — чтение журнала аудита.
// GET /api/v1/audit?user_id=&asset_id=&action=&success=&since=&until=&limit=&offset=
//
// Журнал доступен ролям admin и выше. Записи возвращаются от новых
// к старым; limit ограничивается в repository (по умолчанию 100, максимум 1000).
package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	apierrors "github.com/bigkaa/assetgate/internal/api/errors"
	"github.com/bigkaa/assetgate/internal/domain/model"
	"github.com/bigkaa/assetgate/internal/domain/rbac"
	"github.com/bigkaa/assetgate/internal/repository"
)

// auditEntryResponse — запись журнала в ответе API.
type auditEntryResponse struct {
	EntryID        string            `json:"entry_id"`
	UserID         string            `json:"user_id,omitempty"`
	AssetID        string            `json:"asset_id,omitempty"`
	ExternalFileID string            `json:"external_file_id,omitempty"`
	Action         string            `json:"action"`
	Success        bool              `json:"success"`
	ErrorCode      string            `json:"error_code,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	Role           string            `json:"role,omitempty"`
	ClientID       string            `json:"client_id,omitempty"`
	IPAddress      string            `json:"ip_address,omitempty"`
	UserAgent      string            `json:"user_agent,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      string            `json:"created_at"`
}

// ListAudit — выборка записей журнала аудита по фильтру.
func (h *APIHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	user := h.currentUser(w, r)
	if user == nil {
		return
	}
	if !rbac.AtLeast(user.Role, rbac.RoleAdmin) {
		apierrors.Forbidden(w, "Журнал аудита доступен только администраторам")
		return
	}

	filter, err := parseAuditFilter(r)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	entries, err := h.audit.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("Ошибка выборки журнала аудита", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Не удалось прочитать журнал аудита")
		return
	}

	resp := struct {
		Entries []auditEntryResponse `json:"entries"`
		Count   int                  `json:"count"`
	}{
		Entries: make([]auditEntryResponse, 0, len(entries)),
		Count:   len(entries),
	}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, toAuditResponse(e))
	}

	writeJSON(w, http.StatusOK, resp)
}

// parseAuditFilter собирает фильтр выборки из query-параметров.
func parseAuditFilter(r *http.Request) (repository.AuditFilter, error) {
	q := r.URL.Query()
	f := repository.AuditFilter{
		UserID:  q.Get("user_id"),
		AssetID: q.Get("asset_id"),
		Action:  q.Get("action"),
	}

	if v := q.Get("success"); v != "" {
		success, err := strconv.ParseBool(v)
		if err != nil {
			return f, &queryParamError{"success", v}
		}
		f.Success = &success
	}

	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, &queryParamError{"since", v}
		}
		f.Since = t
	}

	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, &queryParamError{"until", v}
		}
		f.Until = t
	}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, &queryParamError{"limit", v}
		}
		f.Limit = n
	}

	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, &queryParamError{"offset", v}
		}
		f.Offset = n
	}

	return f, nil
}

// queryParamError — ошибка разбора query-параметра.
type queryParamError struct {
	name  string
	value string
}

func (e *queryParamError) Error() string {
	return "некорректное значение параметра " + e.name + ": " + e.value
}

// toAuditResponse конвертирует доменную запись в ответ API.
func toAuditResponse(e *model.AuditEntry) auditEntryResponse {
	return auditEntryResponse{
		EntryID:        e.EntryID,
		UserID:         e.UserID,
		AssetID:        e.AssetID,
		ExternalFileID: e.ExternalFileID,
		Action:         e.Action,
		Success:        e.Success,
		ErrorCode:      e.ErrorCode,
		ErrorMessage:   e.ErrorMessage,
		Role:           e.Role,
		ClientID:       e.ClientID,
		IPAddress:      e.IPAddress,
		UserAgent:      e.UserAgent,
		Metadata:       e.Metadata,
		CreatedAt:      e.CreatedAt.UTC().Format(time.RFC3339),
	}
}
