package handlers

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	apierrors "github.com/bigkaa/assetgate/internal/api/errors"
	"github.com/bigkaa/assetgate/internal/service"
)

func TestMapAuthorizeError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   string
		wantStatus int
	}{
		{"неизвестный токен", service.ErrTokenNotFound, apierrors.CodeInvalidToken, http.StatusUnauthorized},
		{"отозванный токен", service.ErrTokenRevoked, apierrors.CodeInvalidToken, http.StatusUnauthorized},
		{"истёкший токен", service.ErrTokenExpired, apierrors.CodeTokenExpired, http.StatusUnauthorized},
		{"токен другого файла", service.ErrTokenFileMismatch, apierrors.CodeTokenFileMismatch, http.StatusForbidden},
		{"токен другого действия", service.ErrActionNotPermitted, apierrors.CodeActionNotPermitted, http.StatusForbidden},
		{"ресурс не найден", service.ErrAssetNotFound, apierrors.CodeAssetNotFound, http.StatusNotFound},
		{"пользователь не найден", service.ErrUserNotFound, apierrors.CodeInvalidToken, http.StatusUnauthorized},
		{"отказ живой проверки прав", &service.PermissionDeniedError{Reason: "нет доступа"}, apierrors.CodePermissionDenied, http.StatusForbidden},
		{"прочая ошибка", errors.New("boom"), apierrors.CodeInternalError, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, status, _ := mapAuthorizeError(tt.err)
			if code != tt.wantCode {
				t.Errorf("code = %q, хотели %q", code, tt.wantCode)
			}
			if status != tt.wantStatus {
				t.Errorf("status = %d, хотели %d", status, tt.wantStatus)
			}
		})
	}
}

func TestMapAuthorizeError_ReasonInMessage(t *testing.T) {
	_, _, message := mapAuthorizeError(&service.PermissionDeniedError{Reason: "ресурс вне клиентской области"})
	if message != "ресурс вне клиентской области" {
		t.Errorf("message = %q, хотели причину отказа", message)
	}
}

func TestCopyFileHeaders(t *testing.T) {
	src := http.Header{}
	src.Set("Content-Type", "image/png")
	src.Set("Content-Length", "1024")
	src.Set("Content-Range", "bytes 0-1023/4096")
	src.Set("Accept-Ranges", "bytes")
	src.Set("ETag", `"abc"`)
	src.Set("X-Internal-Secret", "not-for-clients")

	dst := http.Header{}
	copyFileHeaders(dst, src)

	if dst.Get("Content-Type") != "image/png" || dst.Get("Content-Range") != "bytes 0-1023/4096" {
		t.Errorf("файловые заголовки не перенесены: %v", dst)
	}
	// Прочие заголовки upstream-ответа не просачиваются к клиенту
	if dst.Get("X-Internal-Secret") != "" {
		t.Error("посторонний заголовок перенесён клиенту")
	}
}

func TestParseAuditFilter(t *testing.T) {
	mkReq := func(query string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/audit", nil)
		req.URL.RawQuery = query
		return req
	}

	t.Run("все параметры", func(t *testing.T) {
		q := url.Values{}
		q.Set("user_id", "u1")
		q.Set("asset_id", "a1")
		q.Set("action", "download")
		q.Set("success", "false")
		q.Set("since", "2026-01-01T00:00:00Z")
		q.Set("until", "2026-02-01T00:00:00Z")
		q.Set("limit", "50")
		q.Set("offset", "10")

		f, err := parseAuditFilter(mkReq(q.Encode()))
		if err != nil {
			t.Fatalf("parseAuditFilter: %v", err)
		}
		if f.UserID != "u1" || f.AssetID != "a1" || f.Action != "download" {
			t.Errorf("строковые фильтры разобраны неверно: %+v", f)
		}
		if f.Success == nil || *f.Success {
			t.Errorf("Success = %v, хотели false", f.Success)
		}
		want := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		if !f.Since.Equal(want) {
			t.Errorf("Since = %v, хотели %v", f.Since, want)
		}
		if f.Limit != 50 || f.Offset != 10 {
			t.Errorf("Limit/Offset = %d/%d, хотели 50/10", f.Limit, f.Offset)
		}
	})

	t.Run("пустой запрос", func(t *testing.T) {
		f, err := parseAuditFilter(mkReq(""))
		if err != nil {
			t.Fatalf("parseAuditFilter: %v", err)
		}
		if f.Success != nil || !f.Since.IsZero() || f.Limit != 0 {
			t.Errorf("пустой фильтр разобран неверно: %+v", f)
		}
	})

	t.Run("некорректные значения", func(t *testing.T) {
		for _, query := range []string{
			"success=maybe",
			"since=вчера",
			"until=2026-13-45",
			"limit=-1",
			"limit=abc",
			"offset=-5",
		} {
			if _, err := parseAuditFilter(mkReq(query)); err == nil {
				t.Errorf("parseAuditFilter(%q): нет ошибки", query)
			}
		}
	})
}
