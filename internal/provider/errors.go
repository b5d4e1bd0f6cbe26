// Пакет provider — клиент Drive API: классификация ошибок провайдера,
// повторы с экспоненциальным backoff, обновление креденшалов
// и streaming-загрузка файлов.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Нормализованные коды ошибок провайдера (закрытая таксономия).
// Решения о повторах и refresh принимаются только по этим кодам,
// сырые ошибки провайдера наружу не пробрасываются.
const (
	CodeAuthExpired      = "AUTH_EXPIRED"
	CodeAuthInvalid      = "AUTH_INVALID"
	CodeRateLimited      = "RATE_LIMITED"
	CodeQuotaExceeded    = "QUOTA_EXCEEDED"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeNotFound         = "NOT_FOUND"
	CodeServerError      = "SERVER_ERROR"
	CodeTimeout          = "TIMEOUT"
	CodeUnknown          = "UNKNOWN"
)

// Дефолтные задержки, когда провайдер не прислал Retry-After.
const (
	defaultRateLimitDelay = 60 * time.Second
	defaultServerDelay    = 30 * time.Second
)

// APIError — сырая ошибка Drive API: HTTP-статус, reason из тела ответа
// и Retry-After из заголовка (0 — заголовка не было).
type APIError struct {
	StatusCode int
	Reason     string
	Message    string
	RetryAfter time.Duration
}

// Error реализует интерфейс error.
func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("drive api: статус %d (%s): %s", e.StatusCode, e.Reason, e.Message)
	}
	return fmt.Sprintf("drive api: статус %d: %s", e.StatusCode, e.Message)
}

// ParsedError — результат классификации: нормализованный код
// и решения для RetryExecutor.
type ParsedError struct {
	StatusCode int
	Code       string
	Retryable  bool
	// RequiresCredentialRefresh — перед повтором нужно обновить access_token.
	RequiresCredentialRefresh bool
	// RetryAfter — сколько ждать перед повтором (0 — считать backoff).
	RetryAfter time.Duration
}

// Classify сопоставляет ошибку удалённого вызова закрытой таксономии.
// Таблица решений: сначала HTTP-статус, затем reason провайдера.
// Таймауты и сетевые ошибки — retryable с backoff, всё прочее
// неизвестное — терминальная ошибка.
func Classify(err error) ParsedError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return classifyAPI(apiErr)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ParsedError{Code: CodeTimeout, Retryable: true}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ParsedError{Code: CodeTimeout, Retryable: true}
	}

	return ParsedError{Code: CodeUnknown, Retryable: false}
}

// classifyAPI — таблица решений для ошибок с HTTP-статусом.
func classifyAPI(e *APIError) ParsedError {
	reason := strings.ToLower(e.Reason)
	p := ParsedError{StatusCode: e.StatusCode}

	switch {
	case e.StatusCode == 401:
		// Креденшалы недействительны. Повтор имеет смысл только для
		// истёкшего токена — после refresh.
		p.RequiresCredentialRefresh = true
		if strings.Contains(reason, "expired") {
			p.Code = CodeAuthExpired
			p.Retryable = true
		} else {
			p.Code = CodeAuthInvalid
		}

	case e.StatusCode == 403:
		switch {
		case reason == "ratelimitexceeded" || reason == "userratelimitexceeded":
			p.Code = CodeRateLimited
			p.Retryable = true
			p.RetryAfter = retryAfterOrDefault(e, defaultRateLimitDelay)
		case reason == "dailylimitexceeded" || reason == "quotaexceeded" || reason == "storagequotaexceeded":
			// Квота исчерпана — не транзиентная ошибка, повтор бесполезен.
			p.Code = CodeQuotaExceeded
		default:
			p.Code = CodePermissionDenied
		}

	case e.StatusCode == 404:
		p.Code = CodeNotFound

	case e.StatusCode == 429:
		p.Code = CodeRateLimited
		p.Retryable = true
		p.RetryAfter = retryAfterOrDefault(e, defaultRateLimitDelay)

	case e.StatusCode >= 500 && e.StatusCode <= 599:
		p.Code = CodeServerError
		// 501 Not Implemented повторами не лечится.
		if e.StatusCode != 501 {
			p.Retryable = true
			p.RetryAfter = retryAfterOrDefault(e, defaultServerDelay)
		}

	default:
		p.Code = CodeUnknown
	}

	return p
}

// retryAfterOrDefault возвращает Retry-After из ответа или дефолт.
func retryAfterOrDefault(e *APIError, def time.Duration) time.Duration {
	if e.RetryAfter > 0 {
		return e.RetryAfter
	}
	return def
}
