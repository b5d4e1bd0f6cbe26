// ratelimit.go — middleware входного троттлинга по классам endpoint'ов.
// Каждая группа маршрутов получает свой RateLimiter с собственным лимитом;
// заголовки X-RateLimit-* проставляются на каждый ответ, включая отказ.
package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	apierrors "github.com/bigkaa/assetgate/internal/api/errors"
	"github.com/bigkaa/assetgate/internal/service"
)

// RateLimit возвращает middleware фиксированного окна для группы маршрутов.
// Ключ лимита — субъект JWT, если запрос аутентифицирован, иначе IP клиента.
// Должен стоять ПОСЛЕ JWTAuth.Middleware() в цепочке, где auth применяется.
func RateLimit(limiter *service.RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientKey(r)
			decision := limiter.Allow(key)

			// Заголовки лимита проставляются на каждый ответ
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

			if !decision.Allowed {
				retryAfter := int(decision.RetryAfter.Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				apierrors.TooManyRequests(w, "Превышен лимит запросов, повторите позже", retryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientKey определяет ключ троттлинга запроса: субъект JWT для
// аутентифицированных запросов, иначе IP клиента (первый hop
// X-Forwarded-For от доверенного прокси, либо RemoteAddr).
func clientKey(r *http.Request) string {
	if subject := SubjectFromContext(r.Context()); subject != "" {
		return subject
	}
	return clientIP(r)
}

// clientIP извлекает IP клиента из запроса.
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
