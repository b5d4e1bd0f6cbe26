// metrics.go — Prometheus HTTP метрики Access Gateway.
// Регистрирует метрики: ag_http_requests_total, ag_http_request_duration_seconds.
// Нормализация путей предотвращает взрывной рост кардинальности.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP метрики Access Gateway
var (
	// httpRequestsTotal — общее количество HTTP-запросов.
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ag_http_requests_total",
			Help: "Общее количество HTTP-запросов к Access Gateway",
		},
		[]string{"method", "path", "status"},
	)

	// httpRequestDuration — гистограмма длительности HTTP-запросов.
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ag_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов к Access Gateway в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// MetricsMiddleware возвращает HTTP middleware для сбора Prometheus метрик.
// Записывает количество запросов и длительность для каждого endpoint.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Нормализуем путь для лейблов метрик
			// (заменяем идентификаторы на {id} для предотвращения кардинальности)
			normalizedPath := normalizePath(r.URL.Path)

			wrapped := newMetricsResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(wrapped.statusCode)

			httpRequestsTotal.WithLabelValues(r.Method, normalizedPath, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, normalizedPath).Observe(duration)
		})
	}
}

// metricsResponseWriter — обёртка для перехвата статус-кода.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newMetricsResponseWriter(w http.ResponseWriter) *metricsResponseWriter {
	return &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *metricsResponseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap позволяет http.ResponseController получить доступ к оригинальному ResponseWriter.
func (rw *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// normalizePath заменяет динамические сегменты пути на плейсхолдеры
// для предотвращения взрывного роста кардинальности метрик.
// /api/v1/files/secure/1aBcD...    → /api/v1/files/secure/{file_id}
// /api/v1/assets/<uuid>/thumbnail  → /api/v1/assets/{id}/thumbnail
func normalizePath(path string) string {
	// Статические пути — возвращаем как есть
	switch path {
	case "/health/live", "/health/ready", "/metrics",
		"/api/v1/audit":
		return path
	}

	// Защищённый файловый маршрут: идентификатор файла Drive — opaque строка
	const securePrefix = "/api/v1/files/secure/"
	if strings.HasPrefix(path, securePrefix) && len(path) > len(securePrefix) {
		return securePrefix + "{file_id}"
	}

	// Маршруты ресурсов: /api/v1/assets/<uuid>[/suffix]
	const assetsPrefix = "/api/v1/assets/"
	if strings.HasPrefix(path, assetsPrefix) && len(path) > len(assetsPrefix) {
		rest := path[len(assetsPrefix):]
		suffix := ""
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			suffix = rest[idx:]
		}
		switch suffix {
		case "/thumbnail":
			return assetsPrefix + "{id}/thumbnail"
		case "/access-token":
			return assetsPrefix + "{id}/access-token"
		default:
			return assetsPrefix + "{id}"
		}
	}

	return path
}
