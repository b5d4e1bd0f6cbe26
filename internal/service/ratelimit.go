package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus-метрики inbound rate limiting.
var (
	rateLimitDeniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ag_ratelimit_denied_total",
		Help: "Количество запросов, отклонённых rate limiter'ом, по классам эндпоинтов.",
	}, []string{"class"})
)

// LimitDecision — решение rate limiter'а по одному запросу.
// Информационные поля заполняются и для разрешённых, и для отклонённых
// запросов — клиент видит лимит, остаток и время сброса в заголовках.
type LimitDecision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	// RetryAfter — оценка ожидания до открытия окна (для отклонённых).
	RetryAfter time.Duration
}

// RateLimiter — счётчик входящих запросов с фиксированным окном.
// Отдельный экземпляр на каждый класс эндпоинтов (api, files, thumbnails,
// tokens), чтобы нагрузка на один класс не выедала лимиты другого.
type RateLimiter struct {
	store    WindowStore
	class    string
	capacity int
	window   time.Duration
}

// NewRateLimiter создаёт лимитер класса эндпоинтов.
// class — имя класса для метрик и ключей, capacity/window — лимит окна.
func NewRateLimiter(store WindowStore, class string, capacity int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		store:    store,
		class:    class,
		capacity: capacity,
		window:   window,
	}
}

// Allow учитывает запрос с ключом key и возвращает решение.
// Ключ — id аутентифицированного пользователя либо сетевой адрес.
func (rl *RateLimiter) Allow(key string) LimitDecision {
	now := time.Now()
	w := rl.store.Incr(rl.class+":"+key, rl.window, now)

	decision := LimitDecision{
		Allowed:   w.Count <= rl.capacity,
		Limit:     rl.capacity,
		Remaining: remaining(rl.capacity, w.Count),
		ResetAt:   w.ResetAt,
	}

	if !decision.Allowed {
		decision.RetryAfter = time.Until(w.ResetAt)
		rateLimitDeniedTotal.WithLabelValues(rl.class).Inc()
	}

	return decision
}
