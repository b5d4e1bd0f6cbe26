package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus-метрики квот исходящих вызовов.
var (
	quotaCallsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ag_quota_calls_total",
		Help: "Общее количество исходящих вызовов провайдера, учтённых квотой.",
	})
	quotaDeniedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ag_quota_denied_total",
		Help: "Общее количество вызовов, отклонённых квотой.",
	})
	quotaWarningsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ag_quota_warnings_total",
		Help: "Количество срабатываний порогов использования квоты.",
	}, []string{"level"})
)

// Уровни предупреждений квоты.
const (
	QuotaWarningNone     = ""
	QuotaWarningWarning  = "warning"
	QuotaWarningCritical = "critical"
)

// globalQuotaKey — ключ глобального окна в WindowStore.
const globalQuotaKey = "global"

// TrackResult — решение QuotaMonitor по одному исходящему вызову.
type TrackResult struct {
	Allowed         bool
	CallerRemaining int
	GlobalRemaining int
	// Warning — уровень использования ("", "warning", "critical").
	// Независим от Allowed, только для наблюдаемости.
	Warning string
	// RetryAfter — когда окно откроется снова (для отклонённых вызовов).
	RetryAfter time.Duration
}

// QuotaMonitor гейтит исходящие вызовы Drive API двумя скользящими
// окнами: per-caller и глобальным. Лимиты соответствуют документированным
// квотам провайдера. Inbound-трафик гейтит RateLimiter, это разные слои.
type QuotaMonitor struct {
	store          WindowStore
	callerCapacity int
	globalCapacity int
	window         time.Duration
	warnPct        float64
	critPct        float64
	logger         *slog.Logger

	mu         sync.Mutex // защита от параллельного запуска sweep
	cancel     context.CancelFunc
	sweepEvery time.Duration
}

// NewQuotaMonitor создаёт монитор квот.
// callerCapacity/globalCapacity — вместимость окон, window — их длительность.
// warnPct/critPct — пороги предупреждений в процентах (например 80 и 95).
func NewQuotaMonitor(
	store WindowStore,
	callerCapacity int,
	globalCapacity int,
	window time.Duration,
	warnPct float64,
	critPct float64,
	sweepEvery time.Duration,
	logger *slog.Logger,
) *QuotaMonitor {
	return &QuotaMonitor{
		store:          store,
		callerCapacity: callerCapacity,
		globalCapacity: globalCapacity,
		window:         window,
		warnPct:        warnPct,
		critPct:        critPct,
		sweepEvery:     sweepEvery,
		logger:         logger.With(slog.String("component", "quota_monitor")),
	}
}

// Track учитывает один исходящий вызов от callerKey.
// Отказ наступает при переполнении любого из двух окон.
func (q *QuotaMonitor) Track(callerKey string) TrackResult {
	now := time.Now()

	caller := q.store.Incr("caller:"+callerKey, q.window, now)
	global := q.store.Incr(globalQuotaKey, q.window, now)

	quotaCallsTotal.Inc()

	result := TrackResult{
		Allowed:         caller.Count <= q.callerCapacity && global.Count <= q.globalCapacity,
		CallerRemaining: remaining(q.callerCapacity, caller.Count),
		GlobalRemaining: remaining(q.globalCapacity, global.Count),
		Warning:         q.warningLevel(caller.Count, global.Count),
	}

	if !result.Allowed {
		quotaDeniedTotal.Inc()
		resetAt := caller.ResetAt
		if global.Count > q.globalCapacity && global.ResetAt.After(resetAt) {
			resetAt = global.ResetAt
		}
		result.RetryAfter = time.Until(resetAt)
		q.logger.Warn("Исходящая квота исчерпана",
			slog.String("caller", callerKey),
			slog.Int("caller_count", caller.Count),
			slog.Int("global_count", global.Count),
		)
	}

	switch result.Warning {
	case QuotaWarningWarning:
		quotaWarningsTotal.WithLabelValues(QuotaWarningWarning).Inc()
	case QuotaWarningCritical:
		quotaWarningsTotal.WithLabelValues(QuotaWarningCritical).Inc()
		q.logger.Warn("Критический уровень использования квоты",
			slog.String("caller", callerKey),
		)
	}

	return result
}

// Gate возвращает функцию для RetryOptions.BeforeAttempt:
// проверка квоты перед каждой попыткой исходящего вызова.
func (q *QuotaMonitor) Gate(callerKey string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		res := q.Track(callerKey)
		if !res.Allowed {
			return &QuotaExceededError{RetryAfter: res.RetryAfter}
		}
		return nil
	}
}

// QuotaExceededError — исходящая квота исчерпана.
type QuotaExceededError struct {
	RetryAfter time.Duration
}

// Error реализует интерфейс error.
func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("исходящая квота провайдера исчерпана, повтор через %s", e.RetryAfter.Round(time.Second))
}

// warningLevel вычисляет уровень предупреждения по худшему из двух окон.
func (q *QuotaMonitor) warningLevel(callerCount, globalCount int) string {
	usage := usagePct(callerCount, q.callerCapacity)
	if g := usagePct(globalCount, q.globalCapacity); g > usage {
		usage = g
	}

	switch {
	case usage >= q.critPct:
		return QuotaWarningCritical
	case usage >= q.warnPct:
		return QuotaWarningWarning
	default:
		return QuotaWarningNone
	}
}

// Start запускает периодическую очистку устаревших окон.
func (q *QuotaMonitor) Start(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	go func() {
		ticker := time.NewTicker(q.sweepEvery)
		defer ticker.Stop()

		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				q.RunSweepOnce()
			}
		}
	}()

	q.logger.Info("Очистка окон квот запущена",
		slog.String("interval", q.sweepEvery.String()),
	)
}

// Stop останавливает фоновую очистку.
func (q *QuotaMonitor) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.logger.Info("Очистка окон квот остановлена")
}

// RunSweepOnce удаляет устаревшие per-caller окна.
// Потокобезопасен: mutex защищает от параллельного запуска.
func (q *QuotaMonitor) RunSweepOnce() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	deleted := q.store.DeleteStale(time.Now())
	if deleted > 0 {
		q.logger.Debug("Устаревшие окна квот удалены",
			slog.Int("deleted", deleted),
		)
	}
	return deleted
}

// remaining — остаток вместимости, не меньше нуля.
func remaining(capacity, count int) int {
	r := capacity - count
	if r < 0 {
		return 0
	}
	return r
}

// usagePct — процент использования вместимости.
func usagePct(count, capacity int) float64 {
	if capacity <= 0 {
		return 100
	}
	return float64(count) / float64(capacity) * 100
}
