package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/assetgate/internal/domain/model"
	"github.com/bigkaa/assetgate/internal/repository"
)

// Prometheus-метрики аудита.
var (
	auditEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ag_audit_entries_total",
		Help: "Количество записей аудита по результату (success/denied).",
	}, []string{"result"})
	auditFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ag_audit_failures_total",
		Help: "Количество неудачных записей в журнал аудита.",
	})
)

// AuditLogger — append-only журнал решений о доступе.
// Ошибка записи аудита НИКОГДА не прерывает основную операцию:
// log-and-continue.
type AuditLogger struct {
	repo      repository.AuditRepository
	retention time.Duration
	logger    *slog.Logger

	sweepEvery time.Duration
	mu         sync.Mutex // защита от параллельного запуска sweep
	cancel     context.CancelFunc
}

// NewAuditLogger создаёт журнал аудита.
// retention — срок хранения записей; 0 отключает фоновую очистку.
func NewAuditLogger(
	repo repository.AuditRepository,
	retention time.Duration,
	sweepEvery time.Duration,
	logger *slog.Logger,
) *AuditLogger {
	return &AuditLogger{
		repo:       repo,
		retention:  retention,
		sweepEvery: sweepEvery,
		logger:     logger.With(slog.String("component", "audit")),
	}
}

// Record пишет запись в журнал. Идентификатор и время проставляются
// здесь; ошибки поглощаются с логированием.
func (a *AuditLogger) Record(ctx context.Context, entry *model.AuditEntry) {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.Metadata == nil {
		entry.Metadata = map[string]string{}
	}

	result := "denied"
	if entry.Success {
		result = "success"
	}
	auditEntriesTotal.WithLabelValues(result).Inc()

	if err := a.repo.Insert(ctx, entry); err != nil {
		auditFailuresTotal.Inc()
		a.logger.Error("Ошибка записи в журнал аудита",
			slog.String("user_id", entry.UserID),
			slog.String("action", entry.Action),
			slog.String("error", err.Error()),
		)
	}
}

// List возвращает записи журнала по фильтру.
func (a *AuditLogger) List(ctx context.Context, f repository.AuditFilter) ([]*model.AuditEntry, error) {
	return a.repo.List(ctx, f)
}

// Start запускает фоновую очистку записей старше retention.
func (a *AuditLogger) Start(ctx context.Context) {
	if a.retention <= 0 {
		return
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	go func() {
		ticker := time.NewTicker(a.sweepEvery)
		defer ticker.Stop()

		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				a.RunSweepOnce(context.Background())
			}
		}
	}()

	a.logger.Info("Очистка журнала аудита запущена",
		slog.String("retention", a.retention.String()),
	)
}

// Stop останавливает фоновую очистку.
func (a *AuditLogger) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
}

// RunSweepOnce удаляет записи старше retention.
func (a *AuditLogger) RunSweepOnce(ctx context.Context) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	deleted, err := a.repo.DeleteOlderThan(ctx, time.Now().Add(-a.retention))
	if err != nil {
		a.logger.Error("Ошибка очистки журнала аудита",
			slog.String("error", err.Error()),
		)
		return 0
	}
	if deleted > 0 {
		a.logger.Debug("Старые записи аудита удалены",
			slog.Int64("deleted", deleted),
		)
	}
	return deleted
}
