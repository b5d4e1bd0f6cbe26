package provider

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// RetryOptions — параметры выполнения операции с повторами.
type RetryOptions struct {
	// MaxRetries — максимум повторов после первой попытки.
	MaxRetries int
	// BaseDelay — базовая задержка экспоненциального backoff.
	BaseDelay time.Duration
	// MaxDelay — верхняя граница задержки (без учёта jitter).
	MaxDelay time.Duration
	// OnCredentialRefresh — обновление креденшалов перед повтором.
	// Вызывается не больше одного раза за прогон; nil — refresh недоступен.
	OnCredentialRefresh func(ctx context.Context) error
	// BeforeAttempt — гейт перед каждой попыткой (проверка исходящей квоты).
	// Ошибка гейта терминальна: повторяться в исчерпанную квоту бессмысленно.
	BeforeAttempt func(ctx context.Context) error
}

// RefreshError — обновление креденшалов не удалось.
// Original — ошибка провайдера, из-за которой понадобился refresh.
type RefreshError struct {
	Cause    error
	Original error
}

// Error реализует интерфейс error.
func (e *RefreshError) Error() string {
	return fmt.Sprintf("обновление креденшалов не удалось: %v (исходная ошибка: %v)", e.Cause, e.Original)
}

// Unwrap возвращает причину неудачного refresh.
func (e *RefreshError) Unwrap() error {
	return e.Cause
}

// Executor выполняет удалённые операции с повторами.
// Решения о повторе и refresh принимает Classify.
type Executor struct {
	logger *slog.Logger
}

// NewExecutor создаёт исполнитель повторов.
func NewExecutor(logger *slog.Logger) *Executor {
	return &Executor{
		logger: logger.With(slog.String("component", "retry_executor")),
	}
}

// Run выполняет op с повторами согласно opts.
//
// На каждую неудачу: классифицируем; если нужен refresh и он ещё не
// использован — обновляем креденшалы и повторяем сразу, не расходуя
// попытку (неудачный refresh терминален); иначе, если ошибка retryable
// и попытки остались — спим RetryAfter либо backoff и повторяем;
// иначе возвращаем ошибку как есть.
func (e *Executor) Run(ctx context.Context, op func(ctx context.Context) error, opts RetryOptions) error {
	base := opts.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 60 * time.Second
	}

	refreshed := false
	for attempt := 0; ; attempt++ {
		if opts.BeforeAttempt != nil {
			if gateErr := opts.BeforeAttempt(ctx); gateErr != nil {
				return gateErr
			}
		}

		err := op(ctx)
		if err == nil {
			return nil
		}

		parsed := Classify(err)

		if parsed.RequiresCredentialRefresh && opts.OnCredentialRefresh != nil && !refreshed {
			refreshed = true
			if refreshErr := opts.OnCredentialRefresh(ctx); refreshErr != nil {
				return &RefreshError{Cause: refreshErr, Original: err}
			}
			e.logger.Debug("Креденшалы обновлены, повторяем без задержки",
				slog.String("code", parsed.Code),
			)
			// Попытка не расходуется
			attempt--
			continue
		}

		if !parsed.Retryable || attempt >= opts.MaxRetries {
			return err
		}

		delay := parsed.RetryAfter
		if delay == 0 {
			delay = calculateBackoff(attempt, base, maxDelay)
		}

		e.logger.Debug("Повтор операции после ошибки провайдера",
			slog.String("code", parsed.Code),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// calculateBackoff считает задержку: min(maxDelay, base * 2^attempt) + jitter.
// Jitter равномерный в [0, base), чтобы развести одновременные повторы.
func calculateBackoff(attempt int, base, maxDelay time.Duration) time.Duration {
	// Ограничиваем сдвиг, чтобы не переполнить int64
	if attempt > 30 {
		attempt = 30
	}
	delay := base << uint(attempt)
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}
	return delay + rand.N(base)
}
