package service

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestQuota(callerCap, globalCap int) *QuotaMonitor {
	return NewQuotaMonitor(
		NewMemoryWindowStore(),
		callerCap, globalCap,
		time.Minute,
		80, 95,
		time.Minute,
		discardLogger(),
	)
}

func TestQuotaMonitor_PerCallerLimit(t *testing.T) {
	q := newTestQuota(2, 100)

	for i := 1; i <= 2; i++ {
		res := q.Track("user-1")
		if !res.Allowed {
			t.Fatalf("вызов %d отклонён, хотели разрешение", i)
		}
	}

	res := q.Track("user-1")
	if res.Allowed {
		t.Fatal("3-й вызов разрешён, хотели отказ по per-caller окну")
	}
	if res.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, хотели > 0", res.RetryAfter)
	}

	// Другой caller — своё окно
	if res := q.Track("user-2"); !res.Allowed {
		t.Fatal("вызов другого caller отклонён")
	}
}

func TestQuotaMonitor_GlobalLimit(t *testing.T) {
	q := newTestQuota(100, 3)

	q.Track("user-1")
	q.Track("user-2")
	q.Track("user-3")

	// Глобальное окно переполнено независимо от caller
	res := q.Track("user-4")
	if res.Allowed {
		t.Fatal("вызов разрешён при переполненном глобальном окне")
	}
	if res.GlobalRemaining != 0 {
		t.Errorf("GlobalRemaining = %d, хотели 0", res.GlobalRemaining)
	}
}

func TestQuotaMonitor_WarningLevels(t *testing.T) {
	q := newTestQuota(10, 1000)

	var res TrackResult
	for i := 0; i < 7; i++ {
		res = q.Track("user-1")
	}
	if res.Warning != QuotaWarningNone {
		t.Errorf("70%%: Warning = %q, хотели пустой", res.Warning)
	}

	res = q.Track("user-1") // 8/10 = 80%
	if res.Warning != QuotaWarningWarning {
		t.Errorf("80%%: Warning = %q, хотели warning", res.Warning)
	}

	q.Track("user-1")
	res = q.Track("user-1") // 10/10 = 100%
	if res.Warning != QuotaWarningCritical {
		t.Errorf("100%%: Warning = %q, хотели critical", res.Warning)
	}
}

func TestQuotaMonitor_GateFailsWhenExhausted(t *testing.T) {
	q := newTestQuota(1, 100)
	gate := q.Gate("user-1")

	if err := gate(context.Background()); err != nil {
		t.Fatalf("первый вызов гейта: %v", err)
	}

	err := gate(context.Background())
	var qErr *QuotaExceededError
	if !errors.As(err, &qErr) {
		t.Fatalf("err = %v, хотели *QuotaExceededError", err)
	}
	if qErr.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, хотели > 0", qErr.RetryAfter)
	}
}

func TestQuotaMonitor_RunSweepOnce(t *testing.T) {
	store := NewMemoryWindowStore()
	q := NewQuotaMonitor(store, 10, 100, time.Nanosecond, 80, 95, time.Minute, discardLogger())

	q.Track("user-1")
	time.Sleep(time.Millisecond)

	if deleted := q.RunSweepOnce(); deleted == 0 {
		t.Error("sweep не удалил истёкшие окна")
	}
}
