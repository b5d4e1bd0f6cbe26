// Пакет service — бизнес-логика Access Gateway: авторизация доступа
// к файлам, токены доступа, троттлинг, кэш миниатюр и аудит.
package service

import (
	"sync"
	"time"
)

// Window — счётчик с фиксированным окном.
// Окно, у которого прошёл ResetAt, при следующем обращении считается
// пустым (lazy reset, без фонового обнуления).
type Window struct {
	Count   int
	ResetAt time.Time
}

// WindowStore — хранилище окон счётчиков для rate limiting и квот.
//
// In-process реализация даёт только best-effort лимиты на инстанс:
// при нескольких репликах лимиты суммарно мягче заявленных. Для
// общих лимитов в multi-instance деплое интерфейс реализуется поверх
// внешнего key-value хранилища.
type WindowStore interface {
	// Incr инкрементирует счётчик ключа в текущем окне.
	// Истёкшее окно заменяется новым с count=1. Возвращает состояние после инкремента.
	Incr(key string, window time.Duration, now time.Time) Window
	// Peek возвращает текущее состояние окна без инкремента.
	Peek(key string, now time.Time) Window
	// DeleteStale удаляет окна, истёкшие раньше now. Возвращает число удалённых.
	DeleteStale(now time.Time) int
}

// memoryWindowStore — in-process реализация WindowStore.
type memoryWindowStore struct {
	mu      sync.Mutex
	windows map[string]Window
}

// NewMemoryWindowStore создаёт in-process хранилище окон.
func NewMemoryWindowStore() WindowStore {
	return &memoryWindowStore{
		windows: make(map[string]Window),
	}
}

// Incr инкрементирует счётчик ключа в текущем окне (lazy reset).
func (s *memoryWindowStore) Incr(key string, window time.Duration, now time.Time) Window {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || !now.Before(w.ResetAt) {
		w = Window{Count: 0, ResetAt: now.Add(window)}
	}
	w.Count++
	s.windows[key] = w
	return w
}

// Peek возвращает текущее состояние окна без инкремента.
func (s *memoryWindowStore) Peek(key string, now time.Time) Window {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || !now.Before(w.ResetAt) {
		return Window{}
	}
	return w
}

// DeleteStale удаляет истёкшие окна для ограничения памяти.
func (s *memoryWindowStore) DeleteStale(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for key, w := range s.windows {
		if !now.Before(w.ResetAt) {
			delete(s.windows, key)
			deleted++
		}
	}
	return deleted
}
