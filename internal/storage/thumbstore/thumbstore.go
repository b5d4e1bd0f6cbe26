// Пакет thumbstore — локальное хранилище миниатюр на диске.
// Обеспечивает атомарную запись, чтение, удаление и сканирование
// по возрасту для фоновой очистки.
package thumbstore

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Store — хранилище файлов миниатюр.
type Store struct {
	// dataDir — корневая директория хранения миниатюр (AG_THUMBNAIL_DIR)
	dataDir string
}

// New создаёт новое хранилище. Проверяет и создаёт директорию
// если она не существует.
func New(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию миниатюр %s: %w", dataDir, err)
	}

	return &Store{dataDir: dataDir}, nil
}

// Save записывает миниатюру на диск и возвращает относительный путь.
// Имя файла детерминировано: {external_file_id}_{size}.thumb —
// перезапись той же миниатюры даёт тот же путь (last-writer-wins).
//
// Паттерн: temp файл → запись → fsync → atomic rename.
// При ошибке temp файл удаляется.
func (s *Store) Save(externalFileID, size string, data []byte) (string, error) {
	storageName := storageNameFor(externalFileID, size)
	fullPath := filepath.Join(s.dataDir, storageName)
	tmpPath := fullPath + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("ошибка записи миниатюры: %w", err)
	}

	// fsync для гарантии записи на диск
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	// Атомарный rename
	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return storageName, nil
}

// Open открывает миниатюру для чтения.
// storagePath — относительный путь в dataDir.
// Вызывающий код обязан закрыть файл.
func (s *Store) Open(storagePath string) (*os.File, error) {
	fullPath := filepath.Join(s.dataDir, filepath.Clean("/"+storagePath))

	f, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("миниатюра не найдена: %s", storagePath)
		}
		return nil, fmt.Errorf("ошибка открытия миниатюры %s: %w", storagePath, err)
	}

	return f, nil
}

// Exists проверяет существование миниатюры на диске.
func (s *Store) Exists(storagePath string) bool {
	_, err := os.Stat(filepath.Join(s.dataDir, filepath.Clean("/"+storagePath)))
	return err == nil
}

// Delete удаляет миниатюру с диска.
// Возвращает nil если файл уже не существует.
func (s *Store) Delete(storagePath string) error {
	fullPath := filepath.Join(s.dataDir, filepath.Clean("/"+storagePath))

	err := os.Remove(fullPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления миниатюры %s: %w", storagePath, err)
	}
	return nil
}

// FullPath возвращает абсолютный путь к миниатюре на диске.
func (s *Store) FullPath(storagePath string) string {
	return filepath.Join(s.dataDir, filepath.Clean("/"+storagePath))
}

// DataDir возвращает путь к директории миниатюр.
func (s *Store) DataDir() string {
	return s.dataDir
}

// ListOlderThan возвращает относительные пути миниатюр с mtime раньше cutoff.
// Используется фоновой очисткой.
func (s *Store) ListOlderThan(cutoff time.Time) ([]string, error) {
	var stale []string

	err := filepath.WalkDir(s.dataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(d.Name(), ".tmp") {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			rel, relErr := filepath.Rel(s.dataDir, path)
			if relErr != nil {
				return nil
			}
			stale = append(stale, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка сканирования директории миниатюр: %w", err)
	}

	return stale, nil
}

// storageNameFor строит имя файла миниатюры.
// Формат: {external_file_id}_{size}.thumb
func storageNameFor(externalFileID, size string) string {
	return fmt.Sprintf("%s_%s.thumb", sanitize(externalFileID), sanitize(size))
}

// sanitize убирает небезопасные символы из строки для использования в имени файла.
// Оставляет только буквы, цифры, дефис и подчёркивание.
func sanitize(s string) string {
	var result strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' {
			result.WriteRune(r)
		}
	}
	if result.Len() == 0 {
		return "thumb"
	}
	return result.String()
}
