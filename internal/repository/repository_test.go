package repository

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bigkaa/assetgate/internal/config"
	"github.com/bigkaa/assetgate/internal/database"
	"github.com/bigkaa/assetgate/internal/domain/model"
)

// setupTestDB запускает PostgreSQL контейнер, применяет миграции.
// Возвращает pgxpool.Pool; контейнер и пул закрываются через t.Cleanup.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("assetgate_test"),
		postgres.WithUsername("assetgate"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Не удалось запустить PostgreSQL контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Не удалось получить host контейнера: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Не удалось получить port контейнера: %v", err)
	}

	// Настраиваем env для config.Load()
	os.Setenv("AG_DB_HOST", host)
	os.Setenv("AG_DB_PORT", port.Port())
	os.Setenv("AG_DB_NAME", "assetgate_test")
	os.Setenv("AG_DB_USER", "assetgate")
	os.Setenv("AG_DB_PASSWORD", "test-password")
	os.Setenv("AG_DB_SSLMODE", "disable")
	os.Setenv("AG_JWKS_URL", "http://localhost:8080/jwks")
	os.Setenv("AG_DRIVE_CLIENT_ID", "test")
	os.Setenv("AG_DRIVE_CLIENT_SECRET", "test")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	// Применяем миграции
	if err := database.Migrate(cfg, logger); err != nil {
		t.Fatalf("Ошибка миграций: %v", err)
	}

	// Подключаемся
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Ошибка подключения: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	return pool
}

// insertUser создаёт пользователя напрямую (пользователи заводятся
// внешней синхронизацией, у репозитория нет Create).
func insertUser(t *testing.T, pool *pgxpool.Pool, u *model.User) {
	t.Helper()
	_, err := pool.Exec(context.Background(),
		`INSERT INTO users (user_id, subject, email, display_name, role, client_ids)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		u.UserID, u.Subject, u.Email, u.DisplayName, u.Role, u.ClientIDs,
	)
	if err != nil {
		t.Fatalf("Создание пользователя: %v", err)
	}
}

// insertAsset создаёт ресурс напрямую (ресурсы заводит каталог, не шлюз).
func insertAsset(t *testing.T, pool *pgxpool.Pool, a *model.Asset) {
	t.Helper()
	_, err := pool.Exec(context.Background(),
		`INSERT INTO assets (asset_id, client_id, uploaded_by, visibility, is_external,
		   external_file_id, external_owner, last_modified_at, thumbnail_source_url,
		   shared_with, deleted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.AssetID, a.ClientID, a.UploadedBy, a.Visibility, a.IsExternal,
		a.ExternalFileID, a.ExternalOwner, a.LastModifiedAt, a.ThumbnailSourceURL,
		a.SharedWith, a.DeletedAt,
	)
	if err != nil {
		t.Fatalf("Создание ресурса: %v", err)
	}
}

func seedUserAndAsset(t *testing.T, pool *pgxpool.Pool) (*model.User, *model.Asset) {
	t.Helper()
	user := &model.User{
		UserID:    uuid.New().String(),
		Subject:   "idp|" + uuid.New().String(),
		Email:     "alice@example.com",
		Role:      "standard",
		ClientIDs: []string{"client-1"},
	}
	insertUser(t, pool, user)

	asset := &model.Asset{
		AssetID:            uuid.New().String(),
		ClientID:           "client-1",
		UploadedBy:         user.UserID,
		Visibility:         "private",
		IsExternal:         true,
		ExternalFileID:     "drive-file-" + uuid.New().String(),
		ExternalOwner:      "alice@drive.example.com",
		ThumbnailSourceURL: "https://drive.example.com/thumb/abc",
		SharedWith:         []string{},
	}
	insertAsset(t, pool, asset)

	return user, asset
}

// --- Тесты UserRepository ---

func TestUserRepository(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewUserRepository(pool)

	user, _ := seedUserAndAsset(t, pool)

	// GetByID
	got, err := repo.GetByID(ctx, user.UserID)
	if err != nil {
		t.Fatalf("GetByID() ошибка: %v", err)
	}
	if got.Subject != user.Subject {
		t.Errorf("Subject = %q, хотели %q", got.Subject, user.Subject)
	}
	if got.Role != "standard" {
		t.Errorf("Role = %q, хотели %q", got.Role, "standard")
	}
	if len(got.ClientIDs) != 1 || got.ClientIDs[0] != "client-1" {
		t.Errorf("ClientIDs = %v, хотели [client-1]", got.ClientIDs)
	}

	// GetBySubject
	got2, err := repo.GetBySubject(ctx, user.Subject)
	if err != nil {
		t.Fatalf("GetBySubject() ошибка: %v", err)
	}
	if got2.UserID != user.UserID {
		t.Errorf("UserID = %q, хотели %q", got2.UserID, user.UserID)
	}

	// Несуществующий пользователь
	if _, err := repo.GetByID(ctx, uuid.New().String()); err != ErrNotFound {
		t.Errorf("GetByID(random) = %v, хотели ErrNotFound", err)
	}
}

// --- Тесты AssetRepository ---

func TestAssetRepository(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewAssetRepository(pool)

	_, asset := seedUserAndAsset(t, pool)

	// GetByID
	got, err := repo.GetByID(ctx, asset.AssetID)
	if err != nil {
		t.Fatalf("GetByID() ошибка: %v", err)
	}
	if got.ExternalFileID != asset.ExternalFileID {
		t.Errorf("ExternalFileID = %q, хотели %q", got.ExternalFileID, asset.ExternalFileID)
	}

	// GetByExternalFileID
	got2, err := repo.GetByExternalFileID(ctx, asset.ExternalFileID)
	if err != nil {
		t.Fatalf("GetByExternalFileID() ошибка: %v", err)
	}
	if got2.AssetID != asset.AssetID {
		t.Errorf("AssetID = %q, хотели %q", got2.AssetID, asset.AssetID)
	}

	// UpdateThumbnailCache
	cachedAt := time.Now().UTC().Truncate(time.Microsecond)
	if err := repo.UpdateThumbnailCache(ctx, asset.AssetID, "ab_320.thumb", "v1", cachedAt); err != nil {
		t.Fatalf("UpdateThumbnailCache() ошибка: %v", err)
	}
	got3, _ := repo.GetByID(ctx, asset.AssetID)
	if got3.CachedThumbnailPath == nil || *got3.CachedThumbnailPath != "ab_320.thumb" {
		t.Errorf("CachedThumbnailPath = %v, хотели ab_320.thumb", got3.CachedThumbnailPath)
	}
	if got3.CacheVersion == nil || *got3.CacheVersion != "v1" {
		t.Errorf("CacheVersion = %v, хотели v1", got3.CacheVersion)
	}

	// UpdateLastModified — живой mtime источника сохраняется
	modifiedAt := time.Now().UTC().Truncate(time.Microsecond).Add(-time.Hour)
	if err := repo.UpdateLastModified(ctx, asset.AssetID, modifiedAt); err != nil {
		t.Fatalf("UpdateLastModified() ошибка: %v", err)
	}
	gotMod, _ := repo.GetByID(ctx, asset.AssetID)
	if gotMod.LastModifiedAt == nil || !gotMod.LastModifiedAt.Equal(modifiedAt) {
		t.Errorf("LastModifiedAt = %v, хотели %v", gotMod.LastModifiedAt, modifiedAt)
	}

	// ListStaleThumbnails — запись старше cutoff попадает в выборку
	stale, err := repo.ListStaleThumbnails(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("ListStaleThumbnails() ошибка: %v", err)
	}
	if len(stale) != 1 {
		t.Errorf("ListStaleThumbnails вернул %d записей, хотели 1", len(stale))
	}

	// ClearThumbnailCache
	if err := repo.ClearThumbnailCache(ctx, asset.AssetID); err != nil {
		t.Fatalf("ClearThumbnailCache() ошибка: %v", err)
	}
	got4, _ := repo.GetByID(ctx, asset.AssetID)
	if got4.CachedThumbnailPath != nil || got4.CacheVersion != nil || got4.CachedAt != nil {
		t.Error("Поля кэша не очищены")
	}

	// Мягко удалённый ресурс исключается из чтения
	if _, err := pool.Exec(ctx, `UPDATE assets SET deleted_at = now() WHERE asset_id = $1`, asset.AssetID); err != nil {
		t.Fatalf("Мягкое удаление: %v", err)
	}
	if _, err := repo.GetByID(ctx, asset.AssetID); err != ErrNotFound {
		t.Errorf("GetByID удалённого = %v, хотели ErrNotFound", err)
	}
	if _, err := repo.GetByExternalFileID(ctx, asset.ExternalFileID); err != ErrNotFound {
		t.Errorf("GetByExternalFileID удалённого = %v, хотели ErrNotFound", err)
	}
}

// --- Тесты TokenRepository ---

func TestTokenRepository(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewTokenRepository(pool)

	user, asset := seedUserAndAsset(t, pool)

	now := time.Now().UTC().Truncate(time.Microsecond)
	token := &model.AccessToken{
		Token:          "tok-" + uuid.New().String(),
		AssetID:        asset.AssetID,
		ExternalFileID: asset.ExternalFileID,
		UserID:         user.UserID,
		Action:         model.ActionRead,
		ExpiresAt:      now.Add(time.Hour),
		CreatedAt:      now,
	}

	// Create + GetByToken
	if err := repo.Create(ctx, token); err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}
	got, err := repo.GetByToken(ctx, token.Token)
	if err != nil {
		t.Fatalf("GetByToken() ошибка: %v", err)
	}
	if got.Action != model.ActionRead || got.UserID != user.UserID {
		t.Errorf("токен прочитан неверно: %+v", got)
	}
	if got.RevokedAt != nil {
		t.Error("RevokedAt != nil для нового токена")
	}

	// Revoke
	if err := repo.Revoke(ctx, token.Token); err != nil {
		t.Fatalf("Revoke() ошибка: %v", err)
	}
	got2, _ := repo.GetByToken(ctx, token.Token)
	if got2.RevokedAt == nil {
		t.Error("RevokedAt == nil после Revoke")
	}

	// Повторный Revoke — уже отозван
	if err := repo.Revoke(ctx, token.Token); err != ErrNotFound {
		t.Errorf("повторный Revoke() = %v, хотели ErrNotFound", err)
	}

	// RevokeByAsset отзывает только активные токены
	second := &model.AccessToken{
		Token:          "tok-" + uuid.New().String(),
		AssetID:        asset.AssetID,
		ExternalFileID: asset.ExternalFileID,
		UserID:         user.UserID,
		Action:         model.ActionDownload,
		ExpiresAt:      now.Add(time.Hour),
		CreatedAt:      now,
	}
	if err := repo.Create(ctx, second); err != nil {
		t.Fatalf("Create() второго токена: %v", err)
	}
	revoked, err := repo.RevokeByAsset(ctx, asset.AssetID)
	if err != nil {
		t.Fatalf("RevokeByAsset() ошибка: %v", err)
	}
	if revoked != 1 {
		t.Errorf("RevokeByAsset отозвал %d, хотели 1", revoked)
	}

	// DeleteExpired удаляет только истёкшие
	expired := &model.AccessToken{
		Token:          "tok-" + uuid.New().String(),
		AssetID:        asset.AssetID,
		ExternalFileID: asset.ExternalFileID,
		UserID:         user.UserID,
		Action:         model.ActionRead,
		ExpiresAt:      now.Add(-time.Minute),
		CreatedAt:      now.Add(-time.Hour),
	}
	if err := repo.Create(ctx, expired); err != nil {
		t.Fatalf("Create() истёкшего токена: %v", err)
	}
	deleted, err := repo.DeleteExpired(ctx, now)
	if err != nil {
		t.Fatalf("DeleteExpired() ошибка: %v", err)
	}
	if deleted != 1 {
		t.Errorf("DeleteExpired удалил %d, хотели 1", deleted)
	}
	if _, err := repo.GetByToken(ctx, expired.Token); err != ErrNotFound {
		t.Errorf("GetByToken истёкшего = %v, хотели ErrNotFound", err)
	}

	// Delete — no-op для отсутствующего токена
	if err := repo.Delete(ctx, "no-such-token"); err != nil {
		t.Errorf("Delete(no-such-token) = %v, хотели nil", err)
	}
}

// --- Тесты CredentialRepository ---

func TestCredentialRepository(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewCredentialRepository(pool)

	user, _ := seedUserAndAsset(t, pool)

	expires := time.Now().UTC().Add(time.Hour).Truncate(time.Microsecond)
	_, err := pool.Exec(ctx,
		`INSERT INTO drive_credentials (user_id, access_token, refresh_token, expires_at)
		 VALUES ($1, $2, $3, $4)`,
		user.UserID, "access-1", "refresh-1", expires,
	)
	if err != nil {
		t.Fatalf("Создание креденшалов: %v", err)
	}

	// Get
	cred, err := repo.Get(ctx, user.UserID)
	if err != nil {
		t.Fatalf("Get() ошибка: %v", err)
	}
	if cred.AccessToken != "access-1" || cred.RefreshToken != "refresh-1" {
		t.Errorf("креденшалы прочитаны неверно: %+v", cred)
	}

	// UpdateAccessToken
	newExpires := expires.Add(time.Hour)
	if err := repo.UpdateAccessToken(ctx, user.UserID, "access-2", newExpires); err != nil {
		t.Fatalf("UpdateAccessToken() ошибка: %v", err)
	}
	cred2, _ := repo.Get(ctx, user.UserID)
	if cred2.AccessToken != "access-2" {
		t.Errorf("AccessToken = %q, хотели access-2", cred2.AccessToken)
	}
	if !cred2.ExpiresAt.Equal(newExpires) {
		t.Errorf("ExpiresAt = %v, хотели %v", cred2.ExpiresAt, newExpires)
	}

	// Отсутствующие креденшалы
	if _, err := repo.Get(ctx, uuid.New().String()); err != ErrNotFound {
		t.Errorf("Get(random) = %v, хотели ErrNotFound", err)
	}
}

// --- Тесты AuditRepository ---

func TestAuditRepository(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewAuditRepository(pool)

	user, asset := seedUserAndAsset(t, pool)

	mkEntry := func(action string, success bool, createdAt time.Time) *model.AuditEntry {
		return &model.AuditEntry{
			EntryID:        uuid.New().String(),
			UserID:         user.UserID,
			AssetID:        asset.AssetID,
			ExternalFileID: asset.ExternalFileID,
			Action:         action,
			Success:        success,
			Role:           "standard",
			ClientID:       "client-1",
			IPAddress:      "10.0.0.1",
			UserAgent:      "test-agent",
			Metadata:       map[string]string{"size": "medium"},
			CreatedAt:      createdAt,
		}
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	if err := repo.Insert(ctx, mkEntry(model.ActionRead, true, now.Add(-2*time.Hour))); err != nil {
		t.Fatalf("Insert() ошибка: %v", err)
	}
	if err := repo.Insert(ctx, mkEntry(model.ActionDownload, false, now.Add(-time.Hour))); err != nil {
		t.Fatalf("Insert() ошибка: %v", err)
	}
	if err := repo.Insert(ctx, mkEntry(model.ActionRead, true, now)); err != nil {
		t.Fatalf("Insert() ошибка: %v", err)
	}

	// List без фильтров — новые первыми
	all, err := repo.List(ctx, AuditFilter{})
	if err != nil {
		t.Fatalf("List() ошибка: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("List() вернул %d записей, хотели 3", len(all))
	}
	if !all[0].CreatedAt.After(all[2].CreatedAt) {
		t.Error("записи не отсортированы от новых к старым")
	}

	// Фильтр по действию
	reads, err := repo.List(ctx, AuditFilter{Action: model.ActionRead})
	if err != nil {
		t.Fatalf("List(action) ошибка: %v", err)
	}
	if len(reads) != 2 {
		t.Errorf("List(action=read) вернул %d, хотели 2", len(reads))
	}

	// Фильтр по успеху
	failed := false
	denied, err := repo.List(ctx, AuditFilter{Success: &failed})
	if err != nil {
		t.Fatalf("List(success) ошибка: %v", err)
	}
	if len(denied) != 1 || denied[0].Action != model.ActionDownload {
		t.Errorf("List(success=false) = %d записей, хотели 1 (download)", len(denied))
	}

	// Фильтр по времени
	recent, err := repo.List(ctx, AuditFilter{Since: now.Add(-90 * time.Minute)})
	if err != nil {
		t.Fatalf("List(since) ошибка: %v", err)
	}
	if len(recent) != 2 {
		t.Errorf("List(since) вернул %d, хотели 2", len(recent))
	}

	// Metadata сохраняется в JSONB
	if all[0].Metadata["size"] != "medium" {
		t.Errorf("Metadata = %v, хотели size=medium", all[0].Metadata)
	}

	// DeleteOlderThan
	deleted, err := repo.DeleteOlderThan(ctx, now.Add(-90*time.Minute))
	if err != nil {
		t.Fatalf("DeleteOlderThan() ошибка: %v", err)
	}
	if deleted != 1 {
		t.Errorf("DeleteOlderThan удалил %d, хотели 1", deleted)
	}
}
