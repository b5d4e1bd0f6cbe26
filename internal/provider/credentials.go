package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bigkaa/assetgate/internal/repository"
)

// cachedToken — access_token пользователя с временем истечения.
type cachedToken struct {
	accessToken string
	expiresAt   time.Time
}

// CredentialProvider отдаёт access_token пользователя для Drive API
// и обновляет его через refresh_token grant.
// Токены кэшируются в памяти (thread-safe), долгоживущий refresh_token
// хранится в БД.
type CredentialProvider struct {
	httpClient   *http.Client
	tokenURL     string
	clientID     string
	clientSecret string
	creds        repository.CredentialRepository
	logger       *slog.Logger

	// Кэш access_token'ов по user_id (thread-safe)
	mu     sync.RWMutex
	tokens map[string]*cachedToken
}

// NewCredentialProvider создаёт источник Drive-креденшалов.
// tokenURL — OAuth2 token endpoint провайдера.
// clientID/clientSecret — креденшалы приложения для refresh grant.
func NewCredentialProvider(
	tokenURL string,
	clientID string,
	clientSecret string,
	timeout time.Duration,
	creds repository.CredentialRepository,
	logger *slog.Logger,
) *CredentialProvider {
	return &CredentialProvider{
		httpClient:   &http.Client{Timeout: timeout},
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		creds:        creds,
		tokens:       make(map[string]*cachedToken),
		logger:       logger.With(slog.String("component", "credential_provider")),
	}
}

// AccessToken возвращает действующий access_token пользователя.
// Сначала кэш, затем БД; истёкший токен НЕ обновляется автоматически —
// refresh инициирует RetryExecutor через Refresh по сигналу 401.
func (p *CredentialProvider) AccessToken(ctx context.Context, userID string) (string, error) {
	// Проверяем кэш (read lock)
	p.mu.RLock()
	if t, ok := p.tokens[userID]; ok && time.Now().Before(t.expiresAt) {
		token := t.accessToken
		p.mu.RUnlock()
		return token, nil
	}
	p.mu.RUnlock()

	cred, err := p.creds.Get(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("получение креденшалов из БД: %w", err)
	}

	// Кэшируем (с запасом 30 секунд до истечения)
	p.mu.Lock()
	p.tokens[userID] = &cachedToken{
		accessToken: cred.AccessToken,
		expiresAt:   cred.ExpiresAt.Add(-30 * time.Second),
	}
	p.mu.Unlock()

	return cred.AccessToken, nil
}

// Refresh обновляет access_token пользователя через refresh_token grant
// и сохраняет результат в БД и кэше.
// Используется как OnCredentialRefresh в RetryOptions.
func (p *CredentialProvider) Refresh(ctx context.Context, userID string) error {
	cred, err := p.creds.Get(ctx, userID)
	if err != nil {
		return fmt.Errorf("получение креденшалов из БД: %w", err)
	}

	accessToken, expiresIn, err := p.requestRefresh(ctx, cred.RefreshToken)
	if err != nil {
		// Провалившийся refresh означает, что закэшированный access_token
		// мёртв: сбрасываем его, чтобы он не отдавался дальше
		p.Invalidate(userID)
		return err
	}

	expiresAt := time.Now().Add(time.Duration(expiresIn) * time.Second)
	if err := p.creds.UpdateAccessToken(ctx, userID, accessToken, expiresAt); err != nil {
		return fmt.Errorf("сохранение обновлённого access_token: %w", err)
	}

	p.mu.Lock()
	p.tokens[userID] = &cachedToken{
		accessToken: accessToken,
		expiresAt:   expiresAt.Add(-30 * time.Second),
	}
	p.mu.Unlock()

	p.logger.Debug("Access token обновлён",
		slog.String("user_id", userID),
		slog.Int("expires_in", expiresIn),
	)

	return nil
}

// Invalidate сбрасывает закэшированный токен пользователя.
func (p *CredentialProvider) Invalidate(userID string) {
	p.mu.Lock()
	delete(p.tokens, userID)
	p.mu.Unlock()
}

// requestRefresh выполняет refresh_token grant к token endpoint.
func (p *CredentialProvider) requestRefresh(ctx context.Context, refreshToken string) (string, int, error) {
	data := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {p.clientID},
		"client_secret": {p.clientSecret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("создание запроса refresh: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("запрос refresh к token endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", 0, fmt.Errorf("token endpoint вернул статус %d: %s", resp.StatusCode, string(body))
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		TokenType   string `json:"token_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", 0, fmt.Errorf("декодирование token response: %w", err)
	}

	if tokenResp.AccessToken == "" {
		return "", 0, fmt.Errorf("пустой access_token в ответе token endpoint")
	}

	return tokenResp.AccessToken, tokenResp.ExpiresIn, nil
}
