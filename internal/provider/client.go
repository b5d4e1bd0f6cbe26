package provider

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// fileIDPattern — допустимый идентификатор Drive-файла.
// Строгий allow-list: отсекает path traversal, разметку и метасимволы
// независимо от валидации на стороне провайдера.
var fileIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{10,128}$`)

// ValidFileID сообщает, соответствует ли идентификатор allow-list-паттерну.
func ValidFileID(fileID string) bool {
	return fileIDPattern.MatchString(fileID)
}

// TokenSource — источник access_token для запросов к Drive API от имени
// пользователя. Обычно это *CredentialProvider.
type TokenSource interface {
	AccessToken(ctx context.Context, userID string) (string, error)
}

// Client — HTTP-клиент Drive API: streaming-загрузка содержимого файлов
// и миниатюр. Ответы с не-2xx статусом превращаются в *APIError,
// пригодный для Classify.
type Client struct {
	httpClient *http.Client
	baseURL    string
	tokens     TokenSource
	logger     *slog.Logger
}

// NewClient создаёт Drive-клиент.
// baseURL — базовый URL Drive API (например, https://www.googleapis.com/drive/v3).
// caCertPath — путь к CA-сертификату для TLS (пустая строка — стандартный пул).
// timeout — таймаут HTTP-запросов (из конфигурации AG_DRIVE_TIMEOUT).
func NewClient(baseURL, caCertPath string, timeout time.Duration, tokens TokenSource, logger *slog.Logger) (*Client, error) {
	transport := &http.Transport{
		// Настройка пула idle-соединений для эффективного переиспользования
		MaxIdleConnsPerHost: 10,
	}

	if caCertPath != "" {
		tlsConfig, err := buildTLSConfig(caCertPath)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA-сертификата Drive: %w", err)
		}
		transport.TLSClientConfig = tlsConfig
		logger.Info("CA-сертификат Drive добавлен в пул доверия",
			slog.String("ca_cert", caCertPath),
		)
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		logger:  logger.With(slog.String("component", "drive_client")),
	}, nil
}

// Download выполняет streaming-загрузку содержимого файла.
// Возвращает *http.Response — вызывающий код ОБЯЗАН закрыть resp.Body.
//
// userID — пользователь, от имени которого выполняется запрос.
// fileID — идентификатор Drive-файла (уже провалидирован ValidFileID).
// rangeHeader — значение заголовка Range от клиента (пустая строка — без Range).
//
// Формат запроса: GET {baseURL}/files/{fileID}?alt=media
func (c *Client) Download(ctx context.Context, userID, fileID, rangeHeader string) (*http.Response, error) {
	reqURL := fmt.Sprintf("%s/files/%s?alt=media", c.baseURL, fileID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("создание запроса Download: %w", err)
	}

	token, err := c.tokens.AccessToken(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("получение токена Drive: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	// Пробрасываем Range header от клиента
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("запрос Download к Drive: %w", err)
	}

	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, parseAPIError(resp)
	}

	// Не закрываем resp.Body — вызывающий код отвечает за это (streaming)
	return resp, nil
}

// FetchThumbnail скачивает миниатюру по URL из метаданных файла.
// Возвращает содержимое и Content-Type.
func (c *Client) FetchThumbnail(ctx context.Context, userID, thumbnailURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, thumbnailURL, http.NoBody)
	if err != nil {
		return nil, "", fmt.Errorf("создание запроса FetchThumbnail: %w", err)
	}

	token, err := c.tokens.AccessToken(ctx, userID)
	if err != nil {
		return nil, "", fmt.Errorf("получение токена Drive: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("запрос FetchThumbnail: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, "", parseAPIError(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("чтение миниатюры: %w", err)
	}

	return data, resp.Header.Get("Content-Type"), nil
}

// FileMeta — метаданные Drive-файла, нужные гейтвею.
type FileMeta struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	MimeType      string    `json:"mimeType"`
	ModifiedTime  time.Time `json:"modifiedTime"`
	ThumbnailLink string    `json:"thumbnailLink"`
}

// GetFileMeta запрашивает метаданные файла.
// GET {baseURL}/files/{fileID}?fields=id,name,mimeType,modifiedTime,thumbnailLink
func (c *Client) GetFileMeta(ctx context.Context, userID, fileID string) (*FileMeta, error) {
	reqURL := fmt.Sprintf("%s/files/%s?fields=id,name,mimeType,modifiedTime,thumbnailLink", c.baseURL, fileID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("создание запроса GetFileMeta: %w", err)
	}

	token, err := c.tokens.AccessToken(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("получение токена Drive: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("запрос GetFileMeta: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, parseAPIError(resp)
	}

	var meta FileMeta
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, fmt.Errorf("декодирование метаданных файла: %w", err)
	}

	return &meta, nil
}

// parseAPIError разбирает ответ с ошибкой в *APIError.
// Тело в формате {"error": {"code": ..., "message": ..., "errors": [{"reason": ...}]}},
// Retry-After берётся из заголовка.
func parseAPIError(resp *http.Response) error {
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var payload struct {
		Error struct {
			Message string `json:"message"`
			Errors  []struct {
				Reason string `json:"reason"`
			} `json:"errors"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		apiErr.Message = payload.Error.Message
		if len(payload.Error.Errors) > 0 {
			apiErr.Reason = payload.Error.Errors[0].Reason
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(body))
	}

	return apiErr
}

// parseRetryAfter разбирает заголовок Retry-After (поддерживаются только секунды).
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	seconds, err := strconv.Atoi(value)
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// buildTLSConfig создаёт TLS-конфигурацию с кастомным CA-сертификатом.
func buildTLSConfig(caCertPath string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("чтение CA-сертификата: %w", err)
	}

	caCertPool, err := x509.SystemCertPool()
	if err != nil {
		caCertPool = x509.NewCertPool()
	}
	caCertPool.AppendCertsFromPEM(caCert)

	return &tls.Config{
		RootCAs: caCertPool,
	}, nil
}
