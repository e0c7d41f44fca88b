package ember

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultTimeout bounds every backend request.
	DefaultTimeout = 30 * time.Second

	// MaxUploadBytes is the client-side cap on attachment size, checked
	// before any bytes leave the device.
	MaxUploadBytes = 10 * 1024 * 1024
)

// allowedImageExts is the client-side extension allowlist for uploads.
var allowedImageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
}

// Backend talks to the hosted row store and object storage over HTTP.
// It implements RowStore and ObjectStore.
type Backend struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        zerolog.Logger
}

// BackendOption configures a Backend.
type BackendOption func(*Backend)

// WithBackendHTTPClient overrides the HTTP client.
func WithBackendHTTPClient(client *http.Client) BackendOption {
	return func(b *Backend) { b.httpClient = client }
}

// WithBackendLogger attaches a logger.
func WithBackendLogger(log zerolog.Logger) BackendOption {
	return func(b *Backend) { b.log = log.With().Str("component", "backend").Logger() }
}

// NewBackend creates a backend client.
func NewBackend(baseURL, apiKey string, opts ...BackendOption) *Backend {
	b := &Backend{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// apiResponse is the backend's generic response envelope.
type apiResponse struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

func (b *Backend) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) (json.RawMessage, error) {
	u := b.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var envelope apiResponse
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if !envelope.OK {
		apiErr := envelope.Error
		if apiErr == nil {
			apiErr = &APIError{Code: "UNKNOWN", Message: fmt.Sprintf("HTTP %d", resp.StatusCode)}
		}
		apiErr.Class = classFromStatus(resp.StatusCode, apiErr.Code)
		return nil, apiErr
	}
	return envelope.Data, nil
}

func classFromStatus(status int, code string) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests || code == "RATE_LIMITED":
		return ClassRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ClassAuth
	case status == http.StatusRequestTimeout || status >= 500:
		return ClassNetwork
	case status >= 400:
		return ClassValidation
	}
	return ClassUnknown
}

// ============================================================================
// RowStore
// ============================================================================

// InsertMessage persists a new row and returns it with the server-assigned
// id and timestamp.
func (b *Backend) InsertMessage(ctx context.Context, msg *Message) (*Message, error) {
	data, err := b.doRequest(ctx, http.MethodPost,
		"/api/v1/chats/"+url.PathEscape(msg.ChatID)+"/messages", msg, nil)
	if err != nil {
		return nil, err
	}
	var row Message
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, fmt.Errorf("decode inserted row: %w", err)
	}
	return &row, nil
}

// UpdateMessage applies a partial update to one row.
func (b *Backend) UpdateMessage(ctx context.Context, chatID, messageID string, patch MessagePatch) error {
	_, err := b.doRequest(ctx, http.MethodPatch,
		"/api/v1/chats/"+url.PathEscape(chatID)+"/messages/"+url.PathEscape(messageID), patch, nil)
	return err
}

// SelectPage fetches one page of rows, newest first.
func (b *Backend) SelectPage(ctx context.Context, chatID string, offset, limit int) ([]*Message, error) {
	data, err := b.doRequest(ctx, http.MethodGet,
		"/api/v1/chats/"+url.PathEscape(chatID)+"/messages", nil, map[string]string{
			"offset": strconv.Itoa(offset),
			"limit":  strconv.Itoa(limit),
		})
	if err != nil {
		return nil, err
	}
	var rows []*Message
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode page: %w", err)
	}
	return rows, nil
}

// ============================================================================
// ObjectStore
// ============================================================================

type uploadResult struct {
	Ref string `json:"ref"`
}

// Upload validates and uploads a local file to the given bucket, returning
// the remote reference. Validation happens before any network traffic.
func (b *Backend) Upload(ctx context.Context, localPath, bucket string) (string, error) {
	ext := strings.ToLower(filepath.Ext(localPath))
	if !allowedImageExts[ext] {
		return "", &APIError{Code: "INVALID_FILE_TYPE", Message: fmt.Sprintf("extension %q not allowed", ext), Class: ClassValidation}
	}

	info, err := os.Stat(localPath)
	if err != nil {
		return "", fmt.Errorf("stat file: %w", err)
	}
	if info.Size() > MaxUploadBytes {
		return "", &APIError{Code: "FILE_TOO_LARGE", Message: fmt.Sprintf("file exceeds %d bytes", MaxUploadBytes), Class: ClassValidation}
	}

	file, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filepath.Base(localPath))
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return "", fmt.Errorf("write file data: %w", err)
	}
	_ = w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		b.baseURL+"/api/v1/storage/"+url.PathEscape(bucket), &buf)
	if err != nil {
		return "", fmt.Errorf("create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read upload response: %w", err)
	}

	var envelope apiResponse
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", fmt.Errorf("unmarshal upload response: %w", err)
	}
	if !envelope.OK {
		apiErr := envelope.Error
		if apiErr == nil {
			apiErr = &APIError{Code: "UPLOAD_FAILED", Message: fmt.Sprintf("HTTP %d", resp.StatusCode)}
		}
		apiErr.Class = classFromStatus(resp.StatusCode, apiErr.Code)
		return "", apiErr
	}

	var result uploadResult
	if err := json.Unmarshal(envelope.Data, &result); err != nil {
		return "", fmt.Errorf("decode upload result: %w", err)
	}
	b.log.Debug().Str("bucket", bucket).Str("ref", result.Ref).Msg("upload complete")
	return result.Ref, nil
}
