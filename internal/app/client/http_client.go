package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/exp/slog"

	"crmsync/internal/app/client/config"
	"crmsync/internal/domain/outbox"
	"crmsync/internal/domain/sync"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether the request may succeed when repeated later.
func (e *APIError) Temporary() bool {
	switch {
	case e.StatusCode >= 500:
		return true
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	}
	return false
}

// IsTemporary classifies a transport or server failure. Network failures
// are always temporary.
func IsTemporary(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr) || errors.Is(err, context.DeadlineExceeded)
}

// IsNetworkError reports a failure to reach the server at all.
func IsNetworkError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return false
	}
	return IsTemporary(err)
}

type httpClient struct {
	client    *http.Client
	log       *slog.Logger
	baseURL   string
	token     string
	userAgent string
}

func NewHTTPClient(cfg *config.Config, log *slog.Logger) *httpClient {
	return &httpClient{
		client: &http.Client{
			Timeout: cfg.HTTPTimeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		log:       log.With(slog.String("component", "http_client")),
		baseURL:   cfg.BaseURL(),
		userAgent: "crmsync-client/1.0",
	}
}

func (h *httpClient) SetToken(token string) {
	h.token = token
}

func (h *httpClient) HealthCheck(ctx context.Context) error {
	return h.do(ctx, http.MethodGet, "/api/v1/health", nil, nil)
}

type credentials struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

func (h *httpClient) Register(ctx context.Context, login, password string) (string, error) {
	var resp tokenResponse
	if err := h.do(ctx, http.MethodPost, "/user/register", credentials{Login: login, Password: password}, &resp); err != nil {
		return "", err
	}
	return resp.Token, nil
}

func (h *httpClient) Login(ctx context.Context, login, password string) (string, error) {
	var resp tokenResponse
	if err := h.do(ctx, http.MethodPost, "/user/login", credentials{Login: login, Password: password}, &resp); err != nil {
		return "", err
	}
	return resp.Token, nil
}

func (h *httpClient) RegisterDevice(ctx context.Context, req sync.RegisterDeviceRequest) (*sync.Device, error) {
	var d sync.Device
	if err := h.do(ctx, http.MethodPost, "/sync/register-device", req, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (h *httpClient) Push(ctx context.Context, req sync.PushRequest) (*sync.PushResponse, error) {
	var resp sync.PushResponse
	if err := h.do(ctx, http.MethodPost, "/sync/push", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Pull asks for changes after since; a zero since lets the server use its cursor.
func (h *httpClient) Pull(ctx context.Context, since time.Time, deviceID string) (*sync.PullResponse, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	if deviceID != "" {
		q.Set("deviceId", deviceID)
	}

	path := "/sync/pull"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp sync.PullResponse
	if err := h.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (h *httpClient) Initial(ctx context.Context) (*sync.PullResponse, error) {
	var resp sync.PullResponse
	if err := h.do(ctx, http.MethodGet, "/sync/initial", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (h *httpClient) Status(ctx context.Context) (*sync.StatusResponse, error) {
	var resp sync.StatusResponse
	if err := h.do(ctx, http.MethodGet, "/sync/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (h *httpClient) ServerOutbox(ctx context.Context, status outbox.Status) ([]outbox.Item, error) {
	var resp struct {
		Items []outbox.Item `json:"items"`
	}
	path := "/sync/outbox?" + url.Values{"status": {string(status)}}.Encode()
	if err := h.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (h *httpClient) ValidateToken(ctx context.Context, token string) (bool, error) {
	var resp struct {
		Valid bool `json:"valid"`
	}
	body := map[string]string{"syncToken": token}
	if err := h.do(ctx, http.MethodPost, "/sync/validate-token", body, &resp); err != nil {
		return false, err
	}
	return resp.Valid, nil
}

func (h *httpClient) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", h.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	h.log.Debug("request", slog.String("method", method), slog.String("path", path))

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(data)}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// errorMessage understands both the problem+json bodies and the plain
// {"error": "..."} bodies the middlewares write.
func errorMessage(body []byte) string {
	var payload struct {
		Error  string `json:"error"`
		Title  string `json:"title"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	switch {
	case payload.Detail != "":
		return payload.Detail
	case payload.Error != "":
		return payload.Error
	}
	return payload.Title
}
