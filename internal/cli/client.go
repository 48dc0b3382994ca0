package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Cascade/internal/domain"
	"github.com/shaiso/Cascade/internal/poller"
	"github.com/shaiso/Cascade/internal/repo"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// StepResponse — шаг реестра.
type StepResponse struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	ScriptKey  string `json:"scriptKey"`
	Order      int    `json:"order"`
	TimeoutSec int    `json:"timeoutSec,omitempty"`
}

// TenantResponse — созданный тенант.
type TenantResponse struct {
	ID            string               `json:"id"`
	Name          string               `json:"name"`
	ScriptsStatus domain.ScriptsStatus `json:"scriptsStatus"`
}

// StatusResponse — снимок тенанта из API.
type StatusResponse struct {
	Found         bool                    `json:"found"`
	State         domain.Status           `json:"state"`
	Status        *domain.ExecutionStatus `json:"status"`
	ScriptsStatus domain.ScriptsStatus    `json:"scriptsStatus"`
	Completed     int                     `json:"completed"`
	Total         int                     `json:"total"`
	Progress      int                     `json:"progress"`
}

// Snapshot возвращает снимок в виде domain.Snapshot.
func (s StatusResponse) Snapshot() domain.Snapshot {
	return domain.Snapshot{Found: s.Found, Status: s.Status, Scripts: s.ScriptsStatus}
}

// CascadeReport — отчёт секвенсора из API.
type CascadeReport struct {
	TenantID    string     `json:"tenantId"`
	State       string     `json:"state"`
	Completed   int        `json:"completed"`
	Total       int        `json:"total"`
	Progress    int        `json:"progress"`
	CurrentStep string     `json:"currentStep,omitempty"`
	FailedStep  string     `json:"failedStep,omitempty"`
	Message     string     `json:"message,omitempty"`
	Started     []string   `json:"started,omitempty"`
	StartedAt   time.Time  `json:"startedAt"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`
}

type runScriptResponse struct {
	Success bool                    `json:"success"`
	Status  *domain.ExecutionStatus `json:"status"`
}

type stopScriptResponse struct {
	Success bool `json:"success"`
	Stopped bool `json:"stopped"`
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// APIError — ответ API с ошибкой.
//
// Через errors.Is сопоставляется с ошибками repo по HTTP-коду, поэтому
// клиент подходит как poller.Source: 503 — повтор, 404 — конец ожидания.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return repo.ErrUnavailable
	case http.StatusNotFound:
		return repo.ErrNotFound
	case http.StatusConflict:
		return repo.ErrConflict
	case http.StatusUnprocessableEntity:
		return repo.ErrInvalidState
	}
	return nil
}

// --- Client ---

// Client — HTTP-клиент для Cascade API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

var (
	_ poller.Source    = (*Client)(nil)
	_ poller.RunSource = (*Client)(nil)
)

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// --- Steps & tenants ---

// Steps возвращает реестр шагов.
func (c *Client) Steps(ctx context.Context) ([]StepResponse, error) {
	var list []StepResponse
	err := c.list(ctx, "/api/v1/steps", nil, &list)
	return list, err
}

// CreateTenant создаёт тенанта.
func (c *Client) CreateTenant(ctx context.Context, id, name string) (*TenantResponse, error) {
	body := map[string]string{"id": id, "name": name}
	var tenant TenantResponse
	err := c.post(ctx, "/api/v1/tenants", body, &tenant)
	return &tenant, err
}

// Reset сбрасывает чекпоинт каскада тенанта.
func (c *Client) Reset(ctx context.Context, tenantID string) (*StatusResponse, error) {
	var status StatusResponse
	err := c.post(ctx, "/api/v1/tenants/"+url.PathEscape(tenantID)+"/reset", nil, &status)
	return &status, err
}

// --- Status ---

// Status возвращает снимок тенанта.
func (c *Client) Status(ctx context.Context, tenantID string) (*StatusResponse, error) {
	var status StatusResponse
	err := c.get(ctx, "/api/v1/tenants/"+url.PathEscape(tenantID)+"/status", &status)
	return &status, err
}

// Snapshot реализует poller.Source.
func (c *Client) Snapshot(ctx context.Context, tenantID string) (domain.Snapshot, error) {
	status, err := c.Status(ctx, tenantID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return status.Snapshot(), nil
}

// Run возвращает запуск по ID. Реализует poller.RunSource.
func (c *Client) Run(ctx context.Context, runID uuid.UUID) (*domain.ExecutionStatus, error) {
	var run domain.ExecutionStatus
	if err := c.get(ctx, "/api/v1/runs/"+runID.String(), &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// Runs возвращает историю запусков тенанта.
func (c *Client) Runs(ctx context.Context, tenantID string, limit int) ([]*domain.ExecutionStatus, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var runs []*domain.ExecutionStatus
	err := c.list(ctx, "/api/v1/tenants/"+url.PathEscape(tenantID)+"/runs", params, &runs)
	return runs, err
}

// --- Step execution ---

// RunScript запускает шаг. Если запуск записан, но исполнитель его не
// принял, возвращает статус error вместе с ошибкой.
func (c *Client) RunScript(ctx context.Context, tenantID, scriptKey string) (*domain.ExecutionStatus, error) {
	var resp runScriptResponse
	err := c.post(ctx, c.scriptPath(tenantID, scriptKey, "run"), nil, &resp)
	return resp.Status, err
}

// StopScript запрашивает остановку шага. false — активного шага не было.
func (c *Client) StopScript(ctx context.Context, tenantID, scriptKey string) (bool, error) {
	var resp stopScriptResponse
	err := c.post(ctx, c.scriptPath(tenantID, scriptKey, "stop"), nil, &resp)
	return resp.Stopped, err
}

func (c *Client) scriptPath(tenantID, scriptKey, action string) string {
	return "/api/v1/tenants/" + url.PathEscape(tenantID) + "/scripts/" + url.PathEscape(scriptKey) + "/" + action
}

// --- Cascade ---

// StartCascade запускает секвенсор каскада.
func (c *Client) StartCascade(ctx context.Context, tenantID string) (*CascadeReport, error) {
	var report CascadeReport
	err := c.post(ctx, "/api/v1/tenants/"+url.PathEscape(tenantID)+"/cascade", nil, &report)
	return &report, err
}

// Cascade возвращает отчёт секвенсора.
func (c *Client) Cascade(ctx context.Context, tenantID string) (*CascadeReport, error) {
	var report CascadeReport
	err := c.get(ctx, "/api/v1/tenants/"+url.PathEscape(tenantID)+"/cascade", &report)
	return &report, err
}

// CancelCascade прекращает ожидание секвенсора.
func (c *Client) CancelCascade(ctx context.Context, tenantID string) error {
	return c.doData(ctx, http.MethodDelete, "/api/v1/tenants/"+url.PathEscape(tenantID)+"/cascade", nil, nil)
}

// --- HTTP helpers ---

func (c *Client) get(ctx context.Context, path string, result any) error {
	return c.doData(ctx, http.MethodGet, path, nil, result)
}

func (c *Client) post(ctx context.Context, path string, body any, result any) error {
	return c.doData(ctx, http.MethodPost, path, body, result)
}

func (c *Client) list(ctx context.Context, path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return json.Unmarshal(lr.Data, result)
}

// doData декодирует {"data": ...}. Ответ с ошибкой может тоже нести data
// (502 при запуске шага): тогда заполняются и result, и ошибка.
func (c *Client) doData(ctx context.Context, method, path string, body any, result any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var dr dataResponse
	_ = json.Unmarshal(raw, &dr)
	if result != nil && len(dr.Data) > 0 && string(dr.Data) != "null" {
		if err := json.Unmarshal(dr.Data, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	if resp.StatusCode >= 400 {
		return apiError(resp.StatusCode, raw)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// API недоступен: для наблюдателя это «статус неизвестен»
		return nil, fmt.Errorf("%w: %v", repo.ErrUnavailable, err)
	}
	return resp, nil
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	raw, _ := io.ReadAll(resp.Body)
	return apiError(resp.StatusCode, raw)
}

func apiError(status int, raw []byte) error {
	var er errorResponse
	if err := json.Unmarshal(raw, &er); err != nil || er.Error.Code == "" {
		return &APIError{StatusCode: status}
	}
	return &APIError{StatusCode: status, Code: er.Error.Code, Message: er.Error.Message}
}

// IsUnavailable — API или хранилище временно недоступны.
func IsUnavailable(err error) bool {
	return errors.Is(err, repo.ErrUnavailable)
}
