package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// Counters — счётчики батча.
type Counters struct {
	Total           int `json:"total"`
	Draft           int `json:"draft"`
	PendingApproval int `json:"pending_approval"`
	Approved        int `json:"approved"`
	Scheduled       int `json:"scheduled"`
	Sending         int `json:"sending"`
	Sent            int `json:"sent"`
	Delivered       int `json:"delivered"`
	Opened          int `json:"opened"`
	Replied         int `json:"replied"`
	Failed          int `json:"failed"`
	Bounced         int `json:"bounced"`
	Cancelled       int `json:"cancelled"`
}

// Policy — политика скорости.
type Policy struct {
	MaxPerHour         int `json:"max_per_hour"`
	MaxPerDay          int `json:"max_per_day"`
	MinIntervalSeconds int `json:"min_interval_seconds"`
}

// PolicyInput — политика в запросе: отправляются только заданные поля.
type PolicyInput struct {
	MaxPerHour         *int `json:"max_per_hour,omitempty"`
	MaxPerDay          *int `json:"max_per_day,omitempty"`
	MinIntervalSeconds *int `json:"min_interval_seconds,omitempty"`
}

// BatchResponse — батч из API.
type BatchResponse struct {
	ID          string   `json:"id"`
	OwnerID     string   `json:"owner_id"`
	Name        string   `json:"name"`
	Status      string   `json:"status"`
	Counters    Counters `json:"counters"`
	Policy      Policy   `json:"policy"`
	MessageIDs  []string `json:"message_ids,omitempty"`
	CreatedAt   string   `json:"created_at"`
	ApprovedAt  string   `json:"approved_at,omitempty"`
	StartedAt   string   `json:"started_at,omitempty"`
	CompletedAt string   `json:"completed_at,omitempty"`
}

// Recipient — получатель сообщения.
type Recipient struct {
	ID       string `json:"id"`
	Address  string `json:"address"`
	Name     string `json:"name,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// ErrorInfo — последняя ошибка сообщения.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Transition — запись журнала переходов.
type Transition struct {
	From string `json:"from"`
	To   string `json:"to"`
	At   string `json:"at"`
	Note string `json:"note,omitempty"`
}

// MessageResponse — сообщение из API.
type MessageResponse struct {
	ID            string       `json:"id"`
	BatchID       string       `json:"batch_id"`
	Recipient     Recipient    `json:"recipient"`
	MatchScore    float64      `json:"match_score"`
	Subject       string       `json:"subject"`
	Body          string       `json:"body"`
	TrackingKey   string       `json:"tracking_key"`
	Status        string       `json:"status"`
	ScheduledTime string       `json:"scheduled_time,omitempty"`
	SentAt        string       `json:"sent_at,omitempty"`
	RetryCount    int          `json:"retry_count"`
	LastError     *ErrorInfo   `json:"last_error,omitempty"`
	History       []Transition `json:"history,omitempty"`
}

// --- Request types ---

// CreateBatchRequest — создание батча. Recipients и Requester передаются как есть.
type CreateBatchRequest struct {
	OwnerID    string          `json:"owner_id"`
	Name       string          `json:"name,omitempty"`
	Requester  json.RawMessage `json:"requester"`
	Recipients json.RawMessage `json:"recipients"`
	Policy     *PolicyInput    `json:"policy,omitempty"`
}

// UpdateMessageRequest — правка письма.
type UpdateMessageRequest struct {
	Subject *string `json:"subject,omitempty"`
	Body    *string `json:"body,omitempty"`
}

// ListMessagesOpts — параметры выборки сообщений.
type ListMessagesOpts struct {
	Status string
	Limit  int
	Offset int
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
		Field   string `json:"field,omitempty"`
	} `json:"error"`
}

// --- Client ---

// Client — HTTP-клиент для Outreach API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// --- Batches ---

// ListBatches возвращает батчи владельца.
func (c *Client) ListBatches(ownerID string, limit int) ([]BatchResponse, error) {
	params := url.Values{}
	params.Set("owner_id", ownerID)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var batches []BatchResponse
	err := c.list("/api/v1/batches", params, &batches)
	return batches, err
}

// CreateBatch создаёт батч.
func (c *Client) CreateBatch(req CreateBatchRequest) (*BatchResponse, error) {
	var b BatchResponse
	err := c.post("/api/v1/batches", req, &b)
	return &b, err
}

// GetBatch возвращает батч по ID.
func (c *Client) GetBatch(id string) (*BatchResponse, error) {
	var b BatchResponse
	err := c.get("/api/v1/batches/"+id, &b)
	return &b, err
}

// DeleteBatch удаляет батч владельца.
func (c *Client) DeleteBatch(id, ownerID string) error {
	return c.delete("/api/v1/batches/" + id + "?" + ownerQuery(ownerID))
}

// SubmitBatch отправляет батч на проверку.
func (c *Client) SubmitBatch(id string) (*BatchResponse, error) {
	var b BatchResponse
	err := c.post("/api/v1/batches/"+id+"/submit", nil, &b)
	return &b, err
}

// ApproveBatch одобряет батч. Пустой messageIDs — все сообщения.
func (c *Client) ApproveBatch(id string, messageIDs []string) (*BatchResponse, error) {
	var body any
	if len(messageIDs) > 0 {
		body = map[string][]string{"message_ids": messageIDs}
	}
	var b BatchResponse
	err := c.post("/api/v1/batches/"+id+"/approve", body, &b)
	return &b, err
}

// CancelBatch отменяет батч владельца.
func (c *Client) CancelBatch(id, ownerID string) (*BatchResponse, error) {
	var b BatchResponse
	err := c.post("/api/v1/batches/"+id+"/cancel?"+ownerQuery(ownerID), nil, &b)
	return &b, err
}

func ownerQuery(ownerID string) string {
	return url.Values{"owner_id": {ownerID}}.Encode()
}

// ListMessages возвращает сообщения батча.
func (c *Client) ListMessages(batchID string, opts ListMessagesOpts) ([]MessageResponse, error) {
	params := url.Values{}
	if opts.Status != "" {
		params.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		params.Set("offset", strconv.Itoa(opts.Offset))
	}

	var msgs []MessageResponse
	err := c.list("/api/v1/batches/"+batchID+"/messages", params, &msgs)
	return msgs, err
}

// --- Messages ---

// GetMessage возвращает сообщение с журналом переходов.
func (c *Client) GetMessage(id string) (*MessageResponse, error) {
	var m MessageResponse
	err := c.get("/api/v1/messages/"+id, &m)
	return &m, err
}

// UpdateMessage правит письмо до одобрения.
func (c *Client) UpdateMessage(id string, req UpdateMessageRequest) (*MessageResponse, error) {
	var m MessageResponse
	err := c.patch("/api/v1/messages/"+id, req, &m)
	return &m, err
}

// RegenerateMessage заново генерирует письмо.
func (c *Client) RegenerateMessage(id string, requester json.RawMessage, interests []string) (*MessageResponse, error) {
	body := map[string]any{"requester": requester}
	if len(interests) > 0 {
		body["interests"] = interests
	}
	var m MessageResponse
	err := c.post("/api/v1/messages/"+id+"/regenerate", body, &m)
	return &m, err
}

// ApproveMessage одобряет черновик в уже одобренном батче.
func (c *Client) ApproveMessage(id string) (*MessageResponse, error) {
	var m MessageResponse
	err := c.post("/api/v1/messages/"+id+"/approve", nil, &m)
	return &m, err
}

// CancelMessage исключает неодобренное сообщение из батча.
func (c *Client) CancelMessage(id string) (*MessageResponse, error) {
	var m MessageResponse
	err := c.post("/api/v1/messages/"+id+"/cancel", nil, &m)
	return &m, err
}

// RecordEvent отправляет tracking-событие.
func (c *Client) RecordEvent(trackingKey, event string) (*MessageResponse, error) {
	body := map[string]string{"tracking_key": trackingKey, "event": event}
	var m MessageResponse
	err := c.post("/api/v1/events", body, &m)
	return &m, err
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
}

func (c *Client) patch(path string, body any, result any) error {
	return c.doData(http.MethodPatch, path, body, result)
}

func (c *Client) delete(path string) error {
	resp, err := c.do(http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.checkError(resp)
}

func (c *Client) list(path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(http.MethodGet, path, nil)
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

func (c *Client) doData(method, path string, body any, result any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	// 204 No Content
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return fmt.Errorf("API error: HTTP %d", resp.StatusCode)
	}

	if er.Error.Field != "" {
		return fmt.Errorf("%s: %s: %s", er.Error.Code, er.Error.Field, er.Error.Message)
	}
	return fmt.Errorf("%s: %s", er.Error.Code, er.Error.Message)
}
