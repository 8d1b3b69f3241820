// Package mbest keeps per-thread message lists consistent across optimistic
// local sends, REST confirmations and push deliveries.
//
// Example:
//
//	api := mbest.NewClient("https://school.example", mbest.WithTimeout(10*time.Second))
//	session := mbest.NewSession()
//	session.Login(ctx, api, token)
//
//	push := mbest.NewWSTransport("https://school.example", nil)
//	m := mbest.New(api, push, session)
//	m.Start(ctx)
//	m.SelectThread(ctx, "t-9")
//	m.SendToThread(ctx, "t-9", mbest.Draft{RecipientID: 7, Body: "Hello"})
package mbest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const DefaultTimeout = 30 * time.Second

// API is the REST collaborator.
type API interface {
	ListThreads(ctx context.Context) ([]ThreadSummary, error)
	ListMessages(ctx context.Context, threadID string) ([]Message, error)
	SendMessage(ctx context.Context, req SendRequest) (*Message, error)
	MarkMessageRead(ctx context.Context, messageID int64) error
	CurrentUser(ctx context.Context) (*User, error)
}

// ============================================================================
// Client
// ============================================================================

// Client is the HTTP implementation of API.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

type ClientOption func(*Client)

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or rotates the bearer token.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// ============================================================================
// Internal request helpers
// ============================================================================

// apiResult is the response envelope. Endpoints that answer with a bare
// payload leave Data empty.
type apiResult struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

func (r *apiResult) Decode(v any) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query map[string]string) ([]byte, error) {
	var bodyReader io.Reader
	contentType := ""
	switch b := body.(type) {
	case nil:
	case *multipartBody:
		bodyReader = &b.buf
		contentType = b.contentType
	default:
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
		contentType = "application/json"
	}
	return c.send(ctx, method, path, bodyReader, contentType, query)
}

func (c *Client) send(ctx context.Context, method, path string, body io.Reader, contentType string, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token := c.bearer(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, responseError(resp.StatusCode, data)
	}
	return data, nil
}

func responseError(status int, data []byte) *APIError {
	apiErr := &APIError{Status: status}
	var env apiResult
	if json.Unmarshal(data, &env) == nil && env.Error != nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
	} else {
		var flat struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &flat) == nil {
			apiErr.Message = flat.Message
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

// decodeData unmarshals either the envelope's data or, if absent, the whole body.
func decodeData[T any](data []byte) (*T, error) {
	var env apiResult
	if json.Unmarshal(data, &env) == nil && env.Data != nil {
		var result T
		if err := env.Decode(&result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
		return &result, nil
	}
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

type multipartBody struct {
	buf         bytes.Buffer
	contentType string
}

func newSendForm(req SendRequest) (*multipartBody, error) {
	body := &multipartBody{}
	w := multipart.NewWriter(&body.buf)
	_ = w.WriteField("recipient_id", strconv.FormatInt(int64(req.RecipientID), 10))
	_ = w.WriteField("body", req.Body)
	if req.ThreadID != "" {
		_ = w.WriteField("thread_id", req.ThreadID)
	}
	for _, f := range req.Attachments {
		part, err := w.CreateFormFile("attachments[]", f.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to create form file: %w", err)
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, fmt.Errorf("failed to write file data: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	body.contentType = w.FormDataContentType()
	return body, nil
}

// ============================================================================
// REST methods
// ============================================================================

func (c *Client) ListThreads(ctx context.Context) ([]ThreadSummary, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/messages/threads", nil, nil)
	if err != nil {
		return nil, &FetchError{Op: "list threads", Err: err}
	}
	threads, err := decodeData[[]ThreadSummary](data)
	if err != nil {
		return nil, &FetchError{Op: "list threads", Err: err}
	}
	return *threads, nil
}

func (c *Client) ListMessages(ctx context.Context, threadID string) ([]Message, error) {
	op := "list messages " + threadID
	data, err := c.doRequest(ctx, http.MethodGet, "/api/messages/threads/"+url.PathEscape(threadID), nil, nil)
	if err != nil {
		return nil, &FetchError{Op: op, Err: err}
	}
	msgs, err := decodeData[[]Message](data)
	if err != nil {
		return nil, &FetchError{Op: op, Err: err}
	}
	for i := range *msgs {
		if (*msgs)[i].ThreadID == "" {
			(*msgs)[i].ThreadID = threadID
		}
	}
	return *msgs, nil
}

// SendMessage creates a message. Requests with attachments go out as
// multipart/form-data.
func (c *Client) SendMessage(ctx context.Context, req SendRequest) (*Message, error) {
	var body any = req
	if len(req.Attachments) > 0 {
		form, err := newSendForm(req)
		if err != nil {
			return nil, err
		}
		body = form
	}
	data, err := c.doRequest(ctx, http.MethodPost, "/api/messages", body, nil)
	if err != nil {
		return nil, err
	}
	msg, err := decodeSent(unwrapData(data))
	if err != nil {
		return nil, fmt.Errorf("send response: %w", err)
	}
	return msg, nil
}

// decodeSent reads a created message, bare or under "message". Only the
// durable id is required; sends into an existing thread may omit thread_id.
func decodeSent(data json.RawMessage) (*Message, error) {
	var wrapped struct {
		Message *Message `json:"message"`
	}
	var msg Message
	if json.Unmarshal(data, &wrapped) == nil && wrapped.Message != nil {
		msg = *wrapped.Message
	} else if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if _, ok := msg.ID.Durable(); !ok {
		return nil, fmt.Errorf("%w: missing durable message id", ErrMalformedEvent)
	}
	return &msg, nil
}

func (c *Client) MarkMessageRead(ctx context.Context, messageID int64) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/api/messages/"+strconv.FormatInt(messageID, 10)+"/read", nil, nil)
	return err
}

func (c *Client) CurrentUser(ctx context.Context) (*User, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/user", nil, nil)
	if err != nil {
		return nil, err
	}
	user, err := decodeData[User](data)
	if err != nil {
		return nil, err
	}
	if user.ID == 0 {
		return nil, ErrNoSession
	}
	return user, nil
}

// AuthorizeChannel asks the server to sign a private channel subscription for
// socketID. It returns the auth string to present on subscribe.
func (c *Client) AuthorizeChannel(ctx context.Context, socketID, channel string) (string, error) {
	payload := map[string]string{"socket_id": socketID, "channel_name": channel}
	data, err := c.doRequest(ctx, http.MethodPost, "/broadcasting/auth", payload, nil)
	if err != nil {
		return "", err
	}
	res, err := decodeData[struct {
		Auth string `json:"auth"`
	}](data)
	if err != nil {
		return "", err
	}
	if res.Auth == "" {
		return "", fmt.Errorf("%w: empty channel auth", ErrSubscriptionRejected)
	}
	return res.Auth, nil
}

func unwrapData(data []byte) json.RawMessage {
	var env apiResult
	if json.Unmarshal(data, &env) == nil && env.Data != nil {
		return env.Data
	}
	return data
}
