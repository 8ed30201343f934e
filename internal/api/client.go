// Package api is the REST client for the chat backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-tavern/chatsync/internal/model/chat"
)

// Error is a failed response: either a non-2xx status or success=false.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// Client calls the REST API with a bearer token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     zerolog.Logger
}

// Option 调整 Client 的可选参数。
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the client logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger.With().Str("component", "api").Logger() }
}

// New creates a client for baseURL (e.g. http://localhost:8080/api/v1).
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Page is one page of a paginated list.
type Page[T any] struct {
	Items []T
	Meta  chat.PageMeta
}

func do[T any](ctx context.Context, c *Client, method, path string, query url.Values, body any) (chat.Envelope[T], error) {
	var env chat.Envelope[T]

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return env, fmt.Errorf("encode %s %s body: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return env, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return env, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return env, fmt.Errorf("read %s %s: %w", method, path, err)
	}

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Msg("api call")

	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			if resp.StatusCode >= 300 {
				return env, &Error{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
			}
			return env, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}

	if resp.StatusCode >= 300 || !env.Success {
		apiErr := &Error{Status: resp.StatusCode, Message: "request failed"}
		if env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return env, apiErr
	}
	return env, nil
}

func conversationPath(id int64, suffix string) string {
	return "/conversations/" + strconv.FormatInt(id, 10) + suffix
}

func projectPath(id int64, suffix string) string {
	return "/projects/" + strconv.FormatInt(id, 10) + suffix
}

func pageQuery(page, size int) url.Values {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("size", strconv.Itoa(size))
	return q
}

func pageOf[T any](env chat.Envelope[[]T], page, size int) Page[T] {
	p := Page[T]{Items: env.Data, Meta: chat.PageMeta{Page: page, Size: size, TotalPages: 1}}
	if env.Meta != nil {
		p.Meta = *env.Meta
	}
	return p
}

// FetchMessages returns one newest-first history page.
func (c *Client) FetchMessages(ctx context.Context, conversationID int64, page, size int) (Page[chat.MessageEvent], error) {
	env, err := do[[]chat.MessageEvent](ctx, c, http.MethodGet, conversationPath(conversationID, "/messages"), pageQuery(page, size), nil)
	if err != nil {
		return Page[chat.MessageEvent]{}, err
	}
	return pageOf(env, page, size), nil
}

// FetchUnread returns the messages buffered since the user last read the conversation.
func (c *Client) FetchUnread(ctx context.Context, conversationID int64) ([]chat.MessageEvent, error) {
	env, err := do[[]chat.MessageEvent](ctx, c, http.MethodGet, conversationPath(conversationID, "/messages/unread"), nil, nil)
	if err != nil {
		return nil, err
	}
	return env.Data, nil
}

// FetchParticipants 获取会话成员。
func (c *Client) FetchParticipants(ctx context.Context, conversationID int64) ([]chat.Participant, error) {
	env, err := do[[]chat.Participant](ctx, c, http.MethodGet, conversationPath(conversationID, "/participants"), nil, nil)
	if err != nil {
		return nil, err
	}
	return env.Data, nil
}

// AddParticipant 邀请用户加入会话。
func (c *Client) AddParticipant(ctx context.Context, conversationID, userID int64) error {
	q := url.Values{}
	q.Set("userId", strconv.FormatInt(userID, 10))
	_, err := do[json.RawMessage](ctx, c, http.MethodPost, conversationPath(conversationID, "/participants"), q, nil)
	return err
}

// RemoveParticipant 移除会话成员。
func (c *Client) RemoveParticipant(ctx context.Context, conversationID, userID int64) error {
	_, err := do[json.RawMessage](ctx, c, http.MethodDelete, conversationPath(conversationID, "/participants/"+strconv.FormatInt(userID, 10)), nil, nil)
	return err
}

// LeaveConversation deletes the conversation for the caller.
func (c *Client) LeaveConversation(ctx context.Context, conversationID int64) error {
	_, err := do[json.RawMessage](ctx, c, http.MethodDelete, conversationPath(conversationID, ""), nil, nil)
	return err
}

// StopAI asks the backend to cancel the conversation's running generation.
func (c *Client) StopAI(ctx context.Context, conversationID int64) error {
	_, err := do[json.RawMessage](ctx, c, http.MethodPost, conversationPath(conversationID, "/stop"), nil, nil)
	return err
}

// FetchConversations 分页获取当前用户的会话。
func (c *Client) FetchConversations(ctx context.Context, page, size int) (Page[chat.Conversation], error) {
	env, err := do[[]chat.Conversation](ctx, c, http.MethodGet, "/conversations", pageQuery(page, size), nil)
	if err != nil {
		return Page[chat.Conversation]{}, err
	}
	return pageOf(env, page, size), nil
}

// CreateConversation 创建新会话。
func (c *Client) CreateConversation(ctx context.Context) (chat.Conversation, error) {
	env, err := do[chat.Conversation](ctx, c, http.MethodPost, "/conversations", nil, nil)
	return env.Data, err
}

// UpdateConversation renames a conversation.
func (c *Client) UpdateConversation(ctx context.Context, conversationID int64, title string) (chat.Conversation, error) {
	body := struct {
		Title string `json:"title"`
	}{Title: title}
	env, err := do[chat.Conversation](ctx, c, http.MethodPut, conversationPath(conversationID, ""), nil, body)
	return env.Data, err
}

// FetchProjectConversations lists the conversations scoped to a project.
func (c *Client) FetchProjectConversations(ctx context.Context, projectID int64) ([]chat.Conversation, error) {
	env, err := do[[]chat.Conversation](ctx, c, http.MethodGet, projectPath(projectID, "/conversation"), nil, nil)
	if err != nil {
		return nil, err
	}
	return env.Data, nil
}

// CreateProjectConversation 为项目创建会话。
func (c *Client) CreateProjectConversation(ctx context.Context, projectID int64) (chat.Conversation, error) {
	env, err := do[chat.Conversation](ctx, c, http.MethodPost, projectPath(projectID, "/conversation"), nil, nil)
	return env.Data, err
}

// SendSelectedFiles publishes the user's file selection for a project.
func (c *Client) SendSelectedFiles(ctx context.Context, projectID int64, files []string) error {
	if files == nil {
		files = []string{}
	}
	_, err := do[json.RawMessage](ctx, c, http.MethodPost, projectPath(projectID, "/selected-files"), nil, files)
	return err
}

// FetchSelectedFiles 获取项目当前选中的文件。
func (c *Client) FetchSelectedFiles(ctx context.Context, projectID int64) ([]string, error) {
	env, err := do[[]string](ctx, c, http.MethodGet, projectPath(projectID, "/selected-files"), nil, nil)
	if err != nil {
		return nil, err
	}
	return env.Data, nil
}
