// Package gmail implements the Gmail provider adapter over the REST API.
package gmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/mailtriage/mailtriage/internal/provider"
)

const baseURL = "https://gmail.googleapis.com/gmail/v1"

// Quota costs per call, in Gmail quota units. The limiter budget matches
// the per-user quota of 250 units/second.
const (
	costProfile     = 1
	costLabelsList  = 1
	costLabelCreate = 5
	costHistoryList = 2
	costMessagesGet = 5
	costMessageList = 5
	costModify      = 5
	costTrash       = 5
	costDelete      = 10
	costSend        = 100
)

// Client is a hand-rolled Gmail REST client over an OAuth2-refreshing
// http.Client. Calls retry transient failures internally.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	retry      provider.RetryPolicy
	userID     string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithRetryPolicy overrides the retry policy. Tests use this to avoid
// real backoff sleeps.
func WithRetryPolicy(p provider.RetryPolicy) ClientOption {
	return func(c *Client) { c.retry = p }
}

// WithHTTPClient overrides the transport. Tests point this at a local
// httptest server.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a Gmail API client around the given token source.
func NewClient(tokenSource oauth2.TokenSource, opts ...ClientOption) *Client {
	c := &Client{
		httpClient: oauth2.NewClient(context.Background(), tokenSource),
		limiter:    rate.NewLimiter(rate.Limit(250), 250),
		logger:     slog.Default(),
		retry:      provider.DefaultRetryPolicy(),
		userID:     "me",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// request performs one API call with quota pacing and retry. The response
// body is returned on 2xx; failures are classified into the provider
// error taxonomy.
func (c *Client) request(ctx context.Context, cost int, method, path string, bodyBytes []byte) ([]byte, error) {
	if err := c.limiter.WaitN(ctx, cost); err != nil {
		return nil, fmt.Errorf("quota wait: %w", err)
	}

	var respBody []byte
	err := provider.Retry(ctx, c.retry, func() error {
		var body io.Reader
		if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, baseURL+path, body)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			// Token refresh failures surface here, not as HTTP 401:
			// oauth2.Transport aborts before the request is sent.
			var rerr *oauth2.RetrieveError
			if errors.As(err, &rerr) && tokenErrorPermanent(rerr) {
				return fmt.Errorf("token refresh: %v: %w", err, provider.ErrAuthRequired)
			}
			return &provider.TransientError{Err: err}
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return &provider.TransientError{Err: err}
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			respBody = data
			return nil
		}
		return classifyStatus(resp, data, path)
	})
	if err != nil {
		return nil, err
	}
	return respBody, nil
}

// tokenErrorPermanent reports whether a token endpoint failure is
// unrecoverable without new user consent. invalid_grant covers revoked
// and expired refresh tokens; other 4xx responses are likewise not
// retryable. 5xx from the token endpoint stays transient.
func tokenErrorPermanent(err *oauth2.RetrieveError) bool {
	if err.ErrorCode == "invalid_grant" {
		return true
	}
	if err.Response != nil &&
		err.Response.StatusCode >= 400 && err.Response.StatusCode < 500 {
		return true
	}
	return false
}

// classifyStatus maps an error response onto the provider taxonomy.
func classifyStatus(resp *http.Response, body []byte, path string) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%s: %w", path, provider.ErrAuthRequired)

	case resp.StatusCode == http.StatusTooManyRequests:
		return &provider.RateLimitError{RetryAfter: retryAfter(resp, 30*time.Second)}

	case resp.StatusCode == http.StatusForbidden:
		// Gmail reports quota exhaustion as 403 with a rate-limit reason.
		if isRateLimitBody(body) {
			return &provider.RateLimitError{RetryAfter: retryAfter(resp, 60*time.Second)}
		}
		return &provider.ProtocolError{Err: fmt.Errorf("forbidden: %s", string(body))}

	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", path, provider.ErrNotFound)

	case resp.StatusCode >= 500:
		return &provider.TransientError{Err: fmt.Errorf("server error (%d)", resp.StatusCode)}

	default:
		return &provider.ProtocolError{Err: fmt.Errorf("request failed (%d): %s", resp.StatusCode, string(body))}
	}
}

func retryAfter(resp *http.Response, fallback time.Duration) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}

func isRateLimitBody(body []byte) bool {
	return bytes.Contains(body, []byte("rateLimitExceeded")) ||
		bytes.Contains(body, []byte("RATE_LIMIT_EXCEEDED")) ||
		bytes.Contains(body, []byte("userRateLimitExceeded")) ||
		bytes.Contains(body, []byte("Quota exceeded"))
}

// JSON response types, unexported and used only for unmarshaling.

type profileResponse struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    string `json:"historyId"`
}

type gmailLabel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

type listLabelsResponse struct {
	Labels []gmailLabel `json:"labels"`
}

type messageRef struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
}

type listMessagesResponse struct {
	Messages      []messageRef `json:"messages"`
	NextPageToken string       `json:"nextPageToken"`
}

type headerJSON struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type messageMetaResponse struct {
	ID           string   `json:"id"`
	ThreadID     string   `json:"threadId"`
	LabelIDs     []string `json:"labelIds"`
	Snippet      string   `json:"snippet"`
	InternalDate string   `json:"internalDate"`
	Payload      struct {
		MimeType string       `json:"mimeType"`
		Headers  []headerJSON `json:"headers"`
	} `json:"payload"`
}

type rawMessageResponse struct {
	ID  string `json:"id"`
	Raw string `json:"raw"` // base64url, typically unpadded
}

type historyMessageChange struct {
	Message messageRef `json:"message"`
}

type historyEntry struct {
	ID              string                 `json:"id"`
	MessagesAdded   []historyMessageChange `json:"messagesAdded"`
	MessagesDeleted []historyMessageChange `json:"messagesDeleted"`
	LabelsAdded     []historyMessageChange `json:"labelsAdded"`
	LabelsRemoved   []historyMessageChange `json:"labelsRemoved"`
}

type listHistoryResponse struct {
	History       []historyEntry `json:"history"`
	NextPageToken string         `json:"nextPageToken"`
	HistoryID     string         `json:"historyId"`
}

// decodeBase64URL decodes base64url data, tolerating optional padding.
func decodeBase64URL(s string) ([]byte, error) {
	if bytes.ContainsRune([]byte(s), '=') {
		return base64.URLEncoding.DecodeString(s)
	}
	return base64.RawURLEncoding.DecodeString(s)
}

// getProfile returns the account profile, including the current history
// position.
func (c *Client) getProfile(ctx context.Context) (*profileResponse, error) {
	data, err := c.request(ctx, costProfile, "GET", fmt.Sprintf("/users/%s/profile", c.userID), nil)
	if err != nil {
		return nil, err
	}
	var resp profileResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	return &resp, nil
}

func (c *Client) listLabels(ctx context.Context) ([]gmailLabel, error) {
	data, err := c.request(ctx, costLabelsList, "GET", fmt.Sprintf("/users/%s/labels", c.userID), nil)
	if err != nil {
		return nil, err
	}
	var resp listLabelsResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse labels: %w", err)
	}
	return resp.Labels, nil
}

// createLabel creates a user label, optionally with a background color.
func (c *Client) createLabel(ctx context.Context, name, color string) (*gmailLabel, error) {
	body := map[string]any{
		"name":                  name,
		"labelListVisibility":   "labelShow",
		"messageListVisibility": "show",
	}
	if color != "" {
		body["color"] = map[string]string{
			"backgroundColor": color,
			"textColor":       "#ffffff",
		}
	}
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal label: %w", err)
	}
	data, err := c.request(ctx, costLabelCreate, "POST", fmt.Sprintf("/users/%s/labels", c.userID), bodyBytes)
	if err != nil {
		return nil, err
	}
	var label gmailLabel
	if err := json.Unmarshal(data, &label); err != nil {
		return nil, fmt.Errorf("parse label: %w", err)
	}
	return &label, nil
}

// listMessageIDs returns one page of message ids matching the query.
func (c *Client) listMessageIDs(ctx context.Context, query, pageToken string, maxResults int) (*listMessagesResponse, error) {
	params := url.Values{}
	params.Set("maxResults", strconv.Itoa(maxResults))
	if query != "" {
		params.Set("q", query)
	}
	if pageToken != "" {
		params.Set("pageToken", pageToken)
	}
	data, err := c.request(ctx, costMessageList, "GET",
		fmt.Sprintf("/users/%s/messages?%s", c.userID, params.Encode()), nil)
	if err != nil {
		return nil, err
	}
	var resp listMessagesResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse messages: %w", err)
	}
	return &resp, nil
}

// getMessageMeta fetches headers, labels, and the snippet for a message.
func (c *Client) getMessageMeta(ctx context.Context, id string) (*messageMetaResponse, error) {
	params := url.Values{}
	params.Set("format", "metadata")
	for _, h := range []string{"Subject", "From", "To", "Cc", "Date", "Content-Type"} {
		params.Add("metadataHeaders", h)
	}
	data, err := c.request(ctx, costMessagesGet, "GET",
		fmt.Sprintf("/users/%s/messages/%s?%s", c.userID, id, params.Encode()), nil)
	if err != nil {
		return nil, err
	}
	var resp messageMetaResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse message metadata: %w", err)
	}
	return &resp, nil
}

// getMessageRaw fetches the full RFC 5322 payload of a message.
func (c *Client) getMessageRaw(ctx context.Context, id string) ([]byte, error) {
	data, err := c.request(ctx, costMessagesGet, "GET",
		fmt.Sprintf("/users/%s/messages/%s?format=raw", c.userID, id), nil)
	if err != nil {
		return nil, err
	}
	var resp rawMessageResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse raw message: %w", err)
	}
	raw, err := decodeBase64URL(resp.Raw)
	if err != nil {
		return nil, fmt.Errorf("decode raw payload: %w", err)
	}
	return raw, nil
}

// modifyLabels adds and removes label ids on a message.
func (c *Client) modifyLabels(ctx context.Context, id string, add, remove []string) error {
	body := map[string]any{}
	if len(add) > 0 {
		body["addLabelIds"] = add
	}
	if len(remove) > 0 {
		body["removeLabelIds"] = remove
	}
	if len(body) == 0 {
		return nil
	}
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal modify: %w", err)
	}
	_, err = c.request(ctx, costModify, "POST",
		fmt.Sprintf("/users/%s/messages/%s/modify", c.userID, id), bodyBytes)
	return err
}

func (c *Client) trashMessage(ctx context.Context, id string) error {
	_, err := c.request(ctx, costTrash, "POST",
		fmt.Sprintf("/users/%s/messages/%s/trash", c.userID, id), nil)
	return err
}

func (c *Client) untrashMessage(ctx context.Context, id string) error {
	_, err := c.request(ctx, costTrash, "POST",
		fmt.Sprintf("/users/%s/messages/%s/untrash", c.userID, id), nil)
	return err
}

func (c *Client) deleteMessage(ctx context.Context, id string) error {
	_, err := c.request(ctx, costDelete, "DELETE",
		fmt.Sprintf("/users/%s/messages/%s", c.userID, id), nil)
	return err
}

// listHistory returns one page of changes since startHistoryID. Gmail
// answers 404 when the start position has aged out of the history log.
func (c *Client) listHistory(ctx context.Context, startHistoryID, pageToken string) (*listHistoryResponse, error) {
	params := url.Values{}
	params.Set("startHistoryId", startHistoryID)
	for _, ht := range []string{"messageAdded", "messageDeleted", "labelAdded", "labelRemoved"} {
		params.Add("historyTypes", ht)
	}
	if pageToken != "" {
		params.Set("pageToken", pageToken)
	}
	data, err := c.request(ctx, costHistoryList, "GET",
		fmt.Sprintf("/users/%s/history?%s", c.userID, params.Encode()), nil)
	if err != nil {
		return nil, err
	}
	var resp listHistoryResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse history: %w", err)
	}
	return &resp, nil
}

// sendRaw submits an RFC 5322 message and returns its new id.
func (c *Client) sendRaw(ctx context.Context, raw []byte) (string, error) {
	body, err := json.Marshal(map[string]string{
		"raw": base64.RawURLEncoding.EncodeToString(raw),
	})
	if err != nil {
		return "", fmt.Errorf("marshal send: %w", err)
	}
	data, err := c.request(ctx, costSend, "POST",
		fmt.Sprintf("/users/%s/messages/send", c.userID), body)
	if err != nil {
		return "", err
	}
	var resp messageRef
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("parse send response: %w", err)
	}
	return resp.ID, nil
}
