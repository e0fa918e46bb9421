// Package client is the Go client for the chat API: an HTTP client, a
// websocket event stream, the optimistic send queue and the per-conversation
// composer.
package client

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
	"strings"
	"time"

	"piksel/internal/apperr"
	"piksel/internal/models"
)

// Client calls the HTTP API as one authenticated user. Every failure is an
// *apperr.Error so callers can decide on retries with apperr.Retryable.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func New(baseURL, token string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{baseURL: strings.TrimSuffix(baseURL, "/"), token: token, http: hc}
}

func (c *Client) OpenDirect(ctx context.Context, otherID string, autoOpenBoth bool) (models.OpenDirectResponse, error) {
	var resp models.OpenDirectResponse
	err := c.do(ctx, http.MethodPost, "/api/chat/dm/open", models.OpenDirectRequest{OtherID: otherID, AutoOpenBoth: autoOpenBoth}, &resp)
	return resp, err
}

func (c *Client) CreateGroup(ctx context.Context, req models.CreateGroupRequest) (models.GroupResponse, error) {
	var resp models.GroupResponse
	err := c.do(ctx, http.MethodPost, "/api/chat/groups", req, &resp)
	return resp, err
}

func (c *Client) Inbox(ctx context.Context, limit int) ([]models.InboxEntry, error) {
	var resp []models.InboxEntry
	path := "/api/chat/inbox"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return resp, err
}

// Messages fetches a page of history older than before (newest page when
// zero), oldest first.
func (c *Client) Messages(ctx context.Context, convID string, before time.Time, limit int) ([]models.Message, error) {
	q := url.Values{}
	if !before.IsZero() {
		q.Set("before", before.UTC().Format(time.RFC3339Nano))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/chat/conversations/" + url.PathEscape(convID) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp []models.Message
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return resp, err
}

func (c *Client) SendMessage(ctx context.Context, req *models.SendMessageRequest) (models.SendMessageResponse, error) {
	var resp models.SendMessageResponse
	err := c.do(ctx, http.MethodPost, "/api/chat/messages", req, &resp)
	return resp, err
}

func (c *Client) MarkRead(ctx context.Context, convID string) error {
	return c.do(ctx, http.MethodPost, "/api/chat/read", models.MarkReadRequest{ConversationID: convID}, nil)
}

func (c *Client) RegisterKey(ctx context.Context, publicKey string) (models.UserKey, error) {
	var resp models.UserKey
	err := c.do(ctx, http.MethodPut, "/api/e2ee/keys", models.RegisterKeyRequest{PublicKey: publicKey}, &resp)
	return resp, err
}

func (c *Client) ConversationKeys(ctx context.Context, convID string) (models.ConversationKeysResponse, error) {
	var resp models.ConversationKeysResponse
	err := c.do(ctx, http.MethodGet, "/api/e2ee/conversations/"+url.PathEscape(convID)+"/keys", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return apperr.Wrap(apperr.CodeValidation, "failed to encode request", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, "failed to build request", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return apperr.Wrap(apperr.CodeTransient, "request failed", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Wrap(apperr.CodeTransient, "failed to decode response", err)
	}
	return nil
}

// decodeError turns an error response into an *apperr.Error, falling back
// to the status code when the body is not an error document.
func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body models.ErrorResponse
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		return &apperr.Error{Code: body.Error, Message: body.Message, UserIDs: body.UserIDs}
	}
	return apperr.New(apperr.FromStatus(resp.StatusCode), fmt.Sprintf("%s: %s", resp.Status, strings.TrimSpace(string(raw))))
}

// IsCanceled reports whether err comes from a cancelled or expired context.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
