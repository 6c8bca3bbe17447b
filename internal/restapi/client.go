// Package restapi is the request/response collaborator of the sync engine:
// paginated conversation and message history plus conversation creation.
package restapi

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

	"github.com/AlohaMarket/marketchat/internal/models"
)

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: http.DefaultClient,
	}
}

type ConversationPage struct {
	Conversations []models.Conversation `json:"conversations"`
	Pagination    models.PaginationMeta `json:"pagination"`
}

type messagePage struct {
	Messages   []models.Message      `json:"messages"`
	Pagination models.PaginationMeta `json:"pagination"`
}

func (c *Client) ListConversations(ctx context.Context, page, limit int, convType string) (*ConversationPage, error) {
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("limit", strconv.Itoa(limit))
	if convType != "" {
		query.Set("type", convType)
	}

	var result ConversationPage
	if err := c.get(ctx, "/conversations?"+query.Encode(), &result); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return &result, nil
}

// ListMessages fetches one history page for a conversation. The wire order is
// newest-first; the returned slice is reversed to chronological order so
// callers can append to it directly. before is an optional RFC3339 cursor.
func (c *Client) ListMessages(ctx context.Context, conversationID string, page, limit int, before string) ([]models.Message, models.PaginationMeta, error) {
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("limit", strconv.Itoa(limit))
	if before != "" {
		query.Set("before", before)
	}

	var result messagePage
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages?" + query.Encode()
	if err := c.get(ctx, path, &result); err != nil {
		return nil, models.PaginationMeta{}, fmt.Errorf("list messages: %w", err)
	}

	for i, j := 0, len(result.Messages)-1; i < j; i, j = i+1, j-1 {
		result.Messages[i], result.Messages[j] = result.Messages[j], result.Messages[i]
	}
	return result.Messages, result.Pagination, nil
}

func (c *Client) CreateConversation(ctx context.Context, participantIDs []string, convType, productID string) (*models.Conversation, error) {
	body, err := json.Marshal(map[string]any{
		"participantIds":   participantIDs,
		"conversationType": convType,
		"productId":        productID,
	})
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/conversations", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, statusError("create conversation", resp)
	}

	var result struct {
		Conversation models.Conversation `json:"conversation"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	return &result.Conversation, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError("request", resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return fmt.Errorf("%s: status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(body)))
}
