package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"go.uber.org/zap"
)

// Messenger is the outbound messaging surface the booking service consumes.
type Messenger interface {
	SendText(ctx context.Context, openID, text string) (string, error)
	SendInteractiveCard(ctx context.Context, openID string, card map[string]any) (string, error)
}

// IMClient sends messages over the platform REST surface.
type IMClient struct {
	client *Client
	logger *zap.Logger
}

func NewIMClient(client *Client, logger *zap.Logger) *IMClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IMClient{client: client, logger: logger}
}

func (c *IMClient) SendText(ctx context.Context, openID, text string) (string, error) {
	content, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return "", err
	}
	return c.send(ctx, openID, "text", string(content))
}

// SendInteractiveCard sends the card wrapped in a card envelope first and
// retries with the raw card JSON when the platform rejects the wrapper.
// Some tenants only accept one of the two shapes.
func (c *IMClient) SendInteractiveCard(ctx context.Context, openID string, card map[string]any) (string, error) {
	cardJSON, err := json.Marshal(card)
	if err != nil {
		return "", err
	}
	wrapped, err := json.Marshal(map[string]string{"card": string(cardJSON)})
	if err != nil {
		return "", err
	}

	messageID, firstErr := c.send(ctx, openID, "interactive", string(wrapped))
	if firstErr == nil {
		return messageID, nil
	}
	c.logger.Warn("wrapped card send failed, retrying with raw card payload",
		zap.String("open_id", openID),
		zap.Error(firstErr))
	return c.send(ctx, openID, "interactive", string(cardJSON))
}

func (c *IMClient) send(ctx context.Context, openID, msgType, content string) (string, error) {
	query := url.Values{}
	query.Set("receive_id_type", "open_id")

	var result struct {
		MessageID string `json:"message_id"`
	}
	body := map[string]string{
		"receive_id": openID,
		"msg_type":   msgType,
		"content":    content,
	}
	if err := c.client.doJSON(ctx, http.MethodPost, "/open-apis/im/v1/messages", query, body, &result); err != nil {
		return "", err
	}
	if result.MessageID == "" {
		return "", fmt.Errorf("send %s message: %w", msgType, errEmptyResponse)
	}
	return result.MessageID, nil
}
