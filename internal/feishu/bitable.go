package feishu

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/Yikai-Liao/EatBot/internal/recordstore"
)

const listPageSize = "500"

// BitableClient implements recordstore.Store over the bitable REST surface,
// resolving pagination internally so callers always see the full table in
// storage order.
type BitableClient struct {
	client   *Client
	appToken string
}

func NewBitableClient(client *Client, appToken string) *BitableClient {
	return &BitableClient{client: client, appToken: appToken}
}

type recordPayload struct {
	RecordID string         `json:"record_id"`
	Fields   map[string]any `json:"fields"`
}

type recordListPage struct {
	Items     []recordPayload `json:"items"`
	HasMore   bool            `json:"has_more"`
	PageToken string          `json:"page_token"`
}

func (b *BitableClient) ListRows(ctx context.Context, tableID string) ([]recordstore.Row, error) {
	var rows []recordstore.Row
	pageToken := ""
	for {
		query := url.Values{}
		query.Set("page_size", listPageSize)
		query.Set("user_id_type", "open_id")
		if pageToken != "" {
			query.Set("page_token", pageToken)
		}

		var page recordListPage
		path := fmt.Sprintf("/open-apis/bitable/v1/apps/%s/tables/%s/records", b.appToken, tableID)
		if err := b.client.doJSON(ctx, http.MethodGet, path, query, nil, &page); err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			rows = append(rows, recordstore.Row{ID: item.RecordID, Fields: item.Fields})
		}
		if !page.HasMore || page.PageToken == "" {
			return rows, nil
		}
		pageToken = page.PageToken
	}
}

func (b *BitableClient) CreateRow(ctx context.Context, tableID string, fields map[string]any) (string, error) {
	query := url.Values{}
	query.Set("user_id_type", "open_id")

	var result struct {
		Record recordPayload `json:"record"`
	}
	path := fmt.Sprintf("/open-apis/bitable/v1/apps/%s/tables/%s/records", b.appToken, tableID)
	body := map[string]any{"fields": fields}
	if err := b.client.doJSON(ctx, http.MethodPost, path, query, body, &result); err != nil {
		return "", err
	}
	if result.Record.RecordID == "" {
		return "", fmt.Errorf("create record in %s: %w", tableID, errEmptyResponse)
	}
	return result.Record.RecordID, nil
}

func (b *BitableClient) UpdateRow(ctx context.Context, tableID string, recordID string, fields map[string]any) error {
	query := url.Values{}
	query.Set("user_id_type", "open_id")

	path := fmt.Sprintf("/open-apis/bitable/v1/apps/%s/tables/%s/records/%s", b.appToken, tableID, recordID)
	body := map[string]any{"fields": fields}
	return b.client.doJSON(ctx, http.MethodPut, path, query, body, nil)
}

type fieldPayload struct {
	FieldID   string `json:"field_id"`
	FieldName string `json:"field_name"`
	Type      int    `json:"type"`
}

type fieldListPage struct {
	Items     []fieldPayload `json:"items"`
	HasMore   bool           `json:"has_more"`
	PageToken string         `json:"page_token"`
}

func (b *BitableClient) ListFields(ctx context.Context, tableID string) ([]recordstore.FieldMeta, error) {
	var metas []recordstore.FieldMeta
	pageToken := ""
	for {
		query := url.Values{}
		query.Set("page_size", listPageSize)
		if pageToken != "" {
			query.Set("page_token", pageToken)
		}

		var page fieldListPage
		path := fmt.Sprintf("/open-apis/bitable/v1/apps/%s/tables/%s/fields", b.appToken, tableID)
		if err := b.client.doJSON(ctx, http.MethodGet, path, query, nil, &page); err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			metas = append(metas, recordstore.FieldMeta{
				FieldID:   item.FieldID,
				FieldName: item.FieldName,
				FieldType: item.Type,
			})
		}
		if !page.HasMore || page.PageToken == "" {
			return metas, nil
		}
		pageToken = page.PageToken
	}
}
