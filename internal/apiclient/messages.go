package apiclient

import (
	"context"
	"net/url"
	"strconv"

	"yilaitu-client/internal/model"
)

// MessagePage 消息列表
type MessagePage struct {
	Items []model.NotificationMessage `json:"items"`
	Total int64                       `json:"total"`
}

// GetUnreadCount 未读消息数
func (c *Client) GetUnreadCount(ctx context.Context) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	if err := c.getJSON(ctx, "/message/unread_count", nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// ListMessages 分页获取消息
func (c *Client) ListMessages(ctx context.Context, page, pageSize int) (*MessagePage, error) {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if pageSize > 0 {
		q.Set("page_size", strconv.Itoa(pageSize))
	}
	var out MessagePage
	if err := c.getJSON(ctx, "/message/list", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MarkRead 标记单条已读
func (c *Client) MarkRead(ctx context.Context, id int64) error {
	return c.postJSON(ctx, "/message/mark_read/"+strconv.FormatInt(id, 10), nil, nil)
}

// MarkBatchRead 批量标记已读
func (c *Client) MarkBatchRead(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return NewValidationError("ids", "")
	}
	return c.postJSON(ctx, "/message/mark_batch_read", ids, nil)
}

// DeleteBatch 批量删除
func (c *Client) DeleteBatch(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return NewValidationError("ids", "")
	}
	return c.postJSON(ctx, "/message/delete_batch", ids, nil)
}
