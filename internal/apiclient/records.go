package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"yilaitu-client/internal/model"

	"github.com/tidwall/gjson"
)

// ModelParams 新增模特的参数
type ModelParams struct {
	Gender   string `json:"gender"`
	AgeGroup string `json:"age_group"`
	BodyType string `json:"body_type"`
	Style    string `json:"style"`
}

// GetRecordsCursor 获取早于 cursor 的 limit 条记录，按 id 倒序。
// cursor 为 nil 表示从最新一条开始。
func (c *Client) GetRecordsCursor(ctx context.Context, userID int64, cursor *int64, limit int) ([]model.GenerationRecord, error) {
	q := url.Values{}
	q.Set("user_id", strconv.FormatInt(userID, 10))
	q.Set("limit", strconv.Itoa(limit))
	if cursor != nil {
		q.Set("cursor", strconv.FormatInt(*cursor, 10))
	}
	var raw json.RawMessage
	if err := c.getJSON(ctx, "/original_image_record/cursor", q, &raw); err != nil {
		return nil, err
	}
	return decodeRecordList(raw)
}

// decodeRecordList 兼容裸数组与 {items|list|records: [...]} 两种返回
func decodeRecordList(raw json.RawMessage) ([]model.GenerationRecord, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	res := gjson.ParseBytes(raw)
	if res.IsObject() {
		for _, key := range []string{"items", "list", "records"} {
			if v := res.Get(key); v.IsArray() {
				res = v
				break
			}
		}
	}
	if !res.IsArray() {
		return nil, fmt.Errorf("解析记录列表失败: 非数组响应")
	}
	var out []model.GenerationRecord
	if err := json.Unmarshal([]byte(res.Raw), &out); err != nil {
		return nil, fmt.Errorf("解析记录列表失败: %w", err)
	}
	return out, nil
}

// GetRecord 按 id 获取单条记录
func (c *Client) GetRecord(ctx context.Context, id string) (*model.GenerationRecord, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, NewValidationError("id", "")
	}
	var out model.GenerationRecord
	if err := c.getJSON(ctx, "/original_image_record/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	if out.ID == 0 {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	return &out, nil
}

// SubmitGeneration 提交生成任务，返回后端分配的任务 id
func (c *Client) SubmitGeneration(ctx context.Context, form *Form) (string, error) {
	var raw json.RawMessage
	if err := c.postForm(ctx, "/original_image_record/generate", form, &raw); err != nil {
		return "", err
	}
	taskID := extractTaskID(raw)
	if taskID == "" {
		return "", fmt.Errorf("响应中未找到任务 id")
	}
	return taskID, nil
}

// extractTaskID 兼容 {task_id}、{id} 以及直接返回 id 的响应
func extractTaskID(raw json.RawMessage) string {
	res := gjson.ParseBytes(raw)
	switch res.Type {
	case gjson.Number, gjson.String:
		return res.String()
	}
	for _, key := range []string{"task_id", "taskId", "id"} {
		if v := res.Get(key); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

// AddModel 上传自定义模特
func (c *Client) AddModel(ctx context.Context, params ModelParams, fileName string, content []byte) (json.RawMessage, error) {
	if len(content) == 0 {
		return nil, NewValidationError("file", "请上传模特图片")
	}
	form := &Form{}
	form.Set("gender", params.Gender)
	form.Set("age_group", params.AgeGroup)
	form.Set("body_type", params.BodyType)
	form.Set("style", params.Style)
	form.AddFile("file", fileName, content)

	var out json.RawMessage
	if err := c.postForm(ctx, "/yilaitumodel", form, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FeedbackRequest 结果反馈
type FeedbackRequest struct {
	RecordID int64    `json:"record_id"`
	Rating   int      `json:"rating"`
	Content  string   `json:"content,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// SubmitFeedback 提交反馈，返回反馈 id
func (c *Client) SubmitFeedback(ctx context.Context, req FeedbackRequest) (int64, error) {
	var raw json.RawMessage
	if err := c.postJSON(ctx, "/feedback", req, &raw); err != nil {
		return 0, err
	}
	res := gjson.ParseBytes(raw)
	id := res.Get("id").Int()
	if res.Type == gjson.Number {
		id = res.Int()
	}
	if id == 0 {
		return 0, fmt.Errorf("响应中未找到反馈 id")
	}
	return id, nil
}
