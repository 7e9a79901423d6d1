package model

import (
	"encoding/json"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// RecordStatus 生成记录状态，仅由后端变更
type RecordStatus string

const (
	StatusProcessing RecordStatus = "processing"
	StatusCompleted  RecordStatus = "completed"
	StatusFailed     RecordStatus = "failed"
)

// ResultImage 结果图描述，file_path 与 url 二选一
type ResultImage struct {
	FilePath string `json:"file_path,omitempty"`
	URL      string `json:"url,omitempty"`
	Index    int    `json:"index"`
}

// Source 返回可用于下载/展示的地址
func (i ResultImage) Source() string {
	if i.URL != "" {
		return i.URL
	}
	return i.FilePath
}

// GenerationRecord 一次生成任务及其结果
type GenerationRecord struct {
	ID         int64           `json:"id"`
	UserID     int64           `json:"user_id,omitempty"`
	Status     RecordStatus    `json:"status"`
	Params     json.RawMessage `json:"params,omitempty"`
	Images     []ResultImage   `json:"images"`
	FeedbackID *int64          `json:"feedback_id,omitempty"`
	CreatedAt  string          `json:"created_at,omitempty"`
}

// IsTerminal 是否已到终态
func (r GenerationRecord) IsTerminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed
}

// Clone 深拷贝，避免调用方修改共享切片
func (r GenerationRecord) Clone() GenerationRecord {
	out := r
	if r.Params != nil {
		out.Params = append(json.RawMessage(nil), r.Params...)
	}
	if r.Images != nil {
		out.Images = append([]ResultImage(nil), r.Images...)
	}
	if r.FeedbackID != nil {
		id := *r.FeedbackID
		out.FeedbackID = &id
	}
	return out
}

// RecordPatch 客户端乐观更新可修改的字段
type RecordPatch struct {
	FeedbackID *int64 `json:"feedback_id,omitempty"`
}

// Apply 返回合并 patch 后的新记录
func (p RecordPatch) Apply(r GenerationRecord) GenerationRecord {
	out := r.Clone()
	if p.FeedbackID != nil {
		id := *p.FeedbackID
		out.FeedbackID = &id
	}
	return out
}

// MessageStatus 消息已读状态
type MessageStatus string

const (
	MessageUnread MessageStatus = "unread"
	MessageRead   MessageStatus = "read"
)

const (
	MessageTypeTask     = "task"
	MessageTypeSystem   = "system"
	MessageTypeBusiness = "business"
)

// NotificationMessage 站内消息，也是推送连接上的消息体
type NotificationMessage struct {
	ID        int64           `json:"id"`
	Title     string          `json:"title"`
	Content   string          `json:"content"`
	Status    MessageStatus   `json:"status"`
	CreatedAt string          `json:"created_at,omitempty"`
	Type      string          `json:"type"`
	ExtraData json.RawMessage `json:"extra_data,omitempty"`
	Link      string          `json:"link,omitempty"`
}

// TaskID 从 extra_data 中取出 task_id。
// extra_data 可能是 JSON 对象，也可能是编码成字符串的 JSON。
func (m NotificationMessage) TaskID() string {
	if len(m.ExtraData) == 0 {
		return ""
	}
	res := gjson.ParseBytes(m.ExtraData)
	if res.Type == gjson.String {
		res = gjson.Parse(res.String())
	}
	return res.Get("task_id").String()
}

// OrderStatus 支付订单状态；StatusExpired 为客户端轮询超时后的合成状态
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderPaid      OrderStatus = "paid"
	OrderCancelled OrderStatus = "cancelled"
	OrderRefunded  OrderStatus = "refunded"
	OrderExpired   OrderStatus = "expired"
)

// PaymentOrder 支付订单
type PaymentOrder struct {
	OrderNo       string          `json:"order_no"`
	Status        OrderStatus     `json:"status"`
	QRCodeURL     string          `json:"qr_code_url"`
	ProductType   string          `json:"product_type,omitempty"`
	ProductID     int64           `json:"product_id,omitempty"`
	PaymentMethod string          `json:"payment_method,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	CreatedAt     string          `json:"created_at,omitempty"`
}

// Package 会员/积分套餐
type Package struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name"`
	ProductType string          `json:"product_type"`
	Price       decimal.Decimal `json:"price"`
	Points      int             `json:"points"`
	Days        int             `json:"days"`
}

// User 当前登录用户
type User struct {
	ID             int64  `json:"id"`
	Nickname       string `json:"nickname"`
	Phone          string `json:"phone,omitempty"`
	Avatar         string `json:"avatar,omitempty"`
	Points         int    `json:"points"`
	MemberLevel    string `json:"member_level,omitempty"`
	MemberExpireAt string `json:"member_expire_at,omitempty"`
}

// Session 登录态
type Session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	User         User   `json:"user"`
}
