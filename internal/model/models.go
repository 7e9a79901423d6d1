package model

import (
	"time"

	"gorm.io/gorm"
)

// SessionRow 对应 sessions 表，保存最近一次登录态以便重启后恢复
type SessionRow struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	UserID       int64     `gorm:"uniqueIndex;not null" json:"user_id"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	UserJSON     string    `json:"user_json"` // User 快照
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (SessionRow) TableName() string { return "sessions" }

// RecordRow 对应 records 表，生成记录的本地缓存
type RecordRow struct {
	RecordID  int64     `gorm:"primaryKey;autoIncrement:false" json:"record_id"`
	UserID    int64     `gorm:"index:idx_user_record" json:"user_id"`
	Status    string    `gorm:"index" json:"status"`
	Payload   string    `json:"payload"` // GenerationRecord JSON
	UpdatedAt time.Time `json:"updated_at"`
}

func (RecordRow) TableName() string { return "records" }

// OrderRow 对应 orders 表，记录本机发起过的支付订单
type OrderRow struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	OrderNo       string         `gorm:"uniqueIndex;not null" json:"order_no"`
	UserID        int64          `gorm:"index" json:"user_id"`
	ProductType   string         `json:"product_type"`
	ProductID     int64          `json:"product_id"`
	PaymentMethod string         `json:"payment_method"`
	Status        string         `gorm:"index" json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"-"`
}

func (OrderRow) TableName() string { return "orders" }

// ResultFileRow 对应 result_files 表，已下载到本机的结果图
type ResultFileRow struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	RecordID      int64     `gorm:"uniqueIndex:idx_record_index;not null" json:"record_id"`
	ImageIndex    int       `gorm:"uniqueIndex:idx_record_index" json:"image_index"`
	SourceURL     string    `json:"source_url"`
	LocalPath     string    `json:"local_path"`
	ThumbnailPath string    `json:"thumbnail_path"`
	RemoteURL     string    `json:"remote_url"`    // OSS 镜像地址
	ThumbnailURL  string    `json:"thumbnail_url"` // OSS 缩略图地址
	Width         int       `json:"width"`
	Height        int       `json:"height"`
	CreatedAt     time.Time `json:"created_at"`
}

func (ResultFileRow) TableName() string { return "result_files" }
