package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"yilaitu-client/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNoSession 本地没有保存的登录态
var ErrNoSession = errors.New("本地没有保存的登录态")

// Store 本机 SQLite 缓存：登录态、生成记录、支付订单、已下载的结果图
type Store struct {
	db *gorm.DB

	mu     sync.RWMutex
	userID int64 // 当前登录用户，SaveOrder 使用
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB 返回底层连接
func (s *Store) DB() *gorm.DB { return s.db }

// SetUser 切换当前用户，0 表示未登录
func (s *Store) SetUser(userID int64) {
	s.mu.Lock()
	s.userID = userID
	s.mu.Unlock()
}

func (s *Store) currentUser() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// SaveSession 保存登录态，同一用户只保留一条
func (s *Store) SaveSession(sess model.Session) error {
	userJSON, err := json.Marshal(sess.User)
	if err != nil {
		return fmt.Errorf("序列化用户信息失败: %w", err)
	}
	row := model.SessionRow{
		UserID:       sess.User.ID,
		AccessToken:  sess.AccessToken,
		RefreshToken: sess.RefreshToken,
		UserJSON:     string(userJSON),
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"access_token", "refresh_token", "user_json", "updated_at"}),
	}).Create(&row).Error
}

// LoadSession 返回最近一次保存的登录态
func (s *Store) LoadSession() (*model.Session, error) {
	var row model.SessionRow
	err := s.db.Order("updated_at desc").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, err
	}
	sess := &model.Session{AccessToken: row.AccessToken, RefreshToken: row.RefreshToken}
	if row.UserJSON != "" {
		if err := json.Unmarshal([]byte(row.UserJSON), &sess.User); err != nil {
			return nil, fmt.Errorf("解析用户信息失败: %w", err)
		}
	}
	sess.User.ID = row.UserID
	return sess, nil
}

// DeleteSession 删除某用户的登录态
func (s *Store) DeleteSession(userID int64) error {
	return s.db.Where("user_id = ?", userID).Delete(&model.SessionRow{}).Error
}

// SaveRecords 按记录 id 写入或覆盖
func (s *Store) SaveRecords(userID int64, records []model.GenerationRecord) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([]model.RecordRow, 0, len(records))
	for _, rec := range records {
		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("序列化记录 %d 失败: %w", rec.ID, err)
		}
		rows = append(rows, model.RecordRow{
			RecordID:  rec.ID,
			UserID:    userID,
			Status:    string(rec.Status),
			Payload:   string(payload),
			UpdatedAt: time.Now(),
		})
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "record_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"user_id", "status", "payload", "updated_at"}),
	}).Create(&rows).Error
}

// LoadRecords 按 id 倒序读取某用户缓存的记录
func (s *Store) LoadRecords(userID int64, limit int) ([]model.GenerationRecord, error) {
	q := s.db.Where("user_id = ?", userID).Order("record_id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []model.RecordRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.GenerationRecord, 0, len(rows))
	for _, row := range rows {
		var rec model.GenerationRecord
		if err := json.Unmarshal([]byte(row.Payload), &rec); err != nil {
			return nil, fmt.Errorf("解析记录 %d 失败: %w", row.RecordID, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// SaveOrder 记录当前用户的支付订单，状态变化时覆盖
func (s *Store) SaveOrder(order model.PaymentOrder) error {
	row := model.OrderRow{
		OrderNo:       order.OrderNo,
		UserID:        s.currentUser(),
		ProductType:   order.ProductType,
		ProductID:     order.ProductID,
		PaymentMethod: order.PaymentMethod,
		Status:        string(order.Status),
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "order_no"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "updated_at"}),
	}).Create(&row).Error
}

// LocalOrders 本机发起过的订单，最新的在前
func (s *Store) LocalOrders(userID int64, limit int) ([]model.OrderRow, error) {
	q := s.db.Where("user_id = ?", userID).Order("created_at desc, id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []model.OrderRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// SaveResultFile 记录一张已下载的结果图
func (s *Store) SaveResultFile(row model.ResultFileRow) error {
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "record_id"}, {Name: "image_index"}},
		DoUpdates: clause.AssignmentColumns([]string{"source_url", "local_path", "thumbnail_path", "remote_url", "thumbnail_url", "width", "height"}),
	}).Create(&row).Error
}

// ResultFiles 某些记录已下载的结果图，按记录与序号排序
func (s *Store) ResultFiles(recordIDs ...int64) ([]model.ResultFileRow, error) {
	var rows []model.ResultFileRow
	q := s.db.Order("record_id desc, image_index asc")
	if len(recordIDs) > 0 {
		q = q.Where("record_id IN ?", recordIDs)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
