package message

import (
	"context"
	"sync"

	"yilaitu-client/internal/apiclient"
	"yilaitu-client/internal/logger"
	"yilaitu-client/internal/model"

	"github.com/rs/zerolog"
)

const defaultPageSize = 20

// Client 消息中心接口
type Client interface {
	GetUnreadCount(ctx context.Context) (int, error)
	ListMessages(ctx context.Context, page, pageSize int) (*apiclient.MessagePage, error)
	MarkRead(ctx context.Context, id int64) error
	MarkBatchRead(ctx context.Context, ids []int64) error
	DeleteBatch(ctx context.Context, ids []int64) error
}

// Snapshot 消息列表与未读数
type Snapshot struct {
	Items  []model.NotificationMessage `json:"items"`
	Unread int                         `json:"unread"`
	Total  int64                       `json:"total"`
}

type Options struct {
	PageSize int
	OnChange func(s Snapshot)
	Logger   *zerolog.Logger
}

// Center 站内消息与未读计数。
// items 只整体替换，不原地修改，读者拿到的切片不会被后续写入改动。
type Center struct {
	client   Client
	pageSize int
	onChange func(s Snapshot)
	log      zerolog.Logger

	mu     sync.Mutex
	items  []model.NotificationMessage
	unread int
	total  int64
	gen    uint64 // Refresh/Clear 自增
}

func New(client Client, opts Options) *Center {
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	log := logger.Component("message")
	if opts.Logger != nil {
		log = *opts.Logger
	}
	return &Center{
		client:   client,
		pageSize: opts.PageSize,
		onChange: opts.OnChange,
		log:      log,
	}
}

// Refresh 重新拉取未读数与第一页消息
func (c *Center) Refresh(ctx context.Context) error {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	count, err := c.client.GetUnreadCount(ctx)
	if err != nil {
		return err
	}
	page, err := c.client.ListMessages(ctx, 1, c.pageSize)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		c.log.Debug().Msg("丢弃过期的消息列表")
		return nil
	}
	items := make([]model.NotificationMessage, 0, len(page.Items))
	for _, m := range page.Items {
		items = append(items, normalize(m))
	}
	c.items = items
	c.unread = max(count, 0)
	c.total = page.Total
	c.mu.Unlock()

	c.changed()
	return nil
}

// MarkRead 标记单条已读
func (c *Center) MarkRead(ctx context.Context, id int64) error {
	if err := c.client.MarkRead(ctx, id); err != nil {
		return err
	}
	c.applyRead([]int64{id})
	return nil
}

// MarkBatchRead 批量标记已读
func (c *Center) MarkBatchRead(ctx context.Context, ids []int64) error {
	if err := c.client.MarkBatchRead(ctx, ids); err != nil {
		return err
	}
	c.applyRead(ids)
	return nil
}

// DeleteBatch 批量删除，被删除的未读消息同时扣减未读数
func (c *Center) DeleteBatch(ctx context.Context, ids []int64) error {
	if err := c.client.DeleteBatch(ctx, ids); err != nil {
		return err
	}
	drop := toSet(ids)

	c.mu.Lock()
	items := make([]model.NotificationMessage, 0, len(c.items))
	removed := 0
	for _, m := range c.items {
		if _, ok := drop[m.ID]; !ok {
			items = append(items, m)
			continue
		}
		removed++
		if m.Status == model.MessageUnread && c.unread > 0 {
			c.unread--
		}
	}
	c.items = items
	c.total = max(c.total-int64(removed), 0)
	c.mu.Unlock()

	c.changed()
	return nil
}

// Push 收到推送时调用：按 id 去重后插到最前，未读数加一
func (c *Center) Push(msg model.NotificationMessage) {
	msg = normalize(msg)

	c.mu.Lock()
	for _, m := range c.items {
		if m.ID == msg.ID && msg.ID != 0 {
			c.mu.Unlock()
			return
		}
	}
	items := make([]model.NotificationMessage, 0, len(c.items)+1)
	items = append(items, msg)
	items = append(items, c.items...)
	c.items = items
	c.total++
	if msg.Status == model.MessageUnread {
		c.unread++
	}
	c.mu.Unlock()

	c.changed()
}

// Find 按 id 查找本地消息
func (c *Center) Find(id int64) (model.NotificationMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.items {
		if m.ID == id {
			return m, true
		}
	}
	return model.NotificationMessage{}, false
}

// Clear 登出时清空
func (c *Center) Clear() {
	c.mu.Lock()
	c.gen++
	c.items = nil
	c.unread = 0
	c.total = 0
	c.mu.Unlock()
	c.changed()
}

// Snapshot 返回当前状态的副本
func (c *Center) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Center) snapshotLocked() Snapshot {
	return Snapshot{
		Items:  append([]model.NotificationMessage{}, c.items...),
		Unread: c.unread,
		Total:  c.total,
	}
}

// applyRead unread→read 单向转换，已读消息不再扣减未读数
func (c *Center) applyRead(ids []int64) {
	want := toSet(ids)

	c.mu.Lock()
	items := make([]model.NotificationMessage, len(c.items))
	for i, m := range c.items {
		if _, ok := want[m.ID]; ok && m.Status == model.MessageUnread {
			m.Status = model.MessageRead
			if c.unread > 0 {
				c.unread--
			}
		}
		items[i] = m
	}
	c.items = items
	c.mu.Unlock()

	c.changed()
}

func (c *Center) changed() {
	if c.onChange == nil {
		return
	}
	c.onChange(c.Snapshot())
}

func normalize(m model.NotificationMessage) model.NotificationMessage {
	if m.Status != model.MessageRead {
		m.Status = model.MessageUnread
	}
	return m
}

func toSet(ids []int64) map[int64]struct{} {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
