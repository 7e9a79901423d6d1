package events

import (
	"sync"

	"yilaitu-client/internal/model"
)

// Kind 事件类型
type Kind string

const (
	// TaskCompleted 推送消息携带 task_id，任务已到终态
	TaskCompleted Kind = "task_completed"
	// MessageReceived 任意一条推送消息
	MessageReceived Kind = "message_received"
	// NotificationOpened 用户在消息中心点开了某条任务通知
	NotificationOpened Kind = "notification_opened"
	// SessionEnded 登出或登录态失效
	SessionEnded Kind = "session_ended"
	// AccountRefreshed 支付成功后账户信息已刷新
	AccountRefreshed Kind = "account_refreshed"
)

// Event 总线上传递的事件
type Event struct {
	Kind    Kind
	TaskID  string
	Message *model.NotificationMessage
	User    *model.User
}

type subscriber struct {
	id uint64
	fn func(Event)
}

// Bus 进程内的类型化发布订阅
type Bus struct {
	mu     sync.RWMutex
	subs   map[Kind][]subscriber
	nextID uint64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[Kind][]subscriber)}
}

// Subscribe 订阅某类事件，返回的函数取消本次订阅
func (b *Bus) Subscribe(kind Kind, fn func(Event)) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	list := append([]subscriber(nil), b.subs[kind]...)
	b.subs[kind] = append(list, subscriber{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			old := b.subs[kind]
			next := make([]subscriber, 0, len(old))
			for _, s := range old {
				if s.id != id {
					next = append(next, s)
				}
			}
			b.subs[kind] = next
		})
	}
}

// Publish 同步地按订阅顺序投递
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	list := b.subs[ev.Kind]
	b.mu.RUnlock()
	for _, s := range list {
		s.fn(ev)
	}
}
