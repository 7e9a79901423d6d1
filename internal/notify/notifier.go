package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"yilaitu-client/internal/logger"
	"yilaitu-client/internal/metrics"
	"yilaitu-client/internal/model"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Conn 推送连接，*websocket.Conn 满足该接口
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Dialer 建立推送连接
type Dialer func(ctx context.Context, rawURL string, header http.Header) (Conn, error)

// Handler 处理一条推送消息
type Handler func(msg model.NotificationMessage)

// WebsocketDialer 基于 gorilla/websocket 的默认实现
func WebsocketDialer(ctx context.Context, rawURL string, header http.Header) (Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, rawURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("建立推送连接失败 (status=%d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("建立推送连接失败: %w", err)
	}
	return conn, nil
}

type Options struct {
	URL    string
	Dial   Dialer
	Token  func() string
	Logger *zerolog.Logger
}

type handlerEntry struct {
	id uint64
	fn Handler
}

// Notifier 每个登录用户唯一的推送连接。
//
// 连接断开后不会自动重连，只有显式调用 Connect 才会重新建立。
// 处理函数的注册与连接相互独立，Disconnect 不会清除它们。
type Notifier struct {
	url   string
	dial  Dialer
	token func() string
	log   zerolog.Logger

	mu     sync.Mutex
	conn   Conn
	userID int64
	gen    uint64

	handlersMu sync.RWMutex
	handlers   []handlerEntry
	nextID     uint64
}

func New(opts Options) *Notifier {
	if opts.Dial == nil {
		opts.Dial = WebsocketDialer
	}
	log := logger.Component("notify")
	if opts.Logger != nil {
		log = *opts.Logger
	}
	return &Notifier{
		url:   opts.URL,
		dial:  opts.Dial,
		token: opts.Token,
		log:   log,
	}
}

// ErrSuperseded 握手期间连接被 Disconnect 或新的 Connect 取代
var ErrSuperseded = errors.New("推送连接已被取消")

// Connect 为 userID 建立连接。同一用户已连接时不做任何事；
// 不同用户会先断开旧连接。握手期间不持有锁。
func (n *Notifier) Connect(ctx context.Context, userID int64) error {
	endpoint, err := n.endpoint(userID)
	if err != nil {
		return err
	}

	n.mu.Lock()
	if n.conn != nil && n.userID == userID {
		n.mu.Unlock()
		return nil
	}
	n.closeLocked()
	gen := n.gen
	n.mu.Unlock()

	header := http.Header{}
	if n.token != nil {
		if tok := n.token(); tok != "" {
			header.Set("Authorization", "Bearer "+tok)
		}
	}
	conn, err := n.dial(ctx, endpoint, header)
	if err != nil {
		return err
	}

	n.mu.Lock()
	if n.gen != gen {
		n.mu.Unlock()
		_ = conn.Close()
		n.log.Debug().Int64("user_id", userID).Msg("握手完成时连接已被取消，丢弃")
		return ErrSuperseded
	}
	n.conn = conn
	n.userID = userID
	n.mu.Unlock()
	go n.readLoop(conn, gen, userID)

	n.log.Info().Int64("user_id", userID).Msg("推送连接已建立")
	return nil
}

// Disconnect 释放当前连接，处理函数保持注册
func (n *Notifier) Disconnect() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn != nil {
		n.log.Info().Int64("user_id", n.userID).Msg("断开推送连接")
	}
	n.closeLocked()
}

func (n *Notifier) closeLocked() {
	n.gen++
	if n.conn != nil {
		_ = n.conn.Close()
	}
	n.conn = nil
	n.userID = 0
}

// Connected 返回当前连接的用户
func (n *Notifier) Connected() (int64, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.userID, n.conn != nil
}

// AddMessageHandler 注册处理函数，返回的函数只移除这一次注册
func (n *Notifier) AddMessageHandler(fn Handler) func() {
	n.handlersMu.Lock()
	n.nextID++
	id := n.nextID
	list := append([]handlerEntry(nil), n.handlers...)
	n.handlers = append(list, handlerEntry{id: id, fn: fn})
	n.handlersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.handlersMu.Lock()
			defer n.handlersMu.Unlock()
			next := make([]handlerEntry, 0, len(n.handlers))
			for _, h := range n.handlers {
				if h.id != id {
					next = append(next, h)
				}
			}
			n.handlers = next
		})
	}
}

func (n *Notifier) endpoint(userID int64) (string, error) {
	u, err := url.Parse(n.url)
	if err != nil || u.Scheme == "" {
		return "", fmt.Errorf("推送地址不合法: %q", n.url)
	}
	q := u.Query()
	q.Set("user_id", strconv.FormatInt(userID, 10))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (n *Notifier) current(gen uint64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.gen == gen
}

func (n *Notifier) readLoop(conn Conn, gen uint64, userID int64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			n.mu.Lock()
			stillActive := n.gen == gen
			if stillActive {
				n.conn = nil
				n.userID = 0
			}
			n.mu.Unlock()
			if stillActive {
				// 不自动重连，丢失的通知需要等待下一次 Connect
				n.log.Warn().Err(err).Int64("user_id", userID).Msg("推送连接已断开")
			}
			return
		}

		var msg model.NotificationMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			n.log.Warn().Err(err).Msg("忽略无法解析的推送消息")
			continue
		}
		if !n.current(gen) {
			return
		}
		metrics.PushMessages.WithLabelValues(msg.Type).Inc()
		n.Dispatch(msg)
	}
}

// Dispatch 按注册顺序同步投递给所有处理函数
func (n *Notifier) Dispatch(msg model.NotificationMessage) {
	n.handlersMu.RLock()
	list := n.handlers
	n.handlersMu.RUnlock()

	for _, h := range list {
		n.invoke(h, msg)
	}
}

func (n *Notifier) invoke(h handlerEntry, msg model.NotificationMessage) {
	defer func() {
		if r := recover(); r != nil {
			n.log.Error().Interface("panic", r).Uint64("handler", h.id).Msg("推送处理函数 panic")
		}
	}()
	h.fn(msg)
}
