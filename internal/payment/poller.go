package payment

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"yilaitu-client/internal/apiclient"
	"yilaitu-client/internal/logger"
	"yilaitu-client/internal/metrics"
	"yilaitu-client/internal/model"

	"github.com/rs/zerolog"
)

// State 支付流程状态
type State string

const (
	StateNone      State = "none"
	StateCreating  State = "creating"
	StatePolling   State = "polling"
	StatePaid      State = "paid"
	StateCancelled State = "cancelled"
	StateExpired   State = "expired"
)

const (
	DefaultPollInterval = 3 * time.Second
	DefaultMaxPollCount = 20
	DefaultSuccessDelay = 1500 * time.Millisecond
)

var (
	// ErrSuperseded 下单期间被新的下单或 Stop 取代
	ErrSuperseded = errors.New("支付订单已被新的请求取代")
	// ErrNothingToRefresh 当前没有可刷新的订单
	ErrNothingToRefresh = errors.New("当前没有可刷新的订单")
)

// Client 支付相关的后端接口
type Client interface {
	CreatePaymentOrder(ctx context.Context, req apiclient.PaymentOrderRequest) (*model.PaymentOrder, error)
	GetOrderStatus(ctx context.Context, orderNo string) (model.OrderStatus, error)
}

// OrderRecorder 本地订单记录，可选
type OrderRecorder interface {
	SaveOrder(order model.PaymentOrder) error
}

// Selection 用户选择的套餐与支付方式
type Selection struct {
	ProductType   string `json:"product_type"`
	ProductID     int64  `json:"product_id"`
	PaymentMethod string `json:"payment_method"`
	IsUpgrade     bool   `json:"is_upgrade"`
}

// Snapshot 对外暴露的当前状态
type Snapshot struct {
	State     State               `json:"state"`
	Order     *model.PaymentOrder `json:"order,omitempty"`
	Attempts  int                 `json:"attempts"`
	Selection Selection           `json:"selection"`
}

type Options struct {
	Interval     time.Duration
	MaxAttempts  int
	SuccessDelay time.Duration
	// OnPaid 支付成功并经过 SuccessDelay 后调用一次，通常用于刷新账户信息
	OnPaid   func(order model.PaymentOrder)
	OnChange func(s Snapshot)
	Recorder OrderRecorder
	Logger   *zerolog.Logger
}

// Poller 创建订单后按固定间隔轮询状态，超过次数上限后置为 expired。
// 任一时刻最多只有一个轮询循环在运行。
type Poller struct {
	client   Client
	interval time.Duration
	max      int
	delay    time.Duration
	onPaid   func(order model.PaymentOrder)
	onChange func(s Snapshot)
	recorder OrderRecorder
	log      zerolog.Logger

	mu        sync.Mutex
	state     State
	order     *model.PaymentOrder
	selection Selection
	attempts  int
	gen       uint64
	cancel    context.CancelFunc
	paidTimer map[uint64]*time.Timer // 待触发的成功回调，按订单代次

	active atomic.Int32
}

func NewPoller(client Client, opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxPollCount
	}
	if opts.SuccessDelay < 0 {
		opts.SuccessDelay = 0
	}
	log := logger.Component("payment")
	if opts.Logger != nil {
		log = *opts.Logger
	}
	return &Poller{
		client:    client,
		interval:  opts.Interval,
		max:       opts.MaxAttempts,
		delay:     opts.SuccessDelay,
		onPaid:    opts.OnPaid,
		onChange:  opts.OnChange,
		recorder:  opts.Recorder,
		log:       log,
		state:     StateNone,
		paidTimer: make(map[uint64]*time.Timer),
	}
}

// CreateOrder 取消已有的轮询，创建新订单并开始轮询
func (p *Poller) CreateOrder(ctx context.Context, sel Selection) (*model.PaymentOrder, error) {
	p.mu.Lock()
	p.cancelLoopLocked()
	p.gen++
	gen := p.gen
	p.state = StateCreating
	p.selection = sel
	p.order = nil
	p.attempts = 0
	p.mu.Unlock()
	p.changed()

	order, err := p.client.CreatePaymentOrder(ctx, apiclient.PaymentOrderRequest{
		ProductType:   sel.ProductType,
		ProductID:     sel.ProductID,
		PaymentMethod: sel.PaymentMethod,
		IsUpgrade:     sel.IsUpgrade,
	})

	p.mu.Lock()
	if gen != p.gen {
		p.mu.Unlock()
		return nil, ErrSuperseded
	}
	if err != nil {
		p.state = StateNone
		p.mu.Unlock()
		p.changed()
		p.log.Warn().Err(err).Str("product_type", sel.ProductType).Int64("product_id", sel.ProductID).Msg("创建支付订单失败")
		return nil, err
	}
	o := *order
	o.Status = model.OrderPending
	p.order = &o
	p.state = StatePolling
	loopCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.active.Add(1)
	go p.loop(loopCtx, gen, o.OrderNo)
	p.mu.Unlock()

	p.log.Info().Str("order_no", o.OrderNo).Str("method", sel.PaymentMethod).Msg("支付订单已创建，开始轮询")
	p.record(o)
	p.changed()
	out := o
	return &out, nil
}

// ChangeSelection 切换套餐或支付方式，旧订单的轮询会先被取消
func (p *Poller) ChangeSelection(ctx context.Context, sel Selection) (*model.PaymentOrder, error) {
	return p.CreateOrder(ctx, sel)
}

// Refresh 在 expired/cancelled 状态下用原选择重新下单
func (p *Poller) Refresh(ctx context.Context) (*model.PaymentOrder, error) {
	p.mu.Lock()
	state := p.state
	sel := p.selection
	p.mu.Unlock()
	if state != StateExpired && state != StateCancelled {
		return nil, ErrNothingToRefresh
	}
	return p.CreateOrder(ctx, sel)
}

// Stop 取消轮询与尚未触发的成功回调，回到 none。登出或退出时调用。
func (p *Poller) Stop() {
	p.mu.Lock()
	p.cancelLoopLocked()
	for gen, t := range p.paidTimer {
		t.Stop()
		delete(p.paidTimer, gen)
	}
	p.gen++
	p.state = StateNone
	p.order = nil
	p.attempts = 0
	p.mu.Unlock()
	p.changed()
}

// Snapshot 返回当前状态
func (p *Poller) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

// ActiveLoops 正在运行的轮询循环数量
func (p *Poller) ActiveLoops() int {
	return int(p.active.Load())
}

func (p *Poller) snapshotLocked() Snapshot {
	s := Snapshot{State: p.state, Attempts: p.attempts, Selection: p.selection}
	if p.order != nil {
		o := *p.order
		s.Order = &o
	}
	return s
}

func (p *Poller) cancelLoopLocked() {
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

func (p *Poller) loop(ctx context.Context, gen uint64, orderNo string) {
	defer p.active.Add(-1)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		status, err := p.client.GetOrderStatus(ctx, orderNo)
		if ctx.Err() != nil {
			return
		}
		if p.observe(gen, status, err) {
			return
		}
	}
}

// observe 处理一次轮询结果，返回 true 表示循环应结束
func (p *Poller) observe(gen uint64, status model.OrderStatus, err error) bool {
	p.mu.Lock()
	if gen != p.gen || p.state != StatePolling {
		p.mu.Unlock()
		return true
	}
	p.attempts++
	if err != nil {
		// 查询失败静默忽略，下一轮继续
		metrics.PaymentPolls.WithLabelValues("error").Inc()
		p.log.Debug().Err(err).Int("attempt", p.attempts).Msg("查询订单状态失败")
	} else {
		metrics.PaymentPolls.WithLabelValues(string(status)).Inc()
	}

	done := false
	switch {
	case err == nil && status == model.OrderPaid:
		p.state = StatePaid
		p.order.Status = model.OrderPaid
		order := *p.order
		p.paidTimer[gen] = time.AfterFunc(p.delay, func() { p.firePaid(gen, order) })
		done = true
	case err == nil && (status == model.OrderCancelled || status == model.OrderRefunded):
		p.state = StateCancelled
		p.order.Status = status
		done = true
	case p.attempts >= p.max:
		p.state = StateExpired
		p.order.Status = model.OrderExpired
		done = true
	}
	if done {
		p.cancelLoopLocked()
	}
	var order model.PaymentOrder
	if done {
		order = *p.order
	}
	p.mu.Unlock()

	if done {
		p.log.Info().Str("order_no", order.OrderNo).Str("status", string(order.Status)).Msg("支付轮询结束")
		p.record(order)
	}
	p.changed()
	return done
}

func (p *Poller) firePaid(gen uint64, order model.PaymentOrder) {
	p.mu.Lock()
	if _, ok := p.paidTimer[gen]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.paidTimer, gen)
	p.mu.Unlock()

	if p.onPaid != nil {
		p.onPaid(order)
	}
}

func (p *Poller) changed() {
	if p.onChange == nil {
		return
	}
	p.onChange(p.Snapshot())
}

func (p *Poller) record(order model.PaymentOrder) {
	if p.recorder == nil {
		return
	}
	if err := p.recorder.SaveOrder(order); err != nil {
		p.log.Warn().Err(err).Str("order_no", order.OrderNo).Msg("写入本地订单记录失败")
	}
}
