package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"yilaitu-client/internal/apiclient"
	"yilaitu-client/internal/catalog"
	"yilaitu-client/internal/config"
	"yilaitu-client/internal/events"
	"yilaitu-client/internal/feed"
	"yilaitu-client/internal/jobs"
	"yilaitu-client/internal/logger"
	"yilaitu-client/internal/message"
	"yilaitu-client/internal/model"
	"yilaitu-client/internal/notify"
	"yilaitu-client/internal/payment"
	"yilaitu-client/internal/store"
	"yilaitu-client/internal/worker"

	"github.com/rs/zerolog"
)

const defaultWechatInterval = 2 * time.Second

var (
	// ErrNotLoggedIn 当前没有登录态
	ErrNotLoggedIn = errors.New("未登录")
	// ErrQRCodeExpired 扫码登录二维码已过期
	ErrQRCodeExpired = errors.New("二维码已过期，请刷新")
)

// Settings 各组件的运行参数
type Settings struct {
	WSURL          string
	FeedPageSize   int
	FeedDebounce   time.Duration
	PollInterval   time.Duration
	MaxPollCount   int
	SuccessDelay   time.Duration
	TrackInterval  time.Duration
	MaxEdge        int
	JPEGQuality    int
	WechatInterval time.Duration
}

// SettingsFromConfig 从配置文件生成运行参数
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		WSURL:          cfg.API.WSURL,
		FeedPageSize:   cfg.Feed.PageSize,
		FeedDebounce:   config.Millis(cfg.Feed.DebounceMs, 100*time.Millisecond),
		PollInterval:   config.Millis(cfg.Payment.PollIntervalMs, payment.DefaultPollInterval),
		MaxPollCount:   cfg.Payment.MaxPollCount,
		SuccessDelay:   config.Millis(cfg.Payment.SuccessDelayMs, payment.DefaultSuccessDelay),
		TrackInterval:  config.Millis(cfg.Tracker.PollIntervalMs, 3*time.Second),
		MaxEdge:        cfg.Upload.MaxEdge,
		JPEGQuality:    cfg.Upload.JPEGQuality,
		WechatInterval: defaultWechatInterval,
	}
}

// Deps 外部依赖；Store、Catalog、Downloads、Dial 可为空
type Deps struct {
	Client    *apiclient.Client
	Store     *store.Store
	Catalog   *catalog.Store
	Downloads *worker.Pool
	Dial      notify.Dialer
	Logger    *zerolog.Logger
}

// App 应用上下文：持有登录态与所有核心组件，负责登录后的初始化与登出时的清理
type App struct {
	Client   *apiclient.Client
	Bus      *events.Bus
	Feed     *feed.Feed
	Notifier *notify.Notifier
	Messages *message.Center
	Payment  *payment.Poller
	Jobs     *jobs.Coordinator
	Tracker  *jobs.Tracker
	Feedback *jobs.Feedback
	Catalog  *catalog.Store

	store          *store.Store
	downloads      *worker.Pool
	wechatInterval time.Duration
	log            zerolog.Logger

	mu       sync.RWMutex
	session  *model.Session
	unsubs   []func()
	bgCtx    context.Context
	bgCancel context.CancelFunc
}

// New 组装各组件并接好它们之间的回调
func New(deps Deps, s Settings) *App {
	log := logger.Component("app")
	if deps.Logger != nil {
		log = *deps.Logger
	}
	if s.WechatInterval <= 0 {
		s.WechatInterval = defaultWechatInterval
	}

	a := &App{
		Client:         deps.Client,
		Bus:            events.NewBus(),
		Catalog:        deps.Catalog,
		store:          deps.Store,
		downloads:      deps.Downloads,
		wechatInterval: s.WechatInterval,
		log:            log,
	}
	a.bgCtx, a.bgCancel = context.WithCancel(context.Background())

	feedOpts := feed.Options{PageSize: s.FeedPageSize, Debounce: s.FeedDebounce, Logger: deps.Logger}
	pollOpts := payment.Options{
		Interval:     s.PollInterval,
		MaxAttempts:  s.MaxPollCount,
		SuccessDelay: s.SuccessDelay,
		OnPaid:       a.onPaid,
		Logger:       deps.Logger,
	}
	if deps.Store != nil {
		feedOpts.Cache = deps.Store
		pollOpts.Recorder = deps.Store
	}
	a.Feed = feed.New(deps.Client, feedOpts)
	a.Payment = payment.NewPoller(deps.Client, pollOpts)
	a.Messages = message.New(deps.Client, message.Options{Logger: deps.Logger})
	a.Notifier = notify.New(notify.Options{
		URL:    s.WSURL,
		Dial:   deps.Dial,
		Token:  deps.Client.Token,
		Logger: deps.Logger,
	})

	jobOpts := jobs.Options{MaxEdge: s.MaxEdge, JPEGQuality: s.JPEGQuality, Logger: deps.Logger}
	if deps.Catalog != nil {
		jobOpts.Catalog = deps.Catalog
	}
	a.Jobs = jobs.NewCoordinator(deps.Client, jobOpts)
	a.Tracker = jobs.NewTracker(deps.Client, a.Feed, jobs.TrackerOptions{
		Interval:   s.TrackInterval,
		Bus:        a.Bus,
		OnTerminal: a.onTerminal,
		Logger:     deps.Logger,
	})
	a.Feedback = jobs.NewFeedback(deps.Client, a.Feed, deps.Logger)

	deps.Client.SetOnUnauthorized(a.onUnauthorized)
	a.unsubs = append(a.unsubs,
		a.Notifier.AddMessageHandler(a.onPush),
		a.Bus.Subscribe(events.TaskCompleted, a.onTaskCompleted),
	)
	return a
}

// Session 当前登录态的副本
func (a *App) Session() (model.Session, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.session == nil {
		return model.Session{}, false
	}
	return *a.session, true
}

// UserID 当前用户，未登录返回 0
func (a *App) UserID() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.session == nil {
		return 0
	}
	return a.session.User.ID
}

// LoginPhone 手机验证码登录
func (a *App) LoginPhone(ctx context.Context, phone, code string) (*model.Session, error) {
	sess, err := a.Client.LoginPhone(ctx, phone, code)
	if err != nil {
		return nil, err
	}
	return a.start(ctx, *sess)
}

// WechatQRCode 获取扫码登录二维码
func (a *App) WechatQRCode(ctx context.Context) (*apiclient.WechatQRCode, error) {
	return a.Client.GetWechatQRCode(ctx)
}

// CheckWechat 查询一次扫码状态，已扫码时完成登录
func (a *App) CheckWechat(ctx context.Context, sceneID string) (*model.Session, bool, error) {
	res, err := a.Client.CheckWechatLogin(ctx, sceneID)
	if err != nil {
		return nil, false, err
	}
	if !res.Scanned || res.AccessToken == "" || res.User == nil {
		return nil, false, nil
	}
	sess, err := a.start(ctx, model.Session{
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
		User:         *res.User,
	})
	if err != nil {
		return nil, false, err
	}
	return sess, true, nil
}

// WaitWechatScan 每隔 wechatInterval 查询扫码状态，直到登录、二维码过期或 ctx 结束。
// 单次查询的网络错误在下一轮重试。
func (a *App) WaitWechatScan(ctx context.Context, qr apiclient.WechatQRCode) (*model.Session, error) {
	if qr.ExpireSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, time.Duration(qr.ExpireSeconds)*time.Second, ErrQRCodeExpired)
		defer cancel()
	}
	ticker := time.NewTicker(a.wechatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if cause := context.Cause(ctx); errors.Is(cause, ErrQRCodeExpired) {
				return nil, ErrQRCodeExpired
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}

		sess, ok, err := a.CheckWechat(ctx, qr.SceneID)
		if err != nil {
			if ctx.Err() == nil && apiclient.IsTransient(err) {
				a.log.Debug().Err(err).Str("scene_id", qr.SceneID).Msg("查询扫码状态失败，下一轮重试")
				continue
			}
			if errors.Is(context.Cause(ctx), ErrQRCodeExpired) {
				return nil, ErrQRCodeExpired
			}
			return nil, err
		}
		if ok {
			return sess, nil
		}
	}
}

// Restore 启动时恢复本地保存的登录态；登录态已失效时清理并返回错误
func (a *App) Restore(ctx context.Context) (*model.Session, error) {
	if a.store == nil {
		return nil, store.ErrNoSession
	}
	saved, err := a.store.LoadSession()
	if err != nil {
		return nil, err
	}
	a.Client.SetToken(saved.AccessToken)
	user, err := a.Client.GetUserInfo(ctx)
	if err != nil {
		a.Client.SetToken("")
		if errors.Is(err, apiclient.ErrUnauthorized) {
			_ = a.store.DeleteSession(saved.User.ID)
		}
		return nil, err
	}
	saved.User = *user
	return a.start(ctx, *saved)
}

// start 登录成功后的初始化。切换到其他用户时先清理旧用户的状态。
func (a *App) start(ctx context.Context, sess model.Session) (*model.Session, error) {
	if prev := a.UserID(); prev != 0 && prev != sess.User.ID {
		a.teardown(true)
	}

	a.mu.Lock()
	stored := sess
	a.session = &stored
	a.mu.Unlock()

	a.Client.SetToken(sess.AccessToken)
	if a.store != nil {
		a.store.SetUser(sess.User.ID)
		if err := a.store.SaveSession(sess); err != nil {
			a.log.Warn().Err(err).Msg("保存登录态失败")
		}
	}

	if err := a.Notifier.Connect(ctx, sess.User.ID); err != nil {
		// 推送不可用时静默降级为轮询
		a.log.Warn().Err(err).Int64("user_id", sess.User.ID).Msg("推送连接失败")
	}
	if err := a.Feed.Reset(ctx, sess.User.ID); err != nil {
		if errors.Is(err, apiclient.ErrUnauthorized) {
			return nil, err
		}
		a.log.Warn().Err(err).Msg("加载历史记录失败")
	}
	if err := a.Messages.Refresh(ctx); err != nil {
		if errors.Is(err, apiclient.ErrUnauthorized) {
			return nil, err
		}
		a.log.Warn().Err(err).Msg("加载消息失败")
	}

	a.log.Info().Int64("user_id", sess.User.ID).Str("nickname", sess.User.Nickname).Msg("登录成功")
	out := sess
	return &out, nil
}

// Logout 主动登出
func (a *App) Logout() {
	a.teardown(true)
}

// teardown 停止轮询、断开推送、清空缓存状态。重复调用无副作用。
func (a *App) teardown(deleteSession bool) {
	a.mu.Lock()
	sess := a.session
	a.session = nil
	a.mu.Unlock()

	a.Payment.Stop()
	a.Notifier.Disconnect()
	a.Feed.Clear()
	a.Messages.Clear()
	a.Client.SetToken("")
	if a.store != nil {
		a.store.SetUser(0)
		if deleteSession && sess != nil {
			if err := a.store.DeleteSession(sess.User.ID); err != nil {
				a.log.Warn().Err(err).Msg("删除本地登录态失败")
			}
		}
	}
	if sess == nil {
		return
	}
	a.log.Info().Int64("user_id", sess.User.ID).Msg("已登出")
	a.Bus.Publish(events.Event{Kind: events.SessionEnded, User: &sess.User})
}

// Close 进程退出：停止所有后台活动，保留本地登录态以便下次恢复
func (a *App) Close() {
	a.bgCancel()
	a.teardown(false)
	for _, unsub := range a.unsubs {
		unsub()
	}
	if a.downloads != nil {
		a.downloads.Stop()
	}
}

// RefreshAccount 重新拉取账户信息
func (a *App) RefreshAccount(ctx context.Context) (*model.User, error) {
	if a.UserID() == 0 {
		return nil, ErrNotLoggedIn
	}
	user, err := a.Client.GetUserInfo(ctx)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	if a.session == nil || a.session.User.ID != user.ID {
		a.mu.Unlock()
		return user, nil
	}
	a.session.User = *user
	sess := *a.session
	a.mu.Unlock()

	if a.store != nil {
		if err := a.store.SaveSession(sess); err != nil {
			a.log.Warn().Err(err).Msg("保存账户信息失败")
		}
	}
	a.Bus.Publish(events.Event{Kind: events.AccountRefreshed, User: user})
	return user, nil
}

// OpenNotification 用户点开一条消息：标记已读，任务通知同时解析出对应记录
func (a *App) OpenNotification(ctx context.Context, id int64) (*model.GenerationRecord, error) {
	msg, ok := a.Messages.Find(id)
	if err := a.Messages.MarkRead(ctx, id); err != nil {
		return nil, err
	}
	if !ok || msg.TaskID() == "" {
		return nil, nil
	}
	a.Bus.Publish(events.Event{Kind: events.NotificationOpened, TaskID: msg.TaskID(), Message: &msg})
	rec, err := a.Tracker.Resolve(ctx, msg.TaskID())
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (a *App) onUnauthorized() {
	if a.UserID() == 0 {
		return
	}
	a.log.Warn().Msg("登录态失效，强制登出")
	a.teardown(true)
}

func (a *App) onPush(msg model.NotificationMessage) {
	a.Messages.Push(msg)
	a.Bus.Publish(events.Event{Kind: events.MessageReceived, Message: &msg})
	if msg.Type == model.MessageTypeTask {
		if taskID := msg.TaskID(); taskID != "" {
			a.Bus.Publish(events.Event{Kind: events.TaskCompleted, TaskID: taskID, Message: &msg})
		}
	}
}

// onTaskCompleted 推送到达后在后台刷新该记录，使记录流与服务端一致
func (a *App) onTaskCompleted(ev events.Event) {
	ctx := a.bgCtx
	go func() {
		if _, err := a.Tracker.Fetch(ctx, ev.TaskID); err != nil {
			a.log.Debug().Err(err).Str("task_id", ev.TaskID).Msg("刷新已完成任务失败")
		}
	}()
}

func (a *App) onTerminal(rec model.GenerationRecord) {
	if a.downloads == nil {
		return
	}
	if n := a.downloads.SubmitRecord(rec); n > 0 {
		a.log.Debug().Int64("record_id", rec.ID).Int("images", n).Msg("结果图已加入下载队列")
	}
}

func (a *App) onPaid(order model.PaymentOrder) {
	if _, err := a.RefreshAccount(a.bgCtx); err != nil {
		a.log.Warn().Err(err).Str("order_no", order.OrderNo).Msg("支付成功后刷新账户失败")
	}
}
