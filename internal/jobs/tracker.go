package jobs

import (
	"context"
	"time"

	"yilaitu-client/internal/apiclient"
	"yilaitu-client/internal/events"
	"yilaitu-client/internal/logger"
	"yilaitu-client/internal/model"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	defaultTrackInterval = 3 * time.Second
	defaultFetchTimeout  = 30 * time.Second
)

// RecordSource 按 id 拉取单条记录
type RecordSource interface {
	GetRecord(ctx context.Context, id string) (*model.GenerationRecord, error)
}

// RecordStore 本地记录缓存，通常是 *feed.Feed
type RecordStore interface {
	FindByID(id string) (model.GenerationRecord, bool)
	ReconcileFromServer(rec model.GenerationRecord) bool
}

type TrackerOptions struct {
	Interval time.Duration
	// FetchTimeout 单次合并拉取的上限
	FetchTimeout time.Duration
	Bus          *events.Bus
	// OnTerminal 记录首次被观察到终态时调用
	OnTerminal func(rec model.GenerationRecord)
	Logger     *zerolog.Logger
}

// Tracker 把任务 id 解析为记录，并等待其到达终态
type Tracker struct {
	source       RecordSource
	store        RecordStore
	bus          *events.Bus
	interval     time.Duration
	fetchTimeout time.Duration
	onTerminal   func(rec model.GenerationRecord)
	log          zerolog.Logger

	group singleflight.Group
}

func NewTracker(source RecordSource, store RecordStore, opts TrackerOptions) *Tracker {
	if opts.Interval <= 0 {
		opts.Interval = defaultTrackInterval
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	log := logger.Component("tracker")
	if opts.Logger != nil {
		log = *opts.Logger
	}
	return &Tracker{
		source:       source,
		store:        store,
		bus:          opts.Bus,
		interval:     opts.Interval,
		fetchTimeout: opts.FetchTimeout,
		onTerminal:   opts.OnTerminal,
		log:          log,
	}
}

// Resolve 先查本地缓存，没有时按 id 拉取
func (t *Tracker) Resolve(ctx context.Context, taskID string) (model.GenerationRecord, error) {
	if rec, ok := t.store.FindByID(taskID); ok {
		return rec, nil
	}
	return t.Fetch(ctx, taskID)
}

// Fetch 拉取最新记录并以服务端为准写回缓存。同一 id 的并发请求合并为一次，
// 合并的请求不随任一调用方取消，每个调用方只按自己的 ctx 放弃等待。
func (t *Tracker) Fetch(ctx context.Context, taskID string) (model.GenerationRecord, error) {
	ch := t.group.DoChan(taskID, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.fetchTimeout)
		defer cancel()

		cached, hadCached := t.store.FindByID(taskID)
		rec, err := t.source.GetRecord(fetchCtx, taskID)
		if err != nil {
			return nil, err
		}
		t.store.ReconcileFromServer(*rec)
		if rec.IsTerminal() && (!hadCached || !cached.IsTerminal()) && t.onTerminal != nil {
			t.onTerminal(rec.Clone())
		}
		return rec.Clone(), nil
	})
	select {
	case <-ctx.Done():
		return model.GenerationRecord{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return model.GenerationRecord{}, res.Err
		}
		return res.Val.(model.GenerationRecord), nil
	}
}

// Wait 轮询直到记录到达终态。收到该任务的完成推送时立即重新拉取。
// 轮询期间的拉取失败会在下一轮重试，ctx 结束时返回 ctx 的错误。
func (t *Tracker) Wait(ctx context.Context, taskID string) (model.GenerationRecord, error) {
	rec, err := t.Resolve(ctx, taskID)
	if err != nil {
		return model.GenerationRecord{}, err
	}
	if rec.IsTerminal() {
		return rec, nil
	}

	pushed := make(chan struct{}, 1)
	if t.bus != nil {
		unsub := t.bus.Subscribe(events.TaskCompleted, func(ev events.Event) {
			if ev.TaskID != taskID {
				return
			}
			select {
			case pushed <- struct{}{}:
			default:
			}
		})
		defer unsub()
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return rec, ctx.Err()
		case <-ticker.C:
		case <-pushed:
			t.log.Debug().Str("task_id", taskID).Msg("收到完成推送，立即刷新")
		}

		latest, err := t.Fetch(ctx, taskID)
		if err != nil {
			if ctx.Err() != nil || !apiclient.IsTransient(err) {
				return rec, err
			}
			t.log.Debug().Err(err).Str("task_id", taskID).Msg("刷新任务状态失败，下一轮重试")
			continue
		}
		rec = latest
		if rec.IsTerminal() {
			t.log.Info().Str("task_id", taskID).Str("status", string(rec.Status)).Int("images", len(rec.Images)).Msg("任务已结束")
			return rec, nil
		}
	}
}
