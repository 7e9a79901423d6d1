package feed

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"yilaitu-client/internal/logger"
	"yilaitu-client/internal/metrics"
	"yilaitu-client/internal/model"

	"github.com/rs/zerolog"
)

// State 记录流状态
type State string

const (
	StateIdle      State = "idle"
	StateLoading   State = "loading"
	StateReady     State = "ready"
	StateExhausted State = "exhausted"
)

const (
	defaultPageSize = 20
	defaultDebounce = 100 * time.Millisecond
)

// Fetcher 按游标拉取一页记录
type Fetcher interface {
	GetRecordsCursor(ctx context.Context, userID int64, cursor *int64, limit int) ([]model.GenerationRecord, error)
}

// RecordCache 记录落地缓存，可选
type RecordCache interface {
	SaveRecords(userID int64, records []model.GenerationRecord) error
}

type Options struct {
	PageSize int
	Debounce time.Duration
	Cache    RecordCache
	Logger   *zerolog.Logger
}

// Feed 当前用户的历史生成记录，按 id 倒序，游标向更早的记录回填。
//
// records 采用写时复制：每次修改都替换整个 map，已发布的 map 不再改动，
// 读者拿到的快照不会被并发写入撕裂。
type Feed struct {
	fetcher  Fetcher
	pageSize int
	debounce time.Duration
	cache    RecordCache
	log      zerolog.Logger

	mu          sync.Mutex
	userID      int64
	records     map[int64]model.GenerationRecord
	cursor      *int64
	state       State
	exhausted   bool
	initialized bool
	gen         uint64 // 每次 Reset/Clear 自增，用于丢弃过期响应
	timer       *time.Timer
}

// New 创建记录流
func New(fetcher Fetcher, opts Options) *Feed {
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	log := logger.Component("feed")
	if opts.Logger != nil {
		log = *opts.Logger
	}
	return &Feed{
		fetcher:  fetcher,
		pageSize: opts.PageSize,
		debounce: opts.Debounce,
		cache:    opts.Cache,
		log:      log,
		records:  map[int64]model.GenerationRecord{},
		state:    StateIdle,
	}
}

// Reset 清空记录与游标，然后以空游标拉取第一页
func (f *Feed) Reset(ctx context.Context, userID int64) error {
	f.mu.Lock()
	f.stopTimerLocked()
	f.gen++
	f.userID = userID
	f.records = map[int64]model.GenerationRecord{}
	f.cursor = nil
	f.exhausted = false
	f.initialized = true
	f.state = StateLoading
	gen := f.gen
	f.mu.Unlock()

	return f.fetch(ctx, gen, userID, nil)
}

// LoadMore 拉取下一页。正在加载、已到底或未初始化时直接返回 false，不发请求。
func (f *Feed) LoadMore(ctx context.Context) (bool, error) {
	f.mu.Lock()
	if !f.initialized || f.state == StateLoading || f.exhausted {
		f.mu.Unlock()
		return false, nil
	}
	f.state = StateLoading
	gen := f.gen
	userID := f.userID
	var cursor *int64
	if f.cursor != nil {
		c := *f.cursor
		cursor = &c
	}
	f.mu.Unlock()

	return true, f.fetch(ctx, gen, userID, cursor)
}

// ScrollTrigger 滚动触发的加载，debounce 后调用 LoadMore
func (f *Feed) ScrollTrigger(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopTimerLocked()
	f.timer = time.AfterFunc(f.debounce, func() {
		if _, err := f.LoadMore(ctx); err != nil {
			f.log.Warn().Err(err).Msg("滚动加载失败")
		}
	})
}

func (f *Feed) stopTimerLocked() {
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
}

func (f *Feed) fetch(ctx context.Context, gen uint64, userID int64, cursor *int64) error {
	page, err := f.fetcher.GetRecordsCursor(ctx, userID, cursor, f.pageSize)

	f.mu.Lock()
	if gen != f.gen {
		f.mu.Unlock()
		metrics.FeedFetches.WithLabelValues("stale").Inc()
		f.log.Debug().Uint64("gen", gen).Msg("丢弃过期的分页响应")
		return nil
	}
	f.state = StateReady

	if err != nil {
		// 出错后不自动重试，直接标记到底，等待下一次 Reset
		f.exhausted = true
		f.mu.Unlock()
		metrics.FeedFetches.WithLabelValues("error").Inc()
		f.log.Warn().Err(err).Msg("拉取记录失败，停止继续加载")
		return err
	}
	if len(page) == 0 {
		f.exhausted = true
		f.mu.Unlock()
		metrics.FeedFetches.WithLabelValues("empty").Inc()
		return nil
	}

	next := page[len(page)-1].ID
	if cursor != nil && next >= *cursor {
		// 游标没有向更早推进，继续请求只会重复同一页
		f.log.Warn().Int64("cursor", *cursor).Int64("next", next).Msg("游标未递减，停止继续加载")
		f.exhausted = true
	}
	f.cursor = &next

	records := make(map[int64]model.GenerationRecord, len(f.records)+len(page))
	for id, rec := range f.records {
		records[id] = rec
	}
	for _, rec := range page {
		records[rec.ID] = rec.Clone()
	}
	f.records = records
	f.mu.Unlock()

	metrics.FeedFetches.WithLabelValues("page").Inc()
	f.persist(userID, page)
	return nil
}

// FindByID O(1) 查找缓存记录，id 为任务 id 字符串
func (f *Feed) FindByID(id string) (model.GenerationRecord, bool) {
	key, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
	if err != nil {
		return model.GenerationRecord{}, false
	}
	f.mu.Lock()
	rec, ok := f.records[key]
	f.mu.Unlock()
	if !ok {
		return model.GenerationRecord{}, false
	}
	return rec.Clone(), true
}

// Patch 等同于 ApplyOptimisticPatch
func (f *Feed) Patch(id int64, patch model.RecordPatch) bool {
	return f.ApplyOptimisticPatch(id, patch)
}

// ApplyOptimisticPatch 在本地合并字段，不重新拉取；记录不存在时返回 false
func (f *Feed) ApplyOptimisticPatch(id int64, patch model.RecordPatch) bool {
	f.mu.Lock()
	rec, ok := f.records[id]
	if !ok {
		f.mu.Unlock()
		return false
	}
	patched := patch.Apply(rec)
	f.records = f.withRecordLocked(patched)
	userID := f.userID
	f.mu.Unlock()

	f.persist(userID, []model.GenerationRecord{patched})
	return true
}

// ReconcileFromServer 用服务端返回的记录整体替换本地副本，冲突时以服务端为准。
// 未初始化或记录属于其他用户时忽略。
func (f *Feed) ReconcileFromServer(rec model.GenerationRecord) bool {
	f.mu.Lock()
	if !f.initialized || (rec.UserID != 0 && rec.UserID != f.userID) {
		f.mu.Unlock()
		return false
	}
	stored := rec.Clone()
	f.records = f.withRecordLocked(stored)
	userID := f.userID
	f.mu.Unlock()

	f.persist(userID, []model.GenerationRecord{stored})
	return true
}

func (f *Feed) withRecordLocked(rec model.GenerationRecord) map[int64]model.GenerationRecord {
	records := make(map[int64]model.GenerationRecord, len(f.records)+1)
	for id, r := range f.records {
		records[id] = r
	}
	records[rec.ID] = rec
	return records
}

// Clear 登出时清空记录流，回到未初始化状态
func (f *Feed) Clear() {
	f.mu.Lock()
	f.stopTimerLocked()
	f.gen++
	f.records = map[int64]model.GenerationRecord{}
	f.cursor = nil
	f.exhausted = false
	f.initialized = false
	f.state = StateIdle
	f.userID = 0
	f.mu.Unlock()
}

// Records 返回按 id 倒序的快照
func (f *Feed) Records() []model.GenerationRecord {
	f.mu.Lock()
	snapshot := f.records
	f.mu.Unlock()

	out := make([]model.GenerationRecord, 0, len(snapshot))
	for _, rec := range snapshot {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

// State 当前状态，已到底时返回 StateExhausted
func (f *Feed) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == StateReady && f.exhausted {
		return StateExhausted
	}
	return f.state
}

// Cursor 下一次拉取使用的游标
func (f *Feed) Cursor() *int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cursor == nil {
		return nil
	}
	c := *f.cursor
	return &c
}

func (f *Feed) persist(userID int64, records []model.GenerationRecord) {
	if f.cache == nil || len(records) == 0 {
		return
	}
	if err := f.cache.SaveRecords(userID, records); err != nil {
		f.log.Warn().Err(err).Int("count", len(records)).Msg("写入本地记录缓存失败")
	}
}
