package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"yilaitu-client/internal/logger"
	"yilaitu-client/internal/model"
	"yilaitu-client/internal/storage"

	"github.com/rs/zerolog"
)

const maxImageBytes = 32 << 20

// Task 下载一张结果图
type Task struct {
	RecordID int64
	Image    model.ResultImage
}

// ResultRecorder 记录下载结果
type ResultRecorder interface {
	SaveResultFile(row model.ResultFileRow) error
}

type Options struct {
	Workers    int
	QueueSize  int
	Storage    storage.Storage
	Recorder   ResultRecorder
	HTTPClient *http.Client
	// BaseURL 用于补全相对的 file_path
	BaseURL string
	Timeout time.Duration
	Logger  *zerolog.Logger
}

// Pool 结果图下载池
type Pool struct {
	workerCount int
	queue       chan Task
	storage     storage.Storage
	recorder    ResultRecorder
	http        *http.Client
	baseURL     string
	timeout     time.Duration
	log         zerolog.Logger

	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	mu       sync.RWMutex
	stopped  bool
}

func NewPool(opts Options) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 100
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	log := logger.Component("download")
	if opts.Logger != nil {
		log = *opts.Logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		workerCount: opts.Workers,
		queue:       make(chan Task, opts.QueueSize),
		storage:     opts.Storage,
		recorder:    opts.Recorder,
		http:        opts.HTTPClient,
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		timeout:     opts.Timeout,
		log:         log,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start 启动所有 worker
func (p *Pool) Start() {
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.log.Info().Int("workers", p.workerCount).Msg("下载池已启动")
}

// Stop 不再接收新任务，处理完队列后退出
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.queue)
		p.mu.Unlock()

		p.wg.Wait()
		p.cancel()
		p.log.Info().Msg("下载池已停止")
	})
}

// Submit 非阻塞入队，队列已满或已停止时返回 false
func (p *Pool) Submit(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return false
	}
	select {
	case p.queue <- task:
		return true
	default:
		return false
	}
}

// SubmitRecord 把已完成记录的所有结果图入队，返回入队数量
func (p *Pool) SubmitRecord(rec model.GenerationRecord) int {
	if rec.Status != model.StatusCompleted {
		return 0
	}
	n := 0
	for _, img := range rec.Images {
		if img.Source() == "" {
			continue
		}
		if p.Submit(Task{RecordID: rec.ID, Image: img}) {
			n++
		} else {
			p.log.Warn().Int64("record_id", rec.ID).Int("index", img.Index).Msg("下载队列已满，跳过")
		}
	}
	return n
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for task := range p.queue {
		if err := p.process(task); err != nil {
			p.log.Warn().Err(err).Int("worker", id).Int64("record_id", task.RecordID).Int("index", task.Image.Index).Msg("下载结果图失败")
		}
	}
}

// process 下载、保存（含缩略图）并登记
func (p *Pool) process(task Task) error {
	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()

	src := p.resolve(task.Image.Source())
	data, err := p.download(ctx, src)
	if err != nil {
		return err
	}
	name := FileName(task.RecordID, task.Image)
	saved, err := p.storage.SaveWithThumbnail(name, data)
	if err != nil && saved.LocalPath == "" {
		return err
	}
	if err != nil {
		p.log.Debug().Err(err).Str("file", name).Msg("缩略图生成失败，保留原图")
	}

	if p.recorder != nil {
		row := model.ResultFileRow{
			RecordID:      task.RecordID,
			ImageIndex:    task.Image.Index,
			SourceURL:     src,
			LocalPath:     saved.LocalPath,
			ThumbnailPath: saved.ThumbnailPath,
			RemoteURL:     saved.RemoteURL,
			ThumbnailURL:  saved.ThumbnailURL,
			Width:         saved.Width,
			Height:        saved.Height,
		}
		if err := p.recorder.SaveResultFile(row); err != nil {
			return fmt.Errorf("登记下载结果失败: %w", err)
		}
	}
	p.log.Debug().Int64("record_id", task.RecordID).Str("path", saved.LocalPath).Msg("结果图已保存")
	return nil
}

func (p *Pool) resolve(src string) string {
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") || p.baseURL == "" {
		return src
	}
	return p.baseURL + "/" + strings.TrimLeft(src, "/")
}

func (p *Pool) download(ctx context.Context, src string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求结果图失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("请求结果图失败: %s", resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
}

// FileName 结果图在存储中的相对路径
func FileName(recordID int64, img model.ResultImage) string {
	ext := strings.ToLower(path.Ext(strings.SplitN(img.Source(), "?", 2)[0]))
	switch ext {
	case ".jpg", ".jpeg", ".png", ".webp", ".gif":
	default:
		ext = ".jpg"
	}
	return fmt.Sprintf("results/%d_%d%s", recordID, img.Index, ext)
}
