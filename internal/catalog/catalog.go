package catalog

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"yilaitu-client/internal/apiclient"
	"yilaitu-client/internal/logger"

	"github.com/rs/zerolog"
)

const maxCatalogBytes = 2 * 1024 * 1024
const defaultFetchTimeout = 4 * time.Second

//go:embed assets/catalog.json
var embeddedCatalog []byte

// Style 生成风格
type Style struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Preview  string   `json:"preview"`
	Versions []string `json:"versions"`
	Tags     []string `json:"tags,omitempty"`
}

// Scene 场景图
type Scene struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Preview string `json:"preview"`
}

// Meta 目录版本信息
type Meta struct {
	Version   string `json:"version,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// Payload 风格目录
type Payload struct {
	Meta       Meta     `json:"meta"`
	Styles     []Style  `json:"styles"`
	Scenes     []Scene  `json:"scenes"`
	Ratios     []string `json:"ratios"`
	Quantities []int    `json:"quantities"`
}

// Selection 一次提交中与目录相关的选择
type Selection struct {
	Version  string
	Style    string
	Scene    string
	Ratio    string
	Quantity int
}

type Options struct {
	RemoteURL string
	CachePath string
	Timeout   time.Duration
	Logger    *zerolog.Logger
}

type cacheMeta struct {
	ETag         string    `json:"etag"`
	LastModified string    `json:"last_modified"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Store 风格目录，优先级 remote > cache > embedded
type Store struct {
	remoteURL string
	cachePath string
	timeout   time.Duration
	client    *http.Client
	log       zerolog.Logger

	mu      sync.RWMutex
	payload Payload
	source  string

	refreshMu sync.Mutex
	meta      cacheMeta
}

// New 加载内置目录与本地缓存，不访问网络
func New(opts Options) (*Store, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultFetchTimeout
	}
	log := logger.Component("catalog")
	if opts.Logger != nil {
		log = *opts.Logger
	}
	s := &Store{
		remoteURL: strings.TrimSpace(opts.RemoteURL),
		cachePath: strings.TrimSpace(opts.CachePath),
		timeout:   opts.Timeout,
		client:    &http.Client{},
		log:       log,
	}

	embedded, err := parsePayload(embeddedCatalog)
	if err != nil {
		return nil, fmt.Errorf("解析内置风格目录失败: %w", err)
	}
	s.set(embedded, "embedded")

	if s.cachePath != "" {
		if data, err := os.ReadFile(s.cachePath); err == nil {
			if cached, err := parsePayload(data); err == nil {
				s.set(cached, "cache")
			} else {
				s.log.Warn().Err(err).Msg("本地目录缓存无效，使用内置目录")
			}
		} else if !os.IsNotExist(err) {
			s.log.Warn().Err(err).Msg("读取本地目录缓存失败")
		}
		if meta, err := loadCacheMeta(s.cachePath); err == nil {
			s.meta = meta
		}
	}

	s.log.Info().Str("source", s.Source()).Int("styles", len(s.Get().Styles)).Msg("风格目录已加载")
	return s, nil
}

// Get 返回当前目录
func (s *Store) Get() Payload {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.payload
}

// Source 当前目录来源
func (s *Store) Source() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.source
}

func (s *Store) set(p Payload, source string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payload = p
	s.source = source
}

// Refresh 拉取远端目录，返回 disabled/not_modified/updated 或失败原因
func (s *Store) Refresh(ctx context.Context) string {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	if s.remoteURL == "" {
		return "disabled"
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	data, next, notModified, err := s.fetchRemote(ctx, s.meta)
	if err != nil {
		s.log.Warn().Err(err).Msg("拉取远端风格目录失败")
		return "fetch_failed"
	}
	if notModified {
		return "not_modified"
	}
	payload, err := parsePayload(data)
	if err != nil {
		s.log.Warn().Err(err).Msg("远端风格目录无效")
		return "invalid"
	}

	s.set(payload, "remote")
	s.meta = next
	if s.cachePath != "" {
		if err := writeFile(s.cachePath, data); err != nil {
			s.log.Warn().Err(err).Msg("写入目录缓存失败")
		}
		if err := writeCacheMeta(s.cachePath, next); err != nil {
			s.log.Warn().Err(err).Msg("写入目录缓存元数据失败")
		}
	}
	s.log.Info().Str("version", payload.Meta.Version).Msg("风格目录已更新")
	return "updated"
}

// StartAutoRefresh 按间隔刷新，直到 ctx 结束
func (s *Store) StartAutoRefresh(ctx context.Context, interval time.Duration) {
	if s.remoteURL == "" || interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.log.Debug().Str("status", s.Refresh(ctx)).Msg("定时刷新风格目录")
			}
		}
	}()
}

// Validate 校验选择是否存在于目录中；空的风格与场景表示不指定
func (s *Store) Validate(sel Selection) error {
	p := s.Get()
	if sel.Style != "" {
		style, ok := p.findStyle(sel.Style)
		if !ok {
			return apiclient.NewValidationError("style", "未知的风格")
		}
		if sel.Version != "" && len(style.Versions) > 0 && !contains(style.Versions, sel.Version) {
			return apiclient.NewValidationError("style", "该风格不支持当前版本")
		}
	}
	if sel.Scene != "" {
		if _, ok := p.findScene(sel.Scene); !ok {
			return apiclient.NewValidationError("scene", "未知的场景")
		}
	}
	if sel.Ratio == "" || !contains(p.Ratios, sel.Ratio) {
		return apiclient.NewValidationError("ratio", "不支持的图片比例")
	}
	if !containsInt(p.Quantities, sel.Quantity) {
		return apiclient.NewValidationError("quantity", "不支持的生成数量")
	}
	return nil
}

// FilterStyles 按版本与关键字筛选风格
func FilterStyles(styles []Style, version, query string) []Style {
	q := strings.ToLower(strings.TrimSpace(query))
	out := make([]Style, 0, len(styles))
	for _, st := range styles {
		if version != "" && len(st.Versions) > 0 && !contains(st.Versions, version) {
			continue
		}
		if q != "" {
			text := strings.ToLower(st.Title + " " + strings.Join(st.Tags, " "))
			if !strings.Contains(text, q) {
				continue
			}
		}
		out = append(out, st)
	}
	return out
}

func (p Payload) findStyle(id string) (Style, bool) {
	for _, st := range p.Styles {
		if st.ID == id {
			return st, true
		}
	}
	return Style{}, false
}

func (p Payload) findScene(id string) (Scene, bool) {
	for _, sc := range p.Scenes {
		if sc.ID == id {
			return sc, true
		}
	}
	return Scene{}, false
}

func parsePayload(data []byte) (Payload, error) {
	if len(data) == 0 {
		return Payload{}, errors.New("风格目录为空")
	}
	var raw Payload
	if err := json.Unmarshal(data, &raw); err != nil {
		return Payload{}, err
	}
	out := Payload{Meta: raw.Meta, Quantities: raw.Quantities}
	for _, st := range raw.Styles {
		st.ID = strings.TrimSpace(st.ID)
		st.Title = strings.TrimSpace(st.Title)
		if st.ID == "" || st.Title == "" {
			continue
		}
		out.Styles = append(out.Styles, st)
	}
	for _, sc := range raw.Scenes {
		if strings.TrimSpace(sc.ID) == "" {
			continue
		}
		out.Scenes = append(out.Scenes, sc)
	}
	out.Ratios = dedupe(raw.Ratios)
	if len(out.Styles) == 0 || len(out.Ratios) == 0 {
		return Payload{}, fmt.Errorf("风格目录缺少必要字段: styles=%d ratios=%d", len(out.Styles), len(out.Ratios))
	}
	if len(out.Quantities) == 0 {
		out.Quantities = []int{1}
	}
	return out, nil
}

func (s *Store) fetchRemote(ctx context.Context, meta cacheMeta) ([]byte, cacheMeta, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.remoteURL, nil)
	if err != nil {
		return nil, cacheMeta{}, false, err
	}
	req.Header.Set("User-Agent", "Yilaitu-CatalogFetcher/1.0")
	if meta.ETag != "" {
		req.Header.Set("If-None-Match", meta.ETag)
	}
	if meta.LastModified != "" {
		req.Header.Set("If-Modified-Since", meta.LastModified)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, cacheMeta{}, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return nil, meta, true, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, cacheMeta{}, false, errors.New(resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxCatalogBytes))
	if err != nil {
		return nil, cacheMeta{}, false, err
	}
	return data, cacheMeta{
		ETag:         strings.TrimSpace(resp.Header.Get("ETag")),
		LastModified: strings.TrimSpace(resp.Header.Get("Last-Modified")),
		UpdatedAt:    time.Now(),
	}, false, nil
}

func writeFile(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0644)
}

func loadCacheMeta(path string) (cacheMeta, error) {
	data, err := os.ReadFile(path + ".meta")
	if err != nil {
		return cacheMeta{}, err
	}
	var meta cacheMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheMeta{}, err
	}
	return meta, nil
}

func writeCacheMeta(path string, meta cacheMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return writeFile(path+".meta", data)
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		it = strings.TrimSpace(it)
		if it == "" || seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
	}
	return out
}

func contains(items []string, target string) bool {
	for _, it := range items {
		if it == target {
			return true
		}
	}
	return false
}

func containsInt(items []int, target int) bool {
	for _, it := range items {
		if it == target {
			return true
		}
	}
	return false
}
