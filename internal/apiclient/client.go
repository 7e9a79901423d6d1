package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"yilaitu-client/internal/logger"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

const maxResponseBytes = 16 << 20

// Options 客户端配置
type Options struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zerolog.Logger
}

// Client 衣来图后端 REST 客户端
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger

	mu             sync.RWMutex
	token          string
	onUnauthorized func()
}

// New 创建客户端
func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	log := logger.Component("apiclient")
	if opts.Logger != nil {
		log = *opts.Logger
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		http:    httpClient,
		log:     log,
	}
}

// SetToken 设置 Bearer token，空字符串表示未登录
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token 返回当前 token
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SetOnUnauthorized 注册 401 回调，用于强制登出
func (c *Client) SetOnUnauthorized(fn func()) {
	c.mu.Lock()
	c.onUnauthorized = fn
	c.mu.Unlock()
}

// BaseURL 返回后端地址
func (c *Client) BaseURL() string { return c.baseURL }

// FormFile multipart 中的一个文件
type FormFile struct {
	Field    string
	FileName string
	Content  []byte
}

// Form multipart 请求体；字段保持写入顺序
type Form struct {
	fields [][2]string
	files  []FormFile
}

// Set 追加一个文本字段
func (f *Form) Set(name, value string) {
	f.fields = append(f.fields, [2]string{name, value})
}

// AddFile 追加一个文件字段
func (f *Form) AddFile(field, fileName string, content []byte) {
	f.files = append(f.files, FormFile{Field: field, FileName: fileName, Content: content})
}

func (f *Form) encode() (*bytes.Buffer, string, error) {
	buf := new(bytes.Buffer)
	w := multipart.NewWriter(buf)
	for _, kv := range f.fields {
		if err := w.WriteField(kv[0], kv[1]); err != nil {
			return nil, "", err
		}
	}
	for _, file := range f.files {
		name := file.FileName
		if name == "" {
			name = file.Field
		}
		part, err := w.CreateFormFile(file.Field, name)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(file.Content); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf, w.FormDataContentType(), nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, query, nil, "", out)
}

func (c *Client) postJSON(ctx context.Context, path string, in interface{}, out interface{}) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("编码请求失败: %w", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}
	return c.do(ctx, http.MethodPost, path, nil, body, contentType, out)
}

func (c *Client) postForm(ctx context.Context, path string, form *Form, out interface{}) error {
	buf, contentType, err := form.encode()
	if err != nil {
		return fmt.Errorf("构造 multipart 请求失败: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, nil, buf, contentType, out)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType string, out interface{}) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("请求构造失败: %w", err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug().Err(err).Str("method", method).Str("path", path).Msg("请求失败")
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("读取响应失败: %w", err)
	}
	c.log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Str("request_id", requestID).
		Dur("latency", time.Since(start)).
		Msg("请求完成")

	payload, err := c.unwrap(resp.StatusCode, raw)
	if err != nil {
		return err
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("解析响应失败: %w", err)
	}
	return nil
}

// unwrap 处理 HTTP 状态与 {code, message, data} 信封，返回 data 部分。
// 没有信封的响应原样返回。
func (c *Client) unwrap(status int, raw []byte) ([]byte, error) {
	result := gjson.ParseBytes(raw)
	message := firstString(result, "message", "msg", "detail", "error")

	if status == http.StatusUnauthorized {
		c.fireUnauthorized()
		return nil, &AuthError{Status: status, Message: message}
	}
	if status < 200 || status >= 300 {
		if message == "" {
			message = strings.TrimSpace(string(raw))
		}
		return nil, &APIError{Status: status, Code: result.Get("code").Int(), Message: message}
	}

	if !result.IsObject() || !result.Get("code").Exists() {
		return raw, nil
	}
	code := result.Get("code").Int()
	if code == 401 {
		c.fireUnauthorized()
		return nil, &AuthError{Status: status, Message: message}
	}
	if code != 0 && code != 200 {
		return nil, &APIError{Status: status, Code: code, Message: message}
	}
	data := result.Get("data")
	if !data.Exists() || data.Type == gjson.Null {
		return nil, nil
	}
	return []byte(data.Raw), nil
}

func (c *Client) fireUnauthorized() {
	c.mu.RLock()
	fn := c.onUnauthorized
	c.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

func firstString(res gjson.Result, keys ...string) string {
	for _, k := range keys {
		if v := res.Get(k); v.Exists() && v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	return ""
}
