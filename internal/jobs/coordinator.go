package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"yilaitu-client/internal/apiclient"
	"yilaitu-client/internal/catalog"
	"yilaitu-client/internal/logger"
	"yilaitu-client/internal/metrics"

	"github.com/rs/zerolog"
)

// Version 生成版本
type Version string

const (
	VersionCommon Version = "common"
	VersionPro    Version = "pro"
)

// OutfitType 专业版的穿搭方式
type OutfitType string

const (
	OutfitSingle OutfitType = "single"
	OutfitMatch  OutfitType = "match"
)

// 附件字段名
const (
	FieldFile       = "file"
	FieldTopFile    = "top_file"
	FieldBottomFile = "bottom_file"
	FieldModelFile  = "model_file"
	FieldSceneFile  = "scene_file"
)

var optionalFields = []string{FieldModelFile, FieldSceneFile}

// JobParams 生成参数，随 params 字段原样提交
type JobParams struct {
	Version    Version    `json:"version"`
	OutfitType OutfitType `json:"outfit_type,omitempty"`
	Style      string     `json:"style,omitempty"`
	Scene      string     `json:"scene,omitempty"`
	ModelID    int64      `json:"model_id,omitempty"`
	Ratio      string     `json:"ratio"`
	Quantity   int        `json:"quantity"`
	Prompt     string     `json:"prompt,omitempty"`
}

// Attachment 一张待上传的图片
type Attachment struct {
	FileName string
	Content  []byte
}

// Attachments 字段名到图片
type Attachments map[string]Attachment

func (a Attachments) has(field string) bool {
	att, ok := a[field]
	return ok && len(att.Content) > 0
}

// Placeholder 提交成功后立即可用的占位结果，Images 始终为空
type Placeholder struct {
	Images []string `json:"images"`
	TaskID string   `json:"task_id"`
}

// Submitter 任务提交接口
type Submitter interface {
	SubmitGeneration(ctx context.Context, form *apiclient.Form) (string, error)
	AddModel(ctx context.Context, params apiclient.ModelParams, fileName string, content []byte) (json.RawMessage, error)
}

// Validator 校验风格/比例/数量
type Validator interface {
	Validate(sel catalog.Selection) error
}

type Options struct {
	Catalog     Validator
	MaxEdge     int
	JPEGQuality int
	Logger      *zerolog.Logger
}

// Coordinator 校验并提交生成任务，不负责轮询结果
type Coordinator struct {
	submitter Submitter
	catalog   Validator
	maxEdge   int
	quality   int
	log       zerolog.Logger
}

func NewCoordinator(submitter Submitter, opts Options) *Coordinator {
	if opts.JPEGQuality <= 0 || opts.JPEGQuality > 100 {
		opts.JPEGQuality = 90
	}
	log := logger.Component("jobs")
	if opts.Logger != nil {
		log = *opts.Logger
	}
	return &Coordinator{
		submitter: submitter,
		catalog:   opts.Catalog,
		maxEdge:   opts.MaxEdge,
		quality:   opts.JPEGQuality,
		log:       log,
	}
}

// RequiredFields 返回版本与穿搭方式组合所需的图片字段
func RequiredFields(version Version, outfit OutfitType) ([]string, error) {
	switch version {
	case VersionCommon:
		return []string{FieldFile}, nil
	case VersionPro:
		switch outfit {
		case OutfitSingle, "":
			return []string{FieldFile}, nil
		case OutfitMatch:
			return []string{FieldTopFile, FieldBottomFile}, nil
		default:
			return nil, apiclient.NewValidationError("outfit_type", fmt.Sprintf("不支持的穿搭方式 %q", outfit))
		}
	default:
		return nil, apiclient.NewValidationError("version", fmt.Sprintf("不支持的版本 %q", version))
	}
}

// Validate 只做本地校验，不发起请求
func (c *Coordinator) Validate(params *JobParams, files Attachments) ([]string, error) {
	params.Version = Version(strings.TrimSpace(string(params.Version)))
	if params.Version == VersionPro && params.OutfitType == "" {
		params.OutfitType = OutfitSingle
	}
	if params.Version == VersionCommon {
		params.OutfitType = ""
	}
	required, err := RequiredFields(params.Version, params.OutfitType)
	if err != nil {
		return nil, err
	}
	for _, field := range required {
		if !files.has(field) {
			return nil, apiclient.NewValidationError(field, "请上传图片")
		}
	}
	if params.Quantity == 0 {
		params.Quantity = 1
	}
	if params.Ratio == "" {
		params.Ratio = "1:1"
	}
	if c.catalog != nil {
		if err := c.catalog.Validate(catalog.Selection{
			Version:  string(params.Version),
			Style:    params.Style,
			Scene:    params.Scene,
			Ratio:    params.Ratio,
			Quantity: params.Quantity,
		}); err != nil {
			return nil, err
		}
	}

	fields := append([]string(nil), required...)
	for _, field := range optionalFields {
		if files.has(field) {
			fields = append(fields, field)
		}
	}
	return fields, nil
}

// Submit 校验后提交任务，返回占位结果。
// 校验失败返回 *apiclient.ValidationError 且不会发起请求；
// 网络或服务端错误原样返回。
func (c *Coordinator) Submit(ctx context.Context, params JobParams, files Attachments) (Placeholder, error) {
	fields, err := c.Validate(&params, files)
	if err != nil {
		return Placeholder{}, err
	}

	payload, err := json.Marshal(params)
	if err != nil {
		return Placeholder{}, fmt.Errorf("序列化生成参数失败: %w", err)
	}
	form := &apiclient.Form{}
	form.Set("params", string(payload))
	form.Set("version", string(params.Version))
	for _, field := range fields {
		att := files[field]
		name, content := prepareUpload(att, c.maxEdge, c.quality, c.log)
		form.AddFile(field, name, content)
	}

	taskID, err := c.submitter.SubmitGeneration(ctx, form)
	if err != nil {
		c.log.Warn().Err(err).Str("version", string(params.Version)).Msg("提交生成任务失败")
		return Placeholder{}, err
	}
	metrics.JobsSubmitted.WithLabelValues(string(params.Version)).Inc()
	c.log.Info().Str("task_id", taskID).Str("version", string(params.Version)).Int("files", len(fields)).Msg("生成任务已提交")
	return Placeholder{Images: []string{}, TaskID: taskID}, nil
}

// AddModel 上传自定义模特图片
func (c *Coordinator) AddModel(ctx context.Context, params apiclient.ModelParams, file Attachment) (json.RawMessage, error) {
	if len(file.Content) == 0 {
		return nil, apiclient.NewValidationError(FieldFile, "请上传模特图片")
	}
	name, content := prepareUpload(file, c.maxEdge, c.quality, c.log)
	return c.submitter.AddModel(ctx, params, name, content)
}
