package api

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"yilaitu-client/internal/apiclient"
	"yilaitu-client/internal/jobs"

	"github.com/gin-gonic/gin"
	"github.com/mazrean/formstream"
	ginform "github.com/mazrean/formstream/gin"
)

const maxMultipartMemory = 32 << 20

var (
	jobTextFields = []string{"version", "outfit_type", "style", "scene", "model_id", "ratio", "quantity", "prompt"}
	jobFileFields = []string{jobs.FieldFile, jobs.FieldTopFile, jobs.FieldBottomFile, jobs.FieldModelFile, jobs.FieldSceneFile}

	modelTextFields = []string{"gender", "age_group", "body_type", "style"}
)

// multipartForm 解析出的文本字段与图片
type multipartForm struct {
	values map[string]string
	files  jobs.Attachments
}

func (f *multipartForm) get(name string) string {
	return strings.TrimSpace(f.values[name])
}

// ParseJobRequest 解析生成任务表单
func ParseJobRequest(c *gin.Context) (jobs.JobParams, jobs.Attachments, error) {
	form, err := parseMultipart(c, jobTextFields, jobFileFields)
	if err != nil {
		return jobs.JobParams{}, nil, err
	}

	params := jobs.JobParams{
		Version:    jobs.Version(form.get("version")),
		OutfitType: jobs.OutfitType(form.get("outfit_type")),
		Style:      form.get("style"),
		Scene:      form.get("scene"),
		Ratio:      form.get("ratio"),
		Prompt:     form.get("prompt"),
	}
	if v := form.get("model_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return jobs.JobParams{}, nil, apiclient.NewValidationError("model_id", "模特 id 不合法")
		}
		params.ModelID = id
	}
	if v := form.get("quantity"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return jobs.JobParams{}, nil, apiclient.NewValidationError("quantity", "数量不合法")
		}
		params.Quantity = n
	}
	return params, form.files, nil
}

// ParseModelRequest 解析新增模特表单
func ParseModelRequest(c *gin.Context) (apiclient.ModelParams, jobs.Attachment, error) {
	form, err := parseMultipart(c, modelTextFields, []string{jobs.FieldFile})
	if err != nil {
		return apiclient.ModelParams{}, jobs.Attachment{}, err
	}
	params := apiclient.ModelParams{
		Gender:   form.get("gender"),
		AgeGroup: form.get("age_group"),
		BodyType: form.get("body_type"),
		Style:    form.get("style"),
	}
	return params, form.files[jobs.FieldFile], nil
}

// parseMultipart 使用 formstream 流式解析，失败时回退到标准库
func parseMultipart(c *gin.Context, textFields, fileFields []string) (*multipartForm, error) {
	form := &multipartForm{values: map[string]string{}, files: jobs.Attachments{}}

	p, err := ginform.NewParser(c)
	if err != nil {
		return nil, fmt.Errorf("创建解析器失败: %w", err)
	}

	for _, name := range textFields {
		_ = p.Parser.Register(name, func(reader io.Reader, header formstream.Header) error {
			data, err := io.ReadAll(reader)
			if err != nil {
				return err
			}
			form.values[name] = string(data)
			return nil
		})
	}
	for _, name := range fileFields {
		_ = p.Parser.Register(name, func(reader io.Reader, header formstream.Header) error {
			content, err := io.ReadAll(io.LimitReader(reader, maxMultipartMemory))
			if err != nil {
				return fmt.Errorf("读取文件失败: %w", err)
			}
			form.files[name] = jobs.Attachment{FileName: header.FileName(), Content: content}
			return nil
		})
	}

	if err := p.Parse(); err != nil {
		logFrom(c).Warn().Err(err).Msg("formstream 解析失败，回退到标准库")
		return parseWithStandardLibrary(c, textFields, fileFields)
	}
	return form, nil
}

// parseWithStandardLibrary 标准库回退解析逻辑
func parseWithStandardLibrary(c *gin.Context, textFields, fileFields []string) (*multipartForm, error) {
	if err := c.Request.ParseMultipartForm(maxMultipartMemory); err != nil {
		return nil, apiclient.NewValidationError("form", fmt.Sprintf("解析表单失败: %v", err))
	}

	form := &multipartForm{values: map[string]string{}, files: jobs.Attachments{}}
	for _, name := range textFields {
		if v := c.PostForm(name); v != "" {
			form.values[name] = v
		}
	}

	mf, err := c.MultipartForm()
	if err != nil || mf.File == nil {
		return form, nil
	}
	for _, name := range fileFields {
		headers := mf.File[name]
		if len(headers) == 0 {
			continue
		}
		file, err := headers[0].Open()
		if err != nil {
			continue
		}
		content, err := io.ReadAll(file)
		file.Close()
		if err != nil {
			continue
		}
		form.files[name] = jobs.Attachment{FileName: headers[0].Filename, Content: content}
	}
	return form, nil
}
