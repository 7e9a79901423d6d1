package apiclient

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnauthorized 可通过 errors.Is 判断任意 401
var ErrUnauthorized = errors.New("unauthorized")

// ErrRecordNotFound 服务端返回了空的记录
var ErrRecordNotFound = errors.New("记录不存在")

// ValidationError 客户端校验失败，不会发起任何网络请求
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s 不能为空", e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewValidationError 创建字段校验错误
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// AuthError 登录态失效（HTTP 401 或业务码 401）
type AuthError struct {
	Status  int
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return "登录已失效，请重新登录"
	}
	return "登录已失效: " + e.Message
}

func (e *AuthError) Is(target error) bool { return target == ErrUnauthorized }

// APIError 后端拒绝了请求
type APIError struct {
	Status  int
	Code    int64
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("请求失败 (status=%d, code=%d): %s", e.Status, e.Code, e.Message)
}

// IsTransient 判断错误是否属于可在下一轮重试的网络/服务端故障
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrRecordNotFound) {
		return false
	}
	var ve *ValidationError
	var ae *AuthError
	if errors.As(err, &ve) || errors.As(err, &ae) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500 || apiErr.Status == 429
	}
	return true
}
