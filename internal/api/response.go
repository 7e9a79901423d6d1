package api

import (
	"errors"
	"net/http"

	"yilaitu-client/internal/apiclient"
	"yilaitu-client/internal/app"
	"yilaitu-client/internal/payment"

	"github.com/gin-gonic/gin"
)

// Response 统一 API 响应结构
type Response struct {
	Code    int         `json:"code"`    // 业务状态码: 200 为成功，其他为失败
	Message string      `json:"message"` // 提示信息
	Data    interface{} `json:"data"`    // 返回数据
}

// Success 成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    200,
		Message: "success",
		Data:    data,
	})
}

// Error 错误响应
func Error(c *gin.Context, httpStatus int, code int, message string) {
	c.JSON(httpStatus, Response{
		Code:    code,
		Message: message,
		Data:    nil,
	})
}

// ValidationData 参数校验失败时随响应返回出错的字段
type ValidationData struct {
	Field string `json:"field"`
}

// writeError 按错误类型映射到 HTTP 状态与业务码
func writeError(c *gin.Context, err error) {
	var (
		validation *apiclient.ValidationError
		auth       *apiclient.AuthError
		backend    *apiclient.APIError
	)
	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, Response{
			Code:    400,
			Message: validation.Error(),
			Data:    ValidationData{Field: validation.Field},
		})
	case errors.As(err, &auth), errors.Is(err, app.ErrNotLoggedIn):
		Error(c, http.StatusUnauthorized, 401, "登录已失效，请重新登录")
	case errors.Is(err, app.ErrQRCodeExpired):
		Error(c, http.StatusGone, 410, err.Error())
	case errors.Is(err, apiclient.ErrRecordNotFound):
		Error(c, http.StatusNotFound, 404, err.Error())
	case errors.Is(err, payment.ErrNothingToRefresh):
		Error(c, http.StatusConflict, 409, err.Error())
	case errors.As(err, &backend):
		code := int(backend.Code)
		if code == 0 {
			code = backend.Status
		}
		Error(c, http.StatusBadGateway, code, backend.Message)
	default:
		logFrom(c).Error().Err(err).Msg("请求处理失败")
		Error(c, http.StatusInternalServerError, 500, "服务内部错误")
	}
}
