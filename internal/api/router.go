package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// NewRouter 注册所有本地接口。storageDir 非空时以 /storage 暴露已下载的结果图。
func NewRouter(h *Handler, log zerolog.Logger, storageDir string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(log), CORS())

	r.GET("/health", func(c *gin.Context) {
		Success(c, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	{
		v1.POST("/auth/phone", h.LoginPhone)
		v1.GET("/auth/wechat/qrcode", h.WechatQRCode)
		v1.GET("/auth/wechat/check", h.CheckWechat)
		v1.POST("/auth/logout", h.Logout)
		v1.GET("/account", h.Account)

		v1.POST("/jobs", h.SubmitJob)
		v1.POST("/models", h.AddModel)

		v1.GET("/records", h.ListRecords)
		v1.POST("/records/more", h.LoadMoreRecords)
		v1.POST("/records/reset", h.ResetRecords)
		v1.POST("/records/export", h.ExportRecords)
		v1.GET("/records/:id", h.GetRecord)
		v1.GET("/records/:id/wait", h.WaitRecord)
		v1.POST("/records/:id/feedback", h.SubmitFeedback)

		v1.GET("/messages", h.ListMessages)
		v1.POST("/messages/read", h.MarkMessagesRead)
		v1.POST("/messages/delete", h.DeleteMessages)
		v1.POST("/messages/:id/read", h.OpenMessage)
		v1.GET("/events", h.Events)

		v1.GET("/packages", h.ListPackages)
		v1.GET("/orders", h.ListOrders)
		v1.POST("/payment/order", h.CreatePaymentOrder)
		v1.GET("/payment/state", h.PaymentState)
		v1.POST("/payment/refresh", h.RefreshPaymentOrder)
		v1.POST("/payment/cancel", h.CancelPayment)

		v1.GET("/catalog", h.ListCatalog)
	}

	if storageDir != "" {
		r.Static("/storage", storageDir)
	}
	return r
}
