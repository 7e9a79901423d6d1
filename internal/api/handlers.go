package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"yilaitu-client/internal/apiclient"
	"yilaitu-client/internal/app"
	"yilaitu-client/internal/model"
	"yilaitu-client/internal/payment"
	"yilaitu-client/internal/store"

	"github.com/gin-gonic/gin"
)

type Options struct {
	App   *app.App
	Store *store.Store
	// HTTPClient 导出时拉取远端结果图
	HTTPClient *http.Client
	KeepAlive  time.Duration
}

// Handler 本地接口，所有状态都在 App 中
type Handler struct {
	app       *app.App
	store     *store.Store
	http      *http.Client
	keepAlive time.Duration
}

func NewHandler(opts Options) *Handler {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = defaultStreamKeepAlive
	}
	return &Handler{
		app:       opts.App,
		store:     opts.Store,
		http:      opts.HTTPClient,
		keepAlive: opts.KeepAlive,
	}
}

func (h *Handler) requireLogin(c *gin.Context) bool {
	if h.app.UserID() != 0 {
		return true
	}
	Error(c, http.StatusUnauthorized, 401, "请先登录")
	return false
}

type idsRequest struct {
	IDs []int64 `json:"ids"`
}

func bindIDs(c *gin.Context) ([]int64, bool) {
	var req idsRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.IDs) == 0 {
		Error(c, http.StatusBadRequest, 400, "ids 不能为空")
		return nil, false
	}
	return req.IDs, true
}

func pageQuery(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return page, pageSize
}

// ---- 登录 ----

type phoneLoginRequest struct {
	Phone string `json:"phone"`
	Code  string `json:"code"`
}

// LoginPhone 手机验证码登录
func (h *Handler) LoginPhone(c *gin.Context) {
	var req phoneLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, 400, "参数解析失败")
		return
	}
	sess, err := h.app.LoginPhone(c.Request.Context(), strings.TrimSpace(req.Phone), strings.TrimSpace(req.Code))
	if err != nil {
		writeError(c, err)
		return
	}
	Success(c, sess)
}

// WechatQRCode 获取扫码登录二维码
func (h *Handler) WechatQRCode(c *gin.Context) {
	qr, err := h.app.WechatQRCode(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	Success(c, qr)
}

// CheckWechat 查询扫码状态，前端按 2 秒间隔调用
func (h *Handler) CheckWechat(c *gin.Context) {
	sess, ok, err := h.app.CheckWechat(c.Request.Context(), strings.TrimSpace(c.Query("scene_id")))
	if err != nil {
		writeError(c, err)
		return
	}
	Success(c, gin.H{"scanned": ok, "session": sess})
}

// Logout 登出
func (h *Handler) Logout(c *gin.Context) {
	h.app.Logout()
	Success(c, nil)
}

// Account 当前账户，refresh=1 时从服务端重新拉取
func (h *Handler) Account(c *gin.Context) {
	if c.Query("refresh") == "1" {
		user, err := h.app.RefreshAccount(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		Success(c, user)
		return
	}
	sess, ok := h.app.Session()
	if !ok {
		Error(c, http.StatusUnauthorized, 401, "请先登录")
		return
	}
	Success(c, sess.User)
}

// ---- 生成任务 ----

// SubmitJob 提交生成任务，立即返回占位结果
func (h *Handler) SubmitJob(c *gin.Context) {
	if !h.requireLogin(c) {
		return
	}
	params, files, err := ParseJobRequest(c)
	if err != nil {
		writeError(c, err)
		return
	}
	placeholder, err := h.app.Jobs.Submit(c.Request.Context(), params, files)
	if err != nil {
		writeError(c, err)
		return
	}
	Success(c, placeholder)
}

// AddModel 上传自定义模特
func (h *Handler) AddModel(c *gin.Context) {
	if !h.requireLogin(c) {
		return
	}
	params, file, err := ParseModelRequest(c)
	if err != nil {
		writeError(c, err)
		return
	}
	raw, err := h.app.Jobs.AddModel(c.Request.Context(), params, file)
	if err != nil {
		writeError(c, err)
		return
	}
	Success(c, raw)
}

// ---- 记录 ----

func (h *Handler) feedPayload() gin.H {
	return gin.H{
		"items":  h.app.Feed.Records(),
		"state":  h.app.Feed.State(),
		"cursor": h.app.Feed.Cursor(),
	}
}

// ListRecords 当前已加载的历史记录
func (h *Handler) ListRecords(c *gin.Context) {
	if !h.requireLogin(c) {
		return
	}
	Success(c, h.feedPayload())
}

// LoadMoreRecords 加载下一页
func (h *Handler) LoadMoreRecords(c *gin.Context) {
	if !h.requireLogin(c) {
		return
	}
	if _, err := h.app.Feed.LoadMore(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	Success(c, h.feedPayload())
}

// ResetRecords 从最新一页重新加载
func (h *Handler) ResetRecords(c *gin.Context) {
	if !h.requireLogin(c) {
		return
	}
	if err := h.app.Feed.Reset(c.Request.Context(), h.app.UserID()); err != nil {
		writeError(c, err)
		return
	}
	Success(c, h.feedPayload())
}

// GetRecord 查询单条记录，本地没有时请求服务端
func (h *Handler) GetRecord(c *gin.Context) {
	if !h.requireLogin(c) {
		return
	}
	rec, err := h.app.Tracker.Resolve(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	Success(c, rec)
}

type feedbackRequest struct {
	Rating  int      `json:"rating"`
	Content string   `json:"content"`
	Tags    []string `json:"tags"`
}

// SubmitFeedback 对生成结果打分
func (h *Handler) SubmitFeedback(c *gin.Context) {
	if !h.requireLogin(c) {
		return
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		Error(c, http.StatusBadRequest, 400, "记录 id 不合法")
		return
	}
	var req feedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, 400, "参数解析失败")
		return
	}
	feedbackID, err := h.app.Feedback.Submit(c.Request.Context(), apiclient.FeedbackRequest{
		RecordID: id,
		Rating:   req.Rating,
		Content:  req.Content,
		Tags:     req.Tags,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	Success(c, gin.H{"feedback_id": feedbackID})
}

// ---- 消息 ----

// ListMessages 消息列表与未读数，refresh=1 时重新拉取
func (h *Handler) ListMessages(c *gin.Context) {
	if !h.requireLogin(c) {
		return
	}
	if c.Query("refresh") == "1" {
		if err := h.app.Messages.Refresh(c.Request.Context()); err != nil {
			writeError(c, err)
			return
		}
	}
	Success(c, h.app.Messages.Snapshot())
}

// OpenMessage 标记已读；任务通知同时返回对应记录
func (h *Handler) OpenMessage(c *gin.Context) {
	if !h.requireLogin(c) {
		return
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		Error(c, http.StatusBadRequest, 400, "消息 id 不合法")
		return
	}
	rec, err := h.app.OpenNotification(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	Success(c, gin.H{"record": rec, "unread": h.app.Messages.Snapshot().Unread})
}

// MarkMessagesRead 批量已读
func (h *Handler) MarkMessagesRead(c *gin.Context) {
	if !h.requireLogin(c) {
		return
	}
	ids, ok := bindIDs(c)
	if !ok {
		return
	}
	if err := h.app.Messages.MarkBatchRead(c.Request.Context(), ids); err != nil {
		writeError(c, err)
		return
	}
	Success(c, h.app.Messages.Snapshot())
}

// DeleteMessages 批量删除
func (h *Handler) DeleteMessages(c *gin.Context) {
	if !h.requireLogin(c) {
		return
	}
	ids, ok := bindIDs(c)
	if !ok {
		return
	}
	if err := h.app.Messages.DeleteBatch(c.Request.Context(), ids); err != nil {
		writeError(c, err)
		return
	}
	Success(c, h.app.Messages.Snapshot())
}

// ---- 购买 ----

// ListPackages 可购买的套餐
func (h *Handler) ListPackages(c *gin.Context) {
	packages, err := h.app.Client.ListPackages(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	Success(c, packages)
}

// ListOrders 订单历史；source=local 时返回本机记录的订单
func (h *Handler) ListOrders(c *gin.Context) {
	if !h.requireLogin(c) {
		return
	}
	page, pageSize := pageQuery(c)
	if c.Query("source") == "local" && h.store != nil {
		rows, err := h.store.LocalOrders(h.app.UserID(), pageSize)
		if err != nil {
			writeError(c, err)
			return
		}
		Success(c, gin.H{"items": rows, "total": len(rows)})
		return
	}
	orders, err := h.app.Client.ListOrders(c.Request.Context(), page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}
	Success(c, orders)
}

// CreatePaymentOrder 选择套餐并下单；已有进行中的订单时切换为新订单
func (h *Handler) CreatePaymentOrder(c *gin.Context) {
	if !h.requireLogin(c) {
		return
	}
	var sel payment.Selection
	if err := c.ShouldBindJSON(&sel); err != nil {
		Error(c, http.StatusBadRequest, 400, "参数解析失败")
		return
	}
	var (
		order *model.PaymentOrder
		err   error
	)
	if h.app.Payment.Snapshot().Order != nil {
		order, err = h.app.Payment.ChangeSelection(c.Request.Context(), sel)
	} else {
		order, err = h.app.Payment.CreateOrder(c.Request.Context(), sel)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	Success(c, order)
}

// PaymentState 当前订单与轮询状态
func (h *Handler) PaymentState(c *gin.Context) {
	Success(c, h.app.Payment.Snapshot())
}

// RefreshPaymentOrder 二维码过期后按原选择重新下单
func (h *Handler) RefreshPaymentOrder(c *gin.Context) {
	if !h.requireLogin(c) {
		return
	}
	order, err := h.app.Payment.Refresh(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	Success(c, order)
}

// CancelPayment 关闭支付弹窗，停止轮询
func (h *Handler) CancelPayment(c *gin.Context) {
	h.app.Payment.Stop()
	Success(c, h.app.Payment.Snapshot())
}
