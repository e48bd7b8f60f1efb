package public

import (
	"strings"

	handlershared "github.com/youjin-ai/payflow/internal/http/handlers/shared"
	"github.com/youjin-ai/payflow/internal/http/response"
	"github.com/youjin-ai/payflow/internal/models"
	"github.com/youjin-ai/payflow/internal/repository"
	"github.com/youjin-ai/payflow/internal/service"

	"github.com/gin-gonic/gin"
)

// SessionPackageRequest 创建会话的套餐描述
type SessionPackageRequest struct {
	Key   string `json:"key" binding:"required"`
	Name  string `json:"name"`
	Price string `json:"price" binding:"required"`
	Quota *int   `json:"quota"`
}

// SessionEnvironmentRequest 页面环境信号，每次创建会话重新采集
type SessionEnvironmentRequest struct {
	UserAgent string `json:"user_agent"`
	WxEnv     string `json:"wx_env"`
	PageURL   string `json:"page_url"`
	VisitorID string `json:"visitor_id"`
}

// CreateSessionRequest 创建支付会话请求
type CreateSessionRequest struct {
	Package     SessionPackageRequest     `json:"package" binding:"required"`
	Environment SessionEnvironmentRequest `json:"environment"`
	OpenID      string                    `json:"openid"`
}

// SessionEventRequest 会话事件上报请求
type SessionEventRequest struct {
	Type        string              `json:"type" binding:"required"`
	Result      string              `json:"result"`
	HostMessage service.HostMessage `json:"host_message"`
}

// ClaimGuestOrderRequest 游客订单认领请求
type ClaimGuestOrderRequest struct {
	OrderNo string `json:"order_no" binding:"required"`
}

// SessionListQuery 会话记录查询参数
type SessionListQuery struct {
	Page       int    `form:"page"`
	PageSize   int    `form:"page_size"`
	Status     string `form:"status"`
	Channel    string `form:"channel"`
	PackageKey string `form:"package_key"`
	OrderNo    string `form:"order_no"`
}

// CreatePaymentSession 创建并启动支付会话
func (h *Handler) CreatePaymentSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, response.CodeBadRequest, "请求参数无效", err)
		return
	}

	price, err := models.NewMoneyFromString(strings.TrimSpace(req.Package.Price))
	if err != nil {
		respondError(c, response.CodeBadRequest, "套餐价格无效", err)
		return
	}

	userAgent := strings.TrimSpace(req.Environment.UserAgent)
	if userAgent == "" {
		userAgent = c.Request.UserAgent()
	}
	env := service.DetectEnvironment(
		userAgent,
		req.Environment.WxEnv,
		req.Environment.PageURL,
		req.Environment.VisitorID,
		h.Config.Payment.AlipayEnabled,
	)

	input := service.SessionInput{
		Package: service.PackageInfo{
			Key:   strings.TrimSpace(req.Package.Key),
			Name:  strings.TrimSpace(req.Package.Name),
			Price: price,
			Quota: req.Package.Quota,
		},
		Env:            env,
		UserID:         optionalUserID(c),
		ExplicitOpenID: strings.TrimSpace(req.OpenID),
	}

	session, err := h.SessionManager.CreateSession(c.Request.Context(), input)
	if err != nil {
		respondSessionCreateError(c, err)
		return
	}
	response.Success(c, session.SnapshotAndDrain())
}

// GetPaymentSession 查询会话快照。
// 默认取走待投递指令（前端轮询消费语义）；peek=1 只读不取。
func (h *Handler) GetPaymentSession(c *gin.Context) {
	session, err := h.SessionManager.Get(c.Param("id"))
	if err != nil {
		respondSessionEventError(c, err)
		return
	}
	if c.Query("peek") == "1" {
		response.Success(c, session.Snapshot())
		return
	}
	response.Success(c, session.SnapshotAndDrain())
}

// PostPaymentSessionEvent 接收前端上报的会话事件
func (h *Handler) PostPaymentSessionEvent(c *gin.Context) {
	var req SessionEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, response.CodeBadRequest, "请求参数无效", err)
		return
	}
	event := service.SessionEvent{
		Type:        req.Type,
		Result:      req.Result,
		HostMessage: req.HostMessage,
	}
	if err := h.SessionManager.HandleEvent(c.Param("id"), event); err != nil {
		respondSessionEventError(c, err)
		return
	}
	session, err := h.SessionManager.Get(c.Param("id"))
	if err != nil {
		respondSessionEventError(c, err)
		return
	}
	response.Success(c, session.SnapshotAndDrain())
}

// RetryPaymentSession 基于终态会话重新发起支付
func (h *Handler) RetryPaymentSession(c *gin.Context) {
	session, err := h.SessionManager.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondSessionRetryError(c, err)
		return
	}
	response.Success(c, session.SnapshotAndDrain())
}

// ClosePaymentSession 关闭会话（支付对话框关闭、页面卸载）
func (h *Handler) ClosePaymentSession(c *gin.Context) {
	if err := h.SessionManager.Close(c.Param("id")); err != nil {
		respondSessionEventError(c, err)
		return
	}
	response.Success(c, gin.H{"closed": true})
}

// ListPaymentSessions 查询会话落库记录（登录用户看自己的，监控用）
func (h *Handler) ListPaymentSessions(c *gin.Context) {
	uid, ok := getUserID(c)
	if !ok {
		return
	}

	var query SessionListQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		respondError(c, response.CodeBadRequest, "请求参数无效", err)
		return
	}
	page, pageSize := handlershared.NormalizePagination(query.Page, query.PageSize)

	records, total, err := h.SessionManager.ListRecords(repository.SessionRecordListFilter{
		Page:       page,
		PageSize:   pageSize,
		Status:     strings.TrimSpace(query.Status),
		Channel:    strings.TrimSpace(query.Channel),
		UserID:     uid,
		PackageKey: strings.TrimSpace(query.PackageKey),
		OrderNo:    strings.TrimSpace(query.OrderNo),
	})
	if err != nil {
		respondError(c, response.CodeInternal, "查询会话记录失败", err)
		return
	}

	response.SuccessWithPage(c, records, response.PageOf(page, pageSize, total))
}

// ClaimGuestOrder 登录后认领游客支付的订单
func (h *Handler) ClaimGuestOrder(c *gin.Context) {
	uid, ok := getUserID(c)
	if !ok {
		return
	}

	var req ClaimGuestOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, response.CodeBadRequest, "请求参数无效", err)
		return
	}

	claim, err := h.SessionManager.ClaimGuestOrder(req.OrderNo, uid)
	if err != nil {
		respondGuestClaimError(c, err)
		return
	}
	response.Success(c, gin.H{
		"order_no":   claim.OrderNo,
		"status":     claim.Status,
		"claimed_by": claim.ClaimedBy,
		"claimed_at": claim.ClaimedAt,
	})
}
