package constants

// 支付渠道常量
const (
	ChannelNative      = "native"
	ChannelJSAPI       = "jsapi"
	ChannelH5          = "h5"
	ChannelMiniProgram = "miniprogram"
	ChannelAlipayH5    = "alipay_h5"
)

// 支付会话状态常量
const (
	SessionStatusIdle         = "idle"
	SessionStatusLoading      = "loading"
	SessionStatusReady        = "ready"
	SessionStatusRedirecting  = "redirecting"
	SessionStatusPolling      = "polling"
	SessionStatusSuccess      = "success"
	SessionStatusGuestSuccess = "guest_success"
	SessionStatusFailed       = "failed"
	SessionStatusExpired      = "expired"
)

// 订单服务侧状态常量
const (
	OrderStatusPending = "pending"
	OrderStatusPaid    = "paid"
)

// 身份解析策略常量（按优先级顺序）
const (
	IdentitySourceExplicit    = "explicit"
	IdentitySourceURLParam    = "url_param"
	IdentitySourceCache       = "cache"
	IdentitySourceMapping     = "mapping"
	IdentitySourceAuthCode    = "auth_code"
	IdentitySourceSilentAuth  = "silent_auth"
	IdentitySourceHostMessage = "host_message"
)

// 页面 URL 查询参数常量
// payment_openid/openid 属于浏览器凭证命名空间，mp_openid 属于小程序命名空间，
// 两者不可互用。
const (
	QueryParamPaymentOpenID      = "payment_openid"
	QueryParamOpenID             = "openid"
	QueryParamMpOpenID           = "mp_openid"
	QueryParamAuthCallbackMarker = "payment_auth_callback"
	QueryParamAuthCode           = "code"
	QueryParamAuthState          = "state"
	QueryParamPaymentRedirect    = "payment_redirect"
	QueryParamPaymentSuccess     = "payment_success"
	QueryParamOrderNo            = "order"
)

// 会话前端指令类型常量
const (
	DirectiveRenderQR        = "render_qr"
	DirectiveNavigate        = "navigate"
	DirectiveInvokeBridge    = "invoke_bridge"
	DirectivePostHostMessage = "post_host_message"
	DirectiveRedirect        = "redirect"
	DirectiveCountdown       = "countdown"
	DirectiveReplaceURL      = "replace_url"
)

// 前端上报事件类型常量
const (
	SessionEventBridgeReady = "bridge_ready"
	SessionEventJSAPIResult = "jsapi_result"
	SessionEventHostMessage = "host_message"
	SessionEventNavigated   = "navigated"
)

// 宿主消息类型常量
const (
	HostMessageTypeOpenID          = "wechat_openid"
	HostMessageTypeRequestIdentity = "request_openid"
)

// JSAPI 桥接调用结果常量
const (
	JSAPIBridgeAPI        = "getBrandWCPayRequest"
	JSAPIResultOK         = "get_brand_wcpay_request:ok"
	JSAPIResultCancel     = "get_brand_wcpay_request:cancel"
	JSAPIResultFail       = "get_brand_wcpay_request:fail"
	MiniProgramPayPageURI = "/pages/pay/index"
)

// 队列与异步任务常量
const (
	QueueDefault        = "default"
	TaskConversionEvent = "payment:conversion_event"
	TaskGuestClaimPurge = "payment:guest_claim_purge"
)

// 游客认领状态常量
const (
	GuestClaimStatusPending = "pending"
	GuestClaimStatusClaimed = "claimed"
	GuestClaimStatusPurged  = "purged"
)

// 转化事件类型常量
const (
	ConversionEventPaymentSuccess = "payment_success"
	ConversionEventGuestPayment   = "guest_payment_success"
)
