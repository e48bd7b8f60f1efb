package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/youjin-ai/payflow/internal/config"
	"github.com/youjin-ai/payflow/internal/constants"
	"github.com/youjin-ai/payflow/internal/logger"
	"github.com/youjin-ai/payflow/internal/models"
	"github.com/youjin-ai/payflow/internal/orderservice"
	"github.com/youjin-ai/payflow/internal/repository"

	"github.com/google/uuid"
)

// OrderClient 外部订单服务操作集合
type OrderClient interface {
	CreateOrder(ctx context.Context, input orderservice.CreateOrderInput) (*orderservice.CreateOrderResult, error)
	CheckOrderStatus(ctx context.Context, orderNo string) (*orderservice.OrderStatus, error)
	ExchangeAuthCode(ctx context.Context, code string) (string, error)
	SilentAuthURL(ctx context.Context, currentURL string) (string, error)
	LookupStoredIdentity(ctx context.Context, userID string) (string, error)
}

// TaskEnqueuer 异步任务入口
type TaskEnqueuer interface {
	EnqueueConversionEvent(eventType, orderNo, packageKey, userID, channel, amount string) error
	ScheduleGuestClaimPurge(orderNo string, delay time.Duration) error
}

// PackageInfo 购买的套餐描述，调用方提供，创建后不可变
type PackageInfo struct {
	Key   string       `json:"key"`
	Name  string       `json:"name"`
	Price models.Money `json:"price"`
	Quota *int         `json:"quota,omitempty"`
}

// SessionInput 创建会话的输入
type SessionInput struct {
	Package        PackageInfo
	Env            Environment
	UserID         string // 空为游客
	ExplicitOpenID string
}

// Timings 会话内全部时间参数，测试可注入极短值
type Timings struct {
	PollInterval     time.Duration
	WechatTimeout    time.Duration
	AlipayTimeout    time.Duration
	SuccessDelay     time.Duration
	BridgeWait       time.Duration
	HostReadyWait    time.Duration
	HostIdentityWait time.Duration
	Countdown        time.Duration
	IdentityCacheTTL time.Duration
	GuestClaimTTL    time.Duration
}

// TimingsFromConfig 从配置构建时间参数
func TimingsFromConfig(cfg config.PaymentConfig) Timings {
	return Timings{
		PollInterval:     cfg.PollInterval(),
		WechatTimeout:    time.Duration(cfg.WechatTimeoutMinutes) * time.Minute,
		AlipayTimeout:    time.Duration(cfg.AlipayTimeoutMinutes) * time.Minute,
		SuccessDelay:     cfg.SuccessDelay(),
		BridgeWait:       cfg.JSAPIBridgeWait(),
		HostReadyWait:    cfg.MiniProgramWait(),
		HostIdentityWait: cfg.HostIdentityWait(),
		Countdown:        cfg.AlipayCountdown(),
		IdentityCacheTTL: time.Duration(cfg.IdentityCacheTTLHours) * time.Hour,
		GuestClaimTTL:    time.Duration(cfg.GuestClaimTTLHours) * time.Hour,
	}
}

func (t Timings) sessionTimeout(channel string) time.Duration {
	if channel == constants.ChannelAlipayH5 {
		return t.AlipayTimeout
	}
	return t.WechatTimeout
}

// Directive 投递给前端的渠道动作指令
type Directive struct {
	Type    string            `json:"type"`
	Payload map[string]string `json:"payload,omitempty"`
}

// Snapshot 会话状态快照
type Snapshot struct {
	SessionID    string            `json:"session_id"`
	Status       string            `json:"status"`
	Channel      string            `json:"channel"`
	OrderNo      string            `json:"order_no,omitempty"`
	PayURL       string            `json:"pay_url,omitempty"`
	QRPayload    string            `json:"qr_payload,omitempty"`
	QRImage      string            `json:"qr_image,omitempty"`
	JSAPIParams  map[string]string `json:"jsapi_params,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	Directives   []Directive       `json:"directives,omitempty"`
}

// SessionDeps 会话外部依赖
type SessionDeps struct {
	Orders     OrderClient
	Records    repository.SessionRecordRepository
	Claims     repository.GuestClaimRepository
	Tasks      TaskEnqueuer
	Timings    Timings
	OnUpdate   func(Snapshot)       // 状态变化通知，可空
	OnComplete func(orderNo string) // 成功动画播完后的完成回调，可空
}

// 定时器名称
const (
	timerSessionTimeout = "session_timeout"
	timerBridgeWait     = "bridge_wait"
	timerHostReady      = "host_ready"
	timerCountdown      = "countdown"
	timerSuccessDelay   = "success_delay"
)

// Session 一次支付尝试的状态机。
// 所有状态变更都在持锁下进行；网络调用在锁外执行，
// 结果应用前会重新校验会话仍处于可应用状态。
type Session struct {
	mu sync.Mutex

	id       string
	input    SessionInput
	deps     SessionDeps
	resolver *IdentityResolver

	status       string
	channel      string
	orderNo      string
	payURL       string
	qrPayload    string
	qrImage      string
	jsapiParams  map[string]string
	miniParams   map[string]string
	identity     string
	identitySrc  string
	errorMessage string
	createdAt    time.Time
	paidAt       *time.Time

	// 单次执行守卫，只由状态机自身置位
	orderCreated    bool
	identityRetried bool
	fallbackTried   bool
	completionFired bool
	identityAbsent  bool

	timers     map[string]*time.Timer
	pollCancel context.CancelFunc
	pollStarts int
	pollStops  int

	directives []Directive
}

// NewSession 创建并落库一个新会话，状态 idle
func NewSession(input SessionInput, deps SessionDeps) *Session {
	s := &Session{
		id:        uuid.NewString(),
		input:     input,
		deps:      deps,
		status:    constants.SessionStatusIdle,
		createdAt: time.Now(),
		timers:    make(map[string]*time.Timer),
	}
	if explicit := strings.TrimSpace(input.ExplicitOpenID); explicit != "" {
		s.identity = explicit
		s.identitySrc = constants.IdentitySourceExplicit
	}
	s.resolver = NewIdentityResolver(
		input.Env,
		input.ExplicitOpenID,
		input.UserID,
		deps.Orders,
		deps.Timings.IdentityCacheTTL,
		deps.Timings.HostIdentityWait,
	)
	s.resolver.SetHostRequester(func() {
		s.appendDirective(Directive{
			Type: constants.DirectivePostHostMessage,
			Payload: map[string]string{
				"type": constants.HostMessageTypeRequestIdentity,
			},
		})
	})
	s.persistCreate()
	return s
}

// ID 会话标识
func (s *Session) ID() string {
	return s.id
}

// Input 创建会话的原始输入，重试时复用
func (s *Session) Input() SessionInput {
	return s.input
}

// Start 启动会话：选渠道、按需解析身份、下单、调起渠道。
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	if s.status != constants.SessionStatusIdle {
		s.mu.Unlock()
		return
	}
	s.status = constants.SessionStatusLoading
	s.channel = SelectChannel(s.input.Env, s.identityAvailableLocked())
	logger.Infow("payment_session_started",
		"session_id", s.id,
		"channel", s.channel,
		"package", s.input.Package.Key,
		"user_id", s.input.UserID,
	)
	needResolve := ChannelNeedsIdentity(s.channel) && !s.identityAvailableLocked()
	resolver := s.resolver
	s.persistLocked()
	s.emitLocked()
	s.mu.Unlock()

	if needResolve {
		if done := s.resolveIdentity(ctx, resolver); done {
			return
		}
	}
	s.createOrder(ctx)
}

// resolveIdentity 执行身份解析并应用结果。
// 返回 true 表示会话已终止或在等待整页跳转，不再继续下单。
func (s *Session) resolveIdentity(ctx context.Context, resolver *IdentityResolver) bool {
	resolution, err := resolver.Resolve(ctx)
	if err != nil {
		resolution = &Resolution{Absent: true}
	}

	s.mu.Lock()
	if s.isTerminalLocked() {
		s.mu.Unlock()
		return true
	}
	if resolution.CleanedURL != "" {
		s.directives = append(s.directives, Directive{
			Type:    constants.DirectiveReplaceURL,
			Payload: map[string]string{"url": resolution.CleanedURL},
		})
	}
	if resolution.RedirectURL != "" {
		// 静默授权整页跳转，当前页面生命周期到此为止
		s.status = constants.SessionStatusRedirecting
		s.directives = append(s.directives, Directive{
			Type:    constants.DirectiveRedirect,
			Payload: map[string]string{"url": resolution.RedirectURL},
		})
		s.persistLocked()
		s.emitLocked()
		s.mu.Unlock()
		return true
	}
	if resolution.Identity != "" {
		s.identity = resolution.Identity
		s.identitySrc = resolution.Source
		s.identityAbsent = false
		logger.Infow("payment_identity_resolved",
			"session_id", s.id,
			"source", resolution.Source,
		)
		s.mu.Unlock()
		return false
	}

	// 确定无身份
	s.identityAbsent = true
	if s.channel == constants.ChannelMiniProgram {
		s.failLocked("未能获取小程序支付身份，请从小程序入口重新进入")
		s.mu.Unlock()
		return true
	}
	// 降级到无需身份的渠道
	s.channel = constants.ChannelNative
	logger.Infow("payment_identity_absent_downgrade",
		"session_id", s.id,
		"channel", s.channel,
	)
	s.mu.Unlock()
	return false
}

func (s *Session) identityAvailableLocked() bool {
	return strings.TrimSpace(s.identity) != "" || strings.TrimSpace(s.input.ExplicitOpenID) != ""
}

// ReportHostMessage 宿主消息入口，转投身份解析器。
// 不持会话锁：解析器正在锁外等待该消息。
func (s *Session) ReportHostMessage(msg HostMessage) {
	s.resolver.DeliverHostMessage(msg)
}

// ReportBridgeReady 前端报告渠道桥接可用
func (s *Session) ReportBridgeReady() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isTerminalLocked() {
		return
	}
	switch s.channel {
	case constants.ChannelJSAPI:
		s.stopTimerLocked(timerBridgeWait)
	case constants.ChannelMiniProgram:
		s.stopTimerLocked(timerHostReady)
	}
}

// ReportNavigated 前端报告已完成跳转（h5 手动/自动跳转、小程序 navigate）
func (s *Session) ReportNavigated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isTerminalLocked() {
		return
	}
	s.stopTimerLocked(timerHostReady)
	s.stopTimerLocked(timerCountdown)
	if s.status == constants.SessionStatusRedirecting {
		s.status = constants.SessionStatusPolling
		s.persistLocked()
		s.emitLocked()
	}
}

// ReportJSAPIResult 前端报告 JSAPI 桥接调用结果。
// 用户取消不是错误，保持轮询允许重拉；其余失败走降级。
func (s *Session) ReportJSAPIResult(resultCode string) {
	s.mu.Lock()
	if s.isTerminalLocked() || s.channel != constants.ChannelJSAPI {
		s.mu.Unlock()
		return
	}
	s.stopTimerLocked(timerBridgeWait)
	code := strings.TrimSpace(resultCode)
	s.mu.Unlock()

	switch code {
	case constants.JSAPIResultOK:
		// 成功以轮询确认为准
		logger.Infow("payment_jsapi_invoked_ok", "session_id", s.id)
	case constants.JSAPIResultCancel:
		logger.Infow("payment_jsapi_cancelled", "session_id", s.id)
	default:
		logger.Warnw("payment_jsapi_failed", "session_id", s.id, "result", code)
		s.fallbackToNative(context.Background())
	}
}

// RequestBridgeInvoke 用户意图：重新调起 JSAPI 支付
func (s *Session) RequestBridgeInvoke() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isTerminalLocked() || s.channel != constants.ChannelJSAPI || len(s.jsapiParams) == 0 {
		return
	}
	s.directives = append(s.directives, Directive{
		Type:    constants.DirectiveInvokeBridge,
		Payload: s.jsapiParams,
	})
	s.emitLocked()
}

// Close 会话收尾：无条件清掉全部定时器与轮询
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelAllLocked()
}

// Snapshot 当前状态快照（不含待投递指令）
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(false)
}

// SnapshotAndDrain 返回快照并取走待投递指令
func (s *Session) SnapshotAndDrain() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(true)
}

func (s *Session) snapshotLocked(drain bool) Snapshot {
	snap := Snapshot{
		SessionID:    s.id,
		Status:       s.status,
		Channel:      s.channel,
		OrderNo:      s.orderNo,
		PayURL:       s.payURL,
		QRPayload:    s.qrPayload,
		QRImage:      s.qrImage,
		JSAPIParams:  s.jsapiParams,
		ErrorMessage: s.errorMessage,
		CreatedAt:    s.createdAt,
	}
	if len(s.directives) > 0 {
		snap.Directives = append([]Directive(nil), s.directives...)
		if drain {
			s.directives = nil
		}
	}
	return snap
}

func (s *Session) appendDirective(d Directive) {
	s.mu.Lock()
	s.directives = append(s.directives, d)
	s.emitLocked()
	s.mu.Unlock()
}

func (s *Session) isTerminalLocked() bool {
	return isTerminalStatus(s.status)
}

func isTerminalStatus(status string) bool {
	switch status {
	case constants.SessionStatusSuccess,
		constants.SessionStatusGuestSuccess,
		constants.SessionStatusFailed,
		constants.SessionStatusExpired:
		return true
	}
	return false
}

// IsTerminal 会话是否已进入终态
func (s *Session) IsTerminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isTerminalLocked()
}

func (s *Session) failLocked(message string) {
	if s.isTerminalLocked() {
		return
	}
	s.status = constants.SessionStatusFailed
	s.errorMessage = message
	s.cancelAllLocked()
	logger.Warnw("payment_session_failed",
		"session_id", s.id,
		"order_no", s.orderNo,
		"reason", message,
	)
	s.persistLocked()
	s.emitLocked()
}

func (s *Session) fail(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failLocked(message)
}

func (s *Session) expire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isTerminalLocked() {
		return
	}
	s.status = constants.SessionStatusExpired
	now := time.Now()
	s.cancelAllLocked()
	logger.Infow("payment_session_expired",
		"session_id", s.id,
		"order_no", s.orderNo,
		"age", now.Sub(s.createdAt),
	)
	s.persistLocked()
	s.emitLocked()
}

// startTimerLocked 同名定时器先停后起，杜绝重复触发
func (s *Session) startTimerLocked(name string, d time.Duration, fn func()) {
	s.stopTimerLocked(name)
	s.timers[name] = time.AfterFunc(d, fn)
}

func (s *Session) stopTimerLocked(name string) {
	if timer, ok := s.timers[name]; ok {
		timer.Stop()
		delete(s.timers, name)
	}
}

// cancelAllLocked 清场操作：所有退出路径（终态、关闭、销毁）统一走这里
func (s *Session) cancelAllLocked() {
	for name, timer := range s.timers {
		timer.Stop()
		delete(s.timers, name)
	}
	s.stopPollLocked()
}

func (s *Session) persistCreate() {
	if s.deps.Records == nil {
		return
	}
	record := &models.SessionRecord{
		SessionID:   s.id,
		PackageKey:  s.input.Package.Key,
		PackageName: s.input.Package.Name,
		Amount:      s.input.Package.Price,
		Channel:     s.channel,
		Status:      s.status,
		UserID:      s.input.UserID,
		CreatedAt:   s.createdAt,
	}
	if err := s.deps.Records.Create(record); err != nil {
		logger.Warnw("payment_session_persist_failed", "session_id", s.id, "error", err)
	}
}

func (s *Session) persistLocked() {
	if s.deps.Records == nil {
		return
	}
	record, err := s.deps.Records.GetBySessionID(s.id)
	if err != nil || record == nil {
		if err != nil {
			logger.Warnw("payment_session_record_load_failed", "session_id", s.id, "error", err)
		}
		return
	}
	record.OrderNo = s.orderNo
	record.Channel = s.channel
	record.Status = s.status
	record.Identity = s.identity
	record.ErrorMessage = s.errorMessage
	record.PaidAt = s.paidAt
	if s.status == constants.SessionStatusExpired && record.ExpiredAt == nil {
		now := time.Now()
		record.ExpiredAt = &now
	}
	if err := s.deps.Records.Update(record); err != nil {
		logger.Warnw("payment_session_persist_failed", "session_id", s.id, "error", err)
	}
}

func (s *Session) emitLocked() {
	if s.deps.OnUpdate == nil {
		return
	}
	snap := s.snapshotLocked(false)
	go s.deps.OnUpdate(snap)
}
