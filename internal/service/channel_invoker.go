package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/youjin-ai/payflow/internal/constants"
	"github.com/youjin-ai/payflow/internal/logger"
	"github.com/youjin-ai/payflow/internal/orderservice"
)

// createOrder 发起下单并按渠道调起支付。
// jsapi/miniprogram 缺身份时直接失败，不发网络请求。
func (s *Session) createOrder(ctx context.Context) {
	s.mu.Lock()
	if s.isTerminalLocked() || s.orderCreated {
		s.mu.Unlock()
		return
	}
	if ChannelNeedsIdentity(s.channel) && strings.TrimSpace(s.identity) == "" {
		s.failLocked("缺少支付身份，无法发起支付")
		s.mu.Unlock()
		return
	}
	s.orderCreated = true
	channel := s.channel
	input := orderservice.CreateOrderInput{
		PackageKey:  s.input.Package.Key,
		PackageName: s.input.Package.Name,
		Amount:      s.input.Package.Price.String(),
		UserID:      s.input.UserID,
		Channel:     channel,
		Identity:    s.identity,
		ReturnURL:   s.input.Env.PageURL,
	}
	s.mu.Unlock()

	result, err := s.deps.Orders.CreateOrder(ctx, input)
	if err != nil {
		s.handleCreateOrderError(ctx, err)
		return
	}
	if result.AlreadyPaid {
		s.markAlreadyPaid()
		return
	}
	s.applyOrderResult(result, channel)
}

// handleCreateOrderError 处理下单失败。
// openId 命名空间错配是已知的可恢复场景：丢弃当前身份、重新解析一次后重试。
func (s *Session) handleCreateOrderError(ctx context.Context, err error) {
	if errors.Is(err, orderservice.ErrIdentityMismatch) {
		s.mu.Lock()
		if !s.identityRetried && !s.isTerminalLocked() {
			s.identityRetried = true
			s.orderCreated = false
			badSource := s.identitySrc
			s.identity = ""
			s.identitySrc = ""
			resolver := s.resolver
			resolver.Discard(badSource)
			logger.Warnw("payment_identity_mismatch_retry", "session_id", s.id)
			s.mu.Unlock()

			if done := s.resolveIdentity(ctx, resolver); done {
				return
			}
			s.createOrder(ctx)
			return
		}
		s.mu.Unlock()
	}
	logger.Errorw("payment_order_create_failed", "session_id", s.id, "error", err)
	s.fail("下单失败，请稍后重试")
}

// markAlreadyPaid 后端识别出同用户同套餐已有完成购买，直接短路到终态，
// 不启动轮询。
func (s *Session) markAlreadyPaid() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isTerminalLocked() {
		return
	}
	logger.Infow("payment_already_paid", "session_id", s.id, "package", s.input.Package.Key)
	s.finishSuccessLocked()
}

// applyOrderResult 应用下单结果并执行渠道专属的最后一步
func (s *Session) applyOrderResult(result *orderservice.CreateOrderResult, channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isTerminalLocked() {
		return
	}
	s.orderNo = result.OrderNo
	s.startTimerLocked(timerSessionTimeout, s.deps.Timings.sessionTimeout(channel), s.expire)

	switch channel {
	case constants.ChannelNative:
		s.applyNativeLocked(result.QRPayload)
	case constants.ChannelH5:
		s.applyH5Locked(result.PayURL, false)
	case constants.ChannelAlipayH5:
		s.applyH5Locked(result.PayURL, true)
	case constants.ChannelJSAPI:
		s.applyJSAPILocked(result.JSAPIParams)
	case constants.ChannelMiniProgram:
		s.applyMiniProgramLocked(result.MiniProgramParams)
	default:
		s.failLocked("不支持的支付渠道")
		return
	}
	s.persistLocked()
	s.emitLocked()
}

// applyNativeLocked 渲染扫码串，等待轮询确认
func (s *Session) applyNativeLocked(qrPayload string) {
	s.qrPayload = qrPayload
	if image, err := RenderQRDataURL(qrPayload); err == nil {
		s.qrImage = image
	} else {
		logger.Warnw("payment_qr_render_failed", "session_id", s.id, "error", err)
	}
	s.status = constants.SessionStatusReady
	s.directives = append(s.directives, Directive{
		Type: constants.DirectiveRenderQR,
		Payload: map[string]string{
			"payload": s.qrPayload,
			"image":   s.qrImage,
		},
	})
	s.startPollingLocked()
}

// applyH5Locked 构造带回跳参数的支付链接。
// countdown=true 时先倒计时再自动跳转，否则立即投递跳转指令。
func (s *Session) applyH5Locked(payURL string, countdown bool) {
	s.payURL = appendRedirectParam(payURL, s.input.Env.PageURL, s.orderNo)
	s.status = constants.SessionStatusRedirecting
	if countdown {
		seconds := int(s.deps.Timings.Countdown.Seconds())
		s.directives = append(s.directives, Directive{
			Type: constants.DirectiveCountdown,
			Payload: map[string]string{
				"seconds": fmt.Sprintf("%d", seconds),
				"url":     s.payURL,
			},
		})
		s.startTimerLocked(timerCountdown, s.deps.Timings.Countdown, func() {
			s.appendDirective(Directive{
				Type:    constants.DirectiveNavigate,
				Payload: map[string]string{"url": s.currentPayURL()},
			})
		})
	} else {
		s.directives = append(s.directives, Directive{
			Type:    constants.DirectiveNavigate,
			Payload: map[string]string{"url": s.payURL},
		})
	}
	s.startPollingLocked()
}

// applyJSAPILocked 投递桥接调用指令，限时等待桥接结果，超时降级扫码
func (s *Session) applyJSAPILocked(params map[string]string) {
	s.jsapiParams = params
	s.status = constants.SessionStatusPolling
	s.directives = append(s.directives, Directive{
		Type:    constants.DirectiveInvokeBridge,
		Payload: params,
	})
	s.startTimerLocked(timerBridgeWait, s.deps.Timings.BridgeWait, func() {
		logger.Warnw("payment_jsapi_bridge_timeout", "session_id", s.id)
		s.fallbackToNative(context.Background())
	})
	s.startPollingLocked()
}

// applyMiniProgramLocked 构造宿主原生支付页深链并请求跳转。
// 宿主不可用没有客户端兜底，限时未响应按失败处理。
func (s *Session) applyMiniProgramLocked(params map[string]string) {
	s.miniParams = params
	s.status = constants.SessionStatusPolling
	deepLink := buildMiniProgramDeepLink(s.orderNo, params, s.input.Env.PageURL)
	s.directives = append(s.directives, Directive{
		Type: constants.DirectiveNavigate,
		Payload: map[string]string{
			"url":    deepLink,
			"target": constants.ChannelMiniProgram,
		},
	})
	s.startTimerLocked(timerHostReady, s.deps.Timings.HostReadyWait, func() {
		s.fail("小程序支付组件不可用，请从小程序入口重新进入")
	})
	s.startPollingLocked()
}

func (s *Session) currentPayURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payURL
}

// appendRedirectParam 给 h5 支付链接补上支付完成回跳地址；已带 redirect_url 的不重复追加
func appendRedirectParam(payURL, pageURL, orderNo string) string {
	payURL = strings.TrimSpace(payURL)
	if payURL == "" || strings.Contains(payURL, "redirect_url=") {
		return payURL
	}
	callback := buildCallbackURL(pageURL, orderNo)
	if callback == "" {
		return payURL
	}
	sep := "?"
	if strings.Contains(payURL, "?") {
		sep = "&"
	}
	return payURL + sep + "redirect_url=" + url.QueryEscape(callback)
}

// buildCallbackURL 当前页面地址加上支付成功标记与订单号
func buildCallbackURL(pageURL, orderNo string) string {
	parsed, err := url.Parse(strings.TrimSpace(pageURL))
	if err != nil || strings.TrimSpace(pageURL) == "" {
		return ""
	}
	query := parsed.Query()
	query.Set(constants.QueryParamPaymentSuccess, "1")
	if orderNo != "" {
		query.Set(constants.QueryParamOrderNo, orderNo)
	}
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

// buildMiniProgramDeepLink 宿主原生支付页深链：订单号 + 序列化支付参数 + 成败回调地址
func buildMiniProgramDeepLink(orderNo string, params map[string]string, pageURL string) string {
	serialized, _ := json.Marshal(params)
	success := buildCallbackURL(pageURL, orderNo)
	values := url.Values{}
	values.Set("orderNo", orderNo)
	values.Set("params", string(serialized))
	values.Set("callback", success)
	values.Set("fallback", pageURL)
	return constants.MiniProgramPayPageURI + "?" + values.Encode()
}
