package service

import (
	"context"

	"github.com/youjin-ai/payflow/internal/constants"
	"github.com/youjin-ai/payflow/internal/logger"
	"github.com/youjin-ai/payflow/internal/orderservice"
)

// fallbackToNative JSAPI 调起失败后的降级：携带原订单号按 native 渠道重新下单，
// 后端据此做渠道切换而非重复购买。整会话至多降级一次，二次失败即终态。
func (s *Session) fallbackToNative(ctx context.Context) {
	s.mu.Lock()
	if s.isTerminalLocked() || s.fallbackTried || s.orderNo == "" {
		s.mu.Unlock()
		return
	}
	s.fallbackTried = true
	orderNo := s.orderNo
	input := orderservice.CreateOrderInput{
		PackageKey:      s.input.Package.Key,
		PackageName:     s.input.Package.Name,
		Amount:          s.input.Package.Price.String(),
		UserID:          s.input.UserID,
		Channel:         constants.ChannelNative,
		ExistingOrderNo: orderNo,
	}
	s.mu.Unlock()

	logger.Infow("payment_fallback_native", "session_id", s.id, "order_no", orderNo)

	result, err := s.deps.Orders.CreateOrder(ctx, input)
	if err != nil {
		logger.Errorw("payment_fallback_failed", "session_id", s.id, "order_no", orderNo, "error", err)
		s.fail("支付调起失败，扫码降级也未成功，请重试")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isTerminalLocked() || s.orderNo != orderNo {
		return
	}
	s.channel = constants.ChannelNative
	s.jsapiParams = nil
	s.payURL = ""
	s.stopTimerLocked(timerBridgeWait)
	s.applyNativeLocked(result.QRPayload)
	s.persistLocked()
	s.emitLocked()
}
