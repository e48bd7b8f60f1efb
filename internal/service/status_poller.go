package service

import (
	"context"
	"strings"
	"time"

	"github.com/youjin-ai/payflow/internal/constants"
	"github.com/youjin-ai/payflow/internal/logger"
	"github.com/youjin-ai/payflow/internal/models"
)

// startPollingLocked 启动状态轮询。
// 同一会话至多一个轮询：启动前总是先取消既有实例。
func (s *Session) startPollingLocked() {
	s.stopPollLocked()
	ctx, cancel := context.WithCancel(context.Background())
	s.pollCancel = cancel
	s.pollStarts++
	go s.pollLoop(ctx, s.orderNo)
}

func (s *Session) stopPollLocked() {
	if s.pollCancel != nil {
		s.pollCancel()
		s.pollCancel = nil
		s.pollStops++
	}
}

// pollCounters 轮询启动/停止计数，校验单轮询不变量用
func (s *Session) pollCounters() (starts, stops int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pollStarts, s.pollStops
}

// pollLoop 固定间隔查询订单状态。
// 单次查询失败只记日志继续轮，超时由会话级定时器独立裁决。
func (s *Session) pollLoop(ctx context.Context, orderNo string) {
	interval := s.deps.Timings.PollInterval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status, err := s.deps.Orders.CheckOrderStatus(ctx, orderNo)
			if err != nil {
				logger.Debugw("payment_poll_tick_failed",
					"session_id", s.id,
					"order_no", orderNo,
					"error", err,
				)
				continue
			}
			if status.OrderNo != orderNo {
				logger.Debugw("payment_poll_stale_ignored",
					"session_id", s.id,
					"expected", orderNo,
					"got", status.OrderNo,
				)
				continue
			}
			if status.Status == constants.OrderStatusPaid {
				s.markPaid(orderNo, status.Identity)
				return
			}
		}
	}
}

// markPaid 支付确认。终态迁移幂等：迟到或订单号不匹配的响应被忽略。
func (s *Session) markPaid(orderNo, payIdentity string) {
	s.mu.Lock()
	if s.isTerminalLocked() || s.orderNo != orderNo {
		s.mu.Unlock()
		return
	}
	guest := strings.TrimSpace(s.input.UserID) == ""
	pkg := s.input.Package
	channel := s.channel
	identity := s.identity
	if strings.TrimSpace(payIdentity) != "" {
		identity = payIdentity
	}
	s.finishSuccessLocked()
	s.mu.Unlock()

	logger.Infow("payment_poll_paid",
		"session_id", s.id,
		"order_no", orderNo,
		"channel", channel,
		"guest", guest,
	)

	// 落库与入队在锁外执行，失败不影响会话终态
	if guest && s.deps.Claims != nil {
		claim := &models.GuestClaim{
			OrderNo:    orderNo,
			PackageKey: pkg.Key,
			Identity:   identity,
			Status:     constants.GuestClaimStatusPending,
		}
		if err := s.deps.Claims.Create(claim); err != nil {
			logger.Warnw("payment_guest_claim_persist_failed", "order_no", orderNo, "error", err)
		}
		if s.deps.Tasks != nil {
			if err := s.deps.Tasks.ScheduleGuestClaimPurge(orderNo, s.deps.Timings.GuestClaimTTL); err != nil {
				logger.Warnw("payment_guest_claim_purge_schedule_failed", "order_no", orderNo, "error", err)
			}
		}
	}
	if s.deps.Tasks != nil {
		eventType := constants.ConversionEventPaymentSuccess
		if guest {
			eventType = constants.ConversionEventGuestPayment
		}
		if err := s.deps.Tasks.EnqueueConversionEvent(eventType, orderNo, pkg.Key, s.input.UserID, channel, pkg.Price.String()); err != nil {
			logger.Warnw("payment_conversion_enqueue_failed", "order_no", orderNo, "error", err)
		}
	}
}

// finishSuccessLocked 进入成功终态：清场、延迟完成回调（成功动画窗口）
func (s *Session) finishSuccessLocked() {
	if s.isTerminalLocked() {
		return
	}
	if strings.TrimSpace(s.input.UserID) == "" {
		s.status = constants.SessionStatusGuestSuccess
	} else {
		s.status = constants.SessionStatusSuccess
	}
	now := time.Now()
	s.paidAt = &now
	s.cancelAllLocked()
	s.startTimerLocked(timerSuccessDelay, s.deps.Timings.SuccessDelay, s.fireCompletion)
	s.persistLocked()
	s.emitLocked()
}

// fireCompletion 完成回调至多触发一次
func (s *Session) fireCompletion() {
	s.mu.Lock()
	if s.completionFired {
		s.mu.Unlock()
		return
	}
	s.completionFired = true
	orderNo := s.orderNo
	callback := s.deps.OnComplete
	s.mu.Unlock()
	if callback != nil {
		callback(orderNo)
	}
}
