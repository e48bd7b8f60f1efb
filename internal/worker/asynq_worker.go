package worker

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/youjin-ai/payflow/internal/constants"
	"github.com/youjin-ai/payflow/internal/logger"
	"github.com/youjin-ai/payflow/internal/models"
	"github.com/youjin-ai/payflow/internal/provider"
	"github.com/youjin-ai/payflow/internal/queue"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
)

// Consumer 异步任务消费者
type Consumer struct {
	*provider.Container
}

// NewConsumer 创建消费者
func NewConsumer(c *provider.Container) *Consumer {
	return &Consumer{
		Container: c,
	}
}

// Register 注册消费者
func (c *Consumer) Register(mux *asynq.ServeMux) {
	if c == nil || mux == nil {
		logger.Debugw("worker_register_skip_nil", "consumer_nil", c == nil, "mux_nil", mux == nil)
		return
	}
	mux.HandleFunc(constants.TaskConversionEvent, c.handleConversionEvent)
	mux.HandleFunc(constants.TaskGuestClaimPurge, c.handleGuestClaimPurge)
}

func (c *Consumer) handleConversionEvent(_ context.Context, task *asynq.Task) error {
	if c == nil || task == nil {
		logger.Debugw("worker_conversion_event_skip_nil", "consumer_nil", c == nil, "task_nil", task == nil)
		return nil
	}
	var payload queue.ConversionEventPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		logger.Warnw("worker_conversion_event_unmarshal_failed", "error", err)
		return err
	}
	eventType := strings.TrimSpace(payload.EventType)
	orderNo := strings.TrimSpace(payload.OrderNo)
	if eventType == "" || orderNo == "" {
		logger.Debugw("worker_conversion_event_skip_invalid_payload",
			"event_type", payload.EventType,
			"order_no", payload.OrderNo,
		)
		return nil
	}
	if c.ConversionEventRepo == nil {
		logger.Warnw("worker_conversion_event_skip_repo_nil", "order_no", orderNo)
		return nil
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(payload.Amount))
	if err != nil {
		logger.Warnw("worker_conversion_event_amount_invalid",
			"order_no", orderNo,
			"amount", payload.Amount,
			"error", err,
		)
		amount = decimal.Zero
	}
	event := &models.ConversionEvent{
		EventType:  eventType,
		OrderNo:    orderNo,
		PackageKey: strings.TrimSpace(payload.PackageKey),
		Amount:     models.NewMoneyFromDecimal(amount),
		UserID:     strings.TrimSpace(payload.UserID),
		Channel:    strings.TrimSpace(payload.Channel),
	}
	if err := c.ConversionEventRepo.Create(event); err != nil {
		logger.Warnw("worker_conversion_event_create_failed",
			"event_type", eventType,
			"order_no", orderNo,
			"error", err,
		)
		return err
	}
	return nil
}

func (c *Consumer) handleGuestClaimPurge(_ context.Context, task *asynq.Task) error {
	if c == nil || task == nil {
		logger.Debugw("worker_guest_claim_purge_skip_nil", "consumer_nil", c == nil, "task_nil", task == nil)
		return nil
	}
	var payload queue.GuestClaimPurgePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		logger.Warnw("worker_guest_claim_purge_unmarshal_failed", "error", err)
		return err
	}
	orderNo := strings.TrimSpace(payload.OrderNo)
	if orderNo == "" {
		logger.Debugw("worker_guest_claim_purge_skip_invalid_payload", "order_no", payload.OrderNo)
		return nil
	}
	if c.GuestClaimRepo == nil {
		logger.Warnw("worker_guest_claim_purge_skip_repo_nil", "order_no", orderNo)
		return nil
	}
	// 只清理仍处于待认领状态的记录，已认领的不受影响
	if err := c.GuestClaimRepo.Purge(orderNo); err != nil {
		logger.Warnw("worker_guest_claim_purge_failed", "order_no", orderNo, "error", err)
		return err
	}
	return nil
}
