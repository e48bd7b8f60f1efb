package queue

import (
	"encoding/json"

	"github.com/youjin-ai/payflow/internal/constants"

	"github.com/hibiken/asynq"
)

const (
	// TaskConversionEvent 支付转化事件落库任务
	TaskConversionEvent = constants.TaskConversionEvent
	// TaskGuestClaimPurge 游客认领过期清理任务
	TaskGuestClaimPurge = constants.TaskGuestClaimPurge
)

// ConversionEventPayload 转化事件任务载荷
type ConversionEventPayload struct {
	EventType  string `json:"event_type"`
	OrderNo    string `json:"order_no"`
	PackageKey string `json:"package_key"`
	UserID     string `json:"user_id,omitempty"`
	Channel    string `json:"channel"`
	Amount     string `json:"amount"`
}

// GuestClaimPurgePayload 游客认领清理任务载荷
type GuestClaimPurgePayload struct {
	OrderNo string `json:"order_no"`
}

// NewConversionEventTask 创建转化事件任务
func NewConversionEventTask(payload ConversionEventPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskConversionEvent, body), nil
}

// NewGuestClaimPurgeTask 创建游客认领清理任务
func NewGuestClaimPurgeTask(payload GuestClaimPurgePayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskGuestClaimPurge, body), nil
}
