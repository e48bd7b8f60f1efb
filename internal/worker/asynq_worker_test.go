package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/youjin-ai/payflow/internal/constants"
	"github.com/youjin-ai/payflow/internal/models"
	"github.com/youjin-ai/payflow/internal/provider"
	"github.com/youjin-ai/payflow/internal/queue"
	"github.com/youjin-ai/payflow/internal/repository"

	"github.com/hibiken/asynq"
	"gorm.io/gorm"
)

type fakeConversionRepo struct {
	events []*models.ConversionEvent
	err    error
}

func (f *fakeConversionRepo) Create(event *models.ConversionEvent) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	return nil
}

func (f *fakeConversionRepo) ListRecent(limit int) ([]models.ConversionEvent, error) {
	return nil, nil
}

func (f *fakeConversionRepo) WithTx(tx *gorm.DB) *repository.GormConversionEventRepository {
	return nil
}

type fakeGuestClaimRepo struct {
	purged []string
	err    error
}

func (f *fakeGuestClaimRepo) Create(claim *models.GuestClaim) error { return nil }

func (f *fakeGuestClaimRepo) GetByOrderNo(orderNo string) (*models.GuestClaim, error) {
	return nil, nil
}

func (f *fakeGuestClaimRepo) Claim(orderNo, userID string, now time.Time) (*models.GuestClaim, error) {
	return nil, nil
}

func (f *fakeGuestClaimRepo) Purge(orderNo string) error {
	if f.err != nil {
		return f.err
	}
	f.purged = append(f.purged, orderNo)
	return nil
}

func (f *fakeGuestClaimRepo) ListPendingBefore(cutoff time.Time) ([]models.GuestClaim, error) {
	return nil, nil
}

func (f *fakeGuestClaimRepo) WithTx(tx *gorm.DB) *repository.GormGuestClaimRepository {
	return nil
}

func newTestConsumer(conversions *fakeConversionRepo, claims *fakeGuestClaimRepo) *Consumer {
	return NewConsumer(&provider.Container{
		ConversionEventRepo: conversions,
		GuestClaimRepo:      claims,
	})
}

func mustTask(t *testing.T, taskType string, payload interface{}) *asynq.Task {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload failed: %v", err)
	}
	return asynq.NewTask(taskType, data)
}

func TestHandleConversionEventCreatesRecord(t *testing.T) {
	conversions := &fakeConversionRepo{}
	consumer := newTestConsumer(conversions, &fakeGuestClaimRepo{})

	task := mustTask(t, constants.TaskConversionEvent, queue.ConversionEventPayload{
		EventType:  "payment_success",
		OrderNo:    "PF20260829001",
		PackageKey: "vip_month",
		UserID:     "u-1",
		Channel:    constants.ChannelNative,
		Amount:     "19.90",
	})
	if err := consumer.handleConversionEvent(context.Background(), task); err != nil {
		t.Fatalf("handle conversion event failed: %v", err)
	}

	if len(conversions.events) != 1 {
		t.Fatalf("event count want 1 got %d", len(conversions.events))
	}
	event := conversions.events[0]
	if event.EventType != "payment_success" {
		t.Fatalf("event type want payment_success got %s", event.EventType)
	}
	if event.OrderNo != "PF20260829001" {
		t.Fatalf("order no want PF20260829001 got %s", event.OrderNo)
	}
	if event.Amount.String() != "19.9" {
		t.Fatalf("amount want 19.9 got %s", event.Amount.String())
	}
}

func TestHandleConversionEventSkipsEmptyOrderNo(t *testing.T) {
	conversions := &fakeConversionRepo{}
	consumer := newTestConsumer(conversions, &fakeGuestClaimRepo{})

	task := mustTask(t, constants.TaskConversionEvent, queue.ConversionEventPayload{
		EventType: "payment_success",
		OrderNo:   "   ",
	})
	if err := consumer.handleConversionEvent(context.Background(), task); err != nil {
		t.Fatalf("invalid payload should be dropped without error, got %v", err)
	}
	if len(conversions.events) != 0 {
		t.Fatalf("event count want 0 got %d", len(conversions.events))
	}
}

func TestHandleConversionEventBadAmountFallsBackToZero(t *testing.T) {
	conversions := &fakeConversionRepo{}
	consumer := newTestConsumer(conversions, &fakeGuestClaimRepo{})

	task := mustTask(t, constants.TaskConversionEvent, queue.ConversionEventPayload{
		EventType: "payment_success",
		OrderNo:   "PF20260829002",
		Amount:    "not-a-number",
	})
	if err := consumer.handleConversionEvent(context.Background(), task); err != nil {
		t.Fatalf("handle conversion event failed: %v", err)
	}
	if len(conversions.events) != 1 {
		t.Fatalf("event count want 1 got %d", len(conversions.events))
	}
	if !conversions.events[0].Amount.IsZero() {
		t.Fatalf("amount want zero got %s", conversions.events[0].Amount.String())
	}
}

func TestHandleGuestClaimPurge(t *testing.T) {
	claims := &fakeGuestClaimRepo{}
	consumer := newTestConsumer(&fakeConversionRepo{}, claims)

	task := mustTask(t, constants.TaskGuestClaimPurge, queue.GuestClaimPurgePayload{
		OrderNo: "PF20260829003",
	})
	if err := consumer.handleGuestClaimPurge(context.Background(), task); err != nil {
		t.Fatalf("handle guest claim purge failed: %v", err)
	}
	if len(claims.purged) != 1 || claims.purged[0] != "PF20260829003" {
		t.Fatalf("purged orders want [PF20260829003] got %v", claims.purged)
	}
}

func TestHandleGuestClaimPurgeSkipsEmptyOrderNo(t *testing.T) {
	claims := &fakeGuestClaimRepo{}
	consumer := newTestConsumer(&fakeConversionRepo{}, claims)

	task := mustTask(t, constants.TaskGuestClaimPurge, queue.GuestClaimPurgePayload{})
	if err := consumer.handleGuestClaimPurge(context.Background(), task); err != nil {
		t.Fatalf("empty payload should be dropped without error, got %v", err)
	}
	if len(claims.purged) != 0 {
		t.Fatalf("purged orders want none got %v", claims.purged)
	}
}

func TestHandleUnmarshalFailureReturnsError(t *testing.T) {
	consumer := newTestConsumer(&fakeConversionRepo{}, &fakeGuestClaimRepo{})

	task := asynq.NewTask(constants.TaskConversionEvent, []byte("{bad json"))
	if err := consumer.handleConversionEvent(context.Background(), task); err == nil {
		t.Fatalf("broken payload should return error for retry")
	}
}
