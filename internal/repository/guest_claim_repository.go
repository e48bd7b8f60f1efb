package repository

import (
	"errors"
	"strings"
	"time"

	"github.com/youjin-ai/payflow/internal/constants"
	"github.com/youjin-ai/payflow/internal/models"

	"gorm.io/gorm"
)

// GuestClaimRepository 游客认领记录数据访问接口
type GuestClaimRepository interface {
	Create(claim *models.GuestClaim) error
	GetByOrderNo(orderNo string) (*models.GuestClaim, error)
	Claim(orderNo, userID string, now time.Time) (*models.GuestClaim, error)
	Purge(orderNo string) error
	ListPendingBefore(cutoff time.Time) ([]models.GuestClaim, error)
	WithTx(tx *gorm.DB) *GormGuestClaimRepository
}

// GormGuestClaimRepository GORM 实现
type GormGuestClaimRepository struct {
	db *gorm.DB
}

// NewGuestClaimRepository 创建游客认领仓库
func NewGuestClaimRepository(db *gorm.DB) *GormGuestClaimRepository {
	return &GormGuestClaimRepository{db: db}
}

// WithTx 绑定事务
func (r *GormGuestClaimRepository) WithTx(tx *gorm.DB) *GormGuestClaimRepository {
	if tx == nil {
		return r
	}
	return &GormGuestClaimRepository{db: tx}
}

// Create 创建认领记录，订单号去重
func (r *GormGuestClaimRepository) Create(claim *models.GuestClaim) error {
	existing, err := r.GetByOrderNo(claim.OrderNo)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	return r.db.Create(claim).Error
}

// GetByOrderNo 根据订单号获取认领记录
func (r *GormGuestClaimRepository) GetByOrderNo(orderNo string) (*models.GuestClaim, error) {
	orderNo = strings.TrimSpace(orderNo)
	if orderNo == "" {
		return nil, nil
	}
	var claim models.GuestClaim
	if err := r.db.Where("order_no = ?", orderNo).First(&claim).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &claim, nil
}

// Claim 将待认领订单绑定到用户
func (r *GormGuestClaimRepository) Claim(orderNo, userID string, now time.Time) (*models.GuestClaim, error) {
	claim, err := r.GetByOrderNo(orderNo)
	if err != nil {
		return nil, err
	}
	if claim == nil {
		return nil, nil
	}
	if claim.Status == constants.GuestClaimStatusClaimed {
		return claim, nil
	}
	claim.Status = constants.GuestClaimStatusClaimed
	claim.ClaimedBy = userID
	claim.ClaimedAt = &now
	if err := r.db.Save(claim).Error; err != nil {
		return nil, err
	}
	return claim, nil
}

// Purge 标记认领记录为已清理
func (r *GormGuestClaimRepository) Purge(orderNo string) error {
	return r.db.Model(&models.GuestClaim{}).
		Where("order_no = ? AND status = ?", orderNo, constants.GuestClaimStatusPending).
		Update("status", constants.GuestClaimStatusPurged).Error
}

// ListPendingBefore 列出指定时间之前仍未认领的记录
func (r *GormGuestClaimRepository) ListPendingBefore(cutoff time.Time) ([]models.GuestClaim, error) {
	var claims []models.GuestClaim
	if err := r.db.Where("status = ? AND created_at < ?", constants.GuestClaimStatusPending, cutoff).
		Find(&claims).Error; err != nil {
		return nil, err
	}
	return claims, nil
}
