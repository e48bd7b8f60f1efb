package repository

import (
	"errors"
	"strings"
	"time"

	"github.com/youjin-ai/payflow/internal/constants"
	"github.com/youjin-ai/payflow/internal/models"

	"gorm.io/gorm"
)

// SessionRecordRepository 支付会话记录数据访问接口
type SessionRecordRepository interface {
	Create(record *models.SessionRecord) error
	Update(record *models.SessionRecord) error
	GetBySessionID(sessionID string) (*models.SessionRecord, error)
	GetLatestByOrderNo(orderNo string) (*models.SessionRecord, error)
	List(filter SessionRecordListFilter) ([]models.SessionRecord, int64, error)
	DeleteTerminalBefore(cutoff time.Time) (int64, error)
	WithTx(tx *gorm.DB) *GormSessionRecordRepository
}

// GormSessionRecordRepository GORM 实现
type GormSessionRecordRepository struct {
	db *gorm.DB
}

// NewSessionRecordRepository 创建支付会话记录仓库
func NewSessionRecordRepository(db *gorm.DB) *GormSessionRecordRepository {
	return &GormSessionRecordRepository{db: db}
}

// WithTx 绑定事务
func (r *GormSessionRecordRepository) WithTx(tx *gorm.DB) *GormSessionRecordRepository {
	if tx == nil {
		return r
	}
	return &GormSessionRecordRepository{db: tx}
}

// Create 创建会话记录
func (r *GormSessionRecordRepository) Create(record *models.SessionRecord) error {
	return r.db.Create(record).Error
}

// Update 更新会话记录
func (r *GormSessionRecordRepository) Update(record *models.SessionRecord) error {
	return r.db.Save(record).Error
}

// GetBySessionID 根据会话 ID 获取记录
func (r *GormSessionRecordRepository) GetBySessionID(sessionID string) (*models.SessionRecord, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, nil
	}
	var record models.SessionRecord
	if err := r.db.Where("session_id = ?", sessionID).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// GetLatestByOrderNo 根据订单号获取最新记录
func (r *GormSessionRecordRepository) GetLatestByOrderNo(orderNo string) (*models.SessionRecord, error) {
	orderNo = strings.TrimSpace(orderNo)
	if orderNo == "" {
		return nil, nil
	}
	var record models.SessionRecord
	result := r.db.Where("order_no = ?", orderNo).Order("id desc").Limit(1).Find(&record)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &record, nil
}

// List 会话记录列表
func (r *GormSessionRecordRepository) List(filter SessionRecordListFilter) ([]models.SessionRecord, int64, error) {
	query := r.db.Model(&models.SessionRecord{})

	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Channel != "" {
		query = query.Where("channel = ?", filter.Channel)
	}
	if filter.UserID != "" {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if filter.PackageKey != "" {
		query = query.Where("package_key = ?", filter.PackageKey)
	}
	if filter.OrderNo != "" {
		query = query.Where("order_no = ?", filter.OrderNo)
	}
	if filter.CreatedFrom != nil {
		query = query.Where("created_at >= ?", *filter.CreatedFrom)
	}
	if filter.CreatedTo != nil {
		query = query.Where("created_at <= ?", *filter.CreatedTo)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	query = applyPagination(query, filter.Page, filter.PageSize)

	var records []models.SessionRecord
	if err := query.Order("id desc").Find(&records).Error; err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// DeleteTerminalBefore 清理指定时间之前的终态记录
func (r *GormSessionRecordRepository) DeleteTerminalBefore(cutoff time.Time) (int64, error) {
	terminal := []string{
		constants.SessionStatusFailed,
		constants.SessionStatusExpired,
	}
	result := r.db.Where("status IN ? AND updated_at < ?", terminal, cutoff).
		Delete(&models.SessionRecord{})
	return result.RowsAffected, result.Error
}
