package repository

import (
	"github.com/youjin-ai/payflow/internal/models"

	"gorm.io/gorm"
)

// ConversionEventRepository 转化事件数据访问接口
type ConversionEventRepository interface {
	Create(event *models.ConversionEvent) error
	ListRecent(limit int) ([]models.ConversionEvent, error)
	WithTx(tx *gorm.DB) *GormConversionEventRepository
}

// GormConversionEventRepository GORM 实现
type GormConversionEventRepository struct {
	db *gorm.DB
}

// NewConversionEventRepository 创建转化事件仓库
func NewConversionEventRepository(db *gorm.DB) *GormConversionEventRepository {
	return &GormConversionEventRepository{db: db}
}

// WithTx 绑定事务
func (r *GormConversionEventRepository) WithTx(tx *gorm.DB) *GormConversionEventRepository {
	if tx == nil {
		return r
	}
	return &GormConversionEventRepository{db: tx}
}

// Create 写入转化事件
func (r *GormConversionEventRepository) Create(event *models.ConversionEvent) error {
	return r.db.Create(event).Error
}

// ListRecent 最近的转化事件
func (r *GormConversionEventRepository) ListRecent(limit int) ([]models.ConversionEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var events []models.ConversionEvent
	if err := r.db.Order("id desc").Limit(limit).Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}
