package models

import (
	"time"
)

// SessionRecord 支付会话落库记录，用于监控与追溯。
// 会话状态机本体在内存中运行，这里只保留投影。
type SessionRecord struct {
	ID           uint       `gorm:"primarykey" json:"id"`                        // 主键
	SessionID    string     `gorm:"uniqueIndex;size:64;not null" json:"session_id"` // 会话ID
	OrderNo      string     `gorm:"index;size:64" json:"order_no"`               // 订单号（下单成功后回填）
	PackageKey   string     `gorm:"index;not null" json:"package_key"`           // 套餐标识
	PackageName  string     `gorm:"not null" json:"package_name"`                // 套餐名称
	Amount       Money      `gorm:"type:decimal(20,2);not null" json:"amount"`   // 支付金额
	Channel      string     `gorm:"index" json:"channel"`                        // 支付渠道
	Status       string     `gorm:"index;not null" json:"status"`                // 会话状态
	UserID       string     `gorm:"index;size:64" json:"user_id"`                // 用户ID（空为游客）
	Identity     string     `gorm:"size:64" json:"identity"`                     // 解析到的 openId
	ErrorMessage string     `gorm:"type:text" json:"error_message"`              // 失败原因
	CreatedAt    time.Time  `gorm:"index" json:"created_at"`                     // 创建时间
	UpdatedAt    time.Time  `gorm:"index" json:"updated_at"`                     // 更新时间
	PaidAt       *time.Time `gorm:"index" json:"paid_at"`                        // 支付时间
	ExpiredAt    *time.Time `json:"expired_at"`                                  // 过期时间
}

// TableName 指定表名
func (SessionRecord) TableName() string {
	return "payment_session_records"
}
