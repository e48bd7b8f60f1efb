package models

import (
	"time"
)

// GuestClaim 游客支付认领记录。
// 支付成功但当时无登录态的订单先落在这里，用户完成认证后再认领。
type GuestClaim struct {
	ID         uint       `gorm:"primarykey" json:"id"`                      // 主键
	OrderNo    string     `gorm:"uniqueIndex;size:64;not null" json:"order_no"` // 订单号
	PackageKey string     `gorm:"index;not null" json:"package_key"`         // 套餐标识
	Identity   string     `gorm:"size:64" json:"identity"`                   // 支付时解析到的 openId
	Status     string     `gorm:"index;not null" json:"status"`              // pending/claimed/purged
	ClaimedBy  string     `gorm:"index;size:64" json:"claimed_by"`           // 认领用户ID
	ClaimedAt  *time.Time `json:"claimed_at"`                                // 认领时间
	CreatedAt  time.Time  `gorm:"index" json:"created_at"`                   // 创建时间
	UpdatedAt  time.Time  `json:"updated_at"`                                // 更新时间
}

// TableName 指定表名
func (GuestClaim) TableName() string {
	return "guest_claims"
}
