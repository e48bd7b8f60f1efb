package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// JSON 类型定义，用于存储事件附加数据
type JSON map[string]interface{}

// Value 实现 driver.Valuer 接口
func (j JSON) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan 实现 sql.Scanner 接口
func (j *JSON) Scan(value interface{}) error {
	if value == nil {
		*j = make(JSON)
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, j)
}

// ConversionEvent 转化事件，支付成功后异步落库。
type ConversionEvent struct {
	ID         uint      `gorm:"primarykey" json:"id"`                      // 主键
	EventType  string    `gorm:"index;not null" json:"event_type"`          // 事件类型
	OrderNo    string    `gorm:"index;size:64" json:"order_no"`             // 订单号
	PackageKey string    `gorm:"index" json:"package_key"`                  // 套餐标识
	Amount     Money     `gorm:"type:decimal(20,2);not null" json:"amount"` // 金额
	UserID     string    `gorm:"index;size:64" json:"user_id"`              // 用户ID（空为游客）
	Channel    string    `json:"channel"`                                   // 支付渠道
	Metadata   JSON      `gorm:"type:json" json:"metadata"`                 // 附加数据
	CreatedAt  time.Time `gorm:"index" json:"created_at"`                   // 创建时间
}

// TableName 指定表名
func (ConversionEvent) TableName() string {
	return "conversion_events"
}
