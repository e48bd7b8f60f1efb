package repository

import "time"

// SessionRecordListFilter 查询支付会话记录列表的过滤条件
type SessionRecordListFilter struct {
	Page        int
	PageSize    int
	Status      string
	Channel     string
	UserID      string
	PackageKey  string
	OrderNo     string
	CreatedFrom *time.Time
	CreatedTo   *time.Time
}
