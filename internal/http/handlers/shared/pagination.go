package shared

const (
	defaultPageSize = 20
	maxPageSize     = 50
)

// NormalizePagination 归一化会话记录列表的分页参数。
func NormalizePagination(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return page, pageSize
}
