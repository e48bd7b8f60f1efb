package shared

import (
	"strings"

	"github.com/youjin-ai/payflow/internal/http/response"

	"github.com/gin-gonic/gin"
)

// GetContextString 从上下文读取字符串值并统一处理错误响应。
func GetContextString(c *gin.Context, key, missingMsg string) (string, bool) {
	value, exists := c.Get(key)
	if !exists {
		RespondError(c, response.CodeUnauthorized, missingMsg, nil)
		return "", false
	}
	text, ok := value.(string)
	if !ok || strings.TrimSpace(text) == "" {
		RespondError(c, response.CodeUnauthorized, missingMsg, nil)
		return "", false
	}
	return strings.TrimSpace(text), true
}

// OptionalContextString 从上下文读取可选字符串值，缺失时返回空串。
func OptionalContextString(c *gin.Context, key string) string {
	value, exists := c.Get(key)
	if !exists {
		return ""
	}
	if text, ok := value.(string); ok {
		return strings.TrimSpace(text)
	}
	return ""
}
