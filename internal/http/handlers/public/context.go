package public

import (
	handlershared "github.com/youjin-ai/payflow/internal/http/handlers/shared"

	"github.com/gin-gonic/gin"
)

func respondError(c *gin.Context, code int, msg string, err error) {
	handlershared.RespondError(c, code, msg, err)
}

// getUserID 读取必须存在的登录用户 ID
func getUserID(c *gin.Context) (string, bool) {
	return handlershared.GetContextString(c, "user_id", "请先登录")
}

// optionalUserID 读取可选的登录用户 ID，游客返回空串
func optionalUserID(c *gin.Context) string {
	return handlershared.OptionalContextString(c, "user_id")
}
