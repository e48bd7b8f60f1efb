package public

import (
	"errors"

	"github.com/youjin-ai/payflow/internal/http/response"
	"github.com/youjin-ai/payflow/internal/service"

	"github.com/gin-gonic/gin"
)

// mappedHandlerError 定义业务错误到接口错误响应的映射关系。
type mappedHandlerError struct {
	target error
	code   int
	msg    string
}

func respondWithMappedError(c *gin.Context, err error, rules []mappedHandlerError, fallbackCode int, fallbackMsg string) {
	for _, rule := range rules {
		if errors.Is(err, rule.target) {
			respondError(c, rule.code, rule.msg, nil)
			return
		}
	}
	respondError(c, fallbackCode, fallbackMsg, err)
}

var sessionCommonErrorRules = []mappedHandlerError{
	{target: service.ErrSessionNotFound, code: response.CodeNotFound, msg: "支付会话不存在或已结束"},
	{target: service.ErrEventInvalid, code: response.CodeBadRequest, msg: "事件类型不支持"},
}

var sessionCreateErrorRules = []mappedHandlerError{
	{target: service.ErrPackageInvalid, code: response.CodeBadRequest, msg: "套餐参数无效"},
}

var sessionRetryErrorRules = []mappedHandlerError{
	{target: service.ErrSessionNotFound, code: response.CodeNotFound, msg: "支付会话不存在或已结束"},
	{target: service.ErrSessionActive, code: response.CodeConflict, msg: "支付会话尚未结束，无法重试"},
	{target: service.ErrPackageInvalid, code: response.CodeBadRequest, msg: "套餐参数无效"},
}

var guestClaimErrorRules = []mappedHandlerError{
	{target: service.ErrClaimNotFound, code: response.CodeNotFound, msg: "没有可认领的游客订单"},
	{target: service.ErrEventInvalid, code: response.CodeBadRequest, msg: "订单号不能为空"},
}

func respondSessionCreateError(c *gin.Context, err error) {
	respondWithMappedError(c, err, sessionCreateErrorRules, response.CodeInternal, "创建支付会话失败")
}

func respondSessionEventError(c *gin.Context, err error) {
	respondWithMappedError(c, err, sessionCommonErrorRules, response.CodeInternal, "事件处理失败")
}

func respondSessionRetryError(c *gin.Context, err error) {
	respondWithMappedError(c, err, sessionRetryErrorRules, response.CodeInternal, "重试支付失败")
}

func respondGuestClaimError(c *gin.Context, err error) {
	respondWithMappedError(c, err, guestClaimErrorRules, response.CodeInternal, "认领游客订单失败")
}
