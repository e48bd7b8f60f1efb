package service

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/youjin-ai/payflow/internal/constants"
)

// Environment 一次支付会话的页面环境信号。
// 每个新会话重新采集，禁止跨会话缓存：页面刷新后 UA、宿主环境都可能变化。
type Environment struct {
	UserAgent     string `json:"user_agent"`
	PageURL       string `json:"page_url"`
	VisitorID     string `json:"visitor_id"`
	MiniProgram   bool   `json:"mini_program"`   // 小程序 WebView 宿主
	WechatBrowser bool   `json:"wechat_browser"` // 微信内置浏览器（非小程序）
	Mobile        bool   `json:"mobile"`
	AlipayEnabled bool   `json:"alipay_enabled"` // 商户是否对移动端开放支付宝
}

var mobileUAPattern = regexp.MustCompile(`(?i)android|iphone|ipad|ipod`)

// DetectEnvironment 从 UA 与宿主标记推断环境。
// wxEnv 对应页面上报的 __wxjs_environment 值。
func DetectEnvironment(userAgent, wxEnv, pageURL, visitorID string, alipayEnabled bool) Environment {
	ua := strings.ToLower(strings.TrimSpace(userAgent))
	isWechat := strings.Contains(ua, "micromessenger")
	isMini := strings.EqualFold(strings.TrimSpace(wxEnv), "miniprogram") ||
		(isWechat && strings.Contains(ua, "miniprogram"))
	return Environment{
		UserAgent:     userAgent,
		PageURL:       strings.TrimSpace(pageURL),
		VisitorID:     strings.TrimSpace(visitorID),
		MiniProgram:   isMini,
		WechatBrowser: isWechat && !isMini,
		Mobile:        mobileUAPattern.MatchString(ua),
		AlipayEnabled: alipayEnabled,
	}
}

// QueryParam 读取页面 URL 的查询参数，解析失败按缺省处理
func (e Environment) QueryParam(name string) string {
	if strings.TrimSpace(e.PageURL) == "" {
		return ""
	}
	parsed, err := url.Parse(e.PageURL)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(parsed.Query().Get(name))
}

// SelectChannel 渠道决策表，按顺序首个命中生效。
// 纯函数，无副作用；identityAvailable 表示当前已解析到 openId。
func SelectChannel(env Environment, identityAvailable bool) string {
	switch {
	case env.MiniProgram:
		return constants.ChannelMiniProgram
	case env.WechatBrowser && identityAvailable:
		return constants.ChannelJSAPI
	case env.Mobile && !env.WechatBrowser && env.AlipayEnabled:
		return constants.ChannelAlipayH5
	case env.Mobile && !env.WechatBrowser:
		return constants.ChannelH5
	case env.WechatBrowser:
		// 微信浏览器但身份未解析，先走身份解析再落到 jsapi
		return constants.ChannelJSAPI
	default:
		return constants.ChannelNative
	}
}

// ChannelNeedsIdentity 判断渠道是否必须携带 openId 下单
func ChannelNeedsIdentity(channel string) bool {
	return channel == constants.ChannelJSAPI || channel == constants.ChannelMiniProgram
}
