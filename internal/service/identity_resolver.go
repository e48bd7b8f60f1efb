package service

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/youjin-ai/payflow/internal/cache"
	"github.com/youjin-ai/payflow/internal/constants"
	"github.com/youjin-ai/payflow/internal/logger"
)

// HostMessage 小程序宿主回传的带类型消息
type HostMessage struct {
	Type    string `json:"type"`
	OpenID  string `json:"openId,omitempty"`
	UnionID string `json:"unionId,omitempty"`
}

// Resolution 身份解析结果。
// RedirectURL 非空表示需要整页跳转（静默授权），对当前页面生命周期是终点；
// CleanedURL 非空表示需要替换地址栏，防止刷新重复触发授权码兑换。
type Resolution struct {
	Identity    string
	Absent      bool
	Source      string
	RedirectURL string
	CleanedURL  string
}

// IdentityResolver 按固定优先级解析 openId，每个策略一个会话内至多执行一次。
// 仅在 jsapi / miniprogram 渠道需要时调用。
type IdentityResolver struct {
	env      Environment
	explicit string
	userID   string
	client   OrderClient

	cacheTTL time.Duration
	hostWait time.Duration

	attempted           map[string]bool
	silentAuthTriggered bool

	requestHost func()           // 向宿主发身份请求（由会话注入，投递指令）
	hostCh      chan HostMessage // 宿主消息入口
}

// NewIdentityResolver 创建身份解析器
func NewIdentityResolver(env Environment, explicit, userID string, client OrderClient, cacheTTL, hostWait time.Duration) *IdentityResolver {
	return &IdentityResolver{
		env:       env,
		explicit:  strings.TrimSpace(explicit),
		userID:    strings.TrimSpace(userID),
		client:    client,
		cacheTTL:  cacheTTL,
		hostWait:  hostWait,
		attempted: make(map[string]bool),
		hostCh:    make(chan HostMessage, 4),
	}
}

// SetHostRequester 注入宿主消息请求回调
func (r *IdentityResolver) SetHostRequester(fn func()) {
	r.requestHost = fn
}

// DeliverHostMessage 接收宿主消息，非阻塞投递
func (r *IdentityResolver) DeliverHostMessage(msg HostMessage) {
	select {
	case r.hostCh <- msg:
	default:
	}
}

// Reset 清空各策略的已尝试标记，供重试或命名空间错配恢复使用。
// 静默授权触发标记不清空：同一页面生命周期内只允许跳转一次。
func (r *IdentityResolver) Reset() {
	r.attempted = make(map[string]bool)
}

// Discard 清空已尝试标记的同时屏蔽指定来源。
// 命名空间错配重试时跳过产出错误身份的那个策略，避免原样重试。
func (r *IdentityResolver) Discard(source string) {
	r.Reset()
	if source != "" {
		r.attempted[source] = true
	}
}

// SilentAuthTriggered 静默授权是否已触发
func (r *IdentityResolver) SilentAuthTriggered() bool {
	return r.silentAuthTriggered
}

func (r *IdentityResolver) tryOnce(source string) bool {
	if r.attempted[source] {
		return false
	}
	r.attempted[source] = true
	return true
}

// Resolve 依次执行解析策略，首个命中即返回。
// 返回 Absent=true 表示已确定无身份（而非待定），调用方据此降级或终止。
func (r *IdentityResolver) Resolve(ctx context.Context) (*Resolution, error) {
	// 1. 显式传入
	if r.tryOnce(constants.IdentitySourceExplicit) && r.explicit != "" {
		return &Resolution{Identity: r.explicit, Source: constants.IdentitySourceExplicit}, nil
	}

	// 2. 页面 URL 参数，浏览器与小程序参数分属不同凭证命名空间
	if r.tryOnce(constants.IdentitySourceURLParam) {
		if identity := r.fromURLParams(); identity != "" {
			return &Resolution{Identity: identity, Source: constants.IdentitySourceURLParam}, nil
		}
	}

	// 3. 会话缓存（仅小程序）
	if r.env.MiniProgram && r.tryOnce(constants.IdentitySourceCache) {
		cached, hit, err := cache.GetMiniProgramIdentity(ctx, r.env.VisitorID)
		if err != nil {
			logger.Warnw("identity_cache_read_failed", "visitor_id", r.env.VisitorID, "error", err)
		} else if hit {
			return &Resolution{Identity: cached.OpenID, Source: constants.IdentitySourceCache}, nil
		}
	}

	// 4. 用户映射查询（仅浏览器，小程序 openId 不走该映射）
	if !r.env.MiniProgram && r.userID != "" && r.tryOnce(constants.IdentitySourceMapping) {
		identity, err := r.client.LookupStoredIdentity(ctx, r.userID)
		if err != nil {
			logger.Warnw("identity_mapping_lookup_failed", "user_id", r.userID, "error", err)
		} else if identity != "" {
			return &Resolution{Identity: identity, Source: constants.IdentitySourceMapping}, nil
		}
	}

	// 5. OAuth 授权码兑换（本页即回调页时）
	if r.tryOnce(constants.IdentitySourceAuthCode) {
		if resolution := r.fromAuthCallback(ctx); resolution != nil {
			return resolution, nil
		}
	}

	// 6. 静默授权跳转（仅微信浏览器，一次为限）
	if r.env.WechatBrowser && !r.silentAuthTriggered && r.tryOnce(constants.IdentitySourceSilentAuth) {
		authURL, err := r.client.SilentAuthURL(ctx, r.markedCallbackURL())
		if err != nil {
			logger.Warnw("identity_silent_auth_url_failed", "error", err)
		} else {
			r.silentAuthTriggered = true
			logger.Infow("identity_silent_auth_redirect", "visitor_id", r.env.VisitorID)
			return &Resolution{RedirectURL: authURL, Source: constants.IdentitySourceSilentAuth}, nil
		}
	}

	// 7. 宿主消息请求（仅小程序）
	if r.env.MiniProgram && r.tryOnce(constants.IdentitySourceHostMessage) {
		if resolution := r.fromHostMessage(ctx); resolution != nil {
			return resolution, nil
		}
	}

	return &Resolution{Absent: true}, nil
}

func (r *IdentityResolver) fromURLParams() string {
	if r.env.MiniProgram {
		return r.env.QueryParam(constants.QueryParamMpOpenID)
	}
	if identity := r.env.QueryParam(constants.QueryParamPaymentOpenID); identity != "" {
		return identity
	}
	return r.env.QueryParam(constants.QueryParamOpenID)
}

func (r *IdentityResolver) fromAuthCallback(ctx context.Context) *Resolution {
	if r.env.QueryParam(constants.QueryParamAuthCallbackMarker) != "1" {
		return nil
	}
	code := r.env.QueryParam(constants.QueryParamAuthCode)
	if code == "" {
		return nil
	}
	cleaned := stripAuthParams(r.env.PageURL)
	identity, err := r.client.ExchangeAuthCode(ctx, code)
	if err != nil {
		logger.Warnw("identity_auth_code_exchange_failed", "error", err)
		// 兑换失败视为确定无身份，避免静默授权回环
		r.silentAuthTriggered = true
		return &Resolution{Absent: true, CleanedURL: cleaned, Source: constants.IdentitySourceAuthCode}
	}
	return &Resolution{Identity: identity, CleanedURL: cleaned, Source: constants.IdentitySourceAuthCode}
}

func (r *IdentityResolver) fromHostMessage(ctx context.Context) *Resolution {
	if r.requestHost != nil {
		r.requestHost()
	}
	wait := r.hostWait
	if wait <= 0 {
		wait = 3 * time.Second
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return &Resolution{Absent: true, Source: constants.IdentitySourceHostMessage}
		case <-timer.C:
			logger.Warnw("identity_host_message_timeout", "visitor_id", r.env.VisitorID)
			return &Resolution{Absent: true, Source: constants.IdentitySourceHostMessage}
		case msg := <-r.hostCh:
			if msg.Type != constants.HostMessageTypeOpenID || strings.TrimSpace(msg.OpenID) == "" {
				continue
			}
			identity := strings.TrimSpace(msg.OpenID)
			if err := cache.SetMiniProgramIdentity(ctx, r.env.VisitorID, &cache.CachedIdentity{
				OpenID:  identity,
				UnionID: strings.TrimSpace(msg.UnionID),
				Source:  constants.IdentitySourceHostMessage,
			}, r.cacheTTL); err != nil {
				logger.Warnw("identity_cache_write_failed", "visitor_id", r.env.VisitorID, "error", err)
			}
			return &Resolution{Identity: identity, Source: constants.IdentitySourceHostMessage}
		}
	}
}

// markedCallbackURL 给当前页面 URL 打上授权回调标记，静默授权完成后带 code 回到本页
func (r *IdentityResolver) markedCallbackURL() string {
	parsed, err := url.Parse(r.env.PageURL)
	if err != nil || r.env.PageURL == "" {
		return r.env.PageURL
	}
	query := parsed.Query()
	query.Set(constants.QueryParamAuthCallbackMarker, "1")
	query.Set(constants.QueryParamPaymentRedirect, parsed.Path)
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

// stripAuthParams 剥离授权回调参数，刷新页面不会重复兑换授权码
func stripAuthParams(pageURL string) string {
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return pageURL
	}
	query := parsed.Query()
	query.Del(constants.QueryParamAuthCallbackMarker)
	query.Del(constants.QueryParamAuthCode)
	query.Del(constants.QueryParamAuthState)
	query.Del(constants.QueryParamPaymentRedirect)
	parsed.RawQuery = query.Encode()
	return parsed.String()
}
