package cache

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const defaultIdentityCacheTTL = 24 * time.Hour

// CachedIdentity 小程序 openId 缓存条目。
// 同一访客会话内多个页面共用，避免重复向宿主请求身份。
type CachedIdentity struct {
	OpenID   string `json:"open_id"`
	UnionID  string `json:"union_id,omitempty"`
	Source   string `json:"source"`
	CachedAt int64  `json:"cached_at"`
}

func miniProgramIdentityKey(visitorID string) string {
	return fmt.Sprintf("identity:mp:%s", visitorID)
}

// GetMiniProgramIdentity 获取访客缓存的小程序 openId
func GetMiniProgramIdentity(ctx context.Context, visitorID string) (*CachedIdentity, bool, error) {
	visitorID = strings.TrimSpace(visitorID)
	if visitorID == "" {
		return nil, false, nil
	}
	var identity CachedIdentity
	hit, err := GetJSON(ctx, miniProgramIdentityKey(visitorID), &identity)
	if err != nil || !hit {
		return nil, hit, err
	}
	if strings.TrimSpace(identity.OpenID) == "" {
		return nil, false, nil
	}
	return &identity, true, nil
}

// SetMiniProgramIdentity 写入访客的小程序 openId
func SetMiniProgramIdentity(ctx context.Context, visitorID string, identity *CachedIdentity, ttl time.Duration) error {
	visitorID = strings.TrimSpace(visitorID)
	if visitorID == "" || identity == nil || strings.TrimSpace(identity.OpenID) == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = defaultIdentityCacheTTL
	}
	if identity.CachedAt == 0 {
		identity.CachedAt = time.Now().Unix()
	}
	return SetJSON(ctx, miniProgramIdentityKey(visitorID), identity, ttl)
}

// DelMiniProgramIdentity 删除访客的小程序 openId 缓存
func DelMiniProgramIdentity(ctx context.Context, visitorID string) error {
	visitorID = strings.TrimSpace(visitorID)
	if visitorID == "" {
		return nil
	}
	return Del(ctx, miniProgramIdentityKey(visitorID))
}
