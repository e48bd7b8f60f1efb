package service

import "github.com/golang-jwt/jwt/v5"

// UserClaims 收银台用户 JWT 载荷。
// 令牌由主站签发，本服务只校验签名并取出用户 ID。
type UserClaims struct {
	UserID string `json:"uid"`
	jwt.RegisteredClaims
}
