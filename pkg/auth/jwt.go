// Package auth 校验 HTTP 隧道握手携带的 Bearer 令牌
package auth

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"github.com/qiminjie89/ripc/pkg/config"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
	ErrMissingToken = errors.New("missing token")
)

const devTokenPrefix = "dev_"

// Claims JWT claims
type Claims struct {
	ConsumerID string `json:"consumer_id"`
	jwt.RegisteredClaims
}

// JWTValidator JWT 验证器
type JWTValidator struct {
	secretKey []byte
	allowDev  bool
}

// NewJWTValidator 创建 JWT 验证器
func NewJWTValidator(secretKey string) *JWTValidator {
	return &JWTValidator{
		secretKey: []byte(secretKey),
	}
}

// FromConfig 由配置创建验证器，未开启认证时返回 nil
func FromConfig(cfg config.AuthConfig) *JWTValidator {
	if !cfg.Enabled {
		return nil
	}
	v := NewJWTValidator(cfg.JWTSecret)
	v.allowDev = cfg.AllowDev
	return v
}

// Validate 验证 JWT token
func (v *JWTValidator) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// 验证签名算法
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return v.secretKey, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.ConsumerID == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// GenerateToken 为 consumer 生成 token（工具与测试使用）
func (v *JWTValidator) GenerateToken(consumerID string, expiry time.Duration) (string, error) {
	claims := &Claims{
		ConsumerID: consumerID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secretKey)
}

// ValidateOrMock 开发环境下 "dev_" 前缀的令牌直接放行，consumer 取前缀之后的部分
func (v *JWTValidator) ValidateOrMock(tokenString string) (*Claims, error) {
	if v.allowDev && strings.HasPrefix(tokenString, devTokenPrefix) {
		return &Claims{ConsumerID: strings.TrimPrefix(tokenString, devTokenPrefix)}, nil
	}
	return v.Validate(tokenString)
}

// Authenticate 供监听端在隧道握手时调用
func (v *JWTValidator) Authenticate(token string) error {
	if token == "" {
		return ErrMissingToken
	}
	_, err := v.ValidateOrMock(token)
	return err
}
