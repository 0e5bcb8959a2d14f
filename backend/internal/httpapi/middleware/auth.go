package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"collabsync/backend/internal/auth"
)

// 写进 gin.Context 的 key，handler 里用 c.GetUint64(ContextUserID) 取
const (
	ContextUserID   = "userId"
	ContextUsername = "username"
)

// Auth verifies the bearer token (Authorization header, or ?token= for
// clients that cannot set headers) and stores the caller in the context.
func Auth(signer *auth.Signer) gin.HandlerFunc {
	// 返回一个符合 gin.HandlerFunc 类型的函数
	return func(c *gin.Context) {
		// 1. 从 Authorization 头中提取令牌
		tokenString := extractBearer(c.GetHeader("Authorization"))
		if tokenString == "" {
			// 兼容无法自定义 Header 的客户端，允许从 query ?token= 中获取
			tokenString = strings.TrimSpace(c.Query("token"))
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "UNAUTHENTICATED",
				"error": "authorization header is missing or invalid",
			})
			return
		}

		// 2. 本地校验签名和过期时间，refresh token 在这里被拒绝
		claims, err := signer.ParseAccessToken(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "UNAUTHENTICATED",
				"error": err.Error(),
			})
			return
		}

		// 3. 把用户信息放进上下文，后续 handler 直接取
		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextUsername, claims.Username)
		c.Next()
	}
}

func extractBearer(header string) string {
	// 处理 "Bearer" 前缀（大小写不敏感）
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
