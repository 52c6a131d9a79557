package api

import (
	"net/http"
	"strings"

	"tryon/internal/entity"
	"tryon/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const (
	currentSessionContextKey = "current-session"
)

// RequestSession 存储请求上下文中的认证会话信息
type RequestSession struct {
	CodeHash string
	Name     string
	Role     string
	Session  *service.SessionContext
}

// IsAdmin 判断会话是否具有管理员权限
func (s *RequestSession) IsAdmin() bool {
	if s == nil {
		return false
	}
	return s.Role == entity.RoleAdmin
}

// bearerToken 从 Authorization 头提取 Bearer Token。EventSource 无法携带
// 自定义头，SSE 连接退而读 token 查询参数。
func bearerToken(c *gin.Context) (string, bool) {
	authHeader := strings.TrimSpace(c.GetHeader("Authorization"))
	if authHeader == "" {
		if token := strings.TrimSpace(c.Query("token")); token != "" {
			return token, true
		}
		return "", false
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

// AuthMiddleware JWT 认证中间件。体验码会话要求服务端仍持有对应的会话
// 上下文；进程重启后旧令牌一律按过期处理。
func (h *HTTPHandler) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, APIError{
				Code:    ErrCodeUnauthorized,
				Message: "缺少或无效的授权头",
			})
			return
		}

		claims, err := h.authManager.ParseToken(tokenString)
		if err != nil {
			logrus.WithError(err).Warn("failed to parse jwt token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, APIError{
				Code:    ErrCodeSessionExpired,
				Message: "Token 无效或已过期",
			})
			return
		}

		requestSession := &RequestSession{
			CodeHash: claims.CodeHash,
			Name:     claims.Name,
			Role:     claims.Role,
		}

		if claims.Role != entity.RoleAdmin {
			session := h.sessionFor(claims.CodeHash, nil)
			if session == nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, APIError{
					Code:    ErrCodeSessionExpired,
					Message: "会话已失效，请重新输入体验码",
				})
				return
			}
			requestSession.Session = session
		}

		c.Set(currentSessionContextKey, requestSession)
		c.Next()
	}
}

// RequireAdmin 管理员权限守卫中间件
func (h *HTTPHandler) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := CurrentSession(c)
		if session == nil || !session.IsAdmin() {
			c.AbortWithStatusJSON(http.StatusForbidden, APIError{
				Code:    ErrCodeForbidden,
				Message: "需要管理员权限",
			})
			return
		}
		c.Next()
	}
}

// CurrentSession 从上下文获取当前认证会话
func CurrentSession(c *gin.Context) *RequestSession {
	value, exists := c.Get(currentSessionContextKey)
	if !exists {
		return nil
	}
	session, ok := value.(*RequestSession)
	if !ok {
		return nil
	}
	return session
}
