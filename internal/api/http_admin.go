package api

import (
	"net/http"
	"strings"

	"tryon/internal/auth"
	"tryon/internal/entity"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AdminLogin 管理端登录。ADMIN_PASSWORD 支持 bcrypt 哈希或明文，
// 留空时管理端路由不会注册，此处兜底再拒一次。
func (h *HTTPHandler) AdminLogin(c *gin.Context) {
	configured := strings.TrimSpace(h.cfg.AdminPassword)
	if configured == "" {
		ServiceUnavailable(c, "管理端未启用")
		return
	}

	var req entity.AdminLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		InvalidPayload(c)
		return
	}

	password := strings.TrimSpace(req.Password)
	if password == "" {
		MissingField(c, "password")
		return
	}

	if !auth.MatchAdminPassword(configured, password) {
		logrus.WithField("client_ip", c.ClientIP()).Warn("admin login attempt failed")
		ErrorResponse(c, http.StatusUnauthorized, ErrCodeInvalidCredentials, "密码错误")
		return
	}

	token, expiresAt, err := h.authManager.GenerateToken("", "admin", entity.RoleAdmin)
	if err != nil {
		logrus.WithError(err).Error("failed to create admin token")
		InternalError(c, "创建会话失败")
		return
	}

	c.JSON(http.StatusOK, entity.AdminLoginResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// AdminCodesOverview 全部体验码的配置与用量聚合视图
func (h *HTTPHandler) AdminCodesOverview(c *gin.Context) {
	overview, err := h.gate.Overview(c.Request.Context())
	if err != nil {
		logrus.WithError(err).Error("failed to aggregate code usage")
		InternalError(c, "读取配额台账失败")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"codes": overview,
		"total": len(overview),
	})
}

// AdminUsageDump 原始台账导出，键为码哈希
func (h *HTTPHandler) AdminUsageDump(c *gin.Context) {
	records, err := h.ledger.List(c.Request.Context())
	if err != nil {
		logrus.WithError(err).Error("failed to list usage records")
		InternalError(c, "读取配额台账失败")
		return
	}
	c.JSON(http.StatusOK, gin.H{"usage_stats": records})
}
