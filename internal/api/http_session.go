package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"tryon/internal/entity"
	"tryon/internal/quota"
	"tryon/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// CreateSession 用体验码换取会话令牌。码校验通过即发 JWT，配额检查留到
// 每次生成调用时进行，因此已耗尽的码仍可登录查看历史。
func (h *HTTPHandler) CreateSession(c *gin.Context) {
	var req entity.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		InvalidPayload(c)
		return
	}

	code := strings.TrimSpace(req.Code)
	if code == "" {
		MissingField(c, "code")
		return
	}

	record, err := h.gate.Validate(code)
	if err != nil {
		switch {
		case errors.Is(err, quota.ErrConfigMissing):
			logrus.WithError(err).Error("access code registry is not loaded")
			ErrorResponse(c, http.StatusServiceUnavailable, ErrCodeRegistryUnloaded, "体验码服务未就绪")
		case errors.Is(err, quota.ErrInvalidCode):
			ErrorResponse(c, http.StatusUnauthorized, ErrCodeInvalidCode, "体验码无效")
		default:
			logrus.WithError(err).Error("failed to validate access code")
			InternalError(c, "体验码校验失败")
		}
		return
	}

	codeHash := quota.CodeHash(code)
	token, expiresAt, err := h.authManager.GenerateToken(codeHash, record.Name, entity.RoleGuest)
	if err != nil {
		logrus.WithError(err).Error("failed to create session token")
		InternalError(c, "创建会话失败")
		return
	}

	h.sessionFor(codeHash, func() *service.SessionContext {
		return service.NewSessionContext(code, record.Name)
	})

	info, err := h.sessionInfo(c, code, record)
	if err != nil {
		logrus.WithError(err).Error("failed to read quota usage")
		InternalError(c, "读取配额失败")
		return
	}

	c.JSON(http.StatusCreated, entity.SessionResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		Session:   info,
	})
}

// SessionDetail 返回当前会话的配额信息
func (h *HTTPHandler) SessionDetail(c *gin.Context) {
	session := CurrentSession(c)
	if session == nil || session.Session == nil {
		Unauthorized(c, "需要体验码会话")
		return
	}

	record, err := h.gate.Validate(session.Session.Code)
	if err != nil {
		ErrorResponse(c, http.StatusUnauthorized, ErrCodeInvalidCode, "体验码已失效")
		return
	}

	info, err := h.sessionInfo(c, session.Session.Code, record)
	if err != nil {
		logrus.WithError(err).Error("failed to read quota usage")
		InternalError(c, "读取配额失败")
		return
	}

	c.JSON(http.StatusOK, info)
}

// sessionInfo 聚合体验码的静态配置与累计用量
func (h *HTTPHandler) sessionInfo(c *gin.Context, code string, record entity.AccessCodeRecord) (entity.SessionInfo, error) {
	usage, err := h.gate.Usage(c.Request.Context(), code)
	if err != nil {
		return entity.SessionInfo{}, err
	}
	remaining := record.MaxImages - usage.TotalGenerated
	if remaining < 0 {
		remaining = 0
	}
	return entity.SessionInfo{
		Name:        record.Name,
		Description: record.Description,
		MaxImages:   record.MaxImages,
		Used:        usage.TotalGenerated,
		Remaining:   remaining,
	}, nil
}

// SessionQuota 仅返回剩余张数，供前端轮询
func (h *HTTPHandler) SessionQuota(c *gin.Context) {
	session := CurrentSession(c)
	if session == nil || session.Session == nil {
		Unauthorized(c, "需要体验码会话")
		return
	}

	remaining, err := h.gate.Remaining(c.Request.Context(), session.Session.Code)
	if err != nil {
		logrus.WithError(err).Error("failed to read quota usage")
		InternalError(c, "读取配额失败")
		return
	}
	c.JSON(http.StatusOK, gin.H{"remaining": remaining})
}

// ListHistory 返回会话内全部生成历史
func (h *HTTPHandler) ListHistory(c *gin.Context) {
	session := CurrentSession(c)
	if session == nil || session.Session == nil {
		Unauthorized(c, "需要体验码会话")
		return
	}

	history := session.Session.History()
	c.JSON(http.StatusOK, gin.H{
		"history": history,
		"total":   len(history),
	})
}

// ClearHistory 清空会话内全部历史
func (h *HTTPHandler) ClearHistory(c *gin.Context) {
	session := CurrentSession(c)
	if session == nil || session.Session == nil {
		Unauthorized(c, "需要体验码会话")
		return
	}

	session.Session.ClearHistory()
	c.JSON(http.StatusOK, gin.H{"cleared": true})
}

// DeleteHistoryItem 删除指定下标的历史条目
func (h *HTTPHandler) DeleteHistoryItem(c *gin.Context) {
	session := CurrentSession(c)
	if session == nil || session.Session == nil {
		Unauthorized(c, "需要体验码会话")
		return
	}

	index, err := strconv.Atoi(strings.TrimSpace(c.Param("index")))
	if err != nil {
		BadRequest(c, ErrCodeInvalidRequest, "无效的历史下标")
		return
	}

	if err := session.Session.RemoveHistory(index); err != nil {
		NotFound(c, ErrCodeHistoryNotFound, "历史条目不存在")
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}
