package api

import (
	"strings"
	"sync"
	"time"

	"tryon/internal/auth"
	"tryon/internal/config"
	"tryon/internal/quota"
	"tryon/internal/service"
	"tryon/internal/storage"

	"github.com/gin-gonic/gin"
)

// HTTPHandler HTTP 请求处理器
type HTTPHandler struct {
	cfg               config.Config
	gate              *quota.Gate
	ledger            quota.LedgerStore
	storage           storage.Storage
	storagePublicBase string
	authManager       *auth.Manager

	// 服务层
	tryOnService *service.TryOnService

	// 会话状态按码哈希保存在进程内，重启后令牌虽然有效但历史随之重置
	sessionMu sync.Mutex
	sessions  map[string]*service.SessionContext

	// SSE 客户端管理
	sseClients map[string][]chan sseMessage
	sseMu      sync.Mutex
}

// NewHTTPHandler 创建 HTTP 处理器实例
func NewHTTPHandler(cfg config.Config, gate *quota.Gate, ledger quota.LedgerStore, tryOnService *service.TryOnService, store storage.Storage) (*HTTPHandler, error) {
	expiry := time.Duration(cfg.JWTExpirationMinutes) * time.Minute
	authManager, err := auth.NewManager(cfg.JWTSecret, cfg.JWTIssuer, expiry)
	if err != nil {
		return nil, err
	}

	handler := &HTTPHandler{
		cfg:               cfg,
		gate:              gate,
		ledger:            ledger,
		storage:           store,
		storagePublicBase: normalisePublicBase(cfg.StoragePublicBaseURL),
		authManager:       authManager,
		tryOnService:      tryOnService,
		sessions:          make(map[string]*service.SessionContext),
		sseClients:        make(map[string][]chan sseMessage),
	}

	return handler, nil
}

// normalisePublicBase 规范化公共 URL 基础路径
func normalisePublicBase(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		trimmed = "/files"
	}
	if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
		return strings.TrimRight(trimmed, "/")
	}
	if !strings.HasPrefix(trimmed, "/") {
		trimmed = "/" + trimmed
	}
	return strings.TrimRight(trimmed, "/")
}

// publicFileURL 把存储返回的相对路径拼成可访问的 URL
func (h *HTTPHandler) publicFileURL(relPath string) string {
	trimmed := strings.TrimLeft(strings.TrimSpace(relPath), "/")
	if trimmed == "" {
		return ""
	}
	return h.storagePublicBase + "/" + trimmed
}

// sessionFor 按码哈希取会话上下文，首次访问时创建
func (h *HTTPHandler) sessionFor(codeHash string, create func() *service.SessionContext) *service.SessionContext {
	h.sessionMu.Lock()
	defer h.sessionMu.Unlock()

	if existing, ok := h.sessions[codeHash]; ok {
		return existing
	}
	if create == nil {
		return nil
	}
	session := create()
	h.sessions[codeHash] = session
	return session
}

// notifyBatchProgress 把批次进度推给 SSE 订阅者
func (h *HTTPHandler) notifyBatchProgress(clientID string, percent int, status string) {
	if strings.TrimSpace(clientID) == "" {
		return
	}
	h.publishSSEMessage(clientID, sseMessage{
		event: "batch_progress",
		data:  gin.H{"percent": percent, "status": status},
	})
}

// notifyBatchComplete 批次结束事件，携带汇总计数
func (h *HTTPHandler) notifyBatchComplete(clientID string, payload gin.H) {
	if strings.TrimSpace(clientID) == "" {
		return
	}
	h.publishSSEMessage(clientID, sseMessage{
		event: "batch_completed",
		data:  payload,
	})
}
