package api

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tryon/internal/entity"
	"tryon/internal/utils"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// TryOn 执行一个试穿批次。请求体内的图片为 data URL 或裸 base64，
// 进度通过 client_id 对应的 SSE 通道推送，最终结果同步返回。
func (h *HTTPHandler) TryOn(c *gin.Context) {
	session := CurrentSession(c)
	if session == nil || session.Session == nil {
		Unauthorized(c, "需要体验码会话")
		return
	}

	var req entity.TryOnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		InvalidPayload(c)
		return
	}

	mode := entity.BatchMode(strings.TrimSpace(req.Mode))
	if mode == "" {
		mode = entity.BatchModeSingle
	}

	portraits, err := decodeUploads("portrait", req.Portraits)
	if err != nil {
		BadRequest(c, ErrCodeInvalidImage, err.Error())
		return
	}
	garments, err := decodeUploads("garment", req.Garments)
	if err != nil {
		BadRequest(c, ErrCodeInvalidImage, err.Error())
		return
	}
	if len(portraits) == 0 {
		MissingField(c, "portraits")
		return
	}
	if len(garments) == 0 {
		MissingField(c, "garments")
		return
	}

	// 批次开始前先看一眼余额，已耗尽的码直接拒绝
	remaining, err := h.gate.Remaining(c.Request.Context(), session.Session.Code)
	if err != nil {
		logrus.WithError(err).Error("failed to read quota ledger")
		InternalError(c, "读取配额失败")
		return
	}
	if remaining <= 0 {
		QuotaExhausted(c, "体验码配额已用完")
		return
	}

	clientID := strings.TrimSpace(req.ClientID)
	progress := func(percent int, status string) {
		h.notifyBatchProgress(clientID, percent, status)
	}

	result, err := h.tryOnService.RunBatch(c.Request.Context(), session.Session, entity.BatchRequest{
		Mode:        mode,
		Portraits:   portraits,
		Garments:    garments,
		Instruction: req.Instruction,
	}, progress)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"code_hash": session.CodeHash,
			"mode":      mode,
		}).Error("try-on batch failed")
		if result == nil {
			BadRequest(c, ErrCodeInvalidRequest, err.Error())
			return
		}
		// 批次中途致命失败，已有的部分结果一并带回
		ErrorResponseWithDetails(c, http.StatusInternalServerError, ErrCodeGenerationFailed, "批次执行中断", result)
		return
	}

	for i := range result.Items {
		if result.Items[i].StoredPath != "" {
			result.Items[i].StoredPath = h.publicFileURL(result.Items[i].StoredPath)
		}
	}

	h.notifyBatchComplete(clientID, gin.H{
		"batch_id":  result.BatchID,
		"succeeded": result.Succeeded,
		"failed":    result.Failed,
		"skipped":   result.Skipped,
		"remaining": result.Remaining,
	})

	c.JSON(http.StatusOK, result)
}

// decodeUploads 解码一组内联图片
func decodeUploads(kind string, payloads []string) ([]entity.Upload, error) {
	uploads := make([]entity.Upload, 0, len(payloads))
	for idx, payload := range payloads {
		if strings.TrimSpace(payload) == "" {
			continue
		}
		data, ext, err := utils.DecodeUploadedImage(payload)
		if err != nil {
			return nil, fmt.Errorf("%s %d: %w", kind, idx+1, err)
		}
		uploads = append(uploads, entity.Upload{
			Name: fmt.Sprintf("%s_%d.%s", kind, idx+1, ext),
			Data: data,
		})
	}
	return uploads, nil
}

// StreamBatchEvents SSE 事件流，按 client_id 订阅批次进度
func (h *HTTPHandler) StreamBatchEvents(c *gin.Context) {
	session := CurrentSession(c)
	if session == nil {
		Unauthorized(c, "需要体验码会话")
		return
	}

	clientID := strings.TrimSpace(c.Query("client_id"))
	if clientID == "" {
		MissingField(c, "client_id")
		return
	}

	ctx := c.Request.Context()
	events := make(chan sseMessage, 8)
	h.registerSSEClient(clientID, events)
	defer h.unregisterSSEClient(clientID, events)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	if flusher, ok := c.Writer.(http.Flusher); ok {
		flusher.Flush()
	}

	heartbeatTicker := time.NewTicker(10 * time.Second)
	defer heartbeatTicker.Stop()

	logrus.WithFields(logrus.Fields{
		"code_hash": session.CodeHash,
		"client_id": clientID,
	}).Info("batch sse connected")

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			logrus.WithFields(logrus.Fields{
				"code_hash": session.CodeHash,
				"client_id": clientID,
			}).Info("batch sse disconnected")
			return false
		case <-heartbeatTicker.C:
			c.SSEvent("ping", gin.H{"ts": time.Now().UnixMilli()})
			return true
		case msg, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(msg.event, msg.data)
			return true
		}
	})
}
