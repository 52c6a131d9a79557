package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"tryon/internal/entity"
	"tryon/internal/utils"

	"github.com/sirupsen/logrus"
)

var (
	// ErrGenerationFailed 重试预算耗尽或响应结构无效。
	ErrGenerationFailed = errors.New("generation failed")
	// ErrPayloadCorrupt 落盘校验失败且 base64 修复也失败；结果仍会返回，
	// 由调用方决定是否采信。
	ErrPayloadCorrupt = errors.New("result payload failed image validation")
)

// Composer 一次多图输入、单图输出的合成调用。
type Composer interface {
	Compose(ctx context.Context, req entity.ComposeRequest) (*entity.ComposeResult, error)
}

// RetryPolicy 有界重试：最多 MaxAttempts 次尝试，相邻尝试间固定等待 Backoff。
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// DefaultRetryPolicy 3 次尝试，间隔固定 2 秒。
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, Backoff: 2 * time.Second}

// driverResult 协议驱动返回的原始产物。Payload 可能是原始二进制也可能是
// base64 文本，上游接口没有可靠的编码标记，由 Client 统一做启发式解码。
type driverResult struct {
	Payload  []byte
	MimeType string
	Text     string
}

// protocolDriver 承载一次与上游模型的请求往返。
type protocolDriver interface {
	Name() string
	generate(ctx context.Context, req entity.ComposeRequest) (*driverResult, error)
}

// Client 在协议驱动之上叠加重试、载荷解码、扩展名推断与落盘校验。
type Client struct {
	driver protocolDriver
	policy RetryPolicy

	// wait 可注入以便测试观察退避次数
	wait func(ctx context.Context, d time.Duration) error
}

// NewClient 创建合成客户端。
func NewClient(driver protocolDriver, policy RetryPolicy) *Client {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if policy.Backoff <= 0 {
		policy.Backoff = DefaultRetryPolicy.Backoff
	}
	return &Client{
		driver: driver,
		policy: policy,
		wait:   sleepContext,
	}
}

// Compose 执行一次合成调用：校验前置条件、带退避地重试驱动、解码载荷、
// 推断扩展名、写出文件并校验。每次成功调用恰好写出一个文件。
func (c *Client) Compose(ctx context.Context, req entity.ComposeRequest) (*entity.ComposeResult, error) {
	// 至少一张人像加一张服装，单图请求在任何网络调用前拒绝
	if len(req.Images) < 2 {
		return nil, fmt.Errorf("%w: at least 2 input images required, got %d", ErrGenerationFailed, len(req.Images))
	}
	if strings.TrimSpace(req.Instruction) == "" {
		return nil, fmt.Errorf("%w: instruction is empty", ErrGenerationFailed)
	}
	if strings.TrimSpace(req.OutputPath) == "" {
		return nil, fmt.Errorf("%w: output path is empty", ErrGenerationFailed)
	}

	logger := driverLogger(ctx, c.driver.Name())
	var lastErr error

	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		logger.WithFields(logrus.Fields{
			"attempt":     attempt,
			"max":         c.policy.MaxAttempts,
			"image_count": len(req.Images),
		}).Info("compose attempt")

		raw, err := c.driver.generate(ctx, req)
		if err == nil && (raw == nil || len(raw.Payload) == 0) {
			err = errors.New("response contained no image data")
		}
		if err == nil {
			return c.finalize(req, raw, logger)
		}

		lastErr = err
		logger.WithError(err).WithField("attempt", attempt).Warn("compose attempt failed")

		if attempt < c.policy.MaxAttempts {
			if waitErr := c.wait(ctx, c.policy.Backoff); waitErr != nil {
				return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, waitErr)
			}
		}
	}

	return nil, fmt.Errorf("%w after %d attempts: %v", ErrGenerationFailed, c.policy.MaxAttempts, lastErr)
}

// finalize 解码载荷、定扩展名、写文件、做落盘校验与尽力修复。
func (c *Client) finalize(req entity.ComposeRequest, raw *driverResult, logger *logrus.Entry) (*entity.ComposeResult, error) {
	data := decodeInlinePayload(raw.Payload)

	ext := utils.ExtensionFromMime(raw.MimeType)
	if ext == "" {
		ext = "png"
		logger.WithField("mime", raw.MimeType).Warn("unrecognized mime type, falling back to png")
	}

	outputPath := req.OutputPath
	if !hasImageExtension(outputPath) {
		outputPath = outputPath + "." + ext
	}

	if err := os.WriteFile(outputPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("write result: %w", err)
	}

	result := &entity.ComposeResult{
		Path:     outputPath,
		MimeType: raw.MimeType,
		Data:     data,
		Text:     strings.TrimSpace(raw.Text),
	}
	if result.MimeType == "" || utils.ExtensionFromMime(result.MimeType) == "" {
		result.MimeType = utils.MimeFromExtension(ext)
	}

	repaired, err := validateResultFile(outputPath)
	if err != nil {
		// 校验失败不吞掉结果：标记后原样返回，调用方裁决
		logger.WithError(err).WithField("path", outputPath).Warn("result failed post-write validation")
		result.Warning = err.Error()
		return result, nil
	}
	if repaired != nil {
		result.Data = repaired
		logger.WithField("path", outputPath).Info("repaired double-encoded result payload")
	}

	logger.WithFields(logrus.Fields{
		"path":       outputPath,
		"size_bytes": len(result.Data),
		"mime":       result.MimeType,
	}).Info("compose succeeded")
	return result, nil
}

func hasImageExtension(path string) bool {
	lower := strings.ToLower(path)
	for _, suffix := range []string{".png", ".jpg", ".jpeg", ".webp"} {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
