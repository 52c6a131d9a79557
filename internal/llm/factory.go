package llm

import (
	"fmt"
	"strings"
	"time"

	"tryon/internal/config"
)

// NewComposer 根据配置装配协议驱动与重试策略。
func NewComposer(cfg config.Config) (Composer, error) {
	policy := RetryPolicy{
		MaxAttempts: cfg.RetryMaxAttempts,
		Backoff:     time.Duration(cfg.RetryBackoffSeconds) * time.Second,
	}

	driverName := strings.ToLower(strings.TrimSpace(cfg.GenerationDriver))
	switch driverName {
	case "", "gemini":
		driver, err := NewGeminiDriver(cfg.GeminiAPIKey, cfg.GeminiModel, cfg.GeminiEndpoint)
		if err != nil {
			return nil, err
		}
		return NewClient(driver, policy), nil
	case "seedream":
		driver, err := NewSeedreamDriver(cfg.ArkAPIKey, cfg.ArkModel)
		if err != nil {
			return nil, err
		}
		return NewClient(driver, policy), nil
	default:
		return nil, fmt.Errorf("unsupported generation driver: %s", cfg.GenerationDriver)
	}
}
