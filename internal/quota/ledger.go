package quota

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"tryon/internal/entity"
)

var (
	// ErrConfigMissing 注册表配置缺失或无法解析，启动期致命。
	ErrConfigMissing = errors.New("access code configuration missing or malformed")
	// ErrInvalidCode 体验码不在注册表中。
	ErrInvalidCode = errors.New("invalid access code")
	// ErrQuotaExhausted 体验码剩余配额为 0。
	ErrQuotaExhausted = errors.New("quota exhausted")
)

// CodeHash 计算体验码的持久化键：sha256 十六进制摘要的前 16 位。
// 台账里只存哈希，明文码永不落盘。
func CodeHash(code string) string {
	normalized := strings.ToLower(strings.TrimSpace(code))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])[:16]
}

// LedgerStore 抽象配额台账的持久化后端。
//
// Increment 必须原子地完成建档、first_used 一次性写入、last_used 刷新
// 与 total_generated 加一；total_generated 对同一哈希只增不减，记录永不删除。
type LedgerStore interface {
	Get(ctx context.Context, codeHash string) (entity.UsageRecord, bool, error)
	Increment(ctx context.Context, codeHash string) (entity.UsageRecord, error)
	List(ctx context.Context) (map[string]entity.UsageRecord, error)
	Close() error
}
