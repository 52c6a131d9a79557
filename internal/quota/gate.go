package quota

import (
	"context"
	"fmt"

	"tryon/internal/entity"
)

// Gate 组合注册表与台账，回答"这个码还能生成几张"并在成功后记账。
//
// 配额在一个批次的多次调用间共享，调用方必须在每次 API 调用前重新检查
// Remaining，而不是整批只查一次。
type Gate struct {
	registry *Registry
	ledger   LedgerStore
}

// NewGate 创建配额闸门。
func NewGate(registry *Registry, ledger LedgerStore) *Gate {
	return &Gate{registry: registry, ledger: ledger}
}

// Validate 校验体验码并返回其静态配置。
func (g *Gate) Validate(code string) (entity.AccessCodeRecord, error) {
	return g.registry.Validate(code)
}

// Remaining 返回 max(0, max_images - total_generated)；未知码返回 0。
func (g *Gate) Remaining(ctx context.Context, code string) (int, error) {
	record, err := g.registry.Validate(code)
	if err != nil {
		return 0, nil
	}

	usage, found, err := g.ledger.Get(ctx, CodeHash(code))
	if err != nil {
		return 0, fmt.Errorf("read quota ledger: %w", err)
	}

	used := 0
	if found {
		used = usage.TotalGenerated
	}
	remaining := record.MaxImages - used
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// Consume 在一次生成成功后记一笔账，失败的调用不得计数。
// 台账写失败视为致命，调用方应终止整个批次。
func (g *Gate) Consume(ctx context.Context, code string) (entity.UsageRecord, error) {
	if _, err := g.registry.Validate(code); err != nil {
		return entity.UsageRecord{}, err
	}
	record, err := g.ledger.Increment(ctx, CodeHash(code))
	if err != nil {
		return entity.UsageRecord{}, fmt.Errorf("write quota ledger: %w", err)
	}
	return record, nil
}

// Usage 返回体验码的累计使用记录，未使用过返回零值。
func (g *Gate) Usage(ctx context.Context, code string) (entity.UsageRecord, error) {
	usage, _, err := g.ledger.Get(ctx, CodeHash(code))
	if err != nil {
		return entity.UsageRecord{}, fmt.Errorf("read quota ledger: %w", err)
	}
	return usage, nil
}

// Overview 把注册表与台账按码聚合成管理端视图。
func (g *Gate) Overview(ctx context.Context) ([]entity.CodeUsage, error) {
	ledger, err := g.ledger.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("read quota ledger: %w", err)
	}

	var out []entity.CodeUsage
	for code, record := range g.registry.Records() {
		hash := CodeHash(code)
		usage := ledger[hash]
		remaining := record.MaxImages - usage.TotalGenerated
		if remaining < 0 {
			remaining = 0
		}
		out = append(out, entity.CodeUsage{
			CodeHash:       hash,
			Name:           record.Name,
			Description:    record.Description,
			MaxImages:      record.MaxImages,
			TotalGenerated: usage.TotalGenerated,
			Remaining:      remaining,
			FirstUsed:      usage.FirstUsed,
			LastUsed:       usage.LastUsed,
		})
	}
	return out, nil
}
