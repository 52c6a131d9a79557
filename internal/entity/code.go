package entity

import "time"

// 角色常量，用于 JWT claims 与接口守卫
const (
	RoleGuest = "guest"
	RoleAdmin = "admin"
)

// AccessCodeRecord 体验码的静态配置，进程启动时从注册表加载，运行期只读。
type AccessCodeRecord struct {
	Name        string `json:"name"`
	MaxImages   int    `json:"max_images"`
	Description string `json:"description,omitempty"`
}

// UsageRecord 单个体验码的累计使用情况，以码哈希为键落盘。
// total_generated 只增不减；first_used 仅在首次计数时写入。
type UsageRecord struct {
	TotalGenerated int        `json:"total_generated"`
	LastUsed       *time.Time `json:"last_used"`
	FirstUsed      *time.Time `json:"first_used"`
}

// CodeUsage 注册表与台账按码聚合后的视图，供管理端查看。
type CodeUsage struct {
	CodeHash       string     `json:"code_hash"`
	Name           string     `json:"name"`
	Description    string     `json:"description,omitempty"`
	MaxImages      int        `json:"max_images"`
	TotalGenerated int        `json:"total_generated"`
	Remaining      int        `json:"remaining"`
	FirstUsed      *time.Time `json:"first_used,omitempty"`
	LastUsed       *time.Time `json:"last_used,omitempty"`
}
