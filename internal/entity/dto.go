package entity

import "time"

// BatchMode 一次生成批次的模式。
type BatchMode string

const (
	// BatchModeSingle 一张人像配一件服装，发起一次调用。
	BatchModeSingle BatchMode = "single"
	// BatchModeFusion 第一张人像与全部服装合成一次调用。
	BatchModeFusion BatchMode = "fusion"
	// BatchModePerGarment 第一张人像分别试穿每件服装，每件一次调用。
	BatchModePerGarment BatchMode = "per_garment"
	// BatchModeMultiScene 每张人像与全部服装融合一次，每张人像一次调用。
	BatchModeMultiScene BatchMode = "multi_scene"
)

// ItemStatus 批次内单个条目的状态机取值。
type ItemStatus string

const (
	ItemStatusPending   ItemStatus = "pending"
	ItemStatusSkipped   ItemStatus = "skipped"
	ItemStatusSucceeded ItemStatus = "succeeded"
	ItemStatusFailed    ItemStatus = "failed"
)

// Upload 调用方提交的一张原始图片。
type Upload struct {
	Name string
	Data []byte
}

// TryOnRequest 试穿批次的 HTTP 请求体。图片为 data URL 或裸 base64。
type TryOnRequest struct {
	Mode        string   `json:"mode"`
	Portraits   []string `json:"portraits"`
	Garments    []string `json:"garments"`
	Instruction string   `json:"instruction,omitempty"`
	ClientID    string   `json:"client_id,omitempty"`
}

// BatchItem 批次内一个条目的结果。
type BatchItem struct {
	Index      int        `json:"index"`
	Label      string     `json:"label"`
	Status     ItemStatus `json:"status"`
	Image      string     `json:"image,omitempty"`
	MimeType   string     `json:"mime_type,omitempty"`
	StoredPath string     `json:"stored_path,omitempty"`
	Error      string     `json:"error,omitempty"`
	Warning    string     `json:"warning,omitempty"`
	CreatedAt  *time.Time `json:"created_at,omitempty"`
}

// BatchResult 一次批次的汇总，Items 与调用计划一一对应。
type BatchResult struct {
	BatchID   string      `json:"batch_id"`
	Mode      BatchMode   `json:"mode"`
	Items     []BatchItem `json:"items"`
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
	Skipped   int         `json:"skipped"`
	Remaining int         `json:"remaining"`
}

// HistoryEntry 会话内保留的一条生成结果。
type HistoryEntry struct {
	Label      string    `json:"label"`
	Image      string    `json:"image"`
	MimeType   string    `json:"mime_type"`
	Size       int       `json:"size"`
	StoredPath string    `json:"stored_path,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// SessionInfo 当前会话对应体验码的配额信息。
type SessionInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MaxImages   int    `json:"max_images"`
	Used        int    `json:"used"`
	Remaining   int    `json:"remaining"`
}

// CreateSessionRequest 用体验码换取会话令牌。
type CreateSessionRequest struct {
	Code string `json:"code"`
}

// SessionResponse 会话创建成功后的响应。
type SessionResponse struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expires_at"`
	Session   SessionInfo `json:"session"`
}

// AdminLoginRequest 管理端登录请求。
type AdminLoginRequest struct {
	Password string `json:"password"`
}

// AdminLoginResponse 管理端登录响应。
type AdminLoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}
