package service

import (
	"fmt"
	"sync"

	"tryon/internal/entity"
)

// SessionContext 一个体验码会话的可变状态：当前码、展示名与生成历史。
// 由 API 层创建并按请求传入编排器，核心不持有任何进程级全局量。
type SessionContext struct {
	Code string
	Name string

	mu      sync.Mutex
	history []entity.HistoryEntry
}

// NewSessionContext 创建会话上下文。
func NewSessionContext(code, name string) *SessionContext {
	return &SessionContext{Code: code, Name: name}
}

// AppendHistory 追加一条生成结果，仅在调用成功后使用。
func (s *SessionContext) AppendHistory(entry entity.HistoryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, entry)
}

// History 返回历史记录的拷贝，调用方可安全持有。
func (s *SessionContext) History() []entity.HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]entity.HistoryEntry, len(s.history))
	copy(out, s.history)
	return out
}

// ClearHistory 清空会话内全部历史。
func (s *SessionContext) ClearHistory() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = nil
}

// RemoveHistory 删除指定下标的历史条目。
func (s *SessionContext) RemoveHistory(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.history) {
		return fmt.Errorf("history index %d out of range", index)
	}
	s.history = append(s.history[:index], s.history[index+1:]...)
	return nil
}
