package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tryon/internal/entity"
)

// FileLedgerStore 最简台账：单个 JSON 文档，每次自增做整文件
// 读-改-写。进程内用互斥锁串行化，落盘走临时文件加 rename；跨进程的
// 并发写仍然可能互相覆盖，这是已知的正确性边界，生产环境应换用 bolt
// 或 SQL 后端。
type FileLedgerStore struct {
	path string
	mu   sync.Mutex
}

type ledgerDocument struct {
	UsageStats map[string]entity.UsageRecord `json:"usage_stats"`
}

// NewFileLedgerStore 创建文件台账，按需建父目录。文件不存在视为空台账。
func NewFileLedgerStore(path string) (*FileLedgerStore, error) {
	if path == "" {
		return nil, errors.New("ledger path is required")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}
	return &FileLedgerStore{path: path}, nil
}

func (s *FileLedgerStore) Get(ctx context.Context, codeHash string) (entity.UsageRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return entity.UsageRecord{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return entity.UsageRecord{}, false, err
	}
	record, ok := doc.UsageStats[codeHash]
	return record, ok, nil
}

func (s *FileLedgerStore) Increment(ctx context.Context, codeHash string) (entity.UsageRecord, error) {
	if err := ctx.Err(); err != nil {
		return entity.UsageRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return entity.UsageRecord{}, err
	}

	now := time.Now().UTC()
	record := doc.UsageStats[codeHash]
	record.TotalGenerated++
	record.LastUsed = &now
	if record.FirstUsed == nil {
		record.FirstUsed = &now
	}
	doc.UsageStats[codeHash] = record

	if err := s.save(doc); err != nil {
		return entity.UsageRecord{}, err
	}
	return record, nil
}

func (s *FileLedgerStore) List(ctx context.Context) (map[string]entity.UsageRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make(map[string]entity.UsageRecord, len(doc.UsageStats))
	for hash, record := range doc.UsageStats {
		out[hash] = record
	}
	return out, nil
}

func (s *FileLedgerStore) Close() error {
	return nil
}

func (s *FileLedgerStore) load() (ledgerDocument, error) {
	doc := ledgerDocument{UsageStats: map[string]entity.UsageRecord{}}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return doc, nil
		}
		return doc, fmt.Errorf("read ledger: %w", err)
	}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("parse ledger: %w", err)
	}
	if doc.UsageStats == nil {
		doc.UsageStats = map[string]entity.UsageRecord{}
	}
	return doc, nil
}

func (s *FileLedgerStore) save(doc ledgerDocument) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write ledger temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace ledger file: %w", err)
	}
	return nil
}

var _ LedgerStore = (*FileLedgerStore)(nil)
