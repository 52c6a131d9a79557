package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"tryon/internal/entity"

	bolt "github.com/boltdb/bolt"
)

const usageBucket = "usage_stats"

// BoltLedgerStore 单文件事务型台账。Increment 在一个 db.Update 事务里完成
// 读-改-写，消除了文件台账的跨写者竞态。
type BoltLedgerStore struct {
	db *bolt.DB
}

// NewBoltLedgerStore 打开（或创建）台账数据库并确保桶存在。
func NewBoltLedgerStore(path string) (*BoltLedgerStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(usageBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create ledger bucket: %w", err)
	}

	return &BoltLedgerStore{db: db}, nil
}

func (s *BoltLedgerStore) Get(ctx context.Context, codeHash string) (entity.UsageRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return entity.UsageRecord{}, false, err
	}

	var record entity.UsageRecord
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket([]byte(usageBucket)).Get([]byte(codeHash))
		if value == nil {
			return nil
		}
		found = true
		return json.Unmarshal(value, &record)
	})
	if err != nil {
		return entity.UsageRecord{}, false, fmt.Errorf("read usage record: %w", err)
	}
	return record, found, nil
}

func (s *BoltLedgerStore) Increment(ctx context.Context, codeHash string) (entity.UsageRecord, error) {
	if err := ctx.Err(); err != nil {
		return entity.UsageRecord{}, err
	}

	var record entity.UsageRecord
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(usageBucket))
		if value := bucket.Get([]byte(codeHash)); value != nil {
			if err := json.Unmarshal(value, &record); err != nil {
				return fmt.Errorf("decode usage record: %w", err)
			}
		}

		now := time.Now().UTC()
		record.TotalGenerated++
		record.LastUsed = &now
		if record.FirstUsed == nil {
			record.FirstUsed = &now
		}

		encoded, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("encode usage record: %w", err)
		}
		return bucket.Put([]byte(codeHash), encoded)
	})
	if err != nil {
		return entity.UsageRecord{}, fmt.Errorf("increment usage record: %w", err)
	}
	return record, nil
}

func (s *BoltLedgerStore) List(ctx context.Context) (map[string]entity.UsageRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := map[string]entity.UsageRecord{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(usageBucket)).ForEach(func(k, v []byte) error {
			var record entity.UsageRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			out[string(k)] = record
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list usage records: %w", err)
	}
	return out, nil
}

func (s *BoltLedgerStore) Close() error {
	return s.db.Close()
}

var _ LedgerStore = (*BoltLedgerStore)(nil)
