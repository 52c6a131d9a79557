package quota

import (
	"fmt"
	"strings"

	"tryon/internal/config"
)

const (
	// LedgerTypeFile 单 JSON 文档，整文件读-改-写。
	LedgerTypeFile = "file"
	// LedgerTypeBolt 单文件事务型存储。
	LedgerTypeBolt = "bolt"
	// LedgerTypeSQLite / Mysql / Postgres GORM 后端。
	LedgerTypeSQLite   = "sqlite"
	LedgerTypeMySQL    = "mysql"
	LedgerTypePostgres = "postgres"
)

// NewLedgerStore 根据配置实例化台账后端。
func NewLedgerStore(cfg config.Config) (LedgerStore, error) {
	typeName := strings.ToLower(strings.TrimSpace(cfg.LedgerType))
	switch typeName {
	case "", LedgerTypeFile:
		return NewFileLedgerStore(cfg.LedgerPath)
	case LedgerTypeBolt:
		path := strings.TrimSpace(cfg.LedgerPath)
		if path == "" || strings.HasSuffix(path, ".json") {
			path = "datas/usage_stats.db"
		}
		return NewBoltLedgerStore(path)
	case LedgerTypeSQLite, LedgerTypeMySQL, LedgerTypePostgres:
		return NewSQLLedgerStore(typeName, cfg)
	default:
		return nil, fmt.Errorf("unsupported ledger type: %s", cfg.LedgerType)
	}
}
