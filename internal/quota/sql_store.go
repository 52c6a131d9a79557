package quota

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"tryon/internal/config"
	"tryon/internal/entity"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// QuotaUsage 台账在关系库中的行结构。
type QuotaUsage struct {
	CodeHash       string     `gorm:"primaryKey;size:16"`
	TotalGenerated int        `gorm:"not null;default:0"`
	FirstUsed      *time.Time `gorm:""`
	LastUsed       *time.Time `gorm:""`
}

// TableName 指定表名，避免 gorm 复数化。
func (QuotaUsage) TableName() string {
	return "quota_usage"
}

// SQLLedgerStore GORM 后端的台账，Increment 在单事务内更新，行级锁
// 保证同库多进程下计数不丢。
type SQLLedgerStore struct {
	db *gorm.DB
}

// NewSQLLedgerStore 按台账类型打开数据库并迁移表结构。
func NewSQLLedgerStore(ledgerType string, cfg config.Config) (*SQLLedgerStore, error) {
	var dialector gorm.Dialector
	switch ledgerType {
	case "sqlite":
		filePath := cfg.DBPath
		if filePath == "" {
			filePath = "datas/tryon.db"
		}
		// SQLite 连接时会自建 .db 文件，但目录必须先存在
		if dir := filepath.Dir(filePath); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create db dir %q: %w", dir, err)
			}
		}
		dialector = sqlite.Open(filePath)
	case "mysql":
		dsn := cfg.DSNURL
		if dsn == "" {
			dsn = fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
				cfg.DBUser, cfg.DBPassword, cfg.DBAddr, cfg.DBPort, cfg.DBName)
		}
		dialector = mysql.Open(dsn)
	case "postgres":
		dsn := cfg.DSNURL
		if dsn == "" {
			dsn = fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
				cfg.DBAddr, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort)
		}
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported sql ledger type: %s", ledgerType)
	}

	db, err := openGormDB(dialector)
	if err != nil {
		return nil, fmt.Errorf("connect ledger db: %w", err)
	}
	if err := db.AutoMigrate(&QuotaUsage{}); err != nil {
		return nil, fmt.Errorf("migrate ledger schema: %w", err)
	}

	return &SQLLedgerStore{db: db}, nil
}

func openGormDB(dialector gorm.Dialector) (*gorm.DB, error) {
	gormLogger := logger.New(
		log.New(log.Writer(), "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second * 5,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                                   gormLogger,
		DisableForeignKeyConstraintWhenMigrating: true,
		NamingStrategy: schema.NamingStrategy{
			SingularTable: true,
		},
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return db, nil
}

func (s *SQLLedgerStore) Get(ctx context.Context, codeHash string) (entity.UsageRecord, bool, error) {
	var row QuotaUsage
	err := s.db.WithContext(ctx).First(&row, "code_hash = ?", codeHash).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return entity.UsageRecord{}, false, nil
		}
		return entity.UsageRecord{}, false, fmt.Errorf("read usage record: %w", err)
	}
	return rowToRecord(row), true, nil
}

func (s *SQLLedgerStore) Increment(ctx context.Context, codeHash string) (entity.UsageRecord, error) {
	var result QuotaUsage

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row QuotaUsage
		err := tx.First(&row, "code_hash = ?", codeHash).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		now := time.Now().UTC()
		row.CodeHash = codeHash
		row.TotalGenerated++
		row.LastUsed = &now
		if row.FirstUsed == nil {
			row.FirstUsed = &now
		}

		if err := tx.Save(&row).Error; err != nil {
			return err
		}
		result = row
		return nil
	})
	if err != nil {
		return entity.UsageRecord{}, fmt.Errorf("increment usage record: %w", err)
	}
	return rowToRecord(result), nil
}

func (s *SQLLedgerStore) List(ctx context.Context) (map[string]entity.UsageRecord, error) {
	var rows []QuotaUsage
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list usage records: %w", err)
	}
	out := make(map[string]entity.UsageRecord, len(rows))
	for _, row := range rows {
		out[row.CodeHash] = rowToRecord(row)
	}
	return out, nil
}

func (s *SQLLedgerStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func rowToRecord(row QuotaUsage) entity.UsageRecord {
	return entity.UsageRecord{
		TotalGenerated: row.TotalGenerated,
		FirstUsed:      row.FirstUsed,
		LastUsed:       row.LastUsed,
	}
}

var _ LedgerStore = (*SQLLedgerStore)(nil)
