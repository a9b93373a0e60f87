// Package database 管理会话持久化使用的 PostgreSQL 连接
package database

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/ashwinyue/next-tutor/internal/config"
	"github.com/ashwinyue/next-tutor/internal/model"
)

// DB 数据库封装
type DB struct {
	*gorm.DB
}

// poolConfig 连接池参数
type poolConfig struct {
	maxOpen  int
	maxIdle  int
	lifetime time.Duration
}

// New 连接数据库并按配置设置连接池
func New(cfg *config.Config) (*DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.Database.GetDSN()), newGormConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database: %w", err)
	}

	pool := poolSettings(cfg.Database)
	sqlDB.SetMaxOpenConns(pool.maxOpen)
	sqlDB.SetMaxIdleConns(pool.maxIdle)
	sqlDB.SetConnMaxLifetime(pool.lifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Printf("[DB] connected to %s:%d/%s (max open %d, max idle %d)",
		cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, pool.maxOpen, pool.maxIdle)
	return &DB{DB: db}, nil
}

// newGormConfig 会话时间统一为 UTC 微秒精度，与 PostgreSQL timestamptz 一致
func newGormConfig(cfg *config.Config) *gorm.Config {
	level := gormlogger.Warn
	if cfg.App.Debug {
		level = gormlogger.Info
	}

	return &gorm.Config{
		Logger: gormlogger.New(log.New(os.Stdout, "[DB] ", log.LstdFlags), gormlogger.Config{
			SlowThreshold: time.Duration(cfg.Database.SlowThreshold) * time.Millisecond,
			LogLevel:      level,
			// 仓库把未找到转换为 ErrSessionNotFound
			IgnoreRecordNotFoundError: true,
		}),
		NowFunc: func() time.Time {
			return time.Now().UTC().Truncate(time.Microsecond)
		},
	}
}

func poolSettings(c config.DatabaseConfig) poolConfig {
	p := poolConfig{
		maxOpen:  c.MaxOpenConns,
		maxIdle:  c.MaxIdleConns,
		lifetime: time.Duration(c.MaxLifetime) * time.Second,
	}
	if p.maxOpen <= 0 {
		p.maxOpen = 25
	}
	if p.maxIdle <= 0 {
		p.maxIdle = 5
	}
	if p.maxIdle > p.maxOpen {
		p.maxIdle = p.maxOpen
	}
	if p.lifetime <= 0 {
		p.lifetime = 5 * time.Minute
	}
	return p
}

// Close 关闭数据库连接
func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping 检查数据库连接
func (db *DB) Ping(ctx context.Context) error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Migrate 创建或更新会话表和索引
func (db *DB) Migrate() error {
	if err := db.DB.AutoMigrate(model.AllModels...); err != nil {
		return fmt.Errorf("failed to auto migrate: %w", err)
	}
	log.Printf("[DB] migrated %d tables", len(model.AllModels))
	return nil
}
