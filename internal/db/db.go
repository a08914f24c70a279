package db

import (
	"time"

	"librarydesk/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Connect 建立到 Postgres 的连接，带有递增间隔的重试以等待数据库就绪。
func Connect(dsn string) (*gorm.DB, error) {
	return ConnectWithRetry(dsn, 10)
}

// ConnectWithRetry 与 Connect 相同，但允许调用方指定尝试次数（测试里用 1）。
func ConnectWithRetry(dsn string, attempts int) (*gorm.DB, error) {
	if attempts <= 0 {
		attempts = 1
	}
	var gdb *gorm.DB
	var err error
	for i := 0; i < attempts; i++ {
		gdb, err = gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: newLogger(nil)})
		if err == nil {
			sqlDB, err2 := gdb.DB()
			if err2 == nil {
				sqlDB.SetMaxIdleConns(5)
				sqlDB.SetMaxOpenConns(20)
				sqlDB.SetConnMaxLifetime(time.Hour)
				return gdb, nil
			}
			err = err2
		}
		if i+1 < attempts {
			time.Sleep(time.Duration(500+i*200) * time.Millisecond)
		}
	}
	return nil, err
}

// Migrate 自动迁移消息核心依赖的表结构。
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(&models.User{}, &models.Message{}, &models.RefreshToken{})
}
