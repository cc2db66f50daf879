package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	xerrors "github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/errors"
)

// Supported drivers.
const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

// Config 描述数据库连接池参数。
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	AutoMigrate     bool
}

// DB 包装连接池并记录所用方言。
type DB struct {
	*sql.DB
	Dialect string
}

// Open 建立连接池，并在 AutoMigrate 为 true 时执行内置迁移。
func Open(ctx context.Context, cfg Config) (*DB, error) {
	sqlDB, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	db := &DB{DB: sqlDB, Dialect: dialectOf(cfg.Driver)}
	if cfg.AutoMigrate {
		if err := db.Migrate(ctx); err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
	}
	return db, nil
}

func dialectOf(driver string) string {
	if strings.EqualFold(strings.TrimSpace(driver), DriverSQLite) {
		return DriverSQLite
	}
	return DriverMySQL
}

func openDatabase(ctx context.Context, cfg Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库 DSN 不能为空")
	}

	dialect := dialectOf(cfg.Driver)
	dsn := cfg.DSN
	if dialect == DriverSQLite && !strings.Contains(dsn, "_pragma") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open(dialect, dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("连接 %s 失败", dialect))
	}

	if dialect == DriverSQLite {
		// SQLite 只允许单写者，串行化连接可以避免 SQLITE_BUSY。
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		} else {
			db.SetMaxOpenConns(20)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		} else {
			db.SetMaxIdleConns(10)
		}
		if cfg.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		} else {
			db.SetConnMaxLifetime(30 * time.Minute)
		}
		if cfg.ConnMaxIdleTime > 0 {
			db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("无法连接到 %s", dialect))
	}
	return db, nil
}

const (
	mysqlErrDuplicateKey = 1062
	mysqlErrDeadlock     = 1213
)

// IsRetryableConflict 判断并发写入冲突是否值得重试：唯一键冲突或 MySQL 死锁。
func IsRetryableConflict(err error) bool {
	if IsDuplicateKey(err) {
		return true
	}
	var mysqlErr *mysql.MySQLError
	return stdErrors.As(err, &mysqlErr) && mysqlErr.Number == mysqlErrDeadlock
}

// IsDuplicateKey 判断错误是否为唯一键冲突。
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	var mysqlErr *mysql.MySQLError
	if stdErrors.As(err, &mysqlErr) {
		return mysqlErr.Number == mysqlErrDuplicateKey
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
