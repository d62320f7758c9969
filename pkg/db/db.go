package db

import (
	"fmt"
	"log"
	"os"
	"sync"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"liyu1981.xyz/smartplant-service/pkg/common"
	"liyu1981.xyz/smartplant-service/pkg/models"
)

type DB struct {
	Conn *gorm.DB
}

var (
	instance *DB
	once     sync.Once
)

func GetInstance(dialector gorm.Dialector) *DB {
	once.Do(func() {
		conn, err := Open(dialector)
		if err != nil {
			log.Fatal("Failed to open database: ", err)
		}
		instance = conn
	})
	return instance
}

// Open connects and migrates without touching the process-wide instance.
func Open(dialector gorm.Dialector) (*DB, error) {
	logger := common.GetLogger()

	conn, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	logger.Info("Connected to database with dialector", zap.String("dialector", dialector.Name()))

	if dialector.Name() == "sqlite" {
		if err := tuneSqlite(conn); err != nil {
			return nil, err
		}
	}

	if err := conn.AutoMigrate(models.AllModels()...); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	logger.Info("Database migration completed")

	return &DB{Conn: conn}, nil
}

func tuneSqlite(conn *gorm.DB) error {
	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	// one writer at a time, analysis callbacks write from their own goroutines
	sqlDB.SetMaxOpenConns(1)

	if err := conn.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		return fmt.Errorf("enable sqlite foreign key support: %w", err)
	}
	if err := conn.Exec("PRAGMA journal_mode = WAL").Error; err != nil {
		return fmt.Errorf("set sqlite journal mode: %w", err)
	}
	return nil
}

func UseSqliteDialector() gorm.Dialector {
	var dbPath string
	var found bool
	if dbPath, found = os.LookupEnv(common.EnvKeyIOTDbPath); !found {
		dbPath = "smartplant.db"
	}
	return sqlite.Open(dbPath)
}

func UseMemorySqliteDialector() gorm.Dialector {
	return sqlite.Open("file::memory:?cache=shared")
}

func UsePostgresDialector(dsn string) gorm.Dialector {
	return postgres.Open(dsn)
}

func UseDialectorFromConfig(cfg *common.Config) gorm.Dialector {
	switch cfg.DBType {
	case "memory":
		return UseMemorySqliteDialector()
	case "postgres":
		return UsePostgresDialector(cfg.DBDSN)
	default:
		return sqlite.Open(cfg.DBPath)
	}
}
