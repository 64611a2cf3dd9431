package data

import (
	"fmt"
	stdlog "log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/corvidlabs/graphrag-backend/internal/platform/envutil"
	"github.com/corvidlabs/graphrag-backend/internal/platform/logger"
)

// Open connects the document registry database. DATABASE_URL selects
// Postgres; without it the registry falls back to a local SQLite file, which
// keeps single-node deployments dependency-free.
func Open(log *logger.Logger) (*gorm.DB, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}

	gormLog := gormLogger.New(
		stdlog.New(os.Stdout, "\r\n", stdlog.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             1 * time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	cfg := &gorm.Config{Logger: gormLog}

	dsn := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	var (
		db  *gorm.DB
		err error
	)
	if dsn != "" {
		db, err = gorm.Open(postgres.Open(dsn), cfg)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		log.Info("document registry using postgres")
	} else {
		path := envutil.String("SQLITE_PATH", "graphrag.db")
		db, err = gorm.Open(sqlite.Open(path), cfg)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %q: %w", path, err)
		}
		log.Info("document registry using sqlite", "path", path)
	}

	if err := db.AutoMigrate(&DocumentRecord{}, &ChunkRecord{}); err != nil {
		return nil, fmt.Errorf("migrate registry schema: %w", err)
	}
	return db, nil
}
