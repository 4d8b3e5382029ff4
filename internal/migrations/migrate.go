package migrations

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pg "github.com/golang-migrate/migrate/v4/database/postgres"
	msqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/playmatatu/referee/internal/logger"
)

const migrationsTable = "schema_migrations_referee"

//go:embed sql
var files embed.FS

// RunMigrations applies the embedded migrations for the given driver
// ("postgres" or "sqlite"). If the schema already exists but migrate's
// metadata table is missing, the DB is baselined to the latest version.
func RunMigrations(driver, databaseURL string) error {
	if databaseURL == "" {
		return fmt.Errorf("database URL is empty")
	}

	sqlDB, dbDriver, err := open(driver, databaseURL)
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	dir := "sql/" + driver
	src, err := iofs.New(files, dir)
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, driver, dbDriver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if tableExists(sqlDB, driver, "games") && !tableExists(sqlDB, driver, migrationsTable) {
		latest := findLatestMigrationVersion(dir)
		if latest > 0 {
			logger.Get().Infof("[MIGRATE] Baseline DB to version %d (existing schema present)", latest)
			if ferr := m.Force(int(latest)); ferr != nil {
				logger.Get().Warnf("[MIGRATE] Force to version %d failed: %v", latest, ferr)
			}
		}
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration up failed: %w", err)
	}

	logger.Get().Infof("[MIGRATE] Migrations applied for %s (no changes or up completed)", driver)
	return nil
}

func open(driver, databaseURL string) (*sql.DB, database.Driver, error) {
	switch driver {
	case "postgres":
		sqlDB, err := sql.Open("postgres", databaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open DB: %w", err)
		}
		d, err := pg.WithInstance(sqlDB, &pg.Config{MigrationsTable: migrationsTable})
		if err != nil {
			sqlDB.Close()
			return nil, nil, fmt.Errorf("failed to create migrate driver: %w", err)
		}
		return sqlDB, d, nil
	case "sqlite":
		path := strings.TrimPrefix(databaseURL, "sqlite://")
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("failed to create DB directory: %w", err)
			}
		}
		sqlDB, err := sql.Open("sqlite", path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open DB: %w", err)
		}
		d, err := msqlite.WithInstance(sqlDB, &msqlite.Config{MigrationsTable: migrationsTable})
		if err != nil {
			sqlDB.Close()
			return nil, nil, fmt.Errorf("failed to create migrate driver: %w", err)
		}
		return sqlDB, d, nil
	default:
		return nil, nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

func tableExists(db *sql.DB, driver, name string) bool {
	query := "SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)"
	if driver == "sqlite" {
		query = "SELECT EXISTS (SELECT 1 FROM sqlite_master WHERE type='table' AND name=?)"
	}
	var exists bool
	if err := db.QueryRow(query, name).Scan(&exists); err != nil {
		return false
	}
	return exists
}

// findLatestMigrationVersion scans an embedded migrations directory for files
// that start with a numeric version prefix (e.g. 000001_) and returns the
// highest version number.
func findLatestMigrationVersion(dir string) int64 {
	entries, err := fs.ReadDir(files, dir)
	if err != nil {
		return 0
	}

	re := regexp.MustCompile(`^0*([0-9]+)_`)
	var max int64
	for _, f := range entries {
		if f.IsDir() {
			continue
		}
		m := re.FindStringSubmatch(f.Name())
		if len(m) < 2 {
			continue
		}
		v, _ := strconv.ParseInt(m[1], 10, 64)
		if v > max {
			max = v
		}
	}

	return max
}
