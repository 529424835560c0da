package testutil

import (
	"context"
	"database/sql"
	"net"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
	// Registers the "pgx" database/sql driver.
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/target/mmk-orchestrator/internal/migrate"
)

// TestDBConfig locates the integration database. Fields read TEST_DB_* variables; the default port
// matches the docker-compose test profile, CI sets TEST_DB_PORT=5432.
type TestDBConfig struct {
	Host     string `env:"HOST"      envDefault:"localhost"`
	Port     string `env:"PORT"      envDefault:"55432"`
	User     string `env:"USER"      envDefault:"orchestrator"`
	Password string `env:"PASSWORD"  envDefault:"orchestrator"`
	DBName   string `env:"NAME"      envDefault:"orchestrator"`
	SSLMode  string `env:"SSL_MODE"  envDefault:"disable"`
	// Ephemeral gives each test its own schema, dropped on cleanup.
	Ephemeral bool `env:"EPHEMERAL"`
}

// DefaultTestDBConfig reads TEST_DB_* from the environment.
func DefaultTestDBConfig() TestDBConfig {
	var cfg TestDBConfig
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "TEST_DB_"}); err != nil {
		// Only a malformed TEST_DB_EPHEMERAL can fail; fall back to the shared database.
		cfg.Ephemeral = false
	}
	return cfg
}

// DSN renders the connection URL, optionally pinned to searchPath.
func (c TestDBConfig) DSN(searchPath string) string {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   net.JoinHostPort(c.Host, c.Port),
		Path:   "/" + c.DBName,
	}
	q := u.Query()
	q.Set("sslmode", c.SSLMode)
	if searchPath != "" {
		q.Set("search_path", searchPath)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func openAndPing(dsn string, timeout time.Duration) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// SkipIfNoTestDB skips the test if the integration database is unreachable.
func SkipIfNoTestDB(t TestingTB) {
	t.Helper()
	db, err := openAndPing(DefaultTestDBConfig().DSN(""), 2*time.Second)
	if err != nil {
		unavailable(t, required("DB"), "test database", err)
		return
	}
	closeAndLog(t, "probe db", db)
}

// WithAutoDB runs fn against a migrated database: a private schema when TEST_DB_EPHEMERAL is set,
// otherwise the shared database emptied before and after fn.
func WithAutoDB(t TestingTB, fn func(*sql.DB)) {
	t.Helper()
	SkipIfNoTestDB(t)

	cfg := DefaultTestDBConfig()
	if cfg.Ephemeral {
		fn(ephemeralSchemaDB(t, cfg))
		return
	}

	db, err := openAndPing(cfg.DSN(""), 5*time.Second)
	if err != nil {
		t.Fatal("open test database:", err)
	}
	migrateOrFail(t, db)
	truncateJobs(t, db)
	t.Cleanup(func() {
		truncateJobs(t, db)
		closeAndLog(t, "test db", db)
	})
	fn(db)
}

func ephemeralSchemaDB(t TestingTB, cfg TestDBConfig) *sql.DB {
	t.Helper()
	admin, err := openAndPing(cfg.DSN(""), 5*time.Second)
	if err != nil {
		t.Fatal("open admin database:", err)
	}

	schema := "t_" + randomSuffix()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := admin.ExecContext(ctx, "CREATE SCHEMA "+schema); err != nil {
		closeAndLog(t, "admin db", admin)
		t.Fatalf("create schema %s: %v", schema, err)
	}

	db, err := openAndPing(cfg.DSN(schema+",public"), 10*time.Second)
	t.Cleanup(func() {
		if db != nil {
			closeAndLog(t, "schema db", db)
		}
		dropCtx, dropCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer dropCancel()
		if _, dropErr := admin.ExecContext(dropCtx, "DROP SCHEMA IF EXISTS "+schema+" CASCADE"); dropErr != nil {
			t.Logf("drop schema %s: %v", schema, dropErr)
		}
		closeAndLog(t, "admin db", admin)
	})
	if err != nil {
		t.Fatal("open schema database:", err)
	}
	t.Logf("using ephemeral schema %s", schema)

	migrateOrFail(t, db)
	return db
}

func migrateOrFail(t TestingTB, db *sql.DB) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := migrate.Run(ctx, db); err != nil {
		t.Fatal("run migrations:", err)
	}
}

func truncateJobs(t TestingTB, db *sql.DB) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, "TRUNCATE job_results, jobs"); err != nil {
		t.Fatalf("truncate job tables: %v", err)
	}
}

func closeAndLog(t TestingTB, name string, c interface{ Close() error }) {
	if err := c.Close(); err != nil {
		t.Logf("close %s: %v", name, err)
	}
}
