// Package sqlstore implements store.Store over database/sql with sqlx. The
// same queries serve the embedded SQLite database and PostgreSQL; they are
// written with ? placeholders and rebound for the driver.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"pharmabill/backend/internal/store"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

type dialect struct {
	name      string
	forUpdate string
	timestamp string
	serial    string
	txOptions *sql.TxOptions
}

var (
	sqliteDialect = dialect{
		name:      DriverSQLite,
		timestamp: "TIMESTAMP",
		serial:    "INTEGER PRIMARY KEY AUTOINCREMENT",
	}
	postgresDialect = dialect{
		name:      DriverPostgres,
		forUpdate: " FOR UPDATE",
		timestamp: "TIMESTAMPTZ",
		serial:    "BIGSERIAL PRIMARY KEY",
		txOptions: &sql.TxOptions{Isolation: sql.LevelReadCommitted},
	}
)

type Store struct {
	queries
	db      *sqlx.DB
	dialect dialect
	log     logrus.FieldLogger
}

// Open connects to driver ("sqlite" or "postgres") and applies pending
// migrations.
func Open(ctx context.Context, driver string, dsn string, logger logrus.FieldLogger) (*Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverSQLite:
		return OpenSQLite(ctx, dsn, logger)
	case DriverPostgres, "pgx":
		return OpenPostgres(ctx, dsn, logger)
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", driver)
	}
}

// OpenSQLite opens the embedded database. A single connection serialises
// writers, which is also what keeps an in-memory database alive.
func OpenSQLite(ctx context.Context, dsn string, logger logrus.FieldLogger) (*Store, error) {
	for _, param := range []struct{ key, value string }{
		{"_time_format=", "_time_format=sqlite"},
		{"foreign_keys", "_pragma=foreign_keys(1)"},
		{"busy_timeout", "_pragma=busy_timeout(5000)"},
	} {
		if strings.Contains(dsn, param.key) {
			continue
		}
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + param.value
	}
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return finishOpen(ctx, db, sqliteDialect, logger)
}

func OpenPostgres(ctx context.Context, databaseURL string, logger logrus.FieldLogger) (*Store, error) {
	db, err := sqlx.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)
	return finishOpen(ctx, db, postgresDialect, logger)
}

func finishOpen(ctx context.Context, db *sqlx.DB, d dialect, logger logrus.FieldLogger) (*Store, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		queries: queries{ext: db, d: d},
		db:      db,
		dialect: d,
		log:     logger.WithField("store", d.name),
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Driver() string {
	return s.dialect.name
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, s.dialect.txOptions)
	if err != nil {
		return classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(txQueries{queries{ext: tx, d: s.dialect}}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

var _ store.Store = (*Store)(nil)
