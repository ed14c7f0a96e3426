// Package postgres implements PostgreSQL-backed run history using GORM.
// All GORM models live in this package; storage.RunRecord stays ORM-free.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/agentbench/internal/storage"
)

const defaultApplicationName = "agentbench"

// Config configures the PostgreSQL connection. A harness writes one run at a
// time and serves a few history reads, so the pool stays small.
type Config struct {
	DSN             string
	ApplicationName string        // Default: "agentbench", shown in pg_stat_activity.
	MaxOpenConns    int           // Default: 4
	MaxIdleConns    int           // Default: 2
	ConnMaxLifetime time.Duration // Default: 30m
	ConnectTimeout  time.Duration // Default: 10s
}

func (c Config) withDefaults() Config {
	if c.ApplicationName == "" {
		c.ApplicationName = defaultApplicationName
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 4
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 2
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		c.MaxIdleConns = c.MaxOpenConns
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	return c
}

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger

	mu   sync.Mutex
	runs storage.RunStore
}

// Open connects to PostgreSQL. The server is often started next to the
// harness, so Open keeps pinging until ConnectTimeout before giving up.
// Tables are created by Migrate.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}
	cfg = cfg.withDefaults()

	dsn, err := withApplicationName(cfg.DSN, cfg.ApplicationName)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:               NewGormLogger(slogger),
		NowFunc:              func() time.Time { return time.Now().UTC() },
		PrepareStmt:          true,
		DisableAutomaticPing: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	s := &Store{db: db, logger: slogger}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := s.waitReady(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("postgres not reachable within %s: %w", cfg.ConnectTimeout, err)
	}

	slogger.Info("postgres store opened",
		slog.String("application_name", cfg.ApplicationName),
		slog.Int("max_open_conns", cfg.MaxOpenConns),
	)
	return s, nil
}

func (s *Store) waitReady(ctx context.Context) error {
	const interval = 500 * time.Millisecond
	for attempt := 1; ; attempt++ {
		err := s.Ping(ctx)
		if err == nil {
			return nil
		}
		s.logger.Debug("waiting for postgres", slog.Int("attempt", attempt), slog.String("error", err.Error()))
		select {
		case <-ctx.Done():
			return err
		case <-time.After(interval):
		}
	}
}

// withApplicationName sets application_name on dsn unless the DSN already
// names one. Both URL and keyword/value DSNs are accepted.
func withApplicationName(dsn, name string) (string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", fmt.Errorf("parsing postgres DSN: %w", err)
		}
		q := u.Query()
		if q.Get("application_name") == "" {
			q.Set("application_name", name)
			u.RawQuery = q.Encode()
		}
		return u.String(), nil
	}
	if strings.Contains(dsn, "application_name=") {
		return dsn, nil
	}
	return strings.TrimSpace(dsn + " application_name=" + name), nil
}

// Migrate creates or updates the runs table.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(Models()...)
}

// Runs returns the run repository, created on first use.
func (s *Store) Runs() storage.RunStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runs == nil {
		s.runs = NewRunRepository(s.db)
	}
	return s.runs
}

// Ping checks the server answers.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Driver() string {
	return storage.DriverPostgres
}

var _ storage.Store = (*Store)(nil)

// NewGormLogger routes GORM's slow-query and error output to slogger. Both
// backends use it.
func NewGormLogger(slogger *slog.Logger) logger.Interface {
	return logger.New(
		slogAdapter{slogger.With(slog.String("component", "gorm"))},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
}

// slogAdapter implements GORM's logger.Writer. GORM only writes at Warn and
// above with the config above.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Warn(fmt.Sprintf(format, args...))
}
