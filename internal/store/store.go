package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/eventtel/yrouted/internal/config"
	"github.com/eventtel/yrouted/pkg/errors"
	"github.com/eventtel/yrouted/pkg/logger"
)

// ErrNotFound marks a point query that matched no row. It is distinct from
// transport failures, which surface as STORE_UNAVAILABLE.
var ErrNotFound = stderrors.New("store: not found")

// Store is the read-only gateway to the provisioning database.
type Store struct {
	db     *sql.DB
	driver string

	mu     sync.RWMutex
	health bool
	stop   chan struct{}
}

// Open connects to the configured database with retries and starts the
// background health checker.
func Open(cfg config.StoreConfig) (*Store, error) {
	driver := sqlDriverName(cfg.Driver)

	var db *sql.DB
	var err error
	for i := 0; i <= cfg.RetryAttempts; i++ {
		db, err = sql.Open(driver, cfg.DSN)
		if err == nil {
			err = db.Ping()
			if err == nil {
				break
			}
		}
		if i < cfg.RetryAttempts {
			logger.WithField("attempt", i+1).WithError(err).Warn("Store connection failed, retrying...")
			time.Sleep(cfg.RetryDelay * time.Duration(i+1))
		}
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrStoreUnavailable, "failed to connect to store")
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	s := &Store{
		db:     db,
		driver: cfg.Driver,
		health: true,
		stop:   make(chan struct{}),
	}
	go s.healthCheck()

	logger.WithField("driver", cfg.Driver).Info("Store connection established")
	return s, nil
}

func sqlDriverName(driver string) string {
	switch driver {
	case "postgres", "pgx":
		return "pgx"
	case "sqlite", "sqlite3":
		return "sqlite"
	default:
		return "mysql"
	}
}

func (s *Store) healthCheck() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := s.db.PingContext(ctx)
			cancel()

			s.mu.Lock()
			oldHealth := s.health
			s.health = err == nil
			s.mu.Unlock()

			if oldHealth != s.health {
				if err == nil {
					logger.Info("Store connection recovered")
				} else {
					logger.WithError(err).Error("Store connection lost")
				}
			}
		}
	}
}

func (s *Store) IsHealthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.health
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	close(s.stop)
	return s.db.Close()
}

// DB exposes the raw handle for migrations.
func (s *Store) DB() *sql.DB {
	return s.db
}

// rebind rewrites "?" placeholders to "$N" for postgres. MySQL and sqlite
// consume "?" directly.
func (s *Store) rebind(query string) string {
	if s.driver != "postgres" && s.driver != "pgx" {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&sb, "$%d", n)
		} else {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// quoteIdent quotes a reserved column name ("index") for the active driver.
func (s *Store) quoteIdent(name string) string {
	if s.driver == "mysql" || s.driver == "" {
		return "`" + name + "`"
	}
	return `"` + name + `"`
}
