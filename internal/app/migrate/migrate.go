// Package migrate owns the edge schema for deployment statuses.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedded embed.FS

const (
	migrationsDir = "migrations"
	runTimeout    = time.Minute
)

// Migration is one row of the status report.
type Migration struct {
	Version   int64
	Path      string
	Applied   bool
	AppliedAt time.Time
}

// Runner applies the embedded schema migrations.
type Runner struct {
	pool *pgxpool.Pool
	dsn  string
	log  *slog.Logger
}

// New returns a migration runner. The pool serves liveness checks; goose
// gets its own database/sql handle opened from dsn.
func New(pool *pgxpool.Pool, dsn string, log *slog.Logger) (Runner, error) {
	switch {
	case pool == nil:
		return Runner{}, errors.New("migrate: nil pool")
	case dsn == "":
		return Runner{}, errors.New("migrate: empty database url")
	}
	if log == nil {
		log = slog.Default()
	}
	return Runner{pool: pool, dsn: dsn, log: log.With("component", "migrate")}, nil
}

// Ensure brings the schema up to the newest embedded version.
func (r Runner) Ensure(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()
	return r.withProvider(ctx, func(p *goose.Provider) error {
		results, err := p.Up(ctx)
		if err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		for _, res := range results {
			r.log.Info("migration applied", "version", res.Source.Version, "duration_ms", res.Duration.Milliseconds())
		}
		if len(results) == 0 {
			r.log.Debug("schema up to date")
		}
		return nil
	})
}

// Status lists every embedded migration with its applied state.
func (r Runner) Status(ctx context.Context) ([]Migration, error) {
	var out []Migration
	err := r.withProvider(ctx, func(p *goose.Provider) error {
		statuses, err := p.Status(ctx)
		if err != nil {
			return fmt.Errorf("migration status: %w", err)
		}
		out = make([]Migration, 0, len(statuses))
		for _, st := range statuses {
			out = append(out, Migration{
				Version:   st.Source.Version,
				Path:      st.Source.Path,
				Applied:   st.State == goose.StateApplied,
				AppliedAt: st.AppliedAt,
			})
		}
		return nil
	})
	return out, err
}

// Down rolls back the newest migration, or every migration above target
// when target is positive.
func (r Runner) Down(ctx context.Context, target int64) error {
	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()
	return r.withProvider(ctx, func(p *goose.Provider) error {
		if target > 0 {
			results, err := p.DownTo(ctx, target)
			if err != nil {
				return fmt.Errorf("roll back to version %d: %w", target, err)
			}
			r.log.Info("rolled back", "target", target, "count", len(results))
			return nil
		}
		res, err := p.Down(ctx)
		if err != nil {
			return fmt.Errorf("roll back newest migration: %w", err)
		}
		r.log.Info("rolled back", "version", res.Source.Version)
		return nil
	})
}

// Ping checks the pool can reach the database.
func (r Runner) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

func (r Runner) withProvider(ctx context.Context, fn func(*goose.Provider) error) error {
	fsys, err := fs.Sub(embedded, migrationsDir)
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}
	db, err := sql.Open("pgx", r.dsn)
	if err != nil {
		return fmt.Errorf("open sql connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("ping sql connection: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("configure goose: %w", err)
	}
	defer provider.Close()
	return fn(provider)
}
