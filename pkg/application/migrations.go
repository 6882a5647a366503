package application

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	"github.com/sirupsen/logrus"
)

// MigrationManager applies the SQL schemas registered by modules. Each schema
// keeps its own goose version table.
type MigrationManager interface {
	RegisterSchema(name string, fsys fs.FS)
	Run(ctx context.Context) error
	Rollback(ctx context.Context) error
	Status(ctx context.Context) ([]MigrationStatus, error)
}

type MigrationStatus struct {
	Schema  string
	Version int64
	Path    string
	Applied bool
}

type schema struct {
	name string
	fsys fs.FS
}

type migrationManager struct {
	pool    *pgxpool.Pool
	log     *logrus.Entry
	schemas []schema
}

func NewMigrationManager(pool *pgxpool.Pool, logger *logrus.Logger) MigrationManager {
	return &migrationManager{
		pool: pool,
		log:  logger.WithField("component", "migrations"),
	}
}

func (m *migrationManager) RegisterSchema(name string, fsys fs.FS) {
	m.schemas = append(m.schemas, schema{name: name, fsys: fsys})
}

func (m *migrationManager) open() (*sql.DB, error) {
	if m.pool == nil {
		return nil, errors.New("migrations need a database pool")
	}
	return sql.Open("postgres", m.pool.Config().ConnString())
}

func (m *migrationManager) provider(db *sql.DB, s schema) (*goose.Provider, error) {
	store, err := database.NewStore(database.DialectPostgres, fmt.Sprintf("goose_%s_version", s.name))
	if err != nil {
		return nil, err
	}
	return goose.NewProvider("", db, s.fsys, goose.WithStore(store))
}

func (m *migrationManager) each(ctx context.Context, schemas []schema, fn func(context.Context, string, *goose.Provider) error) error {
	db, err := m.open()
	if err != nil {
		return err
	}
	defer db.Close()
	for _, s := range schemas {
		p, err := m.provider(db, s)
		if err != nil {
			return errors.Wrapf(err, "schema %s", s.name)
		}
		if err := fn(ctx, s.name, p); err != nil {
			return errors.Wrapf(err, "schema %s", s.name)
		}
	}
	return nil
}

func (m *migrationManager) Run(ctx context.Context) error {
	return m.each(ctx, m.schemas, func(ctx context.Context, name string, p *goose.Provider) error {
		results, err := p.Up(ctx)
		for _, r := range results {
			m.log.WithFields(logrus.Fields{
				"schema":   name,
				"version":  r.Source.Version,
				"duration": r.Duration,
			}).Info("migration applied")
		}
		return err
	})
}

// Rollback reverts the latest migration of every schema, newest schema first.
func (m *migrationManager) Rollback(ctx context.Context) error {
	reversed := make([]schema, len(m.schemas))
	for i, s := range m.schemas {
		reversed[len(m.schemas)-1-i] = s
	}
	return m.each(ctx, reversed, func(ctx context.Context, name string, p *goose.Provider) error {
		r, err := p.Down(ctx)
		if err != nil {
			if errors.Is(err, goose.ErrNoNextVersion) {
				return nil
			}
			return err
		}
		m.log.WithFields(logrus.Fields{"schema": name, "version": r.Source.Version}).Info("migration rolled back")
		return nil
	})
}

func (m *migrationManager) Status(ctx context.Context) ([]MigrationStatus, error) {
	var out []MigrationStatus
	err := m.each(ctx, m.schemas, func(ctx context.Context, name string, p *goose.Provider) error {
		statuses, err := p.Status(ctx)
		if err != nil {
			return err
		}
		for _, st := range statuses {
			out = append(out, MigrationStatus{
				Schema:  name,
				Version: st.Source.Version,
				Path:    st.Source.Path,
				Applied: st.State == goose.StateApplied,
			})
		}
		return nil
	})
	return out, err
}
