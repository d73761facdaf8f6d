package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/okian/demandcast/internal/domain/model"
	"github.com/okian/demandcast/pkg/logger"
)

const memoryDSN = ":memory:"

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore keeps descriptors in a SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	now    func() time.Time
	logger logger.Logger
}

// Open opens (or creates) the database at path and migrates it. An empty
// path opens a private in-memory database.
func Open(ctx context.Context, path string, opts ...Option) (*SQLiteStore, error) {
	if path == "" {
		path = memoryDSN
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == memoryDSN {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else {
		for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("%s: %w", pragma, err)
			}
		}
	}

	s := New(db, opts...)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// New wraps an open database. Call Migrate before use.
func New(db *sql.DB, opts ...Option) *SQLiteStore {
	s := &SQLiteStore{
		db:     db,
		now:    time.Now,
		logger: logger.Default().Named("repository"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SQLiteStore) Save(ctx context.Context, d model.Descriptor) (model.Descriptor, error) {
	if strings.TrimSpace(d.Name) == "" || d.Kind == "" {
		return model.Descriptor{}, fmt.Errorf("%w: name and kind are required", ErrInvalidDescriptor)
	}
	params, err := json.Marshal(d.Parameters.Clone())
	if err != nil {
		return model.Descriptor{}, fmt.Errorf("%w: %w", ErrInvalidDescriptor, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Descriptor{}, fmt.Errorf("begin save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var version int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM model_descriptors WHERE name = ?`, d.Name,
	).Scan(&version); err != nil {
		return model.Descriptor{}, fmt.Errorf("next version of %s: %w", d.Name, err)
	}

	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	d.Version = version + 1
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now()
	}
	d.CreatedAt = d.CreatedAt.UTC()
	d.Parameters = d.Parameters.Clone()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO model_descriptors (id, name, version, kind, parameters, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, d.ID, d.Name, d.Version, d.Kind, string(params), d.CreatedAt.Format(time.RFC3339Nano)); err != nil {
		return model.Descriptor{}, fmt.Errorf("insert descriptor %s: %w", d.Name, err)
	}
	if err := tx.Commit(); err != nil {
		return model.Descriptor{}, fmt.Errorf("commit descriptor %s: %w", d.Name, err)
	}

	s.logger.Debug(ctx, "descriptor saved",
		logger.String("name", d.Name),
		logger.Int("version", d.Version),
		logger.String("kind", d.Kind),
	)
	return d, nil
}

func (s *SQLiteStore) Latest(ctx context.Context, name string) (model.Descriptor, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, version, kind, parameters, created_at
		FROM model_descriptors WHERE name = ?
		ORDER BY version DESC LIMIT 1
	`, name)
	d, err := scanDescriptor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Descriptor{}, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return d, err
}

func (s *SQLiteStore) List(ctx context.Context) ([]model.Descriptor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, version, kind, parameters, created_at
		FROM model_descriptors ORDER BY name, version
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.Descriptor
	for rows.Next() {
		d, err := scanDescriptor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

type scanner interface {
	Scan(dest ...any) error
}

func scanDescriptor(sc scanner) (model.Descriptor, error) {
	var (
		d       model.Descriptor
		params  string
		created string
	)
	if err := sc.Scan(&d.ID, &d.Name, &d.Version, &d.Kind, &params, &created); err != nil {
		return model.Descriptor{}, err
	}
	if err := json.Unmarshal([]byte(params), &d.Parameters); err != nil {
		return model.Descriptor{}, fmt.Errorf("decode parameters of %s: %w", d.Name, err)
	}
	t, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return model.Descriptor{}, fmt.Errorf("decode created_at of %s: %w", d.Name, err)
	}
	d.CreatedAt = t
	return d, nil
}
