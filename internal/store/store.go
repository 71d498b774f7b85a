package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nidhogg/crystalline/internal/memory"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PGStore keeps essence snapshots in PostgreSQL.
type PGStore struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewPG creates a PGStore with a pgx connection pool.
func NewPG(ctx context.Context, dsn string, logger *zap.Logger) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("PostgreSQL connected")
	return &PGStore{db: pool, logger: logger}, nil
}

// Migrate executes the embedded .up.sql files in name order.
func (s *PGStore) Migrate(ctx context.Context) error {
	entries, err := fs.ReadDir(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := migrations.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		s.logger.Info("Migration applied", zap.String("file", f))
	}
	return nil
}

// Save upserts the owner's snapshot in a single statement.
func (s *PGStore) Save(ctx context.Context, e *memory.IdentityEssence) error {
	data, err := encodeSnapshot(e)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO essences (owner_id, snapshot, crystal_count, coherence, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (owner_id) DO UPDATE SET
			snapshot = EXCLUDED.snapshot,
			crystal_count = EXCLUDED.crystal_count,
			coherence = EXCLUDED.coherence,
			updated_at = EXCLUDED.updated_at`,
		e.OwnerID, data, len(e.Crystals), e.Coherence,
	)
	if err != nil {
		return fmt.Errorf("save essence %s: %w", e.OwnerID, err)
	}
	return nil
}

// Load reads the owner's snapshot. It returns memory.ErrEssenceNotFound
// when the owner has no row.
func (s *PGStore) Load(ctx context.Context, owner string) (*memory.IdentityEssence, error) {
	var data []byte
	err := s.db.QueryRow(ctx, `SELECT snapshot FROM essences WHERE owner_id = $1`, owner).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, memory.ErrEssenceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load essence %s: %w", owner, err)
	}
	return decodeSnapshot(owner, data)
}

// Ping checks the database answers.
func (s *PGStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close shuts down the connection pool.
func (s *PGStore) Close() {
	s.db.Close()
}
