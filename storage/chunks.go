package storage

import (
	"context"
	"database/sql"
	"os"
	"time"

	"github.com/go-pkgz/expirable-cache/v3"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/zond/tilehub"
	"github.com/zond/tilehub/cell"
	"github.com/zond/tilehub/chunk"
)

var (
	ErrCorruptChunk = errors.New("corrupt chunk record")
)

const (
	chunkCacheSize = 1024
	chunkCacheTTL  = 30 * time.Minute
)

// ChunkStore persists chunk grids keyed by chunk id.
type ChunkStore interface {
	Load(ctx context.Context, id chunk.ID) (*chunk.Grid, error)
	Save(ctx context.Context, id chunk.ID, g *chunk.Grid) error
	ListIDs(ctx context.Context) ([]chunk.ID, error)
	ClearAllPlayerBits(ctx context.Context) error
}

const chunkSchema = `
CREATE TABLE IF NOT EXISTS chunks (
	id TEXT PRIMARY KEY,
	w INTEGER NOT NULL,
	h INTEGER NOT NULL,
	data BLOB NOT NULL,
	last_used INTEGER NOT NULL
)`

type chunkRow struct {
	ID       string `db:"id"`
	W        int    `db:"w"`
	H        int    `db:"h"`
	Data     []byte `db:"data"`
	LastUsed int64  `db:"last_used"`
}

func (r *chunkRow) grid() (*chunk.Grid, error) {
	if r.W != chunk.W || r.H != chunk.H {
		return nil, tilehub.WithStack(errors.Wrapf(ErrCorruptChunk, "%q is %dx%d", r.ID, r.W, r.H))
	}
	g, err := chunk.FromBytes(r.Data)
	if err != nil {
		return nil, tilehub.WithStack(errors.Wrapf(ErrCorruptChunk, "%q: %v", r.ID, err))
	}
	return g, nil
}

// SQLChunks keeps grids in the chunks table, with a bounded write-through cache in front.
type SQLChunks struct {
	db    *sqlx.DB
	cache cache.Cache[chunk.ID, chunk.Grid]
	Now   func() time.Time
}

func NewSQLChunks(ctx context.Context, db *sqlx.DB) (*SQLChunks, error) {
	if _, err := db.ExecContext(ctx, chunkSchema); err != nil {
		return nil, tilehub.WithStack(err)
	}
	return &SQLChunks{
		db:    db,
		cache: cache.NewCache[chunk.ID, chunk.Grid]().WithMaxKeys(chunkCacheSize).WithLRU().WithTTL(chunkCacheTTL),
		Now:   time.Now,
	}, nil
}

func (s *SQLChunks) touch(ctx context.Context, id chunk.ID) error {
	if _, err := s.db.ExecContext(ctx, "UPDATE chunks SET last_used = ? WHERE id = ?", s.Now().Unix(), string(id)); err != nil {
		return tilehub.WithStack(err)
	}
	return nil
}

// Load returns a private copy of the stored grid, or os.ErrNotExist.
func (s *SQLChunks) Load(ctx context.Context, id chunk.ID) (*chunk.Grid, error) {
	if g, found := s.cache.Get(id); found {
		if err := s.touch(ctx, id); err != nil {
			return nil, err
		}
		return &g, nil
	}
	row := &chunkRow{}
	if err := s.db.GetContext(ctx, row, "SELECT id, w, h, data, last_used FROM chunks WHERE id = ?", string(id)); errors.Is(err, sql.ErrNoRows) {
		return nil, tilehub.WithStack(errors.Wrapf(os.ErrNotExist, "chunk %q", id))
	} else if err != nil {
		return nil, tilehub.WithStack(err)
	}
	g, err := row.grid()
	if err != nil {
		return nil, err
	}
	if err := s.touch(ctx, id); err != nil {
		return nil, err
	}
	s.cache.Set(id, *g, 0)
	return g, nil
}

// Save upserts the grid. The cache only sees the grid once the row is written.
func (s *SQLChunks) Save(ctx context.Context, id chunk.ID, g *chunk.Grid) error {
	if _, err := s.db.NamedExecContext(ctx, `
INSERT INTO chunks (id, w, h, data, last_used) VALUES (:id, :w, :h, :data, :last_used)
ON CONFLICT(id) DO UPDATE SET w = excluded.w, h = excluded.h, data = excluded.data, last_used = excluded.last_used`, &chunkRow{
		ID:       string(id),
		W:        chunk.W,
		H:        chunk.H,
		Data:     g.Bytes(),
		LastUsed: s.Now().Unix(),
	}); err != nil {
		return tilehub.WithStack(err)
	}
	s.cache.Set(id, *g, 0)
	return nil
}

func (s *SQLChunks) ListIDs(ctx context.Context) ([]chunk.ID, error) {
	ids := []string{}
	if err := s.db.SelectContext(ctx, &ids, "SELECT id FROM chunks ORDER BY id"); err != nil {
		return nil, tilehub.WithStack(err)
	}
	result := make([]chunk.ID, len(ids))
	for i, id := range ids {
		result[i] = chunk.ID(id)
	}
	return result, nil
}

// ClearAllPlayerBits removes every avatar glyph from every stored grid in one transaction.
// Nobody is connected when it runs, so any player bit is left over from a crash.
func (s *SQLChunks) ClearAllPlayerBits(ctx context.Context) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return tilehub.WithStack(err)
	}
	defer tx.Rollback()
	rows := []chunkRow{}
	if err := tx.SelectContext(ctx, &rows, "SELECT id, w, h, data, last_used FROM chunks"); err != nil {
		return tilehub.WithStack(err)
	}
	for _, row := range rows {
		changed := false
		for i, b := range row.Data {
			if c := cell.Cell(b); c.HasPlayer() {
				row.Data[i] = byte(cell.WithoutPlayer(c))
				changed = true
			}
		}
		if !changed {
			continue
		}
		if _, err := tx.ExecContext(ctx, "UPDATE chunks SET data = ? WHERE id = ?", row.Data, row.ID); err != nil {
			return tilehub.WithStack(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return tilehub.WithStack(err)
	}
	s.cache.Purge()
	return nil
}
