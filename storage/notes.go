package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/zond/tilehub"
	"github.com/zond/tilehub/chunk"
	"github.com/zond/tilehub/storage/dbm"

	goccy "github.com/goccy/go-json"
)

var (
	ErrNoteExists = errors.New("a note is already hidden here")
)

// Note is a short text hidden at one cell. Notes are never changed or removed.
type Note struct {
	Content   string
	Author    string
	ChunkID   chunk.ID
	Row       int
	Col       int
	CreatedAt time.Time
}

type noteRecord struct {
	Content   string   `json:"content"`
	Author    string   `json:"author"`
	ChunkID   chunk.ID `json:"chunk_id"`
	Position  [2]int   `json:"position"`
	Timestamp string   `json:"timestamp"`
}

func (n Note) MarshalJSON() ([]byte, error) {
	return goccy.Marshal(noteRecord{
		Content:   n.Content,
		Author:    n.Author,
		ChunkID:   n.ChunkID,
		Position:  [2]int{n.Row, n.Col},
		Timestamp: n.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
}

func (n *Note) UnmarshalJSON(b []byte) error {
	rec := noteRecord{}
	if err := goccy.Unmarshal(b, &rec); err != nil {
		return tilehub.WithStack(err)
	}
	created, err := time.Parse(time.RFC3339Nano, rec.Timestamp)
	if err != nil {
		return tilehub.WithStack(err)
	}
	*n = Note{
		Content:   rec.Content,
		Author:    rec.Author,
		ChunkID:   rec.ChunkID,
		Row:       rec.Position[0],
		Col:       rec.Position[1],
		CreatedAt: created,
	}
	return nil
}

type NoteStore interface {
	Get(ctx context.Context, id chunk.ID, row, col int) (*Note, error)
	Create(ctx context.Context, n *Note) error
	// Delete only undoes a Create whose cell could not be marked; notes are otherwise permanent.
	Delete(ctx context.Context, id chunk.ID, row, col int) error
}

func noteKey(id chunk.ID, row, col int) string {
	return fmt.Sprintf("%s:%d:%d", id, row, col)
}

// TkrzwNotes keeps one record per noted cell.
type TkrzwNotes struct {
	hash *dbm.TypeHash[Note]
}

func NewTkrzwNotes(h *dbm.Hash) *TkrzwNotes {
	return &TkrzwNotes{hash: &dbm.TypeHash[Note]{Hash: h}}
}

// Get returns os.ErrNotExist when nothing is hidden at the cell.
func (t *TkrzwNotes) Get(_ context.Context, id chunk.ID, row, col int) (*Note, error) {
	return t.hash.Get(noteKey(id, row, col))
}

// Create stores n unless the cell already has a note, in which case ErrNoteExists is returned.
func (t *TkrzwNotes) Create(_ context.Context, n *Note) error {
	if err := t.hash.Set(noteKey(n.ChunkID, n.Row, n.Col), n, false); errors.Is(err, dbm.ErrDuplicate) {
		return tilehub.WithStack(fmt.Errorf("%w: %s", ErrNoteExists, noteKey(n.ChunkID, n.Row, n.Col)))
	} else if err != nil {
		return err
	}
	return nil
}

// Delete returns os.ErrNotExist when nothing is hidden at the cell.
func (t *TkrzwNotes) Delete(_ context.Context, id chunk.ID, row, col int) error {
	return t.hash.Del(noteKey(id, row, col))
}

func (t *TkrzwNotes) Count() (int, error) {
	return t.hash.Count()
}
