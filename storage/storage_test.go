package storage

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/bxcodec/faker/v4"
	"github.com/google/go-cmp/cmp"
	"github.com/zond/tilehub/cell"
	"github.com/zond/tilehub/chunk"

	goccy "github.com/goccy/go-json"
)

func withStorageDir(t *testing.T, dir string, f func(s *Storage)) {
	t.Helper()
	s, err := New(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := s.Close(); err != nil {
			t.Error(err)
		}
	}()
	f(s)
}

func withStorage(t *testing.T, f func(s *Storage)) {
	t.Helper()
	withStorageDir(t, t.TempDir(), f)
}

func TestChunkRoundTrip(t *testing.T) {
	withStorage(t, func(s *Storage) {
		ctx := context.Background()
		if _, err := s.Chunks.Load(ctx, chunk.Root); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("got %v, want os.ErrNotExist", err)
		}
		g := &chunk.Grid{}
		g.Set(3, 4, cell.WithPlayer(cell.MakeColor(1, 2, 3)))
		g.Set(63, 63, cell.WithNote(0))
		if err := s.Chunks.Save(ctx, chunk.Root, g); err != nil {
			t.Fatal(err)
		}
		got, err := s.Chunks.Load(ctx, chunk.Root)
		if err != nil {
			t.Fatal(err)
		}
		if *got != *g {
			t.Errorf("loaded grid differs from saved grid")
		}
		got.Set(0, 0, 0xff)
		again, err := s.Chunks.Load(ctx, chunk.Root)
		if err != nil {
			t.Fatal(err)
		}
		if again.At(0, 0) != 0 {
			t.Errorf("mutating a loaded grid changed the stored one")
		}
	})
}

func TestChunksSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	g := &chunk.Grid{}
	g.Set(10, 20, cell.MakeColor(3, 3, 3))
	id := chunk.Of(-2, 5)
	withStorageDir(t, dir, func(s *Storage) {
		if err := s.Chunks.Save(context.Background(), id, g); err != nil {
			t.Fatal(err)
		}
	})
	withStorageDir(t, dir, func(s *Storage) {
		got, err := s.Chunks.Load(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if *got != *g {
			t.Errorf("reopened grid differs")
		}
		ids, err := s.Chunks.ListIDs(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(ids, []chunk.ID{id}); diff != "" {
			t.Errorf("ListIDs: %v", diff)
		}
	})
}

func TestLoadRefreshesLastUsed(t *testing.T) {
	withStorage(t, func(s *Storage) {
		ctx := context.Background()
		s.Chunks.Now = func() time.Time { return time.Unix(100, 0) }
		if err := s.Chunks.Save(ctx, chunk.Root, &chunk.Grid{}); err != nil {
			t.Fatal(err)
		}
		s.Chunks.Now = func() time.Time { return time.Unix(200, 0) }
		if _, err := s.Chunks.Load(ctx, chunk.Root); err != nil {
			t.Fatal(err)
		}
		var lastUsed int64
		if err := s.Chunks.db.GetContext(ctx, &lastUsed, "SELECT last_used FROM chunks WHERE id = ?", string(chunk.Root)); err != nil {
			t.Fatal(err)
		}
		if lastUsed != 200 {
			t.Errorf("got last_used %v, want 200", lastUsed)
		}
	})
}

func TestCorruptChunk(t *testing.T) {
	withStorage(t, func(s *Storage) {
		ctx := context.Background()
		if _, err := s.Chunks.db.ExecContext(ctx, "INSERT INTO chunks (id, w, h, data, last_used) VALUES (?, ?, ?, ?, ?)", "1,1", chunk.W, chunk.H, []byte{1, 2, 3}, 0); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Chunks.Load(ctx, chunk.Of(1, 1)); !errors.Is(err, ErrCorruptChunk) {
			t.Errorf("got %v, want ErrCorruptChunk", err)
		}
	})
}

func TestClearAllPlayerBits(t *testing.T) {
	withStorage(t, func(s *Storage) {
		ctx := context.Background()
		grids := map[chunk.ID]*chunk.Grid{}
		for _, id := range []chunk.ID{chunk.Root, chunk.Of(1, 0), chunk.Of(0, -1)} {
			g := &chunk.Grid{}
			for i := range g {
				g[i] = cell.Cell(i % 256)
			}
			grids[id] = g
			if err := s.Chunks.Save(ctx, id, g); err != nil {
				t.Fatal(err)
			}
		}
		if err := s.Chunks.ClearAllPlayerBits(ctx); err != nil {
			t.Fatal(err)
		}
		for id, before := range grids {
			after, err := s.Chunks.Load(ctx, id)
			if err != nil {
				t.Fatal(err)
			}
			for i := range after {
				if after[i].HasPlayer() {
					t.Fatalf("%v[%v] still has a player: %08b", id, i, after[i])
				}
				if after[i] != cell.WithoutPlayer(before[i]) {
					t.Fatalf("%v[%v] = %08b, want %08b", id, i, after[i], cell.WithoutPlayer(before[i]))
				}
			}
		}
	})
}

func TestNoteCreateIsUnique(t *testing.T) {
	withStorage(t, func(s *Storage) {
		ctx := context.Background()
		if _, err := s.Notes.Get(ctx, chunk.Root, 5, 6); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("got %v, want os.ErrNotExist", err)
		}
		wg := &sync.WaitGroup{}
		mu := &sync.Mutex{}
		created := 0
		for range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.Notes.Create(ctx, &Note{
					Content:   faker.Sentence(),
					Author:    faker.UUIDHyphenated(),
					ChunkID:   chunk.Root,
					Row:       5,
					Col:       6,
					CreatedAt: time.Now(),
				})
				if err == nil {
					mu.Lock()
					created++
					mu.Unlock()
				} else if !errors.Is(err, ErrNoteExists) {
					t.Error(err)
				}
			}()
		}
		wg.Wait()
		if created != 1 {
			t.Errorf("%v notes created at one cell, want 1", created)
		}
		if count, err := s.Notes.Count(); err != nil || count != 1 {
			t.Errorf("got %v, %v notes, want 1", count, err)
		}
	})
}

func TestNoteDeleteFreesCell(t *testing.T) {
	withStorage(t, func(s *Storage) {
		ctx := context.Background()
		n := &Note{Content: faker.Sentence(), Author: faker.UUIDHyphenated(), ChunkID: chunk.Root, Row: 1, Col: 2, CreatedAt: time.Now()}
		if err := s.Notes.Create(ctx, n); err != nil {
			t.Fatal(err)
		}
		if err := s.Notes.Delete(ctx, chunk.Root, 1, 2); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Notes.Get(ctx, chunk.Root, 1, 2); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("got %v, want os.ErrNotExist", err)
		}
		if err := s.Notes.Delete(ctx, chunk.Root, 1, 2); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("got %v, want os.ErrNotExist", err)
		}
		if err := s.Notes.Create(ctx, n); err != nil {
			t.Errorf("cell still taken: %v", err)
		}
	})
}

func TestNoteRecord(t *testing.T) {
	withStorage(t, func(s *Storage) {
		ctx := context.Background()
		want := &Note{
			Content:   faker.Sentence(),
			Author:    faker.UUIDHyphenated(),
			ChunkID:   chunk.Of(2, -3),
			Row:       7,
			Col:       63,
			CreatedAt: time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC),
		}
		if err := s.Notes.Create(ctx, want); err != nil {
			t.Fatal(err)
		}
		got, err := s.Notes.Get(ctx, want.ChunkID, want.Row, want.Col)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(got, want); diff != "" {
			t.Errorf("note differs: %v", diff)
		}
		raw, err := s.Notes.hash.Hash.Get(noteKey(want.ChunkID, want.Row, want.Col))
		if err != nil {
			t.Fatal(err)
		}
		rec := map[string]any{}
		if err := goccy.Unmarshal(raw, &rec); err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(rec, map[string]any{
			"content":   want.Content,
			"author":    want.Author,
			"chunk_id":  "2,-3",
			"position":  []any{float64(7), float64(63)},
			"timestamp": "2024-05-06T07:08:09Z",
		}); diff != "" {
			t.Errorf("stored record shape: %v", diff)
		}
	})
}
