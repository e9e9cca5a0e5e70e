package dbm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type testObj struct {
	I int    `json:"i"`
	S string `json:"s"`
}

func TestGetSet(t *testing.T) {
	WithHash(t, func(h *Hash) {
		if _, err := h.Get("a"); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("got %v, want os.ErrNotExist", err)
		}
		if err := h.Set("a", []byte("1"), false); err != nil {
			t.Fatal(err)
		}
		if err := h.Set("a", []byte("2"), false); !errors.Is(err, ErrDuplicate) {
			t.Errorf("got %v, want ErrDuplicate", err)
		}
		got, err := h.Get("a")
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != "1" {
			t.Errorf("got %q, want \"1\"", got)
		}
		if err := h.Set("a", []byte("3"), true); err != nil {
			t.Fatal(err)
		}
		if got, _ := h.Get("a"); string(got) != "3" {
			t.Errorf("got %q, want \"3\"", got)
		}
		if err := h.Del("a"); err != nil {
			t.Fatal(err)
		}
		if err := h.Del("a"); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("got %v, want os.ErrNotExist", err)
		}
	})
}

func TestKeys(t *testing.T) {
	WithHash(t, func(h *Hash) {
		keys, err := h.Keys()
		if err != nil {
			t.Fatal(err)
		}
		if len(keys) != 0 {
			t.Errorf("got %v, want no keys", keys)
		}
		want := []string{}
		for i := range 20 {
			key := fmt.Sprintf("k%02d", i)
			want = append(want, key)
			if err := h.Set(key, []byte{byte(i)}, true); err != nil {
				t.Fatal(err)
			}
		}
		got, err := h.Keys()
		if err != nil {
			t.Fatal(err)
		}
		sort.Strings(got)
		if diff := cmp.Diff(got, want); diff != "" {
			t.Errorf("keys differ: %v", diff)
		}
		if count, err := h.Count(); err != nil || count != 20 {
			t.Errorf("got %v, %v, want 20", count, err)
		}
	})
}

func TestTypeHash(t *testing.T) {
	WithTypeHash(t, func(th *TypeHash[testObj]) {
		want := &testObj{I: 1, S: "s"}
		if err := th.Set("a", want, true); err != nil {
			t.Fatal(err)
		}
		got, err := th.Get("a")
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(got, want); diff != "" {
			t.Errorf("got %+v, want %+v: %v", got, want, diff)
		}
	})
}

func TestUpdate(t *testing.T) {
	WithTypeHash(t, func(th *TypeHash[testObj]) {
		wg := &sync.WaitGroup{}
		for range 50 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := th.Update("counter", func(old *testObj) (*testObj, error) {
					if old == nil {
						old = &testObj{S: "counter"}
					}
					old.I++
					return old, nil
				}); err != nil {
					t.Error(err)
				}
			}()
		}
		wg.Wait()
		got, err := th.Get("counter")
		if err != nil {
			t.Fatal(err)
		}
		if got.I != 50 {
			t.Errorf("got %v, want 50", got.I)
		}

		wantErr := fmt.Errorf("wantErr")
		if err := th.Update("counter", func(old *testObj) (*testObj, error) {
			old.I = 1000
			return old, wantErr
		}); !errors.Is(err, wantErr) {
			t.Errorf("got %v, want %v", err, wantErr)
		}
		if got, _ := th.Get("counter"); got.I != 50 {
			t.Errorf("failed update was stored: %+v", got)
		}
	})
}

func TestReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reopen")
	h, err := OpenHash(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Set("k", []byte("v"), true); err != nil {
		t.Fatal(err)
	}
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	if h, err = OpenHash(path); err != nil {
		t.Fatal(err)
	}
	defer h.Close()
	if got, err := h.Get("k"); err != nil || string(got) != "v" {
		t.Errorf("got %q, %v, want \"v\"", got, err)
	}
}
