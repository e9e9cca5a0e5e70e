package dbm

import (
	"os"
	"path/filepath"
	"testing"
)

func withFile(t testing.TB, f func(string)) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)
	f(filepath.Join(tmpDir, "test"))
}

// WithHash runs f with a fresh hash in a temporary directory.
func WithHash(t testing.TB, f func(*Hash)) {
	t.Helper()
	withFile(t, func(path string) {
		h, err := OpenHash(path)
		if err != nil {
			t.Fatal(err)
		}
		defer h.Close()
		f(h)
	})
}

func WithTypeHash[T any](t testing.TB, f func(*TypeHash[T])) {
	t.Helper()
	withFile(t, func(path string) {
		h, err := OpenTypeHash[T](path)
		if err != nil {
			t.Fatal(err)
		}
		defer h.Close()
		f(h)
	})
}
