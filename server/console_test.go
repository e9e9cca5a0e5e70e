package server

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/zond/tilehub/history"
	"github.com/zond/tilehub/storage"

	gossh "golang.org/x/crypto/ssh"
)

func (ts *testServer) console(t *testing.T) *console {
	return &console{
		hub:            ts.Hub(),
		history:        ts.History(),
		notes:          ts.Storage().Notes,
		authorizedPath: filepath.Join(t.TempDir(), "authorized_keys"),
	}
}

func runConsole(t *testing.T, c *console, line string) string {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := c.run(context.Background(), buf, line); err != nil {
		t.Fatalf("%q: %v", line, err)
	}
	return buf.String()
}

func TestConsoleWho(t *testing.T) {
	withServer(t, nil, func(ts *testServer) {
		c := ts.console(t)
		if out := runConsole(t, c, "who"); !strings.Contains(out, "0 avatars") {
			t.Errorf("got %q, want 0 avatars", out)
		}
		conn := ts.dial(t, "alice")
		readType(t, conn, "matrix")
		out := runConsole(t, c, "who")
		if !strings.Contains(out, "alice") || !strings.Contains(out, "1 avatar") {
			t.Errorf("got %q, want alice and 1 avatar", out)
		}
		if out := runConsole(t, c, "chunks"); !strings.Contains(out, "0,0") || !strings.Contains(out, "1 chunk loaded") {
			t.Errorf("got %q", out)
		}
	})
}

func TestConsoleHistory(t *testing.T) {
	withServer(t, nil, func(ts *testServer) {
		c := ts.console(t)
		ctx := context.Background()
		now := time.Now()
		for _, tok := range []history.Token{history.Right, history.Right, history.Color} {
			if err := ts.History().Append(ctx, "alice", "1,2", tok, now); err != nil {
				t.Fatal(err)
			}
		}
		if out := runConsole(t, c, "history alice"); !strings.Contains(out, "1,2") {
			t.Errorf("got %q, want chunk 1,2", out)
		}
		out := runConsole(t, c, "history alice 1,2")
		if !strings.Contains(out, "3 actions") || !strings.Contains(out, "right x2 color") {
			t.Errorf("got %q", out)
		}
		if out := runConsole(t, c, "history bob"); !strings.Contains(out, "No history") {
			t.Errorf("got %q", out)
		}
		if out := runConsole(t, c, "players"); !strings.Contains(out, "alice") {
			t.Errorf("got %q", out)
		}
		if err := c.run(ctx, &bytes.Buffer{}, "history"); err == nil {
			t.Errorf("history without arguments accepted")
		}
	})
}

func TestConsoleNote(t *testing.T) {
	withServer(t, nil, func(ts *testServer) {
		c := ts.console(t)
		if out := runConsole(t, c, "note 0,0 3 4"); !strings.Contains(out, "Nothing hidden") {
			t.Errorf("got %q", out)
		}
		if err := ts.Storage().Notes.Create(context.Background(), &storage.Note{
			Content:   "under the rug",
			Author:    "conn-1",
			ChunkID:   "0,0",
			Row:       3,
			Col:       4,
			CreatedAt: time.Now(),
		}); err != nil {
			t.Fatal(err)
		}
		if out := runConsole(t, c, "note 0,0 3 4"); !strings.Contains(out, "under the rug") || !strings.Contains(out, "conn-1") {
			t.Errorf("got %q", out)
		}
		if err := c.run(context.Background(), &bytes.Buffer{}, "note x 3 4"); err == nil {
			t.Errorf("malformed chunk id accepted")
		}
	})
}

func TestConsoleMisc(t *testing.T) {
	withServer(t, nil, func(ts *testServer) {
		c := ts.console(t)
		if out := runConsole(t, c, "help"); !strings.Contains(out, "history PLAYER") {
			t.Errorf("got %q", out)
		}
		if out := runConsole(t, c, "dance"); !strings.Contains(out, "Unknown command") {
			t.Errorf("got %q", out)
		}
		if out := runConsole(t, c, "   "); out != "" {
			t.Errorf("got %q for blank line", out)
		}
		if err := c.run(context.Background(), &bytes.Buffer{}, "quit"); !errors.Is(err, errQuit) {
			t.Errorf("got %v, want errQuit", err)
		}
	})
}

func TestRuns(t *testing.T) {
	for _, tc := range []struct {
		tokens []history.Token
		want   string
	}{
		{nil, ""},
		{[]history.Token{history.Up}, "up"},
		{[]history.Token{history.Up, history.Up, history.SleepMinute, history.Down}, "up x2 sleep-1m down"},
	} {
		if got := runs(tc.tokens); got != tc.want {
			t.Errorf("runs(%v) = %q, want %q", tc.tokens, got, tc.want)
		}
	}
}

func TestConsoleAuthorized(t *testing.T) {
	newKey := func() gossh.PublicKey {
		pub, _, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			t.Fatal(err)
		}
		key, err := gossh.NewPublicKey(pub)
		if err != nil {
			t.Fatal(err)
		}
		return key
	}
	allowed, other := newKey(), newKey()
	c := &console{authorizedPath: filepath.Join(t.TempDir(), "authorized_keys")}
	if c.authorized(allowed) {
		t.Errorf("authorized without a key file")
	}
	if err := os.WriteFile(c.authorizedPath, append([]byte("\n"), gossh.MarshalAuthorizedKey(allowed)...), 0600); err != nil {
		t.Fatal(err)
	}
	if !c.authorized(allowed) {
		t.Errorf("listed key refused")
	}
	if c.authorized(other) {
		t.Errorf("unlisted key accepted")
	}
}
