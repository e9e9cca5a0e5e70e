package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/buildkite/shellwords"
	"github.com/dustin/go-humanize"
	"github.com/gertd/go-pluralize"
	"github.com/gliderlabs/ssh"
	"github.com/pkg/errors"
	"github.com/rodaine/table"
	"github.com/zond/tilehub"
	"github.com/zond/tilehub/chunk"
	"github.com/zond/tilehub/history"
	"github.com/zond/tilehub/hub"
	"github.com/zond/tilehub/storage"
	"golang.org/x/term"

	gossh "golang.org/x/crypto/ssh"
)

var (
	errQuit = errors.New("quit")

	pluralizer = pluralize.NewClient()
)

// console is the operator shell served over SSH. Only keys listed in authorizedPath get in.
type console struct {
	hub            *hub.Hub
	history        *history.Log
	notes          storage.NoteStore
	authorizedPath string
}

func (c *console) authorize(ctx ssh.Context, key ssh.PublicKey) bool {
	if c.authorized(key) {
		return true
	}
	log.Printf("console login refused for %s with %s", ctx.RemoteAddr(), gossh.FingerprintSHA256(key))
	return false
}

func (c *console) authorized(key ssh.PublicKey) bool {
	b, err := os.ReadFile(c.authorizedPath)
	if errors.Is(err, os.ErrNotExist) {
		return false
	} else if err != nil {
		log.Printf("reading %q: %v", c.authorizedPath, err)
		return false
	}
	for len(bytes.TrimSpace(b)) > 0 {
		authorized, _, _, rest, err := gossh.ParseAuthorizedKey(b)
		if err != nil {
			log.Printf("parsing %q: %v", c.authorizedPath, err)
			return false
		}
		if ssh.KeysEqual(key, authorized) {
			return true
		}
		b = rest
	}
	return false
}

func (c *console) handleSession(sess ssh.Session) {
	t := term.NewTerminal(sess, "> ")
	fmt.Fprintf(t, "tilehub console, %s connected. Try 'help'.\n", pluralizer.Pluralize("avatar", c.hub.Connected(), true))
	for {
		line, err := t.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("console %s: %v", sess.RemoteAddr(), err)
			}
			return
		}
		if err := c.run(sess.Context(), t, line); errors.Is(err, errQuit) {
			return
		} else if err != nil {
			fmt.Fprintln(t, err)
		}
	}
}

type consoleCommand struct {
	names map[string]bool
	usage string
	f     func(ctx context.Context, w io.Writer, args []string) error
}

func m(s ...string) map[string]bool {
	res := map[string]bool{}
	for _, p := range s {
		res[p] = true
	}
	return res
}

func (c *console) commands() []consoleCommand {
	return []consoleCommand{
		{
			names: m("who"),
			usage: "who: list connected avatars",
			f:     c.who,
		},
		{
			names: m("chunks"),
			usage: "chunks: list loaded chunks",
			f:     c.chunks,
		},
		{
			names: m("players"),
			usage: "players: list players with recorded history",
			f:     c.players,
		},
		{
			names: m("history", "h"),
			usage: "history PLAYER [CHUNK]: show the chunks a player visited, or their actions in one",
			f:     c.showHistory,
		},
		{
			names: m("note"),
			usage: "note CHUNK ROW COL: show the note hidden at a cell",
			f:     c.note,
		},
		{
			names: m("quit", "exit"),
			usage: "quit: leave the console",
			f: func(context.Context, io.Writer, []string) error {
				return errQuit
			},
		},
	}
}

func (c *console) run(ctx context.Context, w io.Writer, line string) error {
	parts, err := shellwords.SplitPosix(line)
	if err != nil {
		return tilehub.WithStack(err)
	}
	if len(parts) == 0 {
		return nil
	}
	cmds := c.commands()
	if parts[0] == "help" || parts[0] == "?" {
		for _, cmd := range cmds {
			fmt.Fprintln(w, cmd.usage)
		}
		return nil
	}
	for _, cmd := range cmds {
		if cmd.names[parts[0]] {
			return cmd.f(ctx, w, parts[1:])
		}
	}
	fmt.Fprintf(w, "Unknown command: %q\n", parts[0])
	return nil
}

func (c *console) who(_ context.Context, w io.Writer, _ []string) error {
	avatars := c.hub.Avatars()
	sort.Slice(avatars, func(i, j int) bool {
		if avatars[i].PlayerID != avatars[j].PlayerID {
			return avatars[i].PlayerID < avatars[j].PlayerID
		}
		return avatars[i].ConnID < avatars[j].ConnID
	})
	t := table.New("Player", "Connection", "Chunk", "Row", "Col", "Color").WithWriter(w)
	for _, a := range avatars {
		r, g, b := a.Color.Color()
		t.AddRow(a.PlayerID, a.ConnID, a.ChunkID, a.Row, a.Col, fmt.Sprintf("%d/%d/%d", r, g, b))
	}
	t.Print()
	fmt.Fprintln(w, pluralizer.Pluralize("avatar", len(avatars), true))
	return nil
}

func (c *console) chunks(_ context.Context, w io.Writer, _ []string) error {
	views := c.hub.Chunks()
	sort.Slice(views, func(i, j int) bool {
		return views[i].ID < views[j].ID
	})
	t := table.New("Chunk", "Watchers", "Players", "Notes").WithWriter(w)
	for _, v := range views {
		t.AddRow(v.ID, v.Watchers, v.Players, v.Notes)
	}
	t.Print()
	fmt.Fprintf(w, "%s loaded\n", pluralizer.Pluralize("chunk", len(views), true))
	return nil
}

func (c *console) players(ctx context.Context, w io.Writer, _ []string) error {
	ids, err := c.history.Players(ctx)
	if err != nil {
		return err
	}
	sort.Strings(ids)
	t := table.New("Player", "Online").WithWriter(w)
	for _, id := range ids {
		t.AddRow(id, c.hub.IsPlayerConnected(id))
	}
	t.Print()
	return nil
}

// runs renders tokens with repeats collapsed, like "right x3 sleep-1m x2".
func runs(tokens []history.Token) string {
	parts := []string{}
	for i := 0; i < len(tokens); {
		j := i
		for j < len(tokens) && tokens[j] == tokens[i] {
			j++
		}
		if n := j - i; n > 1 {
			parts = append(parts, fmt.Sprintf("%v x%d", tokens[i], n))
		} else {
			parts = append(parts, tokens[i].String())
		}
		i = j
	}
	return strings.Join(parts, " ")
}

func lastSeen(ts *int64) string {
	if ts == nil {
		return "never"
	}
	return humanize.Time(time.Unix(*ts, 0))
}

func (c *console) showHistory(ctx context.Context, w io.Writer, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("usage: history PLAYER [CHUNK]")
	}
	if len(args) == 2 {
		cl, err := c.history.Get(ctx, args[0], chunk.ID(args[1]))
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(w, "No history for %q in %q\n", args[0], args[1])
			return nil
		} else if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s, last active %s\n", pluralizer.Pluralize("action", len(cl.Actions), true), lastSeen(cl.LastTS))
		fmt.Fprintln(w, runs(cl.Actions))
		return nil
	}
	p, err := c.history.Player(ctx, args[0])
	if errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(w, "No history for %q\n", args[0])
		return nil
	} else if err != nil {
		return err
	}
	ids := make([]string, 0, len(p.Chunks))
	for id := range p.Chunks {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)
	t := table.New("Chunk", "Actions", "Last Active").WithWriter(w)
	for _, id := range ids {
		cl := p.Chunks[chunk.ID(id)]
		t.AddRow(id, len(cl.Actions), lastSeen(cl.LastTS))
	}
	t.Print()
	return nil
}

func (c *console) note(ctx context.Context, w io.Writer, args []string) error {
	if len(args) != 3 {
		return errors.New("usage: note CHUNK ROW COL")
	}
	id := chunk.ID(args[0])
	if _, _, err := chunk.Parse(id); err != nil {
		return err
	}
	row, err := strconv.Atoi(args[1])
	if err != nil {
		return tilehub.WithStack(err)
	}
	col, err := strconv.Atoi(args[2])
	if err != nil {
		return tilehub.WithStack(err)
	}
	n, err := c.notes.Get(ctx, id, row, col)
	if errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(w, "Nothing hidden at %s %d %d\n", id, row, col)
		return nil
	} else if err != nil {
		return err
	}
	fmt.Fprintf(w, "%q\nby %s, %s\n", n.Content, n.Author, humanize.Time(n.CreatedAt))
	return nil
}
