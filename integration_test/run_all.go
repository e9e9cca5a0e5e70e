// Package integration_test runs tilehub end to end over real listeners.
//
// # Testing Principles
//
// All interactions use the same interfaces as production: websockets for players, HTTP for
// the collaborating services and SSH for the operator console. Direct calls on the test
// server are only used to find out where avatars are, since the wire protocol only ships
// whole grids.
//
// # Debugging Support
//
// A separate binary (bin/integration_test/main.go) runs these tests and leaves the server
// running afterward, so the world they leave behind can be inspected through the console.
package integration_test

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/zond/tilehub/chunk"
	"github.com/zond/tilehub/hub"
)

const (
	noteContent = "treasure under the oak"
)

func connect(ts *TestServer, playerID string) (*wsClient, error) {
	token, err := ts.Token(playerID)
	if err != nil {
		return nil, err
	}
	return newWSClient(ts.HTTPAddr(), token)
}

func totalPlayers(n int) func(wsMessage) bool {
	return func(m wsMessage) bool {
		return m.TotalPlayers == n
	}
}

// RunAll runs all integration tests in sequence on a single server.
// Returns nil on success, or an error describing what failed.
func RunAll(ts *TestServer) error {
	// === Test 1: Players join the root chunk ===
	fmt.Println("Testing connect...")

	alice, err := connect(ts, "alice")
	if err != nil {
		return fmt.Errorf("connect alice: %w", err)
	}
	defer alice.Close()
	if m, err := alice.waitFor(0, "matrix", totalPlayers(1)); err != nil {
		return err
	} else if m.ChunkID != chunk.Root {
		return fmt.Errorf("alice spawned in %q", m.ChunkID)
	}

	mark := alice.mark()
	bob, err := connect(ts, "bob")
	if err != nil {
		return fmt.Errorf("connect bob: %w", err)
	}
	defer bob.Close()
	if _, err := bob.waitFor(0, "matrix", totalPlayers(2)); err != nil {
		return err
	}
	if _, err := alice.waitFor(mark, "matrix", totalPlayers(2)); err != nil {
		return fmt.Errorf("alice did not see bob arrive: %w", err)
	}

	// === Test 2: Hiding a note ===
	fmt.Println("Testing notes...")

	spot, found := ts.avatar("alice")
	if !found {
		return fmt.Errorf("alice has no avatar")
	}
	mark = bob.mark()
	if err := alice.send(string(hub.WriteNote), noteContent); err != nil {
		return err
	}
	if m, err := bob.waitFor(mark, "announcement", nil); err != nil {
		return fmt.Errorf("bob was not told about the note: %w", err)
	} else if m.Position != [2]int{spot.Row, spot.Col} {
		return fmt.Errorf("announcement at %v, want %v", m.Position, [2]int{spot.Row, spot.Col})
	}

	mark = alice.mark()
	if err := alice.send(string(hub.WriteNote), "again"); err != nil {
		return err
	}
	if _, err := alice.waitFor(mark, "error", func(m wsMessage) bool { return m.Code == hub.CodeSpaceOccupied }); err != nil {
		return fmt.Errorf("second note was not refused: %w", err)
	}

	// === Test 3: Finding the note ===
	fmt.Println("Testing note discovery...")

	// Alice leaves vertically, so the row of the note stays clear.
	away := chunk.Down
	if spot.Row == chunk.H-1 {
		away = chunk.Up
	}
	if err := ts.step(alice, "alice", away); err != nil {
		return err
	}
	b, found := ts.avatar("bob")
	if !found {
		return fmt.Errorf("bob has no avatar")
	}
	// Bob walks rows first, so he must not walk down the column alice is standing in.
	if b.Col == spot.Col {
		sidestep := chunk.Right
		if spot.Col == chunk.W-1 {
			sidestep = chunk.Left
		}
		if err := ts.step(bob, "bob", sidestep); err != nil {
			return err
		}
	}
	mark = bob.mark()
	if err := ts.walkTo(bob, "bob", spot.Row, spot.Col); err != nil {
		return err
	}
	note, err := bob.waitFor(mark, "note", nil)
	if err != nil {
		return fmt.Errorf("bob found nothing: %w", err)
	}
	data, ok := note.Data.(map[string]any)
	if !ok || data["content"] != noteContent || data["chunk_id"] != string(chunk.Root) {
		return fmt.Errorf("bob found %+v", note.Data)
	}

	// === Test 4: Direct messages are recorded ===
	fmt.Println("Testing direct message history...")

	token, err := ts.Token("alice")
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, "http://"+ts.HTTPAddr()+"/history/dm", strings.NewReader(`{"player_id":"alice","chunk_id":"0,0"}`))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("recording dm: %s", resp.Status)
	}

	// === Test 5: The operator console ===
	fmt.Println("Testing console...")

	tc, err := newTerminalClient(ts.SSHAddr(), ts.operator)
	if err != nil {
		return fmt.Errorf("console: %w", err)
	}
	defer tc.Close()
	if _, ok := tc.waitFor(defaultWaitTimeout, "2 avatars connected"); !ok {
		return fmt.Errorf("console greeting missing")
	}
	if _, err := tc.run("who", "alice", "bob", "2 avatars"); err != nil {
		return err
	}
	if _, err := tc.run("history alice 0,0", away.String(), "dm"); err != nil {
		return err
	}
	if _, err := tc.run(fmt.Sprintf("note 0,0 %d %d", spot.Row, spot.Col), noteContent); err != nil {
		return err
	}

	// === Test 6: Leaving ===
	fmt.Println("Testing disconnect...")

	mark = alice.mark()
	bob.Close()
	if _, err := alice.waitFor(mark, "matrix", totalPlayers(1)); err != nil {
		return fmt.Errorf("alice did not see bob leave: %w", err)
	}
	if ts.Hub().IsPlayerConnected("bob") {
		return fmt.Errorf("bob still connected")
	}
	if _, err := tc.run("who", "1 avatar"); err != nil {
		return err
	}

	return nil
}
