package integration_test

import (
	"fmt"
	"time"

	"github.com/zond/tilehub/chunk"
	"github.com/zond/tilehub/hub"
)

// waitForCondition polls until the condition returns true or timeout expires.
func waitForCondition(timeout time.Duration, interval time.Duration, condition func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(interval)
	}
	return false
}

// avatar returns the live avatar of playerID.
func (ts *TestServer) avatar(playerID string) (hub.AvatarView, bool) {
	for _, a := range ts.Hub().Avatars() {
		if a.PlayerID == playerID {
			return a, true
		}
	}
	return hub.AvatarView{}, false
}

var moveCommands = map[chunk.Direction]string{
	chunk.Up:    string(hub.MoveUp),
	chunk.Down:  string(hub.MoveDown),
	chunk.Left:  string(hub.MoveLeft),
	chunk.Right: string(hub.MoveRight),
}

// step moves playerID one cell and waits until the hub has it at the new cell.
func (ts *TestServer) step(c *wsClient, playerID string, dir chunk.Direction) error {
	before, found := ts.avatar(playerID)
	if !found {
		return fmt.Errorf("%q has no avatar", playerID)
	}
	row, col := before.Row, before.Col
	switch dir {
	case chunk.Up:
		row--
	case chunk.Down:
		row++
	case chunk.Left:
		col--
	case chunk.Right:
		col++
	}
	if err := c.send(moveCommands[dir], ""); err != nil {
		return err
	}
	if !waitForCondition(defaultWaitTimeout, 10*time.Millisecond, func() bool {
		a, found := ts.avatar(playerID)
		return found && a.Row == row && a.Col == col
	}) {
		after, _ := ts.avatar(playerID)
		return fmt.Errorf("%q did not move %v from %+v, now at %+v", playerID, dir, before, after)
	}
	return nil
}

// walkTo moves playerID within its chunk, first along rows then along columns. The caller
// keeps the path clear.
func (ts *TestServer) walkTo(c *wsClient, playerID string, row, col int) error {
	for {
		a, found := ts.avatar(playerID)
		if !found {
			return fmt.Errorf("%q has no avatar", playerID)
		}
		var dir chunk.Direction
		switch {
		case a.Row < row:
			dir = chunk.Down
		case a.Row > row:
			dir = chunk.Up
		case a.Col < col:
			dir = chunk.Right
		case a.Col > col:
			dir = chunk.Left
		default:
			return nil
		}
		if err := ts.step(c, playerID, dir); err != nil {
			return err
		}
	}
}
