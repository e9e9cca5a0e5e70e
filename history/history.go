// Package history records, per player and chunk, a compact token stream of what the player
// did there, with idle gaps folded into sleep tokens.
package history

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/zond/tilehub"
	"github.com/zond/tilehub/chunk"
	"github.com/zond/tilehub/storage/dbm"
)

// Token values are stored as-is and must never be renumbered.
type Token int

const (
	Right         Token = 1
	Left          Token = 2
	Up            Token = 3
	Down          Token = 4
	Color         Token = 5
	DirectMessage Token = 6
	SleepSecond   Token = 7
	SleepMinute   Token = 8
	SleepHour     Token = 9
)

// MaxActions is how many tokens a chunk log keeps; older ones are dropped first.
const MaxActions = 1000

var (
	ErrUnknownToken = errors.New("unknown history token")
)

func (t Token) String() string {
	switch t {
	case Right:
		return "right"
	case Left:
		return "left"
	case Up:
		return "up"
	case Down:
		return "down"
	case Color:
		return "color"
	case DirectMessage:
		return "dm"
	case SleepSecond:
		return "sleep-1s"
	case SleepMinute:
		return "sleep-1m"
	case SleepHour:
		return "sleep-1h"
	}
	return fmt.Sprintf("Token(%d)", int(t))
}

func (t Token) Valid() bool {
	return t >= Right && t <= SleepHour
}

func MoveToken(d chunk.Direction) Token {
	switch d {
	case chunk.Up:
		return Up
	case chunk.Down:
		return Down
	case chunk.Left:
		return Left
	default:
		return Right
	}
}

type ChunkLog struct {
	Actions []Token `json:"actions"`
	LastTS  *int64  `json:"last_ts"`
}

// Sleep appends the idle tokens for delta seconds: hours, then minutes, then seconds.
func (c *ChunkLog) Sleep(delta int64) {
	if delta <= 0 {
		return
	}
	hours := delta / 3600
	// Anything beyond MaxActions hour tokens would be dropped again by the cap.
	if hours > MaxActions {
		hours = MaxActions
	}
	minutes := (delta % 3600) / 60
	seconds := delta % 60
	for range hours {
		c.Actions = append(c.Actions, SleepHour)
	}
	for range minutes {
		c.Actions = append(c.Actions, SleepMinute)
	}
	for range seconds {
		c.Actions = append(c.Actions, SleepSecond)
	}
}

func (c *ChunkLog) append(tok Token, now int64) {
	if c.LastTS != nil {
		c.Sleep(max(0, now-*c.LastTS))
	}
	c.Actions = append(c.Actions, tok)
	if over := len(c.Actions) - MaxActions; over > 0 {
		c.Actions = append([]Token{}, c.Actions[over:]...)
	}
	c.LastTS = &now
}

type PlayerLog struct {
	Chunks map[chunk.ID]*ChunkLog `json:"chunks"`
}

// Log persists one PlayerLog record per player.
type Log struct {
	hash *dbm.TypeHash[PlayerLog]
}

func New(h *dbm.Hash) *Log {
	return &Log{hash: &dbm.TypeHash[PlayerLog]{Hash: h}}
}

// Append records tok for playerID in chunkID at now. The whole player record is rewritten
// atomically, and concurrent appends for the same player never lose each other's tokens.
func (l *Log) Append(_ context.Context, playerID string, chunkID chunk.ID, tok Token, now time.Time) error {
	if !tok.Valid() {
		return tilehub.WithStack(fmt.Errorf("%w: %d", ErrUnknownToken, int(tok)))
	}
	return l.hash.Update(playerID, func(p *PlayerLog) (*PlayerLog, error) {
		if p == nil {
			p = &PlayerLog{}
		}
		if p.Chunks == nil {
			p.Chunks = map[chunk.ID]*ChunkLog{}
		}
		c, found := p.Chunks[chunkID]
		if !found || c == nil {
			c = &ChunkLog{Actions: []Token{}}
			p.Chunks[chunkID] = c
		}
		c.append(tok, now.Unix())
		return p, nil
	})
}

// Get returns os.ErrNotExist when the player has no history in the chunk.
func (l *Log) Get(_ context.Context, playerID string, chunkID chunk.ID) (*ChunkLog, error) {
	p, err := l.hash.Get(playerID)
	if err != nil {
		return nil, err
	}
	c, found := p.Chunks[chunkID]
	if !found || c == nil {
		return nil, tilehub.WithStack(errors.Wrapf(os.ErrNotExist, "history of %q in %q", playerID, chunkID))
	}
	return c, nil
}

// Player returns the full record of one player.
func (l *Log) Player(_ context.Context, playerID string) (*PlayerLog, error) {
	return l.hash.Get(playerID)
}

func (l *Log) Players(_ context.Context) ([]string, error) {
	return l.hash.Keys()
}
