// Package chunk names and shapes the fixed-size grids the world is partitioned into.
//
// A chunk id is the decimal text "cx,cy". It is both the in-memory key and the durable
// storage key, so its form must never change.
package chunk

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/zond/tilehub"
	"github.com/zond/tilehub/cell"
)

const (
	W = 64
	H = 64
)

var (
	ErrMalformedID = errors.New("malformed chunk id")
)

type ID string

// Root is where every avatar spawns.
var Root = Of(0, 0)

func Of(cx, cy int) ID {
	return ID(strconv.Itoa(cx) + "," + strconv.Itoa(cy))
}

func Parse(id ID) (cx int, cy int, err error) {
	a, b, found := strings.Cut(string(id), ",")
	if !found {
		return 0, 0, tilehub.WithStack(fmt.Errorf("%w: %q", ErrMalformedID, id))
	}
	if cx, err = parseInt(a); err != nil {
		return 0, 0, tilehub.WithStack(fmt.Errorf("%w: %q", ErrMalformedID, id))
	}
	if cy, err = parseInt(b); err != nil {
		return 0, 0, tilehub.WithStack(fmt.Errorf("%w: %q", ErrMalformedID, id))
	}
	// Signs, leading zeros and "-0" parse, but name the same chunk as another id.
	if Of(cx, cy) != id {
		return 0, 0, tilehub.WithStack(fmt.Errorf("%w: %q is not canonical", ErrMalformedID, id))
	}
	return cx, cy, nil
}

func parseInt(s string) (int, error) {
	if s == "" || strings.TrimSpace(s) != s {
		return 0, errors.Errorf("not an integer: %q", s)
	}
	return strconv.Atoi(s)
}

func (id ID) String() string {
	return string(id)
}

type Direction int

const (
	Up Direction = iota
	Down
	Left
	Right
)

func (d Direction) String() string {
	switch d {
	case Up:
		return "up"
	case Down:
		return "down"
	case Left:
		return "left"
	case Right:
		return "right"
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

// Crossing reports which edge a target position leaves through. It is false when the
// target is inside the grid, or outside on both axes at once.
func Crossing(row, col int) (Direction, bool) {
	rowOut := row < 0 || row >= H
	colOut := col < 0 || col >= W
	if rowOut == colOut {
		return 0, false
	}
	switch {
	case row < 0:
		return Up, true
	case row >= H:
		return Down, true
	case col < 0:
		return Left, true
	default:
		return Right, true
	}
}

func Neighbor(id ID, d Direction) (ID, error) {
	cx, cy, err := Parse(id)
	if err != nil {
		return "", err
	}
	switch d {
	case Up:
		cy--
	case Down:
		cy++
	case Left:
		cx--
	case Right:
		cx++
	}
	return Of(cx, cy), nil
}

// Entry returns where an avatar leaving (row, col) in direction d lands in the neighbor:
// the opposite edge, same column for vertical moves and same row for horizontal ones.
func Entry(d Direction, row, col int) (int, int) {
	switch d {
	case Up:
		return H - 1, col
	case Down:
		return 0, col
	case Left:
		return row, W - 1
	default:
		return row, 0
	}
}

func Inside(row, col int) bool {
	return row >= 0 && row < H && col >= 0 && col < W
}

// Grid is a row-major W*H array of cells.
type Grid [W * H]cell.Cell

func Index(row, col int) int {
	return row*W + col
}

func (g *Grid) At(row, col int) cell.Cell {
	return g[Index(row, col)]
}

func (g *Grid) Set(row, col int, c cell.Cell) {
	g[Index(row, col)] = c
}

func (g *Grid) Bytes() []byte {
	result := make([]byte, len(g))
	for i, c := range g {
		result[i] = byte(c)
	}
	return result
}

func FromBytes(b []byte) (*Grid, error) {
	if len(b) != W*H {
		return nil, errors.Errorf("grid blob has %d bytes, want %d", len(b), W*H)
	}
	g := &Grid{}
	for i := range b {
		g[i] = cell.Cell(b[i])
	}
	return g, nil
}
