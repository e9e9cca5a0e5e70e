// Package cell encodes the state of a single world tile in one byte.
//
// The bit layout is part of the storage and wire format:
//
//	bit 0    is_player
//	bit 1    has_note
//	bit 2..4 low bit of the r, g and b channels
//	bit 5..7 high bit of the r, g and b channels
package cell

import "math/rand/v2"

type Cell byte

const (
	BitIsPlayer = 0
	BitHasNote  = 1
	BitR0       = 2
	BitG0       = 3
	BitB0       = 4
	BitR1       = 5
	BitG1       = 6
	BitB1       = 7
)

// Channel names the low and high bit positions of one 2-bit color channel.
type Channel struct {
	Lo int
	Hi int
}

var (
	R = Channel{Lo: BitR0, Hi: BitR1}
	G = Channel{Lo: BitG0, Hi: BitG1}
	B = Channel{Lo: BitB0, Hi: BitB1}
)

func mask(pos int) Cell {
	return 1 << (uint(pos) & 7)
}

func GetBit(c Cell, pos int) byte {
	if c&mask(pos) != 0 {
		return 1
	}
	return 0
}

func SetBit(c Cell, pos int, one bool) Cell {
	if one {
		return c | mask(pos)
	}
	return c &^ mask(pos)
}

// GetChannel returns hi*2 + lo.
func GetChannel(c Cell, lo, hi int) byte {
	return GetBit(c, hi)*2 + GetBit(c, lo)
}

// SetChannel stores v (masked to 2 bits) in the channel at lo/hi.
func SetChannel(c Cell, lo, hi int, v byte) Cell {
	v &= 3
	c = SetBit(c, lo, v&1 != 0)
	return SetBit(c, hi, v&2 != 0)
}

func MakeColor(r, g, b byte) Cell {
	var c Cell
	c = SetChannel(c, R.Lo, R.Hi, r)
	c = SetChannel(c, G.Lo, G.Hi, g)
	return SetChannel(c, B.Lo, B.Hi, b)
}

// RandomColor picks each channel uniformly from 0..3.
func RandomColor(rng *rand.Rand) Cell {
	return MakeColor(byte(rng.IntN(4)), byte(rng.IntN(4)), byte(rng.IntN(4)))
}

// IncColor rotates every channel one step, wrapping 3 to 0.
func IncColor(c Cell) Cell {
	for _, ch := range []Channel{R, G, B} {
		c = SetChannel(c, ch.Lo, ch.Hi, GetChannel(c, ch.Lo, ch.Hi)+1)
	}
	return c
}

func (c Cell) Color() (r, g, b byte) {
	return GetChannel(c, R.Lo, R.Hi), GetChannel(c, G.Lo, G.Hi), GetChannel(c, B.Lo, B.Hi)
}

func WithPlayer(c Cell) Cell {
	return SetBit(c, BitIsPlayer, true)
}

func WithoutPlayer(c Cell) Cell {
	return SetBit(c, BitIsPlayer, false)
}

func WithNote(c Cell) Cell {
	return SetBit(c, BitHasNote, true)
}

func (c Cell) HasPlayer() bool {
	return GetBit(c, BitIsPlayer) == 1
}

func (c Cell) HasNote() bool {
	return GetBit(c, BitHasNote) == 1
}
