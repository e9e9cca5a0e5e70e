package cell

import (
	"math/rand/v2"
	"testing"
)

func TestSetBitOnlyTouchesItsBit(t *testing.T) {
	for b := 0; b < 256; b++ {
		c := Cell(b)
		for pos := 0; pos < 8; pos++ {
			set := SetBit(c, pos, true)
			if got := GetBit(set, pos); got != 1 {
				t.Fatalf("GetBit(SetBit(%08b, %v, true)) = %v, want 1", c, pos, got)
			}
			cleared := SetBit(c, pos, false)
			if got := GetBit(cleared, pos); got != 0 {
				t.Fatalf("GetBit(SetBit(%08b, %v, false)) = %v, want 0", c, pos, got)
			}
			others := ^Cell(1 << pos)
			if set&others != c&others || cleared&others != c&others {
				t.Fatalf("SetBit(%08b, %v, ...) changed other bits: %08b / %08b", c, pos, set, cleared)
			}
		}
	}
}

func TestChannelRoundTrip(t *testing.T) {
	for b := 0; b < 256; b++ {
		for _, ch := range []Channel{R, G, B} {
			for x := byte(0); x < 4; x++ {
				c := SetChannel(Cell(b), ch.Lo, ch.Hi, x)
				if got := GetChannel(c, ch.Lo, ch.Hi); got != x {
					t.Fatalf("GetChannel(SetChannel(%08b, %+v, %v)) = %v", b, ch, x, got)
				}
			}
		}
	}
}

func TestSetChannelMasksValue(t *testing.T) {
	if got, want := SetChannel(0, R.Lo, R.Hi, 7), SetChannel(0, R.Lo, R.Hi, 3); got != want {
		t.Errorf("got %08b, want %08b", got, want)
	}
	if got := GetChannel(SetChannel(0, G.Lo, G.Hi, 6), G.Lo, G.Hi); got != 2 {
		t.Errorf("got %v, want 2", got)
	}
}

func TestOutOfRangePositionsDoNotPanic(t *testing.T) {
	for _, pos := range []int{-1, 8, 9, 1000} {
		c := SetBit(0, pos, true)
		if GetBit(c, pos) != 1 {
			t.Errorf("position %v did not round trip", pos)
		}
	}
}

func TestMakeColor(t *testing.T) {
	c := MakeColor(1, 2, 3)
	if c.HasPlayer() || c.HasNote() {
		t.Errorf("MakeColor set flag bits: %08b", c)
	}
	if r, g, b := c.Color(); r != 1 || g != 2 || b != 3 {
		t.Errorf("got %v,%v,%v, want 1,2,3", r, g, b)
	}
	if want := Cell(1<<BitR0 | 1<<BitG1 | 1<<BitB0 | 1<<BitB1); c != want {
		t.Errorf("got %08b, want %08b", c, want)
	}
}

func TestPlayerBit(t *testing.T) {
	for b := 0; b < 256; b++ {
		c := Cell(b)
		with := WithPlayer(c)
		if !with.HasPlayer() || with|1 != c|1 {
			t.Fatalf("WithPlayer(%08b) = %08b", c, with)
		}
		without := WithoutPlayer(c)
		if without.HasPlayer() || without|1 != c|1 {
			t.Fatalf("WithoutPlayer(%08b) = %08b", c, without)
		}
	}
}

func TestIncColor(t *testing.T) {
	c := WithNote(MakeColor(0, 1, 3))
	got := IncColor(c)
	if r, g, b := got.Color(); r != 1 || g != 2 || b != 0 {
		t.Errorf("got %v,%v,%v, want 1,2,0", r, g, b)
	}
	if !got.HasNote() {
		t.Errorf("IncColor dropped the note bit")
	}
}

func TestRandomColorHasNoFlags(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for range 100 {
		if c := RandomColor(rng); c&3 != 0 {
			t.Fatalf("RandomColor produced flag bits: %08b", c)
		}
	}
}
