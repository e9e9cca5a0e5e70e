package chunk

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"
)

func TestIDRoundTrip(t *testing.T) {
	cases := [][2]int{{0, 0}, {3, -2}, {-1, -1}, {10, 5}, {math.MaxInt32, math.MinInt32}}
	for range 100 {
		cases = append(cases, [2]int{rand.IntN(2000) - 1000, rand.IntN(2000) - 1000})
	}
	for _, c := range cases {
		id := Of(c[0], c[1])
		cx, cy, err := Parse(id)
		if err != nil {
			t.Fatalf("Parse(%q): %v", id, err)
		}
		if cx != c[0] || cy != c[1] {
			t.Errorf("Parse(Of(%v, %v)) = %v, %v", c[0], c[1], cx, cy)
		}
	}
	if got := Of(3, -2); got != "3,-2" {
		t.Errorf("Of(3, -2) = %q, want \"3,-2\"", got)
	}
}

func TestParseMalformed(t *testing.T) {
	for _, id := range []ID{"", "1", "1,", ",1", "a,b", "1,2,3", "1, 2", " 1,2", "1.5,2", "+1,0", "01,0", "-0,0", "0,-0", "1,+2"} {
		if _, _, err := Parse(id); !errors.Is(err, ErrMalformedID) {
			t.Errorf("Parse(%q) = %v, want ErrMalformedID", id, err)
		}
	}
}

func TestNeighbor(t *testing.T) {
	for _, tc := range []struct {
		dir  Direction
		want ID
	}{
		{Up, "0,-1"},
		{Down, "0,1"},
		{Left, "-1,0"},
		{Right, "1,0"},
	} {
		got, err := Neighbor(Root, tc.dir)
		if err != nil {
			t.Fatal(err)
		}
		if got != tc.want {
			t.Errorf("Neighbor(%q, %v) = %q, want %q", Root, tc.dir, got, tc.want)
		}
	}
}

func TestCrossingAndEntry(t *testing.T) {
	for _, tc := range []struct {
		row, col         int
		dir              Direction
		entryR, entryCol int
	}{
		{-1, 7, Up, H - 1, 7},
		{H, 7, Down, 0, 7},
		{9, -1, Left, 9, W - 1},
		{9, W, Right, 9, 0},
	} {
		dir, ok := Crossing(tc.row, tc.col)
		if !ok || dir != tc.dir {
			t.Errorf("Crossing(%v, %v) = %v, %v, want %v", tc.row, tc.col, dir, ok, tc.dir)
			continue
		}
		srcRow, srcCol := tc.row, tc.col
		if srcRow < 0 {
			srcRow = 0
		} else if srcRow >= H {
			srcRow = H - 1
		}
		if srcCol < 0 {
			srcCol = 0
		} else if srcCol >= W {
			srcCol = W - 1
		}
		r, c := Entry(dir, srcRow, srcCol)
		if r != tc.entryR || c != tc.entryCol {
			t.Errorf("Entry(%v, %v, %v) = %v, %v, want %v, %v", dir, srcRow, srcCol, r, c, tc.entryR, tc.entryCol)
		}
	}
	if _, ok := Crossing(3, 3); ok {
		t.Errorf("inside position reported as crossing")
	}
	if _, ok := Crossing(-1, -1); ok {
		t.Errorf("diagonal exit reported as crossing")
	}
}

func TestGridBytes(t *testing.T) {
	g := &Grid{}
	g.Set(1, 2, 0xAB)
	b := g.Bytes()
	if b[Index(1, 2)] != 0xAB || b[1*W+2] != 0xAB {
		t.Fatalf("row-major layout broken")
	}
	back, err := FromBytes(b)
	if err != nil {
		t.Fatal(err)
	}
	if *back != *g {
		t.Errorf("FromBytes(Bytes()) differs")
	}
	if _, err := FromBytes(b[:10]); err == nil {
		t.Errorf("short blob accepted")
	}
}
