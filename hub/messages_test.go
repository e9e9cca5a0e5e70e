package hub

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/zond/tilehub/cell"
	"github.com/zond/tilehub/chunk"

	goccy "github.com/goccy/go-json"
)

func TestParseCommand(t *testing.T) {
	for _, tc := range []struct {
		name    string
		input   string
		want    Command
		wantErr error
	}{
		{"move", `{"command":"move-up"}`, Command{Kind: MoveUp, Name: "move-up"}, nil},
		{"note", `{"command":"write-note","content":"hi there"}`, Command{Kind: WriteNote, Name: "write-note", Content: "hi there"}, nil},
		{"where", `{"command":"where-am-i"}`, Command{Kind: WhereAmI, Name: "where-am-i"}, nil},
		{"unknown", `{"command":"dance"}`, Command{Kind: Unknown, Name: "dance"}, nil},
		{"legacy arrow", `{"k":"ArrowLeft"}`, Command{Kind: MoveLeft, Name: "ArrowLeft"}, nil},
		{"legacy short", `{"k":"down"}`, Command{Kind: MoveDown, Name: "down"}, nil},
		{"legacy color", `{"k":"color++"}`, Command{Kind: Recolor, Name: "color++"}, nil},
		{"legacy c", `{"k":"C"}`, Command{Kind: Recolor, Name: "C"}, nil},
		{"legacy whereami", `{"k":"whereami"}`, Command{Kind: WhereAmI, Name: "whereami"}, nil},
		{"legacy unknown", `{"k":"jump"}`, Command{Kind: Unknown, Name: "jump"}, nil},
		{"not json", `move-up`, Command{}, ErrProtocol},
		{"no command", `{"content":"x"}`, Command{}, ErrProtocol},
		{"wrong type", `{"command":5}`, Command{}, ErrProtocol},
		{"longest note", `{"command":"write-note","content":"` + strings.Repeat("å", MaxNoteLength) + `"}`, Command{Kind: WriteNote, Name: "write-note", Content: strings.Repeat("å", MaxNoteLength)}, nil},
		{"note too long", `{"command":"write-note","content":"` + strings.Repeat("a", MaxNoteLength+1) + `"}`, Command{}, ErrProtocol},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseCommand([]byte(tc.input))
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("got error %v, want %v", err, tc.wantErr)
			}
			if diff := cmp.Diff(got, tc.want); diff != "" {
				t.Errorf("command differs: %v", diff)
			}
		})
	}
}

func TestDelta(t *testing.T) {
	for kind, want := range map[Kind][2]int{MoveUp: {-1, 0}, MoveDown: {1, 0}, MoveLeft: {0, -1}, MoveRight: {0, 1}} {
		dRow, dCol, ok := Command{Kind: kind}.Delta()
		if !ok || dRow != want[0] || dCol != want[1] {
			t.Errorf("%v.Delta() = %v, %v, %v", kind, dRow, dCol, ok)
		}
	}
	if _, _, ok := (Command{Kind: Recolor}).Delta(); ok {
		t.Errorf("recolor has a delta")
	}
}

func TestMatrixEncoding(t *testing.T) {
	g := &chunk.Grid{}
	g.Set(0, 1, cell.Cell(255))
	g.Set(chunk.H-1, chunk.W-1, cell.Cell(7))
	decoded := struct {
		Type         string `json:"type"`
		W            int    `json:"w"`
		H            int    `json:"h"`
		Data         []int  `json:"data"`
		ChunkID      string `json:"chunk_id"`
		TotalPlayers int    `json:"total_players"`
	}{}
	if err := goccy.Unmarshal(matrixMessage(chunk.Of(-1, 2), g, 3), &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Type != "matrix" || decoded.W != chunk.W || decoded.H != chunk.H || decoded.ChunkID != "-1,2" || decoded.TotalPlayers != 3 {
		t.Errorf("header: %+v", decoded)
	}
	if len(decoded.Data) != chunk.W*chunk.H || decoded.Data[1] != 255 || decoded.Data[len(decoded.Data)-1] != 7 || decoded.Data[0] != 0 {
		t.Errorf("data is not the row-major cell bytes")
	}
}

func TestErrorPayload(t *testing.T) {
	got := map[string]string{}
	if err := goccy.Unmarshal(ErrorPayload(CodeRateLimited, "slow down"), &got); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(got, map[string]string{"type": "error", "code": "RATE_LIMITED", "message": "slow down"}); diff != "" {
		t.Errorf("payload: %v", diff)
	}
}
