package hub

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/zond/tilehub"
	"github.com/zond/tilehub/cell"
	"github.com/zond/tilehub/chunk"

	goccy "github.com/goccy/go-json"
)

const (
	// MaxNoteLength is in characters.
	MaxNoteLength = 500
	// MaxCommandSize bounds one inbound frame, and leaves room for a fully escaped note.
	MaxCommandSize = 4096
)

var (
	ErrProtocol = errors.New("malformed command")
)

type Kind string

const (
	Unknown   Kind = ""
	MoveUp    Kind = "move-up"
	MoveDown  Kind = "move-down"
	MoveLeft  Kind = "move-left"
	MoveRight Kind = "move-right"
	Recolor   Kind = "recolor"
	WriteNote Kind = "write-note"
	WhereAmI  Kind = "where-am-i"
)

var kinds = map[string]Kind{
	string(MoveUp):    MoveUp,
	string(MoveDown):  MoveDown,
	string(MoveLeft):  MoveLeft,
	string(MoveRight): MoveRight,
	string(Recolor):   Recolor,
	string(WriteNote): WriteNote,
	string(WhereAmI):  WhereAmI,
}

// legacyKinds maps the single key form {"k": ...} older clients send.
var legacyKinds = map[string]Kind{
	"arrowup":    MoveUp,
	"up":         MoveUp,
	"arrowdown":  MoveDown,
	"down":       MoveDown,
	"arrowleft":  MoveLeft,
	"left":       MoveLeft,
	"arrowright": MoveRight,
	"right":      MoveRight,
	"c":          Recolor,
	"color":      Recolor,
	"color++":    Recolor,
	"whereami":   WhereAmI,
}

// Command is one decoded inbound message. Kind is Unknown for well-formed messages naming a
// command this server does not know, and Name then holds what the client sent.
type Command struct {
	Kind    Kind
	Name    string
	Content string
}

type rawCommand struct {
	Command *string `json:"command"`
	Content string  `json:"content"`
	K       *string `json:"k"`
}

func ParseCommand(b []byte) (Command, error) {
	raw := rawCommand{}
	if err := goccy.Unmarshal(b, &raw); err != nil {
		return Command{}, tilehub.WithStack(fmt.Errorf("%w: %v", ErrProtocol, err))
	}
	cmd := Command{Content: raw.Content}
	switch {
	case raw.Command != nil:
		cmd.Kind, cmd.Name = kinds[*raw.Command], *raw.Command
	case raw.K != nil:
		cmd.Kind, cmd.Name = legacyKinds[strings.ToLower(*raw.K)], *raw.K
	default:
		return Command{}, tilehub.WithStack(fmt.Errorf("%w: no command in %q", ErrProtocol, b))
	}
	if cmd.Kind == WriteNote && utf8.RuneCountInString(cmd.Content) > MaxNoteLength {
		return Command{}, tilehub.WithStack(fmt.Errorf("%w: note longer than %d characters", ErrProtocol, MaxNoteLength))
	}
	return cmd, nil
}

// Delta returns the row and column offsets of a move command.
func (c Command) Delta() (int, int, bool) {
	switch c.Kind {
	case MoveUp:
		return -1, 0, true
	case MoveDown:
		return 1, 0, true
	case MoveLeft:
		return 0, -1, true
	case MoveRight:
		return 0, 1, true
	}
	return 0, 0, false
}

const (
	CodeSpaceOccupied = "SPACE_OCCUPIED"
	CodeActionFailed  = "ACTION_FAILED"
	CodeRateLimited   = "RATE_LIMITED"
	CodeBadCommand    = "BAD_COMMAND"
)

// Rejection is a refused mutation. It is a normal outcome reported to the requester, not a fault.
type Rejection struct {
	Code    string
	Message string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Code, r.Message)
}

// cells marshals as a JSON array of numbers rather than the base64 string []byte would give.
type cells []cell.Cell

func (c cells) MarshalJSON() ([]byte, error) {
	buf := make([]byte, 0, len(c)*4+2)
	buf = append(buf, '[')
	for i, v := range c {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = strconv.AppendUint(buf, uint64(v), 10)
	}
	return append(buf, ']'), nil
}

type Matrix struct {
	Type         string   `json:"type"`
	W            int      `json:"w"`
	H            int      `json:"h"`
	Data         cells    `json:"data"`
	ChunkID      chunk.ID `json:"chunk_id"`
	TotalPlayers int      `json:"total_players"`
}

type NoteMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type Announcement struct {
	Type     string   `json:"type"`
	Message  string   `json:"message"`
	ChunkID  chunk.ID `json:"chunk_id"`
	Position [2]int   `json:"position"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func encode(v any) []byte {
	b, err := goccy.Marshal(v)
	if err != nil {
		// Every outbound type is a plain struct; failing here is a bug.
		panic(fmt.Sprintf("encoding %T: %v", v, err))
	}
	return b
}

func matrixMessage(id chunk.ID, g *chunk.Grid, total int) []byte {
	return encode(Matrix{
		Type:         "matrix",
		W:            chunk.W,
		H:            chunk.H,
		Data:         cells(g[:]),
		ChunkID:      id,
		TotalPlayers: total,
	})
}

func noteMessage(n any) []byte {
	return encode(NoteMessage{Type: "note", Data: n})
}

func announcementMessage(id chunk.ID, row, col int) []byte {
	return encode(Announcement{
		Type:     "announcement",
		Message:  "a note was hidden here",
		ChunkID:  id,
		Position: [2]int{row, col},
	})
}

// ErrorPayload encodes an error message for a single connection.
func ErrorPayload(code, message string) []byte {
	return encode(ErrorMessage{Type: "error", Code: code, Message: message})
}
