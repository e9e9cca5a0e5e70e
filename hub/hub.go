// Package hub owns the live world: loaded grids, avatars and the watchers of every chunk.
//
// Every mutation runs under one gate for the whole Hub. Payloads are encoded under the gate
// and sent after it is released, so a slow peer never blocks anyone else's mutation.
package hub

import (
	"context"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/zond/tilehub"
	"github.com/zond/tilehub/cell"
	"github.com/zond/tilehub/chunk"
	"github.com/zond/tilehub/history"
	"github.com/zond/tilehub/storage"
)

const (
	spawnAttempts = 4096
)

var (
	ErrNotConnected     = errors.New("connection has no avatar")
	ErrAlreadyConnected = errors.New("connection already has an avatar")
	ErrPeerUnreachable  = errors.New("peer unreachable")
)

// Conn is one live client.
type Conn interface {
	// ID is unique per connection and is recorded as the author of notes.
	ID() string
	// PlayerID is the verified identity behind the connection, and keys its history.
	PlayerID() string
	Send(b []byte) error
}

// History receives an action token for every committed move, recolor and direct message.
type History interface {
	Append(ctx context.Context, playerID string, chunkID chunk.ID, tok history.Token, now time.Time) error
}

type Options struct {
	Chunks  storage.ChunkStore
	Notes   storage.NoteStore
	History History
	Audit   *storage.AuditLogger
	Rand    *rand.Rand
	Now     func() time.Time
	Logger  *log.Logger
}

type position struct {
	chunkID chunk.ID
	row     int
	col     int
}

type avatar struct {
	conn       Conn
	pos        position
	visible    cell.Cell
	underlying cell.Cell
	color      cell.Cell
	// notified is where this connection was last pushed a note, if anywhere.
	notified *position
}

type Hub struct {
	gate      sync.Mutex
	opts      Options
	grids     map[chunk.ID]*chunk.Grid
	watchers  watchers
	avatars   map[Conn]*avatar
	connected map[Conn]bool
}

func New(ctx context.Context, opts Options) (*Hub, error) {
	if opts.Chunks == nil || opts.Notes == nil {
		return nil, errors.New("hub needs a chunk store and a note store")
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	h := &Hub{
		opts:      opts,
		grids:     map[chunk.ID]*chunk.Grid{},
		watchers:  watchers{},
		avatars:   map[Conn]*avatar{},
		connected: map[Conn]bool{},
	}
	h.gate.Lock()
	defer h.gate.Unlock()
	if _, err := h.gridNOLOCK(ctx, chunk.Root); err != nil {
		return nil, err
	}
	return h, nil
}

// gridNOLOCK returns the cached grid for id, loading it or creating and saving an empty one.
func (h *Hub) gridNOLOCK(ctx context.Context, id chunk.ID) (*chunk.Grid, error) {
	if g, found := h.grids[id]; found {
		return g, nil
	}
	g, err := h.opts.Chunks.Load(ctx, id)
	if errors.Is(err, os.ErrNotExist) {
		g = &chunk.Grid{}
		if err := h.opts.Chunks.Save(ctx, id, g); err != nil {
			storageFailuresCounter.WithLabelValues("create").Inc()
			return nil, err
		}
	} else if err != nil {
		storageFailuresCounter.WithLabelValues("load").Inc()
		return nil, err
	}
	h.grids[id] = g
	return g, nil
}

// saveNOLOCK persists next as the grid of id and only then makes it the live grid.
func (h *Hub) saveNOLOCK(ctx context.Context, op string, id chunk.ID, next *chunk.Grid) error {
	if err := h.opts.Chunks.Save(ctx, id, next); err != nil {
		storageFailuresCounter.WithLabelValues(op).Inc()
		return err
	}
	*h.grids[id] = *next
	return nil
}

func (h *Hub) broadcastNOLOCK(id chunk.ID) delivery {
	return delivery{
		payload: matrixMessage(id, h.grids[id], len(h.connected)),
		targets: h.watchers.list(id),
	}
}

func (h *Hub) randomEmptyCell(g *chunk.Grid) (int, int) {
	for range spawnAttempts {
		row, col := h.opts.Rand.IntN(chunk.H), h.opts.Rand.IntN(chunk.W)
		if !g.At(row, col).HasPlayer() {
			return row, col
		}
	}
	// A full chunk puts the newcomer on top of whoever stands in the center.
	return chunk.H / 2, chunk.W / 2
}

// arrive returns what the destination cell looks like without any avatar, and what it looks
// like with an avatar of the given color standing on it. A hidden note stays marked.
func arrive(dest, color cell.Cell) (underlying, visible cell.Cell) {
	underlying = cell.WithoutPlayer(dest)
	visible = cell.WithPlayer(color)
	if dest.HasNote() {
		visible = cell.WithNote(visible)
	}
	return underlying, visible
}

func (h *Hub) appendHistory(ctx context.Context, a *avatar, tok history.Token) {
	if h.opts.History == nil {
		return
	}
	if err := h.opts.History.Append(ctx, a.conn.PlayerID(), a.pos.chunkID, tok, h.opts.Now()); err != nil {
		storageFailuresCounter.WithLabelValues("history").Inc()
		h.opts.Logger.Printf("appending %v to history of %q: %v", tok, a.conn.PlayerID(), err)
	}
}

// deliver sends after the gate is released, then disconnects every peer whose send failed.
func (h *Hub) deliver(ctx context.Context, deliveries ...delivery) {
	for _, c := range fanout(deliveries...) {
		peerFailuresCounter.Inc()
		h.opts.Logger.Printf("dropping unreachable connection %q", c.ID())
		if err := h.Disconnect(ctx, c); err != nil {
			h.opts.Logger.Printf("disconnecting %q: %v", c.ID(), err)
		}
	}
}

// Connect spawns an avatar for conn at a random free cell of the root chunk.
func (h *Hub) Connect(ctx context.Context, conn Conn) error {
	h.gate.Lock()
	if _, found := h.avatars[conn]; found {
		h.gate.Unlock()
		return tilehub.WithStack(fmt.Errorf("%w: %q", ErrAlreadyConnected, conn.ID()))
	}
	g, err := h.gridNOLOCK(ctx, chunk.Root)
	if err != nil {
		h.gate.Unlock()
		return err
	}
	row, col := h.randomEmptyCell(g)
	color := cell.RandomColor(h.opts.Rand)
	next := *g
	underlying, visible := arrive(next.At(row, col), color)
	next.Set(row, col, visible)
	if err := h.saveNOLOCK(ctx, "connect", chunk.Root, &next); err != nil {
		h.gate.Unlock()
		return err
	}
	h.connected[conn] = true
	h.watchers.attach(chunk.Root, conn)
	h.avatars[conn] = &avatar{
		conn:       conn,
		pos:        position{chunkID: chunk.Root, row: row, col: col},
		visible:    visible,
		underlying: underlying,
		color:      color,
	}
	connectedGauge.Set(float64(len(h.avatars)))
	d := h.broadcastNOLOCK(chunk.Root)
	h.gate.Unlock()

	h.deliver(ctx, d)
	h.checkAfterArrival(ctx, conn)
	return nil
}

// Disconnect removes the avatar of conn and restores the cell it stood on. The restore is
// kept in memory even when persisting it fails, so a gone connection never leaves a glyph
// behind in the live world.
func (h *Hub) Disconnect(ctx context.Context, conn Conn) error {
	h.gate.Lock()
	delete(h.connected, conn)
	a, found := h.avatars[conn]
	if !found {
		h.gate.Unlock()
		return nil
	}
	delete(h.avatars, conn)
	connectedGauge.Set(float64(len(h.avatars)))
	h.watchers.detach(a.pos.chunkID, conn)
	g := h.grids[a.pos.chunkID]
	g.Set(a.pos.row, a.pos.col, a.underlying)
	err := h.opts.Chunks.Save(ctx, a.pos.chunkID, g)
	if err != nil {
		storageFailuresCounter.WithLabelValues("disconnect").Inc()
	}
	d := h.broadcastNOLOCK(a.pos.chunkID)
	h.gate.Unlock()

	if err != nil {
		h.opts.Logger.Printf("persisting departure of %q from %v: %v", conn.ID(), a.pos.chunkID, err)
	}
	h.deliver(ctx, d)
	return err
}

// DisconnectAll removes every avatar, as on shutdown.
func (h *Hub) DisconnectAll(ctx context.Context) error {
	h.gate.Lock()
	conns := make([]Conn, 0, len(h.avatars))
	for c := range h.avatars {
		conns = append(conns, c)
	}
	h.gate.Unlock()
	errs := tilehub.Errs{}
	for _, c := range conns {
		if err := h.Disconnect(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

func directionOf(dRow, dCol int) chunk.Direction {
	switch {
	case dRow < 0:
		return chunk.Up
	case dRow > 0:
		return chunk.Down
	case dCol < 0:
		return chunk.Left
	}
	return chunk.Right
}

// Move tries to move the avatar of conn by (dRow, dCol). It reports false without error when
// the destination is occupied.
func (h *Hub) Move(ctx context.Context, conn Conn, dRow, dCol int) (bool, error) {
	h.gate.Lock()
	a, found := h.avatars[conn]
	if !found {
		h.gate.Unlock()
		return false, tilehub.WithStack(fmt.Errorf("%w: %q", ErrNotConnected, conn.ID()))
	}
	targetRow, targetCol := a.pos.row+dRow, a.pos.col+dCol
	var deliveries []delivery
	if chunk.Inside(targetRow, targetCol) {
		g := h.grids[a.pos.chunkID]
		if g.At(targetRow, targetCol).HasPlayer() {
			h.gate.Unlock()
			movesCounter.WithLabelValues("occupied").Inc()
			return false, nil
		}
		next := *g
		next.Set(a.pos.row, a.pos.col, a.underlying)
		underlying, visible := arrive(next.At(targetRow, targetCol), a.color)
		next.Set(targetRow, targetCol, visible)
		if err := h.saveNOLOCK(ctx, "move", a.pos.chunkID, &next); err != nil {
			h.gate.Unlock()
			return false, err
		}
		a.pos.row, a.pos.col = targetRow, targetCol
		a.underlying, a.visible = underlying, visible
		h.appendHistory(ctx, a, history.MoveToken(directionOf(dRow, dCol)))
		deliveries = append(deliveries, h.broadcastNOLOCK(a.pos.chunkID))
	} else {
		dir, ok := chunk.Crossing(targetRow, targetCol)
		if !ok {
			h.gate.Unlock()
			movesCounter.WithLabelValues("diagonal").Inc()
			return false, nil
		}
		moved, d, err := h.crossNOLOCK(ctx, a, dir)
		if err != nil || !moved {
			h.gate.Unlock()
			if err == nil {
				movesCounter.WithLabelValues("occupied").Inc()
			}
			return false, err
		}
		deliveries = d
	}
	h.gate.Unlock()

	movesCounter.WithLabelValues("moved").Inc()
	h.deliver(ctx, deliveries...)
	h.checkAfterArrival(ctx, conn)
	return true, nil
}

// checkAfterArrival runs the note check for an avatar that just landed on a cell. The
// arrival is already committed, so failures are only logged.
func (h *Hub) checkAfterArrival(ctx context.Context, conn Conn) {
	if err := h.CheckForNote(ctx, conn); err != nil {
		h.opts.Logger.Printf("checking for a note under %q: %v", conn.ID(), err)
	}
}

// crossNOLOCK moves a into the neighbor chunk in direction dir. Either both chunks are
// persisted and committed, or neither changes.
func (h *Hub) crossNOLOCK(ctx context.Context, a *avatar, dir chunk.Direction) (bool, []delivery, error) {
	srcID := a.pos.chunkID
	dstID, err := chunk.Neighbor(srcID, dir)
	if err != nil {
		return false, nil, err
	}
	dst, err := h.gridNOLOCK(ctx, dstID)
	if err != nil {
		return false, nil, err
	}
	entryRow, entryCol := chunk.Entry(dir, a.pos.row, a.pos.col)
	if dst.At(entryRow, entryCol).HasPlayer() {
		return false, nil, nil
	}
	src := h.grids[srcID]
	nextSrc := *src
	nextSrc.Set(a.pos.row, a.pos.col, a.underlying)
	if err := h.opts.Chunks.Save(ctx, srcID, &nextSrc); err != nil {
		storageFailuresCounter.WithLabelValues("move").Inc()
		return false, nil, err
	}
	nextDst := *dst
	underlying, visible := arrive(nextDst.At(entryRow, entryCol), a.color)
	nextDst.Set(entryRow, entryCol, visible)
	if err := h.opts.Chunks.Save(ctx, dstID, &nextDst); err != nil {
		storageFailuresCounter.WithLabelValues("move").Inc()
		if restoreErr := h.opts.Chunks.Save(ctx, srcID, src); restoreErr != nil {
			h.opts.Logger.Printf("restoring %v after failed move into %v: %v", srcID, dstID, restoreErr)
		}
		return false, nil, err
	}
	*src = nextSrc
	*dst = nextDst
	h.watchers.detach(srcID, a.conn)
	h.watchers.attach(dstID, a.conn)
	a.pos = position{chunkID: dstID, row: entryRow, col: entryCol}
	a.underlying, a.visible = underlying, visible
	h.appendHistory(ctx, a, history.MoveToken(dir))
	return true, []delivery{h.broadcastNOLOCK(srcID), h.broadcastNOLOCK(dstID)}, nil
}

// Recolor gives the avatar of conn a new random color, which the cell keeps after it leaves.
func (h *Hub) Recolor(ctx context.Context, conn Conn) error {
	h.gate.Lock()
	a, found := h.avatars[conn]
	if !found {
		h.gate.Unlock()
		return tilehub.WithStack(fmt.Errorf("%w: %q", ErrNotConnected, conn.ID()))
	}
	color := cell.RandomColor(h.opts.Rand)
	underlying := color
	visible := cell.WithPlayer(color)
	if a.underlying.HasNote() {
		underlying = cell.WithNote(underlying)
		visible = cell.WithNote(visible)
	}
	next := *h.grids[a.pos.chunkID]
	next.Set(a.pos.row, a.pos.col, visible)
	if err := h.saveNOLOCK(ctx, "recolor", a.pos.chunkID, &next); err != nil {
		h.gate.Unlock()
		return err
	}
	a.color, a.underlying, a.visible = color, underlying, visible
	h.appendHistory(ctx, a, history.Color)
	d := h.broadcastNOLOCK(a.pos.chunkID)
	h.gate.Unlock()

	h.deliver(ctx, d)
	return nil
}

// WriteNote hides content at the current cell of conn. A cell that already has a note yields
// a *Rejection, which is also sent to conn.
func (h *Hub) WriteNote(ctx context.Context, conn Conn, content string) error {
	h.gate.Lock()
	a, found := h.avatars[conn]
	if !found {
		h.gate.Unlock()
		return tilehub.WithStack(fmt.Errorf("%w: %q", ErrNotConnected, conn.ID()))
	}
	pos := a.pos
	g := h.grids[pos.chunkID]
	reject := func() error {
		h.gate.Unlock()
		rej := &Rejection{Code: CodeSpaceOccupied, Message: "This spot already has a note!"}
		if err := conn.Send(ErrorPayload(rej.Code, rej.Message)); err != nil {
			h.dropUnreachable(ctx, conn, err)
		}
		return rej
	}
	if a.underlying.HasNote() || g.At(pos.row, pos.col).HasNote() {
		return reject()
	}
	if _, err := h.opts.Notes.Get(ctx, pos.chunkID, pos.row, pos.col); err == nil {
		return reject()
	} else if !errors.Is(err, os.ErrNotExist) {
		h.gate.Unlock()
		storageFailuresCounter.WithLabelValues("note").Inc()
		return err
	}
	note := &storage.Note{
		Content:   content,
		Author:    conn.ID(),
		ChunkID:   pos.chunkID,
		Row:       pos.row,
		Col:       pos.col,
		CreatedAt: h.opts.Now(),
	}
	if err := h.opts.Notes.Create(ctx, note); errors.Is(err, storage.ErrNoteExists) {
		return reject()
	} else if err != nil {
		h.gate.Unlock()
		storageFailuresCounter.WithLabelValues("note").Inc()
		return err
	}
	visible := cell.WithNote(a.visible)
	next := *g
	next.Set(pos.row, pos.col, visible)
	if err := h.saveNOLOCK(ctx, "note", pos.chunkID, &next); err != nil {
		// An unmarked note would block the cell and never be found.
		if delErr := h.opts.Notes.Delete(ctx, pos.chunkID, pos.row, pos.col); delErr != nil {
			h.opts.Logger.Printf("removing unmarked note at %v (%d, %d): %v", pos.chunkID, pos.row, pos.col, delErr)
		}
		h.gate.Unlock()
		return err
	}
	a.visible = visible
	a.underlying = cell.WithNote(a.underlying)
	// The author already knows what is hidden here.
	a.notified = &pos
	notesCounter.Inc()
	matrix := h.broadcastNOLOCK(pos.chunkID)
	announcement := delivery{
		payload: announcementMessage(pos.chunkID, pos.row, pos.col),
		targets: matrix.targets,
	}
	h.gate.Unlock()

	h.opts.Audit.Log(ctx, storage.AuditNoteCreateEvent, storage.AuditNoteCreate{
		Player:     conn.PlayerID(),
		Connection: conn.ID(),
		ChunkID:    string(pos.chunkID),
		Position:   [2]int{pos.row, pos.col},
	})
	h.deliver(ctx, matrix)
	h.deliver(ctx, announcement)
	return nil
}

func (h *Hub) dropUnreachable(ctx context.Context, conn Conn, cause error) {
	peerFailuresCounter.Inc()
	h.opts.Logger.Printf("dropping unreachable connection %q: %v", conn.ID(), cause)
	if err := h.Disconnect(ctx, conn); err != nil {
		h.opts.Logger.Printf("disconnecting %q: %v", conn.ID(), err)
	}
}

// CheckForNote pushes the note under the avatar of conn, once per arrival at a noted cell.
func (h *Hub) CheckForNote(ctx context.Context, conn Conn) error {
	h.gate.Lock()
	a, found := h.avatars[conn]
	if !found {
		h.gate.Unlock()
		return nil
	}
	pos := a.pos
	if !a.underlying.HasNote() {
		a.notified = nil
		h.gate.Unlock()
		return nil
	}
	if a.notified != nil && *a.notified == pos {
		h.gate.Unlock()
		return nil
	}
	a.notified = &pos
	h.gate.Unlock()

	note, err := h.opts.Notes.Get(ctx, pos.chunkID, pos.row, pos.col)
	if err != nil {
		h.gate.Lock()
		if a.notified != nil && *a.notified == pos {
			a.notified = nil
		}
		h.gate.Unlock()
		if errors.Is(err, os.ErrNotExist) {
			h.opts.Logger.Printf("cell %v (%d, %d) is marked but has no stored note", pos.chunkID, pos.row, pos.col)
			return nil
		}
		return err
	}
	if err := conn.Send(noteMessage(note)); err != nil {
		h.dropUnreachable(ctx, conn, err)
		return tilehub.WithStack(fmt.Errorf("%w: %v", ErrPeerUnreachable, err))
	}
	return nil
}

// SendChunk sends conn a snapshot of the chunk its avatar is in.
func (h *Hub) SendChunk(ctx context.Context, conn Conn) error {
	h.gate.Lock()
	a, found := h.avatars[conn]
	if !found {
		h.gate.Unlock()
		return tilehub.WithStack(fmt.Errorf("%w: %q", ErrNotConnected, conn.ID()))
	}
	payload := matrixMessage(a.pos.chunkID, h.grids[a.pos.chunkID], len(h.connected))
	h.gate.Unlock()

	if err := conn.Send(payload); err != nil {
		h.dropUnreachable(ctx, conn, err)
		return tilehub.WithStack(fmt.Errorf("%w: %v", ErrPeerUnreachable, err))
	}
	return nil
}

// BroadcastChunk sends a snapshot of id to all its watchers.
func (h *Hub) BroadcastChunk(ctx context.Context, id chunk.ID) {
	h.gate.Lock()
	if _, found := h.grids[id]; !found {
		h.gate.Unlock()
		return
	}
	d := h.broadcastNOLOCK(id)
	h.gate.Unlock()
	h.deliver(ctx, d)
}

// Connected returns the number of live avatars.
func (h *Hub) Connected() int {
	h.gate.Lock()
	defer h.gate.Unlock()
	return len(h.connected)
}

func (h *Hub) IsPlayerConnected(playerID string) bool {
	h.gate.Lock()
	defer h.gate.Unlock()
	for c := range h.avatars {
		if c.PlayerID() == playerID {
			return true
		}
	}
	return false
}

type AvatarView struct {
	ConnID   string
	PlayerID string
	ChunkID  chunk.ID
	Row      int
	Col      int
	Color    cell.Cell
}

func (h *Hub) Avatars() []AvatarView {
	h.gate.Lock()
	defer h.gate.Unlock()
	result := make([]AvatarView, 0, len(h.avatars))
	for c, a := range h.avatars {
		result = append(result, AvatarView{
			ConnID:   c.ID(),
			PlayerID: c.PlayerID(),
			ChunkID:  a.pos.chunkID,
			Row:      a.pos.row,
			Col:      a.pos.col,
			Color:    a.color,
		})
	}
	return result
}

type ChunkView struct {
	ID       chunk.ID
	Watchers int
	Players  int
	Notes    int
}

// Chunks describes every grid the Hub has loaded.
func (h *Hub) Chunks() []ChunkView {
	h.gate.Lock()
	defer h.gate.Unlock()
	result := make([]ChunkView, 0, len(h.grids))
	for id, g := range h.grids {
		view := ChunkView{ID: id, Watchers: h.watchers.count(id)}
		for _, c := range g {
			if c.HasPlayer() {
				view.Players++
			}
			if c.HasNote() {
				view.Notes++
			}
		}
		result = append(result, view)
	}
	return result
}

// Cell returns the live value of one cell, if its chunk is loaded.
func (h *Hub) Cell(id chunk.ID, row, col int) (cell.Cell, bool) {
	h.gate.Lock()
	defer h.gate.Unlock()
	g, found := h.grids[id]
	if !found || !chunk.Inside(row, col) {
		return 0, false
	}
	return g.At(row, col), true
}
