package hub

import (
	"github.com/zond/tilehub/chunk"
)

// watchers tracks which connections receive broadcasts for which chunk.
// It has no lock of its own; the Hub gate guards it.
type watchers map[chunk.ID]map[Conn]struct{}

func (w watchers) attach(id chunk.ID, c Conn) {
	if w[id] == nil {
		w[id] = map[Conn]struct{}{}
	}
	w[id][c] = struct{}{}
}

func (w watchers) detach(id chunk.ID, c Conn) {
	if conns := w[id]; conns != nil {
		delete(conns, c)
		if len(conns) == 0 {
			delete(w, id)
		}
	}
}

func (w watchers) count(id chunk.ID) int {
	return len(w[id])
}

// list copies the watchers of id, so sends can happen after the gate is released.
func (w watchers) list(id chunk.ID) []Conn {
	conns := w[id]
	result := make([]Conn, 0, len(conns))
	for c := range conns {
		result = append(result, c)
	}
	return result
}

// delivery is a payload bound for a fixed set of connections, captured under the gate.
type delivery struct {
	payload []byte
	targets []Conn
}

// fanout sends every delivery and returns the connections whose sends failed.
func fanout(deliveries ...delivery) []Conn {
	var failed []Conn
	seen := map[Conn]bool{}
	for _, d := range deliveries {
		for _, c := range d.targets {
			if seen[c] {
				continue
			}
			if err := c.Send(d.payload); err != nil {
				seen[c] = true
				failed = append(failed, c)
			}
		}
	}
	return failed
}
