package server

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/zond/tilehub"
	"github.com/zond/tilehub/hub"
	"github.com/zond/tilehub/identity"
	"github.com/zond/tilehub/storage"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn is one websocket client. Its write mutex keeps broadcasts, private pushes and error
// replies from interleaving frames.
type wsConn struct {
	id           string
	playerID     string
	ws           *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
}

func (c *wsConn) ID() string {
	return c.id
}

func (c *wsConn) PlayerID() string {
	return c.playerID
}

func (c *wsConn) Send(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return tilehub.WithStack(err)
		}
	}
	return tilehub.WithStack(c.ws.WriteMessage(websocket.TextMessage, b))
}

func (c *wsConn) reply(code, message string) {
	if err := c.Send(hub.ErrorPayload(code, message)); err != nil {
		log.Printf("replying %s to %s: %v", code, c.id, err)
	}
}

func (s *Server) track(c *wsConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	s.handlers.Add(1)
	return true
}

func (s *Server) untrack(c *wsConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
	s.handlers.Done()
}

// handleWS verifies the token before upgrading, so unauthenticated clients never get a socket.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ctx := storage.SetSessionID(r.Context(), storage.GenerateSessionID())
	playerID, err := s.verifier.Verify(identity.FromRequest(r))
	if err != nil {
		s.storage.AuditLog(ctx, storage.AuditAuthFailedEvent, storage.AuditAuthFailed{
			Remote: r.RemoteAddr,
			Reason: errors.Cause(err).Error(),
		})
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("upgrading %s: %v", r.RemoteAddr, err)
		return
	}
	conn := &wsConn{
		id:           tilehub.NextUniqueID(),
		playerID:     playerID,
		ws:           ws,
		writeTimeout: s.config.WriteTimeout,
	}
	defer ws.Close()
	ws.SetReadLimit(hub.MaxCommandSize)
	if !s.track(conn) {
		return
	}
	defer s.untrack(conn)
	if err := s.serve(ctx, conn, r.RemoteAddr); err != nil {
		log.Printf("connection %s: %v", conn.id, err)
		log.Println(tilehub.StackTrace(err))
	}
}

func (s *Server) serve(ctx context.Context, conn *wsConn, remote string) error {
	s.storage.AuditLog(ctx, storage.AuditSessionStartEvent, storage.AuditSessionStart{
		Player:     conn.playerID,
		Connection: conn.id,
		Remote:     remote,
	})
	defer s.storage.AuditLog(ctx, storage.AuditSessionEndEvent, storage.AuditSessionEnd{
		Player:     conn.playerID,
		Connection: conn.id,
	})

	if err := s.hub.Connect(ctx, conn); err != nil {
		conn.writeMu.Lock()
		conn.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "connect failed"), time.Now().Add(time.Second))
		conn.writeMu.Unlock()
		return err
	}
	s.presence.update(ctx, conn.playerID, 1)
	// Every exit from the receive loop takes the avatar out of the world.
	defer func() {
		if err := s.hub.Disconnect(context.WithoutCancel(ctx), conn); err != nil && !errors.Is(err, hub.ErrNotConnected) {
			log.Printf("disconnecting %s: %v", conn.id, err)
		}
		s.presence.update(context.WithoutCancel(ctx), conn.playerID, -1)
	}()

	limiter := rate.NewLimiter(rate.Limit(s.config.CommandRate), max(1, s.config.CommandBurst))
	for {
		_, msg, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Printf("reading from %s: %v", conn.id, err)
			}
			return nil
		}
		cmd, err := hub.ParseCommand(msg)
		if err != nil {
			log.Printf("%s: %v", conn.id, err)
			conn.reply(hub.CodeBadCommand, "malformed command")
			continue
		}
		if s.config.CommandRate > 0 && !limiter.Allow() {
			conn.reply(hub.CodeRateLimited, "too many commands")
			continue
		}
		if err := s.dispatch(ctx, conn, cmd); errors.Is(err, hub.ErrNotConnected) {
			// The hub dropped this connection after a failed send.
			return nil
		} else if rej := (*hub.Rejection)(nil); errors.As(err, &rej) {
			continue
		} else if err != nil {
			log.Printf("%s %q: %v", conn.id, cmd.Name, err)
			log.Println(tilehub.StackTrace(err))
			conn.reply(hub.CodeActionFailed, "action failed")
		}
	}
}

func (s *Server) dispatch(ctx context.Context, conn *wsConn, cmd hub.Command) error {
	if dRow, dCol, ok := cmd.Delta(); ok {
		_, err := s.hub.Move(ctx, conn, dRow, dCol)
		return err
	}
	switch cmd.Kind {
	case hub.Recolor:
		return s.hub.Recolor(ctx, conn)
	case hub.WriteNote:
		return s.hub.WriteNote(ctx, conn, cmd.Content)
	case hub.WhereAmI:
		return s.hub.SendChunk(ctx, conn)
	}
	log.Printf("%s: unknown command %q", conn.id, cmd.Name)
	return nil
}
