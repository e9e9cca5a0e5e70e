package storage

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/zond/tilehub"

	goccy "github.com/goccy/go-json"
)

// GenerateSessionID creates a unique session ID.
func GenerateSessionID() string {
	return tilehub.NextUniqueID()
}

type sessionIDKey struct{}

func SetSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, id)
}

func SessionID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(sessionIDKey{}).(string)
	return id, ok
}

const (
	AuditSessionStartEvent = "SESSION_START"
	AuditSessionEndEvent   = "SESSION_END"
	AuditNoteCreateEvent   = "NOTE_CREATE"
	AuditAuthFailedEvent   = "AUTH_FAILED"
)

// AuditLogger writes security-relevant events to a log file as JSON lines.
type AuditLogger struct {
	mu   sync.Mutex
	file *os.File
}

// AuditData is the interface for typed audit event data.
type AuditData interface {
	auditData()
}

type AuditEntry struct {
	Time      string    `json:"time"`
	SessionID string    `json:"session_id,omitempty"`
	Event     string    `json:"event"`
	Data      AuditData `json:"data"`
}

type AuditSessionStart struct {
	Player     string `json:"player"`
	Connection string `json:"connection"`
	Remote     string `json:"remote"`
}

func (AuditSessionStart) auditData() {}

type AuditSessionEnd struct {
	Player     string `json:"player"`
	Connection string `json:"connection"`
}

func (AuditSessionEnd) auditData() {}

type AuditNoteCreate struct {
	Player     string `json:"player"`
	Connection string `json:"connection"`
	ChunkID    string `json:"chunk_id"`
	Position   [2]int `json:"position"`
}

func (AuditNoteCreate) auditData() {}

// AuditAuthFailed is logged when a websocket or HTTP caller presents an unverifiable token.
type AuditAuthFailed struct {
	Remote string `json:"remote"`
	Reason string `json:"reason"`
}

func (AuditAuthFailed) auditData() {}

func NewAuditLogger(path string) (*AuditLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, tilehub.WithStack(err)
	}
	return &AuditLogger{file: f}, nil
}

// Log writes a structured audit entry and flushes it to disk. A nil or closed logger discards
// entries. Panics if encoding fails (indicates a bug in the typed AuditData structs).
func (a *AuditLogger) Log(ctx context.Context, event string, data AuditData) {
	if a == nil {
		return
	}
	sessionID, _ := SessionID(ctx)
	b, err := goccy.Marshal(AuditEntry{
		Time:      time.Now().UTC().Format(time.RFC3339Nano),
		SessionID: sessionID,
		Event:     event,
		Data:      data,
	})
	if err != nil {
		panic(fmt.Sprintf("audit log encode failed: %v", err))
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		log.Printf("audit log closed, dropping %s", event)
		return
	}
	if _, err := a.file.Write(append(b, '\n')); err != nil {
		log.Printf("audit log write failed: %v", err)
		return
	}
	if err := a.file.Sync(); err != nil {
		log.Printf("audit log sync failed: %v", err)
	}
}

func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return tilehub.WithStack(err)
}
