// Package storage holds the durable world: chunk grids in SQLite, hidden notes and action
// history in tkrzw hashes, and the audit log.
package storage

import (
	"context"

	"github.com/zond/tilehub"
	"github.com/zond/tilehub/storage/dbm"
)

type Storage struct {
	Chunks  *SQLChunks
	Notes   *TkrzwNotes
	History *dbm.Hash
	audit   *AuditLogger
	closers []func() error
}

// New opens (creating if necessary) every store under dir.
func New(ctx context.Context, dir string) (*Storage, error) {
	o := &opener{Dir: dir}
	db := o.OpenSQL("world.db")
	notes := o.OpenHash("notes")
	hist := o.OpenHash("history")
	audit := o.OpenAudit("audit.log")
	s := &Storage{
		History: hist,
		audit:   audit,
	}
	if db != nil {
		s.closers = append(s.closers, db.Close)
	}
	if notes != nil {
		s.closers = append(s.closers, notes.Close)
	}
	if hist != nil {
		s.closers = append(s.closers, hist.Close)
	}
	if audit != nil {
		s.closers = append(s.closers, audit.Close)
	}
	if o.Err != nil {
		s.Close()
		return nil, o.Err
	}
	chunks, err := NewSQLChunks(ctx, db)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Chunks = chunks
	s.Notes = NewTkrzwNotes(notes)
	return s, nil
}

func (s *Storage) AuditLog(ctx context.Context, event string, data AuditData) {
	s.audit.Log(ctx, event, data)
}

func (s *Storage) Audit() *AuditLogger {
	return s.audit
}

func (s *Storage) Close() error {
	errs := tilehub.Errs{}
	for _, c := range s.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	if len(errs) > 0 {
		return errs
	}
	return nil
}
