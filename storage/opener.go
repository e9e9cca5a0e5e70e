package storage

import (
	"fmt"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	"github.com/zond/tilehub"
	"github.com/zond/tilehub/storage/dbm"

	_ "modernc.org/sqlite"
)

// opener remembers the first failure, so a sequence of opens can be checked once at the end.
type opener struct {
	Dir string
	Err error
}

func (o *opener) OpenHash(name string) *dbm.Hash {
	if o.Err != nil {
		return nil
	}
	h, err := dbm.OpenHash(filepath.Join(o.Dir, name))
	if err != nil {
		o.Err = err
	}
	return h
}

func (o *opener) OpenSQL(name string) *sqlx.DB {
	if o.Err != nil {
		return nil
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)", filepath.Join(o.Dir, name))
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		o.Err = tilehub.WithStack(err)
		return nil
	}
	// One connection keeps the pragmas in force and serializes writers.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		o.Err = tilehub.WithStack(err)
		return nil
	}
	return db
}

func (o *opener) OpenAudit(name string) *AuditLogger {
	if o.Err != nil {
		return nil
	}
	a, err := NewAuditLogger(filepath.Join(o.Dir, name))
	if err != nil {
		o.Err = err
	}
	return a
}
