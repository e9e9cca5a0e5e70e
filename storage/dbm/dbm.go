// Package dbm wraps tkrzw hash databases opened in hard-sync restore mode, so every
// single-record write is durable and readers never see a half-written value.
package dbm

import (
	"fmt"
	"os"
	"sync"

	"github.com/estraier/tkrzw-go"
	"github.com/pkg/errors"
	"github.com/zond/tilehub"

	goccy "github.com/goccy/go-json"
)

var (
	ErrDuplicate = errors.New("record already exists")
)

type Hash struct {
	dbm   *tkrzw.DBM
	mutex *sync.RWMutex
}

func (h *Hash) Get(k string) ([]byte, error) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.getNOLOCK(k)
}

func (h *Hash) getNOLOCK(k string) ([]byte, error) {
	b, stat := h.dbm.Get(k)
	if stat.GetCode() == tkrzw.StatusNotFoundError {
		return nil, tilehub.WithStack(os.ErrNotExist)
	} else if !stat.IsOK() {
		return nil, tilehub.WithStack(stat)
	}
	return b, nil
}

// Set stores v under k. Without overwrite an existing record yields ErrDuplicate.
func (h *Hash) Set(k string, v []byte, overwrite bool) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.setNOLOCK(k, v, overwrite)
}

func (h *Hash) setNOLOCK(k string, v []byte, overwrite bool) error {
	stat := h.dbm.Set(k, v, overwrite)
	if stat.GetCode() == tkrzw.StatusDuplicationError {
		return tilehub.WithStack(fmt.Errorf("%w: %q", ErrDuplicate, k))
	} else if !stat.IsOK() {
		return tilehub.WithStack(stat)
	}
	return nil
}

func (h *Hash) Del(k string) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if stat := h.dbm.Remove(k); stat.GetCode() == tkrzw.StatusNotFoundError {
		return tilehub.WithStack(os.ErrNotExist)
	} else if !stat.IsOK() {
		return tilehub.WithStack(stat)
	}
	return nil
}

// Update runs f on the current value of k (nil when absent) and stores the result, with no
// other writer able to interleave. A nil result leaves the record untouched.
func (h *Hash) Update(k string, f func(old []byte) ([]byte, error)) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	old, err := h.getNOLOCK(k)
	if errors.Is(err, os.ErrNotExist) {
		old = nil
	} else if err != nil {
		return err
	}
	updated, err := f(old)
	if err != nil {
		return tilehub.WithStack(err)
	}
	if updated == nil {
		return nil
	}
	return h.setNOLOCK(k, updated, true)
}

func (h *Hash) Keys() ([]string, error) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	iter := h.dbm.MakeIterator()
	defer iter.Destruct()
	result := []string{}
	stat := iter.First()
	for ; stat.IsOK(); stat = iter.Next() {
		key, getStat := iter.GetKey()
		if getStat.GetCode() == tkrzw.StatusNotFoundError {
			break
		} else if !getStat.IsOK() {
			return nil, tilehub.WithStack(getStat)
		}
		result = append(result, string(key))
	}
	if !stat.IsOK() && stat.GetCode() != tkrzw.StatusNotFoundError {
		return nil, tilehub.WithStack(stat)
	}
	return result, nil
}

func (h *Hash) Count() (int, error) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	count, stat := h.dbm.Count()
	if !stat.IsOK() {
		return 0, tilehub.WithStack(stat)
	}
	return int(count), nil
}

func (h *Hash) Close() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if stat := h.dbm.Close(); !stat.IsOK() {
		return tilehub.WithStack(stat)
	}
	return nil
}

// TypeHash stores JSON encoded T values.
type TypeHash[T any] struct {
	*Hash
}

func (h *TypeHash[T]) Get(k string) (*T, error) {
	b, err := h.Hash.Get(k)
	if err != nil {
		return nil, err
	}
	t := new(T)
	if err := goccy.Unmarshal(b, t); err != nil {
		return nil, tilehub.WithStack(err)
	}
	return t, nil
}

func (h *TypeHash[T]) Set(k string, v *T, overwrite bool) error {
	b, err := goccy.Marshal(v)
	if err != nil {
		return tilehub.WithStack(err)
	}
	return h.Hash.Set(k, b, overwrite)
}

// Update is Hash.Update on decoded values; f receives nil when k is absent.
func (h *TypeHash[T]) Update(k string, f func(old *T) (*T, error)) error {
	return h.Hash.Update(k, func(b []byte) ([]byte, error) {
		var old *T
		if b != nil {
			old = new(T)
			if err := goccy.Unmarshal(b, old); err != nil {
				return nil, tilehub.WithStack(err)
			}
		}
		updated, err := f(old)
		if err != nil || updated == nil {
			return nil, err
		}
		return goccy.Marshal(updated)
	})
}

func OpenHash(path string) (*Hash, error) {
	dbm := tkrzw.NewDBM()
	stat := dbm.Open(fmt.Sprintf("%s.tkh", path), true, map[string]string{
		"update_mode":      "UPDATE_APPENDING",
		"record_comp_mode": "RECORD_COMP_NONE",
		"restore_mode":     "RESTORE_SYNC|RESTORE_NO_SHORTCUTS|RESTORE_WITH_HARDSYNC",
	})
	if !stat.IsOK() {
		return nil, tilehub.WithStack(stat)
	}
	return &Hash{dbm, &sync.RWMutex{}}, nil
}

func OpenTypeHash[T any](path string) (*TypeHash[T], error) {
	h, err := OpenHash(path)
	if err != nil {
		return nil, tilehub.WithStack(err)
	}
	return &TypeHash[T]{h}, nil
}
