package storage

import "sync"

// Unit wraps a Database so the writes of one unit of work can be staged and
// then committed or reverted together. Between Begin and Commit/Revert every
// Put and Delete lands in an overlay; reads consult the overlay first so the
// unit observes its own writes. Revert discards the overlay, leaving the base
// untouched. Outside an active unit all operations pass straight through.
//
// A single overlay serves one writer at a time; callers serialize units (the
// settlement engine's single-flight guard does this for the fill path).
type Unit struct {
	mu     sync.Mutex
	base   Database
	active bool
	// staged holds pending writes; a nil value marks a staged delete.
	staged map[string][]byte
}

// NewUnit wraps base with an inactive overlay.
func NewUnit(base Database) *Unit {
	return &Unit{base: base}
}

// Begin opens the overlay. Staged writes accumulate until Commit or Revert.
func (u *Unit) Begin() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.active = true
	u.staged = make(map[string][]byte)
}

// Commit applies the staged writes to the base database and closes the
// overlay. A write error leaves the overlay closed; the base then holds a
// prefix of the staged writes, which is why Commit is reserved for bases
// whose individual writes do not fail (leveldb, memdb).
func (u *Unit) Commit() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	for key, value := range u.staged {
		var err error
		if value == nil {
			err = u.base.Delete([]byte(key))
		} else {
			err = u.base.Put([]byte(key), value)
		}
		if err != nil {
			u.active = false
			u.staged = nil
			return err
		}
	}
	u.active = false
	u.staged = nil
	return nil
}

// Revert discards the staged writes and closes the overlay.
func (u *Unit) Revert() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.active = false
	u.staged = nil
}

func (u *Unit) Put(key []byte, value []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.active {
		return u.base.Put(key, value)
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	u.staged[string(key)] = cp
	return nil
}

func (u *Unit) Get(key []byte) ([]byte, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.active {
		if value, ok := u.staged[string(key)]; ok {
			if value == nil {
				return nil, ErrNotFound
			}
			cp := make([]byte, len(value))
			copy(cp, value)
			return cp, nil
		}
	}
	return u.base.Get(key)
}

func (u *Unit) Has(key []byte) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.active {
		if value, ok := u.staged[string(key)]; ok {
			return value != nil, nil
		}
	}
	return u.base.Has(key)
}

func (u *Unit) Delete(key []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.active {
		return u.base.Delete(key)
	}
	u.staged[string(key)] = nil
	return nil
}

// Close closes the base database.
func (u *Unit) Close() {
	u.base.Close()
}
